// Package cmd provides the ragline CLI commands.
//
// Commands:
//   - crawl: discover and fetch documentation pages into the content cache
//   - embed: chunk cached pages and generate embeddings into the sink
//   - upload: upsert embedded records into the vector store
//   - run: execute all three stages in order
//   - reset: clear stage checkpoints
//
// All commands handle SIGINT/SIGTERM via context cancellation; an
// interrupted stage checkpoints its progress and a later --resume run
// picks up where it stopped.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
	"github.com/ragline/ragline/internal/vectorstore"
)

// Process exit codes.
const (
	ExitOK          = 0 // everything succeeded
	ExitFailure     = 1 // total failure or unexpected error
	ExitConfig      = 2 // configuration error
	ExitConnect     = 3 // upstream connection error
	ExitPartial     = 4 // completed with per-item failures
	ExitInterrupted = 130
)

// errPartial marks a run that finished but left failed items behind.
var errPartial = errors.New("run completed with failures")

var (
	flagConfig      string
	flagVerbose     bool
	flagJSON        bool
	flagConcurrency int
)

var rootCmd = &cobra.Command{
	Use:   "ragline",
	Short: "Resumable batch ingestion pipeline for documentation sites",
	Long: `ragline crawls a documentation site, chunks and embeds its pages and
uploads the vectors to a pgvector store. Every stage checkpoints its
progress; interrupted runs resume with --resume instead of starting over.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"config file (default: ./ragline.yaml, ~/.ragline/ragline.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"emit the run summary as JSON on stdout")
	rootCmd.PersistentFlags().IntVar(&flagConcurrency, "concurrency", 0,
		"override the maximum concurrent upstream calls")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	if !errors.Is(err, errPartial) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps an error to the documented process exit codes.
func exitCode(err error) int {
	var exhausted *throttle.RetriesExhaustedError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case isConfigError(err):
		return ExitConfig
	case errors.Is(err, vectorstore.ErrConnect):
		return ExitConnect
	case errors.As(err, &exhausted):
		// A run-level error that survived every retry means the upstream
		// is unreachable, not that the work itself is bad.
		return ExitConnect
	case errors.Is(err, pipeline.ErrTotalFailure):
		return ExitFailure
	case errors.Is(err, pipeline.ErrThresholdExceeded),
		errors.Is(err, errPartial):
		return ExitPartial
	case errors.Is(err, state.ErrStateDirLocked):
		return ExitConfig
	default:
		return ExitFailure
	}
}

// isConfigError reports whether err stems from configuration validation.
func isConfigError(err error) bool {
	for _, sentinel := range []error{
		config.ErrMissingSiteURL,
		config.ErrInvalidSiteURL,
		config.ErrMissingAPIKey,
		config.ErrInvalidChunking,
		config.ErrInvalidBatchSize,
		config.ErrInvalidConcurrency,
		config.ErrInvalidThreshold,
		config.ErrInvalidRetry,
		config.ErrInvalidDimension,
		config.ErrInvalidPostgresPort,
		config.ErrInvalidCollection,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// newLogger builds the process logger from the persistent flags.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSON})
}

// printSummary writes a stage or run summary to stdout: JSON with --json,
// otherwise indented plain text via the supplied renderer.
func printSummary(v any, render func()) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(v)
	}
	render()
	return nil
}
