package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
	"github.com/ragline/ragline/internal/vectorstore"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"interrupted", context.Canceled, ExitInterrupted},
		{"wrapped interruption", fmt.Errorf("crawl stage: %w", context.Canceled), ExitInterrupted},
		{"missing site URL", fmt.Errorf("loading: %w", config.ErrMissingSiteURL), ExitConfig},
		{"missing API key", config.ErrMissingAPIKey, ExitConfig},
		{"bad chunking", config.ErrInvalidChunking, ExitConfig},
		{"state dir locked", state.ErrStateDirLocked, ExitConfig},
		{"store unreachable", fmt.Errorf("connecting: %w", vectorstore.ErrConnect), ExitConnect},
		{"negative retries", fmt.Errorf("loading: %w", config.ErrInvalidRetry), ExitConfig},
		{"retries exhausted", &throttle.RetriesExhaustedError{
			Op: "GET https://docs.example.com/sitemap.xml", Attempts: 6,
			Err: errors.New("connection reset"),
		}, ExitConnect},
		{"wrapped retries exhausted", fmt.Errorf("crawl stage: %w",
			&throttle.RetriesExhaustedError{Op: "discovery", Attempts: 6,
				Err: errors.New("503")}), ExitConnect},
		{"total failure", fmt.Errorf("%w: crawl completed 0 of 10", pipeline.ErrTotalFailure), ExitFailure},
		{"threshold exceeded", pipeline.ErrThresholdExceeded, ExitPartial},
		{"partial failures", errPartial, ExitPartial},
		{"wrapped partial", fmt.Errorf("%w: 2 of 10 pages failed", errPartial), ExitPartial},
		{"unexpected error", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"crawl", "embed", "upload", "run", "reset", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
