package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/embed"
)

var (
	embedResume       bool
	embedRetryFailed  bool
	embedBatchSize    int
	embedChunkSize    int
	embedChunkOverlap int
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Chunk cached pages and generate embeddings into the sink",
	RunE:  runEmbed,
}

func init() {
	embedCmd.Flags().BoolVar(&embedResume, "resume", false,
		"resume from the previous embed checkpoint")
	embedCmd.Flags().BoolVar(&embedRetryFailed, "retry-failed", false,
		"with --resume, re-attempt chunks that failed in the previous run")
	embedCmd.Flags().IntVar(&embedBatchSize, "batch-size", 0,
		"texts per embedding API call (default from config)")
	embedCmd.Flags().IntVar(&embedChunkSize, "chunk-size", 0,
		"target tokens per chunk (default from config)")
	embedCmd.Flags().IntVar(&embedChunkOverlap, "chunk-overlap", -1,
		"overlap tokens between chunks (default from config)")
	rootCmd.AddCommand(embedCmd)
}

func runEmbed(cmd *cobra.Command, _ []string) error {
	app, err := newApp(func(cfg *config.Config) {
		if embedBatchSize > 0 {
			cfg.EmbedBatchSize = embedBatchSize
		}
		if embedChunkSize > 0 {
			cfg.ChunkSize = embedChunkSize
		}
		if embedChunkOverlap >= 0 {
			cfg.ChunkOverlap = embedChunkOverlap
		}
	})
	if err != nil {
		return err
	}
	defer app.Close()

	stage, err := app.embedStage(cmd.Context())
	if err != nil {
		return err
	}

	summary, err := stage.Run(cmd.Context(), embed.Options{
		Resume:      embedResume,
		RetryFailed: embedRetryFailed,
	})
	if err != nil {
		return err
	}

	if err := printSummary(summary, func() {
		fmt.Println("Embed complete")
		fmt.Printf("  Pages:    %d\n", summary.Pages)
		fmt.Printf("  Chunks:   %d\n", summary.Chunks)
		fmt.Printf("  Embedded: %d\n", summary.Embedded)
		fmt.Printf("  Failed:   %d\n", summary.Failed)
		fmt.Printf("  Skipped:  %d\n", summary.Skipped)
	}); err != nil {
		return err
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%w: %d of %d chunks failed",
			errPartial, summary.Failed, summary.Chunks)
	}
	return nil
}
