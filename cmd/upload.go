package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/upload"
)

var (
	uploadResume      bool
	uploadRetryFailed bool
	uploadBatchSize   int
	uploadRecreate    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upsert embedded records into the vector store",
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadResume, "resume", false,
		"resume from the previous upload checkpoint")
	uploadCmd.Flags().BoolVar(&uploadRetryFailed, "retry-failed", false,
		"with --resume, re-attempt records that failed in the previous run")
	uploadCmd.Flags().IntVar(&uploadBatchSize, "batch-size", 0,
		"records per upsert batch (default from config)")
	uploadCmd.Flags().BoolVar(&uploadRecreate, "recreate", false,
		"drop and recreate the collection before uploading (destructive)")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, _ []string) error {
	app, err := newApp(func(cfg *config.Config) {
		if uploadBatchSize > 0 {
			cfg.UploadBatchSize = uploadBatchSize
		}
	})
	if err != nil {
		return err
	}
	defer app.Close()

	stage, err := app.uploadStage(cmd.Context())
	if err != nil {
		return err
	}

	summary, err := stage.Run(cmd.Context(), upload.Options{
		Resume:      uploadResume,
		RetryFailed: uploadRetryFailed,
		Recreate:    uploadRecreate,
	})
	if err != nil {
		return err
	}

	if err := printSummary(summary, func() {
		fmt.Println("Upload complete")
		fmt.Printf("  Records:  %d\n", summary.Records)
		fmt.Printf("  Uploaded: %d\n", summary.Uploaded)
		fmt.Printf("  Failed:   %d\n", summary.Failed)
		fmt.Printf("  Skipped:  %d\n", summary.Skipped)
		fmt.Printf("  Stored:   %d\n", summary.StoredCount)
	}); err != nil {
		return err
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%w: %d of %d records failed",
			errPartial, summary.Failed, summary.Records)
	}
	return nil
}
