package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/embed"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/upload"
)

var (
	runResume      bool
	runRetryFailed bool
	runMaxPages    int
	runRecreate    bool
	runSkipCrawl   bool
	runSkipEmbed   bool
	runSkipUpload  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: crawl, embed, upload",
	RunE:  runPipeline,
}

func init() {
	runCmd.Flags().BoolVar(&runResume, "resume", false,
		"resume every stage from its previous checkpoint")
	runCmd.Flags().BoolVar(&runRetryFailed, "retry-failed", false,
		"with --resume, re-attempt items that failed in the previous run")
	runCmd.Flags().IntVar(&runMaxPages, "max-pages", 0,
		"maximum pages to fetch this run (0 = unlimited)")
	runCmd.Flags().BoolVar(&runRecreate, "recreate", false,
		"drop and recreate the collection before uploading (destructive)")
	runCmd.Flags().BoolVar(&runSkipCrawl, "skip-crawl", false,
		"skip the crawl stage (use cached content)")
	runCmd.Flags().BoolVar(&runSkipEmbed, "skip-embed", false,
		"skip the embed stage (use the existing sink)")
	runCmd.Flags().BoolVar(&runSkipUpload, "skip-upload", false,
		"skip the upload stage")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	app, err := newApp(nil)
	if err != nil {
		return err
	}
	defer app.Close()

	var embedStage *embed.Stage
	if !runSkipEmbed {
		if embedStage, err = app.embedStage(cmd.Context()); err != nil {
			return err
		}
	}
	var uploadStage *upload.Stage
	if !runSkipUpload {
		if uploadStage, err = app.uploadStage(cmd.Context()); err != nil {
			return err
		}
	}

	p := pipeline.New(app.cfg, app.crawlStage(), embedStage, uploadStage, app.logger)
	summary, runErr := p.Run(cmd.Context(), pipeline.Options{
		Resume:      runResume,
		RetryFailed: runRetryFailed,
		MaxPages:    runMaxPages,
		Recreate:    runRecreate,
		SkipCrawl:   runSkipCrawl,
		SkipEmbed:   runSkipEmbed,
		SkipUpload:  runSkipUpload,
	})

	if summary != nil {
		if err := printSummary(summary, func() {
			fmt.Println("Pipeline complete")
			fmt.Printf("  Run ID:   %s\n", summary.RunID)
			fmt.Printf("  Duration: %.1fs\n", summary.DurationSeconds)
			if summary.Crawl != nil {
				fmt.Printf("  Crawl:    %d crawled, %d failed\n",
					summary.Crawl.Completed, summary.Crawl.Failed)
			}
			if summary.Embed != nil {
				fmt.Printf("  Embed:    %d embedded, %d failed\n",
					summary.Embed.Embedded, summary.Embed.Failed)
			}
			if summary.Upload != nil {
				fmt.Printf("  Upload:   %d uploaded, %d failed, %d stored\n",
					summary.Upload.Uploaded, summary.Upload.Failed, summary.Upload.StoredCount)
			}
			for _, e := range summary.Errors {
				fmt.Printf("  Error:    %s\n", e)
			}
		}); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	if summary.Failed() {
		return errPartial
	}
	return nil
}
