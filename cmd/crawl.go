package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/crawler"
)

var (
	crawlResume      bool
	crawlRetryFailed bool
	crawlMaxPages    int
	crawlURLs        string
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Discover and fetch documentation pages into the content cache",
	RunE:  runCrawl,
}

func init() {
	crawlCmd.Flags().BoolVar(&crawlResume, "resume", false,
		"resume from the previous crawl checkpoint")
	crawlCmd.Flags().BoolVar(&crawlRetryFailed, "retry-failed", false,
		"with --resume, re-attempt URLs that failed in the previous run")
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0,
		"maximum pages to fetch this run (0 = unlimited)")
	crawlCmd.Flags().StringVar(&crawlURLs, "urls", "",
		"comma-separated URL list, bypassing sitemap discovery")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	app, err := newApp(nil)
	if err != nil {
		return err
	}
	defer app.Close()

	opts := crawler.Options{
		Resume:      crawlResume,
		RetryFailed: crawlRetryFailed,
		MaxPages:    crawlMaxPages,
	}
	if crawlURLs != "" {
		for _, u := range strings.Split(crawlURLs, ",") {
			if u = strings.TrimSpace(u); u != "" {
				opts.URLs = append(opts.URLs, u)
			}
		}
	}

	summary, err := app.crawlStage().Run(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if err := printSummary(summary, func() {
		fmt.Println("Crawl complete")
		fmt.Printf("  Discovered: %d\n", summary.Discovered)
		fmt.Printf("  Crawled:    %d\n", summary.Completed)
		fmt.Printf("  Failed:     %d\n", summary.Failed)
		fmt.Printf("  Skipped:    %d\n", summary.Skipped)
	}); err != nil {
		return err
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%w: %d of %d pages failed",
			errPartial, summary.Failed, summary.Discovered)
	}
	return nil
}
