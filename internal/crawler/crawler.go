// Package crawler implements the crawl stage: discover documentation
// URLs, fetch every pending page through the shared rate limiter, extract
// clean text and persist it to the content cache.
//
// Discovery prefers the site's sitemap.xml (including nested sitemap
// indexes) and falls back to a bounded recursive crawl when no sitemap
// is served. Fetch results funnel through a single aggregating goroutine
// that owns the stage checkpoint; workers never touch state directly.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/extract"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
)

// saveEvery is the number of settled URLs between checkpoint saves.
const saveEvery = 10

// ErrNoURLs indicates discovery produced nothing to crawl.
var ErrNoURLs = errors.New("no URLs discovered")

// Stage runs the crawl.
type Stage struct {
	cfg       *config.Config
	client    *throttle.Client
	fetcher   Fetcher
	extractor *extract.Extractor
	cache     *document.Cache
	states    *state.Store
	logger    log.Logger
}

// NewStage wires the crawl stage.
func NewStage(
	cfg *config.Config,
	client *throttle.Client,
	fetcher Fetcher,
	extractor *extract.Extractor,
	cache *document.Cache,
	states *state.Store,
	logger log.Logger,
) *Stage {
	return &Stage{
		cfg:       cfg,
		client:    client,
		fetcher:   fetcher,
		extractor: extractor,
		cache:     cache,
		states:    states,
		logger:    logger,
	}
}

// Options control a single crawl run.
type Options struct {
	Resume      bool     // keep the previous checkpoint and skip completed URLs
	RetryFailed bool     // with Resume, move failed URLs back to pending
	MaxPages    int      // cap on pages fetched this run; 0 = unlimited
	URLs        []string // explicit URL list, bypassing discovery
}

// Summary reports the outcome of a crawl run.
type Summary struct {
	Discovered   int     `json:"discovered"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"` // already done before this run
	FailureRatio float64 `json:"failure_ratio"`
}

// Run executes the crawl stage. Per-URL failures are recorded in the
// checkpoint, not returned; the error return covers run-level failures
// only (discovery, checkpoint persistence, cancellation).
func (s *Stage) Run(ctx context.Context, opts Options) (*Summary, error) {
	if !opts.Resume {
		if err := s.states.Reset(state.StageCrawl); err != nil {
			return nil, err
		}
	}
	st := s.states.Load(state.StageCrawl)
	if opts.Resume && opts.RetryFailed {
		if n := st.RequeueFailed(); n > 0 {
			s.logger.Info("requeued failed URLs", "count", n)
		}
	}

	urls, err := s.resolveURLs(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}

	st.Discover(urls...)
	if err := s.states.Save(state.StageCrawl, st); err != nil {
		return nil, err
	}

	pending := st.Pending()
	skipped := st.DiscoveredCount() - len(pending)
	if opts.MaxPages > 0 && len(pending) > opts.MaxPages {
		pending = pending[:opts.MaxPages]
	}

	s.logger.Info("crawl started",
		"discovered", st.DiscoveredCount(),
		"pending", len(pending),
		"skipped", skipped,
	)

	if err := s.crawlPending(ctx, st, pending); err != nil {
		return nil, err
	}

	if err := s.states.Save(state.StageCrawl, st); err != nil {
		return nil, err
	}

	summary := &Summary{
		Discovered:   st.DiscoveredCount(),
		Completed:    st.CompletedCount(),
		Failed:       st.FailedCount(),
		Skipped:      skipped,
		FailureRatio: st.FailureRatio(),
	}
	s.logger.Info("crawl finished",
		"completed", summary.Completed,
		"failed", summary.Failed,
		"failure_ratio", fmt.Sprintf("%.2f", summary.FailureRatio),
	)
	return summary, nil
}

// resolveURLs picks the URL source for this run: explicit list, sitemap,
// then recursive crawl fallback.
func (s *Stage) resolveURLs(ctx context.Context, opts Options) ([]string, error) {
	if len(opts.URLs) > 0 {
		out := make([]string, 0, len(opts.URLs))
		seen := map[string]bool{}
		for _, raw := range opts.URLs {
			canonical, err := Canonicalize(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid URL in list: %w", err)
			}
			if !seen[canonical] {
				seen[canonical] = true
				out = append(out, canonical)
			}
		}
		return out, nil
	}

	urls, err := s.discoverSitemap(ctx)
	if err == nil && len(urls) > 0 {
		return urls, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.Warn("sitemap discovery failed, falling back to recursive crawl",
		"error", err)
	return s.discoverRecursive(ctx)
}

type crawlResult struct {
	url string
	err error
}

// crawlPending fetches and extracts every pending URL. Workers run
// through the shared client; this goroutine is the sole state mutator.
func (s *Stage) crawlPending(ctx context.Context, st *state.State, pending []string) error {
	results := make(chan crawlResult)
	var wg sync.WaitGroup

	for _, url := range pending {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := s.client.Do(ctx, "crawl "+url, func(ctx context.Context) error {
				return s.crawlOne(ctx, url)
			})
			select {
			case results <- crawlResult{url: url, err: err}:
			case <-ctx.Done():
			}
		}(url)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	settled := 0
	for res := range results {
		switch {
		case res.err == nil:
			st.MarkDone(res.url)
		case errors.Is(res.err, context.Canceled):
			// Cancelled work stays pending for the next run.
		default:
			s.logger.Warn("page failed", "url", res.url, "error", res.err)
			st.MarkFailed(res.url, res.err.Error())
		}

		settled++
		if settled%saveEvery == 0 {
			if err := s.states.Save(state.StageCrawl, st); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// crawlOne fetches one page, extracts its text and writes the cache
// entry. Extraction failures are permanent: the same HTML would fail
// the same way on retry.
func (s *Stage) crawlOne(ctx context.Context, url string) error {
	html, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}

	title, text, err := s.extractor.Extract(html, url)
	if err != nil {
		return throttle.Permanent(fmt.Errorf("extracting %s: %w", url, err))
	}

	page, err := document.NewPage(url, title, text, nil)
	if err != nil {
		return throttle.Permanent(err)
	}

	if err := s.cache.Put(page); err != nil {
		return fmt.Errorf("caching %s: %w", url, err)
	}
	return nil
}
