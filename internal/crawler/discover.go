package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gocolly/colly/v2"
)

// discoverRecursive walks the site link graph when no sitemap is
// available: same host only, bounded depth, documentation paths only.
// Discovery fetches pages solely to read their links; content fetching
// happens later through the rate-limited pipeline path.
func (s *Stage) discoverRecursive(ctx context.Context) ([]string, error) {
	base, err := url.Parse(s.cfg.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("parsing site URL: %w", err)
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(base.Host),
		colly.MaxDepth(s.cfg.MaxDepth),
		colly.UserAgent(userAgent),
		colly.Async(true),
	)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.MaxConcurrent,
		Delay:       s.cfg.RequestSpacing,
	}); err != nil {
		return nil, fmt.Errorf("configuring crawl limits: %w", err)
	}

	var (
		mu      sync.Mutex
		seen    = map[string]bool{}
		results []string
	)

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		canonical, err := Canonicalize(link)
		if err != nil {
			return
		}

		if s.matchesFilter(canonical) {
			mu.Lock()
			if !seen[canonical] {
				seen[canonical] = true
				results = append(results, canonical)
			}
			mu.Unlock()
		}

		// Follow the link regardless of filter match; index pages
		// outside the docs path still link into it.
		_ = e.Request.Visit(link)
	})

	start, err := Canonicalize(s.cfg.SiteURL)
	if err != nil {
		return nil, err
	}
	if err := collector.Visit(start); err != nil {
		return nil, fmt.Errorf("starting recursive crawl at %s: %w", start, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Info("recursive discovery finished", "urls", len(results))
	return results, nil
}
