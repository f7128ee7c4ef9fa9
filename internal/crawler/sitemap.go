package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

// maxSitemapDepth bounds sitemapindex recursion. Real sites nest one
// level; anything deeper is a loop.
const maxSitemapDepth = 3

// sitemapFile decodes both flavors of the sitemap protocol: a urlset of
// page entries and a sitemapindex of nested sitemaps. encoding/xml
// matches on local names, so the protocol namespace needs no handling.
type sitemapFile struct {
	Sitemaps []sitemapLoc `xml:"sitemap"`
	URLs     []sitemapLoc `xml:"url"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// parseSitemap extracts page URLs and nested sitemap URLs from one
// sitemap document.
func parseSitemap(data []byte) (pages, nested []string, err error) {
	var sm sitemapFile
	if err := xml.Unmarshal(data, &sm); err != nil {
		return nil, nil, fmt.Errorf("parsing sitemap XML: %w", err)
	}
	for _, entry := range sm.Sitemaps {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			nested = append(nested, loc)
		}
	}
	for _, entry := range sm.URLs {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	return pages, nested, nil
}

// discoverSitemap fetches the configured sitemap, follows nested sitemaps
// and returns every page URL passing the path filter, canonicalized and
// deduplicated in discovery order.
func (s *Stage) discoverSitemap(ctx context.Context) ([]string, error) {
	var (
		results []string
		seen    = map[string]bool{}
	)

	var walk func(ctx context.Context, sitemapURL string, depth int) error
	walk = func(ctx context.Context, sitemapURL string, depth int) error {
		if depth > maxSitemapDepth {
			s.logger.Warn("sitemap nesting too deep, stopping", "url", sitemapURL)
			return nil
		}

		var body []byte
		err := s.client.Do(ctx, "fetch sitemap", func(ctx context.Context) error {
			var ferr error
			body, ferr = s.fetcher.Fetch(ctx, sitemapURL)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetching sitemap %s: %w", sitemapURL, err)
		}

		pages, nested, err := parseSitemap(body)
		if err != nil {
			return fmt.Errorf("sitemap %s: %w", sitemapURL, err)
		}

		for _, page := range pages {
			canonical, err := Canonicalize(page)
			if err != nil || !s.matchesFilter(canonical) || seen[canonical] {
				continue
			}
			seen[canonical] = true
			results = append(results, canonical)
		}

		for _, child := range nested {
			if child == sitemapURL {
				continue
			}
			// A failed nested sitemap loses its pages, not the run.
			if err := walk(ctx, child, depth+1); err != nil {
				s.logger.Warn("nested sitemap failed", "url", child, "error", err)
			}
		}
		return nil
	}

	if err := walk(ctx, s.cfg.SitemapURL, 0); err != nil {
		return nil, err
	}

	s.logger.Info("sitemap discovery finished", "urls", len(results))
	return results, nil
}

// matchesFilter keeps documentation pages: URLs containing the path
// filter segment, or ending exactly at it.
func (s *Stage) matchesFilter(u string) bool {
	filter := s.cfg.PathFilter
	if filter == "" {
		return true
	}
	return strings.Contains(u, filter) || strings.HasSuffix(u, strings.TrimSuffix(filter, "/"))
}

// Canonicalize normalizes a URL for identity comparisons: lowercased
// scheme and host, no fragment, no query, no trailing slash.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute URL: %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawQuery = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}
