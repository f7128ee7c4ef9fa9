// Package extract turns raw HTML into clean article text.
//
// Extraction runs readability first and falls back to direct selector
// lookup for documentation layouts readability handles poorly (very short
// reference pages, pages dominated by navigation). Both paths strip
// script, style, nav and footer noise and normalize whitespace so the
// chunker sees stable paragraph boundaries.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/ragline/ragline/internal/log"
)

// ErrNoContent indicates no usable article text was found in the HTML.
var ErrNoContent = errors.New("no extractable content")

// Content selectors tried in order by the fallback path. Documentation
// generators (Docusaurus, MkDocs, Sphinx) wrap the article in one of these.
var contentSelectors = []string{
	"article",
	"[role=main]",
	"main",
	"div.markdown",
	"div.content",
	"body",
}

// Elements removed before text extraction in the fallback path.
var noiseSelectors = []string{
	"script", "style", "noscript", "nav", "header", "footer", "aside",
	".sidebar", ".toc", ".breadcrumbs", ".pagination-nav", ".theme-edit-this-page",
}

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
)

// Extractor converts fetched HTML into a title and plain text.
type Extractor struct {
	minLength int
	logger    log.Logger
}

// New creates an Extractor. minLength is the shortest text (in bytes)
// considered a successful extraction.
func New(minLength int, logger log.Logger) *Extractor {
	return &Extractor{minLength: minLength, logger: logger}
}

// Extract returns the page title and cleaned article text. The source URL
// is used by readability to resolve relative references and name the page
// when no title element exists.
func (e *Extractor) Extract(html []byte, pageURL string) (title, text string, err error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing URL %s: %w", pageURL, err)
	}

	article, rerr := readability.FromReader(bytes.NewReader(html), parsed)
	if rerr == nil {
		title = strings.TrimSpace(article.Title)
		text = normalize(article.TextContent)
		if len(text) >= e.minLength {
			return title, text, nil
		}
	}

	fbTitle, fbText, ferr := e.fallback(html)
	if ferr != nil {
		if rerr != nil {
			return "", "", fmt.Errorf("readability failed (%v): %w", rerr, ferr)
		}
		return "", "", ferr
	}

	e.logger.Debug("readability output too short, used selector fallback",
		"url", pageURL, "readability_len", len(text), "fallback_len", len(fbText))

	if title == "" {
		title = fbTitle
	}
	return title, fbText, nil
}

// fallback extracts text by CSS selector when readability yields too little.
func (e *Extractor) fallback(html []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parsing HTML: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		title = h1
	}

	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}

	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		text = normalize(blockText(node))
		if len(text) >= e.minLength {
			return title, text, nil
		}
	}
	return "", "", ErrNoContent
}

// blockText renders a selection to plain text with newlines between
// block-level elements, so paragraph structure survives extraction.
func blockText(sel *goquery.Selection) string {
	var sb strings.Builder
	sel.Find("p, h1, h2, h3, h4, h5, h6, li, pre, td, blockquote").Each(
		func(_ int, node *goquery.Selection) {
			t := strings.TrimSpace(node.Text())
			if t == "" {
				return
			}
			sb.WriteString(t)
			sb.WriteString("\n\n")
		})
	if sb.Len() > 0 {
		return sb.String()
	}
	return sel.Text()
}

// normalize collapses runs of spaces and caps consecutive blank lines at
// one, keeping double-newline paragraph separators intact.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
