// Package document defines the data model flowing down the pipeline
// (crawled pages and the chunks cut from them) plus the on-disk content
// cache that decouples the crawl stage from the embed stage.
package document

import (
	"errors"
	"fmt"
	"time"

	"github.com/ragline/ragline/internal/fingerprint"
)

// MinContentLength is the default minimum length of extracted text for a
// page to count as real content. Shorter extractions (redirect stubs,
// empty shells) are recorded as failures, not silent empty successes.
const MinContentLength = 50

// ErrContentTooShort indicates extraction produced less than the minimum
// content length. It is a permanent per-item failure: retrying the same
// page would extract the same text.
var ErrContentTooShort = errors.New("extracted content below minimum length")

// Page is one fetched and extracted documentation page. Pages are
// immutable once written to the cache; a later crawl of the same URL
// supersedes the cache entry rather than mutating it.
type Page struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Text        string            `json:"-"` // cached as a separate text blob
	ContentHash string            `json:"content_hash"`
	CrawledAt   time.Time         `json:"crawled_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewPage builds a Page, enforcing the minimum content length and
// computing the content hash from the extracted text. The hash is always
// derived from the text, never supplied independently; it is the sole
// change-detection key across re-crawls.
func NewPage(url, title, text string, metadata map[string]string) (Page, error) {
	if url == "" {
		return Page{}, errors.New("page URL must not be empty")
	}
	if len(text) < MinContentLength {
		return Page{}, fmt.Errorf("%w: %s yielded %d chars (minimum %d)",
			ErrContentTooShort, url, len(text), MinContentLength)
	}

	return Page{
		URL:         url,
		Title:       title,
		Text:        text,
		ContentHash: fingerprint.Digest(text),
		CrawledAt:   time.Now().UTC(),
		Metadata:    metadata,
	}, nil
}

// Key returns the page's cache key, a short stable hash of its URL.
func (p Page) Key() string {
	return fingerprint.URLKey(p.URL)
}

// Chunk is a bounded, offset-addressed span of a page's extracted text.
// Chunk IDs derive deterministically from the source URL and ordinal
// position, so re-chunking the same page reproduces the same IDs.
type Chunk struct {
	ID          string            `json:"chunk_id"`
	Text        string            `json:"text"`
	SourceURL   string            `json:"source_url"`
	SourceTitle string            `json:"source_title"`
	Index       int               `json:"chunk_index"`
	Total       int               `json:"total_chunks"`
	TokenCount  int               `json:"token_count"`
	CharStart   int               `json:"char_start"`
	CharEnd     int               `json:"char_end"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the chunk invariants: a non-empty span with char_end
// beyond char_start and an ordinal inside the total count.
func (c Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk ID must not be empty")
	}
	if c.Text == "" {
		return fmt.Errorf("chunk %s: empty text", c.ID)
	}
	if c.CharEnd <= c.CharStart {
		return fmt.Errorf("chunk %s: char_end %d must exceed char_start %d",
			c.ID, c.CharEnd, c.CharStart)
	}
	if c.Index < 0 || c.Index >= c.Total {
		return fmt.Errorf("chunk %s: index %d out of range for total %d",
			c.ID, c.Index, c.Total)
	}
	if c.TokenCount < 1 {
		return fmt.Errorf("chunk %s: token count must be positive", c.ID)
	}
	return nil
}
