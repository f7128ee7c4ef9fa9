// Package chunker splits extracted page text into overlapping chunks
// sized for the embedding model.
//
// Splitting respects semantic boundaries where possible: paragraphs
// first, sentences for oversized paragraphs, with a configurable token
// overlap carried between consecutive chunks. Chunking is deterministic;
// the same text and settings always produce identical chunks and IDs, so
// re-running an interrupted pipeline never creates divergent vectors.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/fingerprint"
	"github.com/ragline/ragline/internal/log"
)

// bytesPerToken approximates tokenizer output without shipping a BPE
// vocabulary: one token per four bytes of text. Good enough for sizing
// chunks against model context limits.
const bytesPerToken = 4

// oversizeFactor marks a paragraph as too large for paragraph-level
// accumulation, switching to sentence splitting.
const oversizeFactor = 1.5

var paragraphSep = regexp.MustCompile(`\n\n+`)

// CountTokens returns the approximate token count of text.
func CountTokens(text string) int {
	return len(text) / bytesPerToken
}

// Chunker splits text using a target chunk size and overlap, both in
// approximate tokens.
type Chunker struct {
	size    int
	overlap int
	logger  log.Logger
}

// New creates a Chunker. size must be positive and overlap must be
// smaller than size; config validation enforces this before stages run.
func New(size, overlap int, logger log.Logger) *Chunker {
	return &Chunker{size: size, overlap: overlap, logger: logger}
}

// Chunk splits a page into chunks with stable IDs and character offsets
// into the page text.
func (c *Chunker) Chunk(page document.Page) ([]document.Chunk, error) {
	if page.Text == "" {
		c.logger.Warn("skipping empty page", "url", page.URL)
		return nil, nil
	}

	parts := c.split(page.Text)
	if len(parts) == 0 {
		return nil, nil
	}
	positions := c.positions(page.Text, parts)

	chunks := make([]document.Chunk, len(parts))
	for i, part := range parts {
		tokenCount := CountTokens(part)
		if tokenCount < 1 {
			tokenCount = 1 // a sub-4-byte trailing chunk still counts
		}
		chunks[i] = document.Chunk{
			ID:          fingerprint.ChunkID(page.URL, i),
			Text:        part,
			SourceURL:   page.URL,
			SourceTitle: page.Title,
			Index:       i,
			Total:       len(parts),
			TokenCount:  tokenCount,
			CharStart:   positions[i][0],
			CharEnd:     positions[i][1],
		}
		if err := chunks[i].Validate(); err != nil {
			return nil, fmt.Errorf("chunk %d of %s: %w", i, page.URL, err)
		}
	}

	c.logger.Debug("chunked page", "url", page.URL, "chunks", len(chunks))
	return chunks, nil
}

// split breaks text into chunk strings at paragraph boundaries,
// descending to sentence boundaries for oversized paragraphs.
func (c *Chunker) split(text string) []string {
	var (
		chunks  []string
		current strings.Builder
		tokens  int
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(current.String()))
		if c.overlap > 0 {
			carry := tail(current.String(), c.overlap*bytesPerToken)
			current.Reset()
			current.WriteString(carry)
			tokens = CountTokens(carry)
		} else {
			current.Reset()
			tokens = 0
		}
	}

	appendPiece := func(piece, sep string) {
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
		tokens += CountTokens(piece)
	}

	for _, para := range paragraphSep.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		paraTokens := CountTokens(para)
		if float64(paraTokens) > float64(c.size)*oversizeFactor {
			for _, sentence := range splitSentences(para) {
				if tokens+CountTokens(sentence) > c.size {
					flush()
				}
				appendPiece(sentence, " ")
			}
			continue
		}

		if tokens+paraTokens > c.size {
			flush()
		}
		appendPiece(para, "\n\n")
	}

	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}

	if len(chunks) == 0 {
		limit := c.size * bytesPerToken
		if limit > len(text) {
			limit = len(text)
		}
		chunks = []string{text[:limit]}
	}
	return chunks
}

// positions locates each chunk in the source text, searching forward
// from the previous chunk minus the overlap window so repeated content
// still resolves in order. Unlocatable chunks (overlap text was joined
// with a different separator) fall back to the running position.
func (c *Chunker) positions(full string, parts []string) [][2]int {
	positions := make([][2]int, len(parts))
	pos := 0

	for i, part := range parts {
		start := indexFrom(full, part, pos)
		if start < 0 {
			start = pos
			if start+len(part) > len(full) {
				start = len(full) - len(part)
			}
			if start < 0 {
				start = 0
			}
		}
		end := start + len(part)
		if end > len(full) {
			end = len(full)
		}
		positions[i] = [2]int{start, end}

		pos = end - c.overlap*bytesPerToken
		if pos < 0 {
			pos = 0
		}
	}
	return positions
}

func indexFrom(s, substr string, from int) int {
	if from < 0 {
		from = 0
	}
	if from > len(s) {
		return -1
	}
	idx := strings.Index(s[from:], substr)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// splitSentences splits at sentence-ending punctuation followed by
// whitespace, keeping the punctuation with the preceding sentence.
func splitSentences(text string) []string {
	var (
		sentences []string
		start     int
	)
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// tail returns the last n bytes of s, extended back to a rune boundary
// so overlap text never starts mid-sequence.
func tail(s string, n int) string {
	if n >= len(s) {
		return s
	}
	cut := len(s) - n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[cut:]
}
