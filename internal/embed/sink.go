package embed

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/log"
)

// maxLineSize bounds a single sink line: a chunk of text plus a few
// thousand float values fits comfortably.
const maxLineSize = 4 << 20

// Meta is the chunk context carried alongside a vector so the upload
// stage can build complete payloads without re-reading the cache.
type Meta struct {
	Text        string `json:"text"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	TokenCount  int    `json:"token_count"`
}

// Record is one embedded chunk, the line format of the embeddings sink.
type Record struct {
	ChunkID   string    `json:"chunk_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  Meta      `json:"metadata"`
}

// NewRecord pairs a chunk with its vector.
func NewRecord(chunk document.Chunk, vector []float32, model string) Record {
	return Record{
		ChunkID:   chunk.ID,
		Vector:    vector,
		Model:     model,
		CreatedAt: time.Now().UTC(),
		Metadata: Meta{
			Text:        chunk.Text,
			URL:         chunk.SourceURL,
			Title:       chunk.SourceTitle,
			ChunkIndex:  chunk.Index,
			TotalChunks: chunk.Total,
			TokenCount:  chunk.TokenCount,
		},
	}
}

// Validate checks the record is uploadable: non-empty ID, the expected
// vector dimensionality and the full payload fields present.
func (r Record) Validate(dim int) error {
	if r.ChunkID == "" {
		return errors.New("record missing chunk ID")
	}
	if len(r.Vector) != dim {
		return fmt.Errorf("record %s: vector has %d dimensions, want %d",
			r.ChunkID, len(r.Vector), dim)
	}
	if r.Model == "" {
		return fmt.Errorf("record %s: missing model", r.ChunkID)
	}
	if r.Metadata.Text == "" || r.Metadata.URL == "" {
		return fmt.Errorf("record %s: incomplete metadata", r.ChunkID)
	}
	if r.Metadata.TotalChunks < 1 || r.Metadata.ChunkIndex >= r.Metadata.TotalChunks {
		return fmt.Errorf("record %s: chunk index %d out of range for total %d",
			r.ChunkID, r.Metadata.ChunkIndex, r.Metadata.TotalChunks)
	}
	return nil
}

// Sink is the append-only JSONL file linking the embed and upload
// stages. Appends are flushed per batch; a crash loses at most the batch
// being written, which the embed checkpoint has not marked done yet.
type Sink struct {
	path   string
	logger log.Logger
}

// NewSink creates a sink at path, creating parent directories as needed.
func NewSink(path string, logger log.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	return &Sink{path: path, logger: logger}, nil
}

// Path returns the sink file location.
func (s *Sink) Path() string { return s.path }

// Append writes records as JSON lines at the end of the sink and syncs.
func (s *Sink) Append(records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding record %s: %w", rec.ChunkID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing sink: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing sink: %w", err)
	}
	return nil
}

// Load reads every record in the sink, deduplicated by chunk ID with the
// last occurrence winning: a re-run that re-embedded a chunk supersedes
// the earlier vector. Corrupt lines are skipped with a warning. A missing
// sink file yields an empty slice.
func (s *Sink) Load() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening sink: %w", err)
	}
	defer f.Close()

	var (
		order   []string
		byID    = map[string]Record{}
		skipped int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ChunkID == "" {
			skipped++
			s.logger.Warn("skipping corrupt sink line", "line", line, "error", err)
			continue
		}
		if _, ok := byID[rec.ChunkID]; !ok {
			order = append(order, rec.ChunkID)
		}
		byID[rec.ChunkID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading sink: %w", err)
	}

	records := make([]Record, 0, len(order))
	for _, id := range order {
		records = append(records, byID[id])
	}
	if skipped > 0 {
		s.logger.Warn("sink contained corrupt lines", "skipped", skipped)
	}
	return records, nil
}

// Reset removes the sink file. A missing file is not an error.
func (s *Sink) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resetting sink: %w", err)
	}
	return nil
}
