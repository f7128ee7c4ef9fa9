package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ragline/ragline/internal/chunker"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
)

// ErrNoPages indicates the content cache is empty: the crawl stage has
// not run, or produced nothing.
var ErrNoPages = errors.New("content cache is empty")

// Stage runs the embed stage.
type Stage struct {
	cfg      *config.Config
	client   *throttle.Client
	embedder Embedder
	chunker  *chunker.Chunker
	cache    *document.Cache
	sink     *Sink
	states   *state.Store
	logger   log.Logger
}

// NewStage wires the embed stage.
func NewStage(
	cfg *config.Config,
	client *throttle.Client,
	embedder Embedder,
	ch *chunker.Chunker,
	cache *document.Cache,
	sink *Sink,
	states *state.Store,
	logger log.Logger,
) *Stage {
	return &Stage{
		cfg:      cfg,
		client:   client,
		embedder: embedder,
		chunker:  ch,
		cache:    cache,
		sink:     sink,
		states:   states,
		logger:   logger,
	}
}

// Options control a single embed run.
type Options struct {
	Resume      bool // keep the checkpoint and sink, skip embedded chunks
	RetryFailed bool // with Resume, move failed chunks back to pending
}

// Summary reports the outcome of an embed run.
type Summary struct {
	Pages        int     `json:"pages"`
	Chunks       int     `json:"chunks"`
	Embedded     int     `json:"embedded"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	FailureRatio float64 `json:"failure_ratio"`
}

type batchResult struct {
	chunks  []document.Chunk
	records []Record
	err     error
}

// Run chunks every cached page and embeds pending chunks in batches.
// A failed batch marks all its chunks failed and the run continues;
// run-level errors cover cache access, checkpointing and cancellation.
func (s *Stage) Run(ctx context.Context, opts Options) (*Summary, error) {
	if !opts.Resume {
		if err := s.states.Reset(state.StageEmbed); err != nil {
			return nil, err
		}
		if err := s.sink.Reset(); err != nil {
			return nil, err
		}
	}
	st := s.states.Load(state.StageEmbed)
	if opts.Resume && opts.RetryFailed {
		if n := st.RequeueFailed(); n > 0 {
			s.logger.Info("requeued failed chunks", "count", n)
		}
	}

	pages, err := s.cache.LoadAll()
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	chunks, err := s.chunkPages(pages)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]document.Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
		st.Discover(ch.ID)
	}
	if err := s.states.Save(state.StageEmbed, st); err != nil {
		return nil, err
	}

	// Checkpoint IDs with no chunk in the current cache come from pages
	// whose content changed between runs; they are pruned so they do not
	// sit pending forever.
	pendingIDs := st.Pending()
	pending := make([]document.Chunk, 0, len(pendingIDs))
	var stale []string
	for _, id := range pendingIDs {
		if ch, ok := byID[id]; ok {
			pending = append(pending, ch)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		s.logger.Warn("pruning stale chunk ids from checkpoint", "count", len(stale))
		st.Prune(stale...)
	}
	skipped := len(chunks) - len(pending)

	s.logger.Info("embed started",
		"pages", len(pages),
		"chunks", len(chunks),
		"pending", len(pending),
		"skipped", skipped,
		"batch_size", s.cfg.EmbedBatchSize,
	)

	if err := s.embedPending(ctx, st, pending); err != nil {
		return nil, err
	}

	if err := s.states.Save(state.StageEmbed, st); err != nil {
		return nil, err
	}

	summary := &Summary{
		Pages:        len(pages),
		Chunks:       st.DiscoveredCount(),
		Embedded:     st.CompletedCount(),
		Failed:       st.FailedCount(),
		Skipped:      skipped,
		FailureRatio: st.FailureRatio(),
	}
	s.logger.Info("embed finished",
		"embedded", summary.Embedded,
		"failed", summary.Failed,
		"failure_ratio", fmt.Sprintf("%.2f", summary.FailureRatio),
	)
	return summary, nil
}

// chunkPages cuts every page into chunks. A page that fails to chunk
// aborts the run; chunking is deterministic and local, so a failure
// means a bug, not flaky input.
func (s *Stage) chunkPages(pages []document.Page) ([]document.Chunk, error) {
	var chunks []document.Chunk
	for _, page := range pages {
		cs, err := s.chunker.Chunk(page)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, cs...)
	}
	return chunks, nil
}

// embedPending runs pending chunks through the embedder in batches.
// Workers embed; this goroutine owns the checkpoint and the sink.
func (s *Stage) embedPending(ctx context.Context, st *state.State, pending []document.Chunk) error {
	if len(pending) == 0 {
		return nil
	}

	batches := batchChunks(pending, s.cfg.EmbedBatchSize)
	results := make(chan batchResult)
	var wg sync.WaitGroup

	for _, batch := range batches {
		wg.Add(1)
		go func(batch []document.Chunk) {
			defer wg.Done()
			records, err := s.embedBatch(ctx, batch)
			select {
			case results <- batchResult{chunks: batch, records: records, err: err}:
			case <-ctx.Done():
			}
		}(batch)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) {
				continue // stays pending for the next run
			}
			s.logger.Warn("batch failed",
				"chunks", len(res.chunks), "error", res.err)
			for _, ch := range res.chunks {
				st.MarkFailed(ch.ID, res.err.Error())
			}
		} else {
			// Sink before checkpoint: a crash between the two re-embeds
			// the batch and the sink's last-wins dedup absorbs it.
			if err := s.sink.Append(res.records...); err != nil {
				return err
			}
			for _, ch := range res.chunks {
				st.MarkDone(ch.ID)
			}
		}

		if err := s.states.Save(state.StageEmbed, st); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// embedBatch embeds one batch through the rate-limited client and pairs
// vectors with their chunks.
func (s *Stage) embedBatch(ctx context.Context, batch []document.Chunk) ([]Record, error) {
	texts := make([]string, len(batch))
	for i, ch := range batch {
		texts[i] = ch.Text
	}

	var vectors [][]float32
	op := fmt.Sprintf("embed batch of %d", len(batch))
	err := s.client.Do(ctx, op, func(ctx context.Context) error {
		var eerr error
		vectors, eerr = s.embedder.Embed(ctx, texts)
		return eerr
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks",
			len(vectors), len(batch))
	}

	// The whole response is rejected before anything reaches the sink;
	// a provider that miscounts dimensions cannot be trusted positionally.
	dim := s.embedder.Dimensionality()
	records := make([]Record, len(batch))
	for i, ch := range batch {
		if len(vectors[i]) != dim {
			return nil, fmt.Errorf("embedder returned %d-dimensional vector for chunk %s (want %d)",
				len(vectors[i]), ch.ID, dim)
		}
		records[i] = NewRecord(ch, vectors[i], s.embedder.Model())
	}
	return records, nil
}

// batchChunks splits chunks into batches of at most size.
func batchChunks(chunks []document.Chunk, size int) [][]document.Chunk {
	if size < 1 {
		size = 1
	}
	var batches [][]document.Chunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[start:end])
	}
	return batches
}
