// Package upload implements the upload stage: read embedded records from
// the sink, validate them and upsert them into the vector store in
// batches, checkpointing per batch so an interrupted upload resumes
// where it stopped.
package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/embed"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
	"github.com/ragline/ragline/internal/vectorstore"
)

// ErrNoRecords indicates the embeddings sink is empty: the embed stage
// has not run, or produced nothing.
var ErrNoRecords = errors.New("embeddings sink is empty")

// VectorStore is the slice of the store the upload stage needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, recreate bool) error
	UpsertBatch(ctx context.Context, records []vectorstore.Record) error
	Count(ctx context.Context) (int64, error)
}

// Stage runs the upload.
type Stage struct {
	cfg    *config.Config
	client *throttle.Client
	store  VectorStore
	sink   *embed.Sink
	states *state.Store
	logger log.Logger
}

// NewStage wires the upload stage.
func NewStage(
	cfg *config.Config,
	client *throttle.Client,
	store VectorStore,
	sink *embed.Sink,
	states *state.Store,
	logger log.Logger,
) *Stage {
	return &Stage{
		cfg:    cfg,
		client: client,
		store:  store,
		sink:   sink,
		states: states,
		logger: logger,
	}
}

// Options control a single upload run.
type Options struct {
	Resume      bool // keep the checkpoint and skip uploaded records
	RetryFailed bool // with Resume, move failed records back to pending
	Recreate    bool // drop and recreate the collection before uploading
}

// Summary reports the outcome of an upload run.
type Summary struct {
	Records      int     `json:"records"`
	Uploaded     int     `json:"uploaded"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	StoredCount  int64   `json:"stored_count"` // vectors in the store after the run
	FailureRatio float64 `json:"failure_ratio"`
}

// Run uploads every pending record. Invalid records fail permanently;
// store errors fail their whole batch and the run continues with the
// next batch. Batches are uploaded sequentially in sink order; the
// vector store is a single destination, so there is nothing to gain
// from concurrent upserts racing on the same table.
func (s *Stage) Run(ctx context.Context, opts Options) (*Summary, error) {
	if !opts.Resume {
		if err := s.states.Reset(state.StageUpload); err != nil {
			return nil, err
		}
	}
	st := s.states.Load(state.StageUpload)
	if opts.Resume && opts.RetryFailed {
		if n := st.RequeueFailed(); n > 0 {
			s.logger.Info("requeued failed records", "count", n)
		}
	}

	records, err := s.sink.Load()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	if err := s.store.EnsureCollection(ctx, opts.Recreate); err != nil {
		return nil, err
	}

	byID := make(map[string]embed.Record, len(records))
	for _, rec := range records {
		byID[rec.ChunkID] = rec
		st.Discover(rec.ChunkID)
	}
	if err := s.states.Save(state.StageUpload, st); err != nil {
		return nil, err
	}

	pendingIDs := st.Pending()
	skipped := len(records) - len(pendingIDs)

	// Validation failures are permanent: the sink line will not improve
	// on retry. They are recorded up front so batches hold valid records
	// only.
	pending := make([]vectorstore.Record, 0, len(pendingIDs))
	for _, id := range pendingIDs {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		if err := rec.Validate(s.cfg.EmbedDimension); err != nil {
			s.logger.Warn("invalid record", "chunk_id", id, "error", err)
			st.MarkFailed(id, err.Error())
			continue
		}
		pending = append(pending, toStoreRecord(rec))
	}

	s.logger.Info("upload started",
		"records", len(records),
		"pending", len(pending),
		"skipped", skipped,
		"batch_size", s.cfg.UploadBatchSize,
	)

	for start := 0; start < len(pending); start += s.cfg.UploadBatchSize {
		end := start + s.cfg.UploadBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		op := fmt.Sprintf("upload batch of %d", len(batch))
		err := s.client.Do(ctx, op, func(ctx context.Context) error {
			return s.store.UpsertBatch(ctx, batch)
		})
		switch {
		case err == nil:
			for _, rec := range batch {
				st.MarkDone(rec.ID)
			}
		case errors.Is(err, context.Canceled):
			// Cancelled batches stay pending for the next run.
		default:
			s.logger.Warn("batch failed", "records", len(batch), "error", err)
			for _, rec := range batch {
				st.MarkFailed(rec.ID, err.Error())
			}
		}

		if err := s.states.Save(state.StageUpload, st); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	stored, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn("could not verify stored count", "error", err)
		stored = -1
	}

	summary := &Summary{
		Records:      st.DiscoveredCount(),
		Uploaded:     st.CompletedCount(),
		Failed:       st.FailedCount(),
		Skipped:      skipped,
		StoredCount:  stored,
		FailureRatio: st.FailureRatio(),
	}
	if stored >= 0 && stored < int64(summary.Uploaded) {
		s.logger.Warn("store holds fewer vectors than uploaded",
			"stored", stored, "uploaded", summary.Uploaded)
	}
	s.logger.Info("upload finished",
		"uploaded", summary.Uploaded,
		"failed", summary.Failed,
		"stored", stored,
		"failure_ratio", fmt.Sprintf("%.2f", summary.FailureRatio),
	)
	return summary, nil
}

// toStoreRecord maps a sink record to a vector store row.
func toStoreRecord(rec embed.Record) vectorstore.Record {
	return vectorstore.Record{
		ID:          rec.ChunkID,
		Vector:      rec.Vector,
		Text:        rec.Metadata.Text,
		URL:         rec.Metadata.URL,
		Title:       rec.Metadata.Title,
		ChunkIndex:  rec.Metadata.ChunkIndex,
		TotalChunks: rec.Metadata.TotalChunks,
		TokenCount:  rec.Metadata.TokenCount,
		Model:       rec.Model,
		CreatedAt:   rec.CreatedAt,
	}
}
