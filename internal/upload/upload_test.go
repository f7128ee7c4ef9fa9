package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/embed"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
	"github.com/ragline/ragline/internal/vectorstore"
)

func TestMain(m *testing.M) {
	// The ants default pool is created at package init and keeps its
	// purge/ticktock goroutines for the life of the process; no test or
	// module code can release it.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
	)
}

// fakeStore collects upserts in memory and can fail chosen batches.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]vectorstore.Record
	ensured   int
	recreated bool
	failBatch func(batch []vectorstore.Record) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]vectorstore.Record{}}
}

func (f *fakeStore) EnsureCollection(_ context.Context, recreate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	if recreate {
		f.recreated = true
		f.rows = map[string]vectorstore.Record{}
	}
	return nil
}

func (f *fakeStore) UpsertBatch(_ context.Context, batch []vectorstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBatch != nil {
		if err := f.failBatch(batch); err != nil {
			return err
		}
	}
	for _, rec := range batch {
		f.rows[rec.ID] = rec
	}
	return nil
}

func (f *fakeStore) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func sinkRecord(id string, dim int) embed.Record {
	return embed.NewRecord(document.Chunk{
		ID:          id,
		Text:        "text for " + id,
		SourceURL:   "https://docs.example.com/docs/a",
		SourceTitle: "A",
		Index:       0,
		Total:       1,
		TokenCount:  4,
		CharStart:   0,
		CharEnd:     16,
	}, make([]float32, dim), "test-model")
}

func newTestStage(t *testing.T, store VectorStore, batchSize int) (*Stage, *embed.Sink, *state.Store) {
	t.Helper()
	cfg := &config.Config{
		EmbedDimension:   4,
		UploadBatchSize:  batchSize,
		MaxConcurrent:    2,
		FailureThreshold: 0.2,
		DataDir:          t.TempDir(),
	}
	logger := log.NewNop()

	limiter, err := throttle.NewLimiter(cfg.MaxConcurrent, 0)
	require.NoError(t, err)
	t.Cleanup(limiter.Release)
	client := throttle.NewClient(limiter, throttle.RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, time.Second, logger)

	sink, err := embed.NewSink(cfg.EmbeddingsPath(), logger)
	require.NoError(t, err)
	states, err := state.NewStore(cfg.StateDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	return NewStage(cfg, client, store, sink, states, logger), sink, states
}

func TestRun_UploadsAllRecords(t *testing.T) {
	store := newFakeStore()
	stage, sink, _ := newTestStage(t, store, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Append(sinkRecord(fmt.Sprintf("c_%d", i), 4)))
	}

	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Records)
	assert.Equal(t, 5, summary.Uploaded)
	assert.Equal(t, 0, summary.Failed)
	assert.EqualValues(t, 5, summary.StoredCount)
	assert.Equal(t, 1, store.ensured)
}

func TestRun_FailedBatchContinues(t *testing.T) {
	store := newFakeStore()
	failed := false
	store.failBatch = func(batch []vectorstore.Record) error {
		if !failed {
			failed = true
			return throttle.Permanent(fmt.Errorf("constraint violation"))
		}
		return nil
	}
	stage, sink, states := newTestStage(t, store, 2)

	for i := 0; i < 6; i++ {
		require.NoError(t, sink.Append(sinkRecord(fmt.Sprintf("c_%d", i), 4)))
	}

	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Uploaded)
	assert.Equal(t, 2, summary.Failed)

	st := states.Load(state.StageUpload)
	for _, msg := range st.Failed() {
		assert.Contains(t, msg, "constraint violation")
	}
}

func TestRun_InvalidRecordsFailPermanently(t *testing.T) {
	store := newFakeStore()
	stage, sink, _ := newTestStage(t, store, 10)

	good := sinkRecord("good_0", 4)
	bad := sinkRecord("bad_0", 3) // wrong dimensionality
	require.NoError(t, sink.Append(good, bad))

	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Uploaded)
	assert.Equal(t, 1, summary.Failed)
	assert.EqualValues(t, 1, summary.StoredCount)
}

func TestRun_ResumeSkipsUploaded(t *testing.T) {
	store := newFakeStore()
	stage, sink, _ := newTestStage(t, store, 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, sink.Append(sinkRecord(fmt.Sprintf("c_%d", i), 4)))
	}

	_, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	var upserts int
	store.failBatch = func(batch []vectorstore.Record) error {
		upserts += len(batch)
		return nil
	}

	summary, err := stage.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 0, upserts, "resume must not re-upload completed records")
}

func TestRun_RecreatePassesThrough(t *testing.T) {
	store := newFakeStore()
	stage, sink, _ := newTestStage(t, store, 2)
	require.NoError(t, sink.Append(sinkRecord("c_0", 4)))

	_, err := stage.Run(context.Background(), Options{Recreate: true})
	require.NoError(t, err)
	assert.True(t, store.recreated)
}

func TestRun_EmptySink(t *testing.T) {
	stage, _, _ := newTestStage(t, newFakeStore(), 2)
	_, err := stage.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoRecords)
}
