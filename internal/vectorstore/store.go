// Package vectorstore persists embedding records in PostgreSQL with the
// pgvector extension. One table per collection: the chunk ID is the
// primary key, so upserts are idempotent and re-uploading a record is a
// no-op overwrite rather than a duplicate.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ragline/ragline/internal/log"
)

// ErrConnect indicates the vector store is unreachable. Callers map this
// to the upstream-connection exit code.
var ErrConnect = errors.New("vector store unreachable")

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Record is one row of a collection: a vector plus the payload needed to
// serve retrieval results without a second lookup.
type Record struct {
	ID          string
	Vector      []float32
	Text        string
	URL         string
	Title       string
	ChunkIndex  int
	TotalChunks int
	TokenCount  int
	Model       string
	CreatedAt   time.Time
}

// Validate checks a record is storable with the collection's
// dimensionality.
func (r Record) Validate(dim int) error {
	if r.ID == "" {
		return errors.New("record missing ID")
	}
	if len(r.Vector) != dim {
		return fmt.Errorf("record %s: vector has %d dimensions, want %d",
			r.ID, len(r.Vector), dim)
	}
	if r.Text == "" || r.URL == "" || r.Model == "" {
		return fmt.Errorf("record %s: missing required payload field", r.ID)
	}
	if r.TotalChunks < 1 || r.ChunkIndex < 0 || r.ChunkIndex >= r.TotalChunks {
		return fmt.Errorf("record %s: chunk index %d out of range for total %d",
			r.ID, r.ChunkIndex, r.TotalChunks)
	}
	return nil
}

// Store manages one pgvector collection. Safe for concurrent use as long
// as the underlying querier is.
type Store struct {
	db         querier
	collection string
	dim        int
	logger     log.Logger
}

// New creates a Store for the named collection. The collection name is
// interpolated into DDL and DML, so it must already be validated as a
// safe SQL identifier by config.
func New(db querier, collection string, dim int, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	if dim < 1 {
		return nil, fmt.Errorf("dimensionality must be positive, got %d", dim)
	}
	return &Store{db: db, collection: collection, dim: dim, logger: logger}, nil
}

// Open connects a pgx pool and verifies the server is reachable.
func Open(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return pool, nil
}

// EnsureCollection creates the extension, table and vector index if they
// do not exist. With recreate, the table is dropped first; existing
// vectors are gone for good, so callers gate it behind an explicit flag.
func (s *Store) EnsureCollection(ctx context.Context, recreate bool) error {
	if _, err := s.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("creating vector extension: %w", err)
	}

	if recreate {
		if _, err := s.db.Exec(ctx,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.collection)); err != nil {
			return fmt.Errorf("dropping collection %s: %w", s.collection, err)
		}
		s.logger.Info("collection dropped", "collection", s.collection)
	}

	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id           TEXT PRIMARY KEY,
		embedding    vector(%d) NOT NULL,
		text         TEXT NOT NULL,
		url          TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		chunk_index  INT NOT NULL,
		total_chunks INT NOT NULL,
		token_count  INT NOT NULL,
		model        TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`, s.collection, s.dim)
	if _, err := s.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}

	createIndex := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx
		 ON %[1]s USING hnsw (embedding vector_cosine_ops)`, s.collection)
	if _, err := s.db.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("creating vector index on %s: %w", s.collection, err)
	}

	s.logger.Debug("collection ready", "collection", s.collection, "dim", s.dim)
	return nil
}

// UpsertBatch writes records in one round trip. Existing IDs are
// overwritten, so retried and re-run uploads converge on the same rows.
func (s *Store) UpsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`INSERT INTO %s
		(id, embedding, text, url, title, chunk_index, total_chunks, token_count, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			embedding    = EXCLUDED.embedding,
			text         = EXCLUDED.text,
			url          = EXCLUDED.url,
			title        = EXCLUDED.title,
			chunk_index  = EXCLUDED.chunk_index,
			total_chunks = EXCLUDED.total_chunks,
			token_count  = EXCLUDED.token_count,
			model        = EXCLUDED.model,
			created_at   = EXCLUDED.created_at`, s.collection)

	batch := &pgx.Batch{}
	for _, rec := range records {
		if err := rec.Validate(s.dim); err != nil {
			return err
		}
		batch.Queue(sql,
			rec.ID, pgvector.NewVector(rec.Vector), rec.Text, rec.URL, rec.Title,
			rec.ChunkIndex, rec.TotalChunks, rec.TokenCount, rec.Model, rec.CreatedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting into %s: %w", s.collection, err)
		}
	}
	return nil
}

// Count returns the number of stored vectors, used to verify an upload
// run against the checkpoint.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.collection)
	if err := s.db.QueryRow(ctx, sql).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.collection, err)
	}
	return count, nil
}

// SearchResult is one nearest-neighbor match.
type SearchResult struct {
	Record
	Score float64 // cosine similarity, higher is closer
}

// Search returns the limit nearest records by cosine similarity.
func (s *Store) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("query vector has %d dimensions, want %d", len(vector), s.dim)
	}
	if limit < 1 {
		limit = 10
	}

	sql := fmt.Sprintf(`SELECT
		id, embedding, text, url, title, chunk_index, total_chunks, token_count,
		model, created_at, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, s.collection)

	rows, err := s.db.Query(ctx, sql, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", s.collection, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var (
			res SearchResult
			vec pgvector.Vector
		)
		if err := rows.Scan(&res.ID, &vec, &res.Text, &res.URL, &res.Title,
			&res.ChunkIndex, &res.TotalChunks, &res.TokenCount,
			&res.Model, &res.CreatedAt, &res.Score); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		res.Vector = vec.Slice()
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}
	return out, nil
}
