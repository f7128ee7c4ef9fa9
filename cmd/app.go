package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/chunker"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/crawler"
	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/embed"
	"github.com/ragline/ragline/internal/extract"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
	"github.com/ragline/ragline/internal/upload"
	"github.com/ragline/ragline/internal/vectorstore"
)

// app holds the wired pipeline components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  log.Logger
	client  *throttle.Client
	cache   *document.Cache
	states  *state.Store
	sink    *embed.Sink
	limiter *throttle.Limiter
	pool    *pgxpool.Pool
}

// newApp loads configuration and wires the components every stage needs.
// Embedder and vector store are connected lazily by the stages that use
// them, so crawl-only runs need neither an API key nor a database.
func newApp(overrides func(*config.Config)) (*app, error) {
	cfg, err := config.LoadFrom(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagConcurrency > 0 {
		cfg.MaxConcurrent = flagConcurrency
	}
	if overrides != nil {
		overrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger := newLogger()

	limiter, err := throttle.NewLimiter(cfg.MaxConcurrent, cfg.RequestSpacing)
	if err != nil {
		return nil, err
	}
	client := throttle.NewClient(limiter, throttle.RetryConfig{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: throttle.DefaultRetryConfig().InitialInterval,
		MaxInterval:     throttle.DefaultRetryConfig().MaxInterval,
		Jitter:          throttle.DefaultRetryConfig().Jitter,
	}, cfg.RequestTimeout, logger)

	cache, err := document.NewCache(cfg.CacheDir(), logger)
	if err != nil {
		limiter.Release()
		return nil, err
	}
	states, err := state.NewStore(cfg.StateDir(), logger)
	if err != nil {
		limiter.Release()
		return nil, err
	}
	sink, err := embed.NewSink(cfg.EmbeddingsPath(), logger)
	if err != nil {
		limiter.Release()
		_ = states.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		cache:   cache,
		states:  states,
		sink:    sink,
		limiter: limiter,
	}, nil
}

// Close releases the state lock, the worker pool and, when connected,
// the database pool.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.states.Close()
	a.limiter.Release()
}

// crawlStage builds the crawl stage.
func (a *app) crawlStage() *crawler.Stage {
	return crawler.NewStage(
		a.cfg,
		a.client,
		crawler.NewHTTPFetcher(a.cfg.RequestTimeout),
		extract.New(document.MinContentLength, a.logger),
		a.cache,
		a.states,
		a.logger.With("stage", "crawl"),
	)
}

// embedStage builds the embed stage, creating the Gemini embedder.
func (a *app) embedStage(ctx context.Context) (*embed.Stage, error) {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	embedder, err := embed.NewGeminiEmbedder(ctx,
		a.cfg.GeminiAPIKey, a.cfg.EmbedModel, a.cfg.EmbedDimension)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embed.NewStage(
		a.cfg,
		a.client,
		embedder,
		chunker.New(a.cfg.ChunkSize, a.cfg.ChunkOverlap, a.logger),
		a.cache,
		a.sink,
		a.states,
		a.logger.With("stage", "embed"),
	), nil
}

// uploadStage builds the upload stage, connecting the vector store.
func (a *app) uploadStage(ctx context.Context) (*upload.Stage, error) {
	pool, err := vectorstore.Open(ctx, a.cfg.ConnString())
	if err != nil {
		return nil, err
	}
	a.pool = pool

	store, err := vectorstore.New(pool, a.cfg.Collection, a.cfg.EmbedDimension, a.logger)
	if err != nil {
		return nil, err
	}
	return upload.NewStage(
		a.cfg,
		a.client,
		store,
		a.sink,
		a.states,
		a.logger.With("stage", "upload"),
	), nil
}
