// Package pipeline orchestrates the full ingestion run: crawl, embed,
// upload, in order, with failure-ratio gating between stages.
//
// Each stage checkpoints its own progress; the orchestrator only decides
// whether the next stage is worth running. A stage whose failure ratio
// exceeds the configured threshold stops the pipeline so a systemic
// problem (site down, revoked API key, full disk) does not burn the
// remaining budget on work that will be thrown away.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/crawler"
	"github.com/ragline/ragline/internal/embed"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/upload"
)

// Phase is the pipeline's current activity.
type Phase string

// Pipeline phases in order.
const (
	PhaseIdle      Phase = "idle"
	PhaseCrawling  Phase = "crawling"
	PhaseEmbedding Phase = "embedding"
	PhaseUploading Phase = "uploading"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// ErrThresholdExceeded indicates a stage failed too large a share of its
// items for the next stage to be worth running.
var ErrThresholdExceeded = errors.New("stage failure ratio exceeded threshold")

// ErrTotalFailure indicates a stage completed nothing at all.
var ErrTotalFailure = errors.New("stage completed no items")

// Pipeline runs the three stages in order.
type Pipeline struct {
	cfg    *config.Config
	crawl  *crawler.Stage
	embed  *embed.Stage
	upload *upload.Stage
	logger log.Logger
	phase  atomic.Value
}

// New wires the pipeline. Stages a run will skip may be nil.
func New(cfg *config.Config, crawl *crawler.Stage, emb *embed.Stage, up *upload.Stage, logger log.Logger) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		crawl:  crawl,
		embed:  emb,
		upload: up,
		logger: logger,
	}
	p.phase.Store(PhaseIdle)
	return p
}

// Options control a full pipeline run.
type Options struct {
	Resume      bool
	RetryFailed bool
	MaxPages    int
	Recreate    bool
	SkipCrawl   bool
	SkipEmbed   bool
	SkipUpload  bool
}

// RunSummary aggregates per-stage outcomes for operators and the --json
// output mode.
type RunSummary struct {
	RunID           string           `json:"run_id"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Crawl           *crawler.Summary `json:"crawl,omitempty"`
	Embed           *embed.Summary   `json:"embed,omitempty"`
	Upload          *upload.Summary  `json:"upload,omitempty"`
	Errors          []string         `json:"errors,omitempty"`
}

// Failed reports whether any executed stage recorded item failures.
func (r *RunSummary) Failed() bool {
	if r.Crawl != nil && r.Crawl.Failed > 0 {
		return true
	}
	if r.Embed != nil && r.Embed.Failed > 0 {
		return true
	}
	if r.Upload != nil && r.Upload.Failed > 0 {
		return true
	}
	return false
}

// Phase returns the pipeline's current phase.
func (p *Pipeline) Phase() Phase {
	return p.phase.Load().(Phase)
}

func (p *Pipeline) setPhase(phase Phase) {
	p.phase.Store(phase)
	p.logger.Info("pipeline phase", "phase", string(phase))
}

// Run executes the configured stages in order. The returned summary is
// non-nil even on error, carrying whatever stages completed before the
// failure.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	finish := func(err error) (*RunSummary, error) {
		summary.FinishedAt = time.Now().UTC()
		summary.DurationSeconds = summary.FinishedAt.Sub(summary.StartedAt).Seconds()
		if err != nil {
			p.setPhase(PhaseFailed)
			summary.Errors = append(summary.Errors, err.Error())
		} else {
			p.setPhase(PhaseDone)
		}
		return summary, err
	}

	p.logger.Info("pipeline started", "run_id", summary.RunID, "site", p.cfg.SiteURL)

	if !opts.SkipCrawl {
		p.setPhase(PhaseCrawling)
		crawlSummary, err := p.crawl.Run(ctx, crawler.Options{
			Resume:      opts.Resume,
			RetryFailed: opts.RetryFailed,
			MaxPages:    opts.MaxPages,
		})
		if err != nil {
			return finish(fmt.Errorf("crawl stage: %w", err))
		}
		summary.Crawl = crawlSummary
		if err := p.gate("crawl", crawlSummary.Completed, crawlSummary.Discovered, crawlSummary.FailureRatio); err != nil {
			return finish(err)
		}
	}

	if !opts.SkipEmbed {
		p.setPhase(PhaseEmbedding)
		embedSummary, err := p.embed.Run(ctx, embed.Options{
			Resume:      opts.Resume,
			RetryFailed: opts.RetryFailed,
		})
		if err != nil {
			return finish(fmt.Errorf("embed stage: %w", err))
		}
		summary.Embed = embedSummary
		if err := p.gate("embed", embedSummary.Embedded, embedSummary.Chunks, embedSummary.FailureRatio); err != nil {
			return finish(err)
		}
	}

	if !opts.SkipUpload {
		p.setPhase(PhaseUploading)
		uploadSummary, err := p.upload.Run(ctx, upload.Options{
			Resume:      opts.Resume,
			RetryFailed: opts.RetryFailed,
			Recreate:    opts.Recreate,
		})
		if err != nil {
			return finish(fmt.Errorf("upload stage: %w", err))
		}
		summary.Upload = uploadSummary
		if err := p.gate("upload", uploadSummary.Uploaded, uploadSummary.Records, uploadSummary.FailureRatio); err != nil {
			return finish(err)
		}
	}

	return finish(nil)
}

// gate decides whether the pipeline may continue after a stage.
func (p *Pipeline) gate(stage string, completed, total int, ratio float64) error {
	if total > 0 && completed == 0 {
		return fmt.Errorf("%w: %s completed 0 of %d", ErrTotalFailure, stage, total)
	}
	if ratio > p.cfg.FailureThreshold {
		return fmt.Errorf("%w: %s failed %.0f%% (threshold %.0f%%)",
			ErrThresholdExceeded, stage, ratio*100, p.cfg.FailureThreshold*100)
	}
	return nil
}
