// Package throttle provides the single backpressure mechanism shared by
// all pipeline stages: a concurrency-capped, paced, retrying wrapper
// around outbound network calls.
//
// A Limiter bounds how many calls are in flight at once (worker pool) and
// enforces a minimum spacing between call starts (token bucket), sized so
// the aggregate call rate stays under the upstream provider's published
// rate limit. A Client runs one unit of work through the limiter with
// per-call timeouts and exponential-backoff-with-jitter retries on
// transient failures.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// Limiter bounds in-flight concurrency and paces call starts. One Limiter
// is shared by every stage of a pipeline run.
type Limiter struct {
	pool *ants.Pool
	pace *rate.Limiter
}

// NewLimiter creates a limiter allowing at most maxInFlight simultaneous
// calls with at least spacing between consecutive call starts. A spacing
// of zero disables pacing. Callers must Release the limiter when done.
func NewLimiter(maxInFlight int, spacing time.Duration) (*Limiter, error) {
	if maxInFlight < 1 {
		return nil, fmt.Errorf("maxInFlight must be >= 1, got %d", maxInFlight)
	}

	pool, err := ants.NewPool(maxInFlight)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}

	return &Limiter{
		pool: pool,
		pace: rate.NewLimiter(limit, 1),
	}, nil
}

// Run executes fn on the bounded worker pool, blocking until a slot is
// free and fn returns. The slot is held for fn's full duration, including
// any retry backoff, so a struggling upstream slows the whole run down
// rather than piling up work.
func (l *Limiter) Run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var runErr error
	done := make(chan struct{})
	if err := l.pool.Submit(func() {
		defer close(done)
		runErr = fn()
	}); err != nil {
		return fmt.Errorf("submitting to worker pool: %w", err)
	}

	<-done
	return runErr
}

// Pace blocks until the next call start is allowed, or ctx is done.
// Called once per attempt so retries are paced like first attempts.
func (l *Limiter) Pace(ctx context.Context) error {
	return l.pace.Wait(ctx)
}

// InFlight returns the number of calls currently executing.
func (l *Limiter) InFlight() int {
	return l.pool.Running()
}

// Release shuts the worker pool down. Pending Run calls complete first.
func (l *Limiter) Release() {
	l.pool.Release()
}
