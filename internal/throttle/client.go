package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures the retry behaviour for upstream calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts after the first call
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
	Jitter          float64       // Randomization factor applied to each interval (0-1)
}

// DefaultRetryConfig returns the defaults used against embedding and
// vector store APIs: delay = min(1s * 2^attempt, 60s) plus 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
		Jitter:          0.1,
	}
}

// Client executes units of work through a shared Limiter with retries.
//
// Transient failures (timeout, 5xx, rate-limit signal) are retried with
// exponential backoff and jitter up to MaxRetries, then surfaced as a
// RetriesExhaustedError. Permanent failures propagate immediately.
type Client struct {
	limiter *Limiter
	retry   RetryConfig
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client. timeout bounds each individual attempt;
// zero disables the per-attempt timeout.
func NewClient(limiter *Limiter, retry RetryConfig, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		limiter: limiter,
		retry:   retry,
		timeout: timeout,
		logger:  logger,
	}
}

// Do runs fn through the limiter. op names the operation for logs and
// errors. fn receives a context carrying the per-attempt timeout; a
// timeout is treated as a transient failure identical to a 5xx.
func (c *Client) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	return c.limiter.Run(ctx, func() error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.retry.InitialInterval
		bo.MaxInterval = c.retry.MaxInterval
		bo.RandomizationFactor = c.retry.Jitter
		bo.MaxElapsedTime = 0 // retry count is the only cap

		attempts := 0
		start := time.Now()

		operation := func() error {
			attempts++

			// Pace every attempt, not just the first, so retries count
			// against the provider's rate limit like fresh calls.
			if err := c.limiter.Pace(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("%s: pacing wait: %w", op, err))
			}

			attemptCtx := ctx
			if c.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}

			err := fn(attemptCtx)
			if err == nil {
				return nil
			}
			if !Retryable(err) {
				return backoff.Permanent(err)
			}

			c.logger.Debug("retrying after transient failure",
				"op", op,
				"attempt", attempts,
				"elapsed", time.Since(start),
				"error", err,
			)
			return err
		}

		err := backoff.Retry(operation,
			backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retry.MaxRetries)), ctx))
		if err == nil {
			c.logger.Debug("call succeeded",
				"op", op, "attempts", attempts, "elapsed", time.Since(start))
			return nil
		}

		if Retryable(err) {
			return &RetriesExhaustedError{Op: op, Attempts: attempts, Err: err}
		}
		return err
	})
}
