package throttle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransientError marks a failure as retryable: timeouts, 5xx responses and
// explicit rate-limit signals from upstream providers. Status carries the
// HTTP status code when one is known, otherwise 0.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient upstream error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient upstream error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure as non-retryable: malformed requests,
// 4xx responses other than rate limiting, invalid content. The client
// propagates these immediately without retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RetriesExhaustedError is returned by Client.Do once every retry attempt
// for a transient failure has been consumed. It wraps the last error seen.
type RetriesExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// FromStatus classifies an HTTP response status into a transient or
// permanent error. 2xx statuses return nil.
func FromStatus(status int, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case RetryableStatus(status):
		return &TransientError{Status: status, Err: fmt.Errorf("GET %s: status %d", url, status)}
	default:
		return &PermanentError{Err: fmt.Errorf("GET %s: status %d", url, status)}
	}
}

// RetryableStatus reports whether an HTTP status code signals a transient
// condition: 429 (rate limit) and all 5xx.
func RetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}

// retryablePatterns groups error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: string matching is a fallback for SDK errors that expose no typed
// failure classification. Typed TransientError/PermanentError wrappers are
// always checked first.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "resource_exhausted", "429"}, // rate limiting
	{"500", "502", "503", "504", "unavailable", "overloaded"},     // transient server errors
	{"connection reset", "timeout", "temporary", "deadline"},      // network errors
}

// Retryable reports whether err is transient and should trigger a retry.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, group := range retryablePatterns {
		if containsAny(errStr, group...) {
			return true
		}
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
