// Package resilience implements the retry driver with pluggable backoff
// strategies and the circuit breaker with half-open probing, grounded on
// the backoff strategy in distributed-queue/pkg/wait, generalized from a
// single fixed-factor strategy into the four strategies the spec names.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Strategy selects how the backoff duration grows between attempts.
type Strategy int

const (
	Exponential Strategy = iota
	ExponentialJitter
	Linear
	Fixed
)

// RetryConfig configures ExecuteWithRetry.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Strategy       Strategy
	IsRetryable    func(error) bool
}

// CancelledError wraps a context cancellation observed while the retry loop
// was waiting between attempts.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string { return "retry: cancelled: " + e.Cause.Error() }
func (e *CancelledError) Unwrap() error { return e.Cause }

// ExecuteWithRetry runs op, retrying on failure according to cfg until
// either op succeeds, an error is judged non-retryable, attempts are
// exhausted, or ctx is cancelled while waiting between attempts.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.IsRetryable != nil && !cfg.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := computeBackoff(cfg, attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return &CancelledError{Cause: ctx.Err()}
		}
	}
	return lastErr
}

func computeBackoff(cfg RetryConfig, attempt int) time.Duration {
	var d time.Duration
	switch cfg.Strategy {
	case Linear:
		d = cfg.InitialBackoff * time.Duration(attempt)
	case Fixed:
		d = cfg.InitialBackoff
	case ExponentialJitter:
		base := cfg.InitialBackoff * time.Duration(1<<uint(attempt-1))
		jitter := 0.5 + rand.Float64() // [0.5, 1.5)
		d = time.Duration(float64(base) * jitter)
	default: // Exponential
		d = cfg.InitialBackoff * time.Duration(1<<uint(attempt-1))
	}

	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if d < 0 {
		d = cfg.MaxBackoff
	}
	return d
}

// IsCancelled reports whether err is (or wraps) a retry CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
