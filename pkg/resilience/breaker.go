package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the breaker fast-fails a call instead of
// invoking the wrapped operation, so callers can distinguish fast-fail from
// a real failure returned by op.
var ErrBreakerOpen = errors.New("circuit breaker: open")

// State is one of CLOSED, OPEN or HALF_OPEN.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
	// IsFailure classifies a non-nil error as a breaker failure. Nil
	// treats every non-nil error as a failure.
	IsFailure func(error) bool
}

// CircuitBreaker implements the CLOSED -> OPEN -> HALF_OPEN -> CLOSED state
// machine described in the specification.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailure      time.Time
}

// NewCircuitBreaker creates a breaker starting in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op if the breaker allows it, recording the outcome against
// the state machine. A forbidden call returns ErrBreakerOpen without
// invoking op.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}

	err := op(ctx)
	b.recordResult(err)
	return err
}

// ExecuteWithFallback runs op through the breaker; if the breaker forbids
// the call or op fails, fallback is invoked and its return value (including
// error) is surfaced unchanged.
func (b *CircuitBreaker) ExecuteWithFallback(ctx context.Context, op func(context.Context) error,
	fallback func(context.Context, error) error) error {

	err := b.Execute(ctx, op)
	if err != nil {
		return fallback(ctx, err)
	}
	return nil
}

func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.ResetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.successCount = 0
		b.halfOpenInFlight = 0
		return b.allowHalfOpenLocked()
	default: // StateHalfOpen
		return b.allowHalfOpenLocked()
	}
}

func (b *CircuitBreaker) allowHalfOpenLocked() bool {
	if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
		return false
	}
	b.halfOpenInFlight++
	return true
}

func (b *CircuitBreaker) recordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isFailure := err != nil
	if err != nil && b.cfg.IsFailure != nil {
		isFailure = b.cfg.IsFailure(err)
	}

	switch b.state {
	case StateClosed:
		if isFailure {
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.tripLocked()
			}
		} else {
			b.failureCount = 0
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		if isFailure {
			b.tripLocked()
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// allow() never lets a call through while fully OPEN.
	}
}

func (b *CircuitBreaker) tripLocked() {
	b.state = StateOpen
	b.lastFailure = time.Now()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
}
