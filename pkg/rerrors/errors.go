// Package rerrors defines the small error taxonomy shared by the gossip
// engine, the peer node, the tracker, configuration and persistence, so
// that retry and circuit-breaker logic can classify failures without
// depending on any single collaborator's error types.
package rerrors

import "errors"

// Kind classifies an error for retry and logging purposes.
type Kind int

const (
	// KindNetwork covers connection refused/reset and I/O timeouts. Retryable.
	KindNetwork Kind = iota
	// KindProtocol covers malformed messages, unknown verbs and schema
	// mismatches. Not retryable.
	KindProtocol
	// KindResource covers pool timeouts and temporary capacity exhaustion.
	// Retryable.
	KindResource
	// KindInternal covers precondition violations and configuration errors.
	// Not retryable.
	KindInternal
	// KindCancelled covers cooperative cancellation and shutdown. Not
	// retryable from the caller's perspective.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindInternal:
		return "internal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps a lower-level error with a Kind so that callers across
// package boundaries can decide whether it is worth retrying.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried under the default
// classification: network and resource errors are retryable, everything
// else (including plain errors with no Kind attached) is not.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindNetwork || re.Kind == KindResource
	}
	return false
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindCancelled
	}
	return false
}
