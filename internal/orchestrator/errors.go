package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed coordinator operation.
type Kind string

const (
	// KindUnsupported: the backend lacks the capability. Never retried.
	KindUnsupported Kind = "unsupported"
	// KindConfiguration: unknown backend, missing setting or invalid descriptor.
	KindConfiguration Kind = "configuration"
	// KindGateway: network or remote failure, possibly transient.
	KindGateway Kind = "gateway"
	// KindIntegrity: a gateway report contradicts recorded state and was rejected.
	KindIntegrity Kind = "integrity"
	// KindInputConstraint: the caller's input was rejected before any gateway call.
	KindInputConstraint Kind = "input_constraint"
	// KindInvalidTransition: the operation has no edge from the current status.
	KindInvalidTransition Kind = "invalid_transition"
)

// Error is returned by every Coordinator operation that fails.
type Error struct {
	Kind      Kind
	Op        string
	Backend   string
	PaymentID string
	// Retryable is only ever true for gateway failures that left the
	// payment in a non-terminal state.
	Retryable bool
	// RetryAfter is the policy's wait hint for a retryable failure, zero
	// when the policy gave none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed for payment %q on backend %q: %v", e.Kind, e.Op, e.PaymentID, e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err is a gateway failure the policy allows
// the caller to retry.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
