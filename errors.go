package refbridge

import (
	"errors"
	"fmt"

	"github.com/obinnaokechukwu/refbridge/native"
)

// IdentityError is the error returned for operations on an unknown identity.
// It carries the failing operation and identity.
type IdentityError = native.IdentityError

// Common errors
var (
	// ErrUnknownIdentity indicates an operation referenced an identity that is
	// unknown or already destroyed. Always fatal when observed by a worker.
	ErrUnknownIdentity = native.ErrUnknownIdentity

	// ErrInvariantViolation indicates an observed reference count or proxy state
	// disagrees with the expected topology. Always fatal; never retried.
	ErrInvariantViolation = errors.New("refbridge: invariant violation")

	// ErrTimeoutExceeded indicates a run did not start up, or did not shut
	// down, within its configured bounds.
	ErrTimeoutExceeded = errors.New("refbridge: timeout exceeded")

	// ErrClosed indicates the bridge has been closed. The ledger and registry
	// report the same sentinel.
	ErrClosed = native.ErrClosed

	// ErrOutOfMemory indicates payload allocation failed.
	ErrOutOfMemory = native.ErrOutOfMemory
)

// InvariantError describes one observed invariant violation.
type InvariantError struct {
	ID       native.ID
	Check    string
	Expected any
	Observed any
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: %s on %d: expected %v, observed %v",
		ErrInvariantViolation, e.Check, e.ID, e.Expected, e.Observed)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// IsFatal reports whether err belongs to the fatal taxonomy: a dangling
// identity or a broken invariant. Neither can be recovered from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnknownIdentity) || errors.Is(err, ErrInvariantViolation)
}
