package native

import (
	"errors"
	"fmt"
)

// ErrUnknownIdentity indicates an operation referenced an identity that was never
// created or has already been destroyed. Observing it means a dangling identity
// crossed the boundary; callers must treat it as fatal.
var ErrUnknownIdentity = errors.New("refbridge: unknown identity")

// ErrClosed indicates the bridge, or the ledger or registry under it, has
// been torn down.
var ErrClosed = errors.New("refbridge: closed")

// ErrOutOfMemory indicates payload allocation failed.
var ErrOutOfMemory = errors.New("refbridge: out of memory")

// IdentityError records the operation and identity that failed.
type IdentityError struct {
	Op  string
	ID  ID
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Op, e.ID, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

func unknown(op string, id ID) error {
	return &IdentityError{Op: op, ID: id, Err: ErrUnknownIdentity}
}
