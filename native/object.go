// Package native implements the reference-counted object graph on the native
// side of the bridge, and the ledger that is the single source of truth for
// every object's reference count.
//
// Objects are created with a count of 1 owned by the creator. Each holder
// (a managed proxy, an edge from another object, or a transient reference
// taken while crossing the boundary) accounts for exactly one count. When the
// count reaches zero the object is destroyed synchronously: its edges are
// released, its payload is poisoned and freed, and its identity becomes
// unknown forever.
package native

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ID is the stable identity of a native object. The zero ID means "none".
type ID uint64

// FieldID names one outgoing reference slot of an object.
type FieldID uint16

// poison is written over the stamp of a destroyed object's payload.
const poison uint64 = 0xDEADDEADDEADDEAD

// Object is a reference-counted native object.
type Object struct {
	id   ID
	kind string
	refs atomic.Int64

	mu        sync.Mutex
	fields    map[FieldID]ID
	destroyed bool

	payload Block
}

// ID returns the object's identity.
func (o *Object) ID() ID { return o.id }

// Kind returns the object's class name.
func (o *Object) Kind() string { return o.kind }

// Refs returns the instantaneous reference count. The value is only meaningful
// at the instant it is read; callers holding a reference see a value >= 1.
func (o *Object) Refs() int64 { return o.refs.Load() }

// PayloadSize returns the size of the object's native payload block.
func (o *Object) PayloadSize() int { return o.payload.size }

// Verify checks that the object is alive and its payload still carries its stamp.
// A failure means the caller is holding a dangling object.
func (o *Object) Verify() error {
	if o.refs.Load() <= 0 {
		return unknown("verify", o.id)
	}
	if o.payload.IsNil() {
		return nil
	}
	if stamp := o.payload.stampWord().Load(); stamp != uint64(o.id) {
		return &IdentityError{
			Op:  "verify",
			ID:  o.id,
			Err: fmt.Errorf("%w: payload stamp %#x", ErrUnknownIdentity, stamp),
		}
	}
	return nil
}

func (o *Object) String() string {
	return fmt.Sprintf("%s#%d", o.kind, o.id)
}

// tryAcquire increments the count unless it already reached zero.
func (o *Object) tryAcquire() bool {
	for {
		c := o.refs.Load()
		if c <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// tryRelease decrements the count. ok is false if the count was already zero.
func (o *Object) tryRelease() (remaining int64, ok bool) {
	for {
		c := o.refs.Load()
		if c <= 0 {
			return 0, false
		}
		if o.refs.CompareAndSwap(c, c-1) {
			return c - 1, true
		}
	}
}
