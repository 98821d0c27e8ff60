package proxy

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/obinnaokechukwu/refbridge/internal/handles"
	"github.com/obinnaokechukwu/refbridge/internal/metrics"
	"github.com/obinnaokechukwu/refbridge/native"
)

// ErrClosed indicates the registry has been torn down.
var ErrClosed = native.ErrClosed

// Ledger is the part of the reference-count ledger the registry needs.
type Ledger interface {
	Acquire(id native.ID) error
	Release(id native.ID) error
	Lookup(id native.ID) (*native.Object, error)
}

type entryState uint8

const (
	// entryVacant: inserted, creation in progress under the entry lock.
	entryVacant entryState = iota
	// entryLive: owns exactly one ledger reference.
	entryLive
	// entryRemoved: detached; its reference has been released and it is no
	// longer in the table. Lookups that raced with removal retry.
	entryRemoved
)

type entry struct {
	id native.ID

	mu    sync.Mutex
	state entryState
	kind  string
	proxy weak.Pointer[Proxy]
}

// reachable reports whether some strong reference to the entry's proxy exists.
// Caller holds e.mu.
func (e *entry) reachable() bool {
	return e.proxy.Value() != nil
}

// Registry maps identities to at most one live Proxy each.
//
// Synchronization is per identity: each entry has its own mutex, and the
// identity table is sharded. Lock order is entry before shard; creation takes
// the shard lock only while no entry lock is held.
type Registry struct {
	ledger  Ledger
	entries *handles.Table[*entry]
	serial  atomic.Uint64
	closed  atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry over ledger.
func NewRegistry(ledger Ledger, opts ...Option) *Registry {
	r := &Registry{
		ledger:  ledger,
		entries: handles.New[*entry](),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live proxy for id, creating it if needed.
//
// Concurrent callers for the same identity observe at most one creation and one
// ledger acquisition. If the previous proxy is already unreachable but has not
// been swept yet, the new proxy adopts its outstanding reference, so the
// object's count never exceeds its number of holders. If id is unknown or
// destroyed the error wraps native.ErrUnknownIdentity and no entry is left behind.
func (r *Registry) GetOrCreate(id native.ID) (*Proxy, error) {
	if id == 0 {
		return nil, &native.IdentityError{Op: "get or create", ID: id, Err: native.ErrUnknownIdentity}
	}

	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}

		e, _ := r.entries.LoadOrStore(uint64(id), func() *entry {
			return &entry{id: id}
		})

		e.mu.Lock()
		switch e.state {
		case entryRemoved:
			// Lost a race with removal; the next round sees a fresh entry.
			e.mu.Unlock()
			continue

		case entryLive:
			if p := e.proxy.Value(); p != nil {
				e.mu.Unlock()
				r.metrics.ProxyLookup(metrics.LookupHit)
				return p, nil
			}
			p, err := r.newProxy(id)
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.proxy = weak.Make(p)
			e.mu.Unlock()
			r.metrics.ProxyLookup(metrics.LookupAdopted)
			r.logger.Debug("proxy adopted pending reference", "id", id, "serial", p.serial)
			return p, nil

		default: // entryVacant
			if err := r.ledger.Acquire(id); err != nil {
				e.state = entryRemoved
				r.entries.CompareAndDelete(uint64(id), e)
				e.mu.Unlock()
				return nil, err
			}
			p, err := r.newProxy(id)
			if err != nil {
				// We hold the reference we just took; give it back.
				relErr := r.ledger.Release(id)
				e.state = entryRemoved
				r.entries.CompareAndDelete(uint64(id), e)
				e.mu.Unlock()
				return nil, errors.Join(err, relErr)
			}
			e.state = entryLive
			e.kind = p.Kind()
			e.proxy = weak.Make(p)
			e.mu.Unlock()
			r.metrics.ProxyLookup(metrics.LookupCreated)
			return p, nil
		}
	}
}

// newProxy builds a proxy for id. The caller holds a reference on id.
func (r *Registry) newProxy(id native.ID) (*Proxy, error) {
	obj, err := r.ledger.Lookup(id)
	if err != nil {
		return nil, err
	}
	return &Proxy{obj: obj, serial: r.serial.Add(1)}, nil
}

// Lookup returns the live proxy for id without creating one.
func (r *Registry) Lookup(id native.ID) (*Proxy, bool) {
	e, ok := r.entries.Lookup(uint64(id))
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != entryLive {
		return nil, false
	}
	p := e.proxy.Value()
	return p, p != nil
}

// RemoveResult is the outcome of a removal attempt.
type RemoveResult uint8

const (
	// Absent: no entry exists for the identity.
	Absent RemoveResult = iota
	// Reachable: the proxy is still referenced; the entry was kept.
	Reachable
	// Contended: the entry was locked by another goroutine; nothing was done.
	Contended
	// Removed: the entry was detached and its reference released.
	Removed
)

func (r RemoveResult) String() string {
	switch r {
	case Absent:
		return "absent"
	case Reachable:
		return "reachable"
	case Contended:
		return "contended"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Remove detaches id's entry if its proxy is unreachable and releases the
// entry's ledger reference. It returns false if the entry is absent, still
// reachable, or was re-created by another goroutine. The release happens while
// the entry is still locked, so a concurrent GetOrCreate waits for it and then
// acquires against the post-release count.
func (r *Registry) Remove(id native.ID) (bool, error) {
	e, ok := r.entries.Lookup(uint64(id))
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := r.removeLocked(e)
	return res == Removed, err
}

// TryRemove is Remove without blocking: if the entry is locked it returns
// Contended immediately. Collectors use it so a sweep can never stall on an
// entry a worker is creating.
func (r *Registry) TryRemove(id native.ID) (RemoveResult, error) {
	e, ok := r.entries.Lookup(uint64(id))
	if !ok {
		return Absent, nil
	}
	if !e.mu.TryLock() {
		return Contended, nil
	}
	defer e.mu.Unlock()
	return r.removeLocked(e)
}

// removeLocked requires e.mu.
func (r *Registry) removeLocked(e *entry) (RemoveResult, error) {
	switch e.state {
	case entryRemoved:
		return Absent, nil
	case entryVacant:
		// Not yet populated by its creator; treat as in use.
		return Reachable, nil
	}
	if e.reachable() {
		return Reachable, nil
	}
	return Removed, r.detachLocked(e)
}

// detachLocked releases e's reference and unlinks it. Caller holds e.mu.
func (r *Registry) detachLocked(e *entry) error {
	e.state = entryRemoved
	e.proxy = weak.Pointer[Proxy]{}
	err := r.ledger.Release(e.id)
	r.entries.CompareAndDelete(uint64(e.id), e)
	if err != nil {
		r.logger.Error("release of collected proxy failed", "id", e.id, "kind", e.kind, "error", err)
	}
	return err
}

// EntryInfo describes one registry entry at snapshot time.
type EntryInfo struct {
	ID   native.ID
	Kind string
}

// Snapshot appends the identities currently registered to dst. The view is
// per shard, not a global atomic snapshot; entries may appear or vanish
// concurrently.
func (r *Registry) Snapshot(dst []EntryInfo) []EntryInfo {
	for _, e := range r.entries.Snapshot(nil) {
		// kind is written once under the lock before the entry goes live.
		if !e.mu.TryLock() {
			dst = append(dst, EntryInfo{ID: e.id})
			continue
		}
		dst = append(dst, EntryInfo{ID: e.id, Kind: e.kind})
		e.mu.Unlock()
	}
	return dst
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// Close stops further lookups, releases the references of every proxy that is
// already unreachable and reports how many proxies are still referenced. Those
// stay valid; their native objects are left alive.
func (r *Registry) Close() (outstanding int, err error) {
	r.closed.Store(true)

	var errs []error
	for _, e := range r.entries.Snapshot(nil) {
		e.mu.Lock()
		res, rerr := r.removeLocked(e)
		e.mu.Unlock()
		if rerr != nil {
			errs = append(errs, rerr)
		}
		if res == Reachable {
			outstanding++
		}
	}
	return outstanding, errors.Join(errs...)
}
