package native

import (
	"log/slog"
	"sync/atomic"

	"github.com/obinnaokechukwu/refbridge/internal/handles"
	"github.com/obinnaokechukwu/refbridge/internal/metrics"
)

// DefaultPayloadSize is the payload block size used when none is configured.
const DefaultPayloadSize = 64

// Ledger is the authoritative reference-count store keyed by identity.
//
// Acquire, Release and Read are atomic with respect to each other per
// identity. The identity table is sharded, so operations on different objects
// do not serialize on a common lock.
type Ledger struct {
	objects     *handles.Table[*Object]
	alloc       Allocator
	payloadSize int
	usage       usage
	closed      atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAllocator sets the payload allocator. The default is DefaultAllocator().
func WithAllocator(a Allocator) Option {
	return func(l *Ledger) { l.alloc = a }
}

// WithPayloadSize sets the payload block size of new objects.
func WithPayloadSize(n int) Option {
	return func(l *Ledger) { l.payloadSize = n }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		objects:     handles.New[*Object](),
		payloadSize: DefaultPayloadSize,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.alloc == nil {
		l.alloc = DefaultAllocator()
	}
	return l
}

// Create makes a new object of the given kind with a count of 1, owned by the caller.
func (l *Ledger) Create(kind string) (ID, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	block, err := l.alloc.Alloc(l.payloadSize)
	if err != nil {
		return 0, err
	}

	id := ID(l.objects.NextID())
	obj := &Object{id: id, kind: kind, payload: block}
	obj.refs.Store(1)
	block.stampWord().Store(uint64(id))

	l.usage.add(block.size)
	l.objects.Store(uint64(id), obj)
	l.metrics.ObjectCreated(block.size)
	return id, nil
}

// Lookup returns the live object for id.
func (l *Ledger) Lookup(id ID) (*Object, error) {
	obj, ok := l.objects.Lookup(uint64(id))
	if !ok {
		return nil, unknown("lookup", id)
	}
	return obj, nil
}

// Acquire increments id's count. It fails with ErrUnknownIdentity if the object
// was never created or was already destroyed; a destroyed object is never revived.
func (l *Ledger) Acquire(id ID) error {
	obj, ok := l.objects.Lookup(uint64(id))
	if !ok || !obj.tryAcquire() {
		return unknown("acquire", id)
	}
	l.metrics.Acquired()
	return nil
}

// Release decrements id's count and destroys the object when it reaches zero.
// Releasing an unknown or destroyed identity fails with ErrUnknownIdentity.
func (l *Ledger) Release(id ID) error {
	obj, ok := l.objects.Lookup(uint64(id))
	if !ok {
		return unknown("release", id)
	}
	return l.release(obj)
}

func (l *Ledger) release(obj *Object) error {
	remaining, ok := obj.tryRelease()
	if !ok {
		return unknown("release", obj.id)
	}
	l.metrics.Released()
	if remaining == 0 {
		l.destroy(obj)
	}
	return nil
}

// Read returns id's instantaneous reference count without changing it.
func (l *Ledger) Read(id ID) (int64, error) {
	obj, ok := l.objects.Lookup(uint64(id))
	if !ok {
		return 0, unknown("read", id)
	}
	n := obj.refs.Load()
	if n <= 0 {
		return 0, unknown("read", id)
	}
	return n, nil
}

// destroy tears down obj and every object whose last reference was an edge
// from it. The cascade is iterative so deep chains cannot exhaust the stack.
func (l *Ledger) destroy(obj *Object) {
	pending := []*Object{obj}
	for len(pending) > 0 {
		o := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		o.mu.Lock()
		o.destroyed = true
		fields := o.fields
		o.fields = nil
		o.mu.Unlock()

		l.objects.CompareAndDelete(uint64(o.id), o)
		l.logger.Debug("native object destroyed", "id", o.id, "kind", o.kind)

		if !o.payload.IsNil() {
			o.payload.stampWord().Store(poison)
			l.alloc.Free(o.payload)
			l.usage.sub(o.payload.size)
		}
		l.metrics.ObjectDestroyed(o.payload.size)

		for _, target := range fields {
			t, ok := l.objects.Lookup(uint64(target))
			if !ok {
				l.logger.Error("edge to unknown identity", "owner", o.id, "target", target)
				continue
			}
			remaining, ok := t.tryRelease()
			if !ok {
				l.logger.Error("edge released a destroyed identity", "owner", o.id, "target", target)
				continue
			}
			l.metrics.Released()
			if remaining == 0 {
				pending = append(pending, t)
			}
		}
	}
}

// SetReference points owner's field at target, acquiring target and releasing
// the field's previous target. A zero target clears the field.
func (l *Ledger) SetReference(owner ID, field FieldID, target ID) error {
	o, ok := l.objects.Lookup(uint64(owner))
	if !ok {
		return unknown("set reference", owner)
	}

	if target != 0 {
		if err := l.Acquire(target); err != nil {
			return err
		}
	}

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		if target != 0 {
			if err := l.Release(target); err != nil {
				return err
			}
		}
		return unknown("set reference", owner)
	}
	old := o.fields[field]
	if target == 0 {
		delete(o.fields, field)
	} else {
		if o.fields == nil {
			o.fields = make(map[FieldID]ID)
		}
		o.fields[field] = target
	}
	o.mu.Unlock()

	if old != 0 {
		return l.Release(old)
	}
	return nil
}

// Reference returns the target of owner's field, or 0 if the field is empty.
// The returned identity is not pinned; use AcquireReference to hold it.
func (l *Ledger) Reference(owner ID, field FieldID) (ID, error) {
	o, ok := l.objects.Lookup(uint64(owner))
	if !ok {
		return 0, unknown("reference", owner)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return 0, unknown("reference", owner)
	}
	return o.fields[field], nil
}

// AcquireReference reads owner's field and acquires its target while the edge
// still pins it. The caller owns the returned transient reference and must
// release it. Returns 0 without acquiring anything if the field is empty.
func (l *Ledger) AcquireReference(owner ID, field FieldID) (ID, error) {
	o, ok := l.objects.Lookup(uint64(owner))
	if !ok {
		return 0, unknown("acquire reference", owner)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return 0, unknown("acquire reference", owner)
	}
	target := o.fields[field]
	if target == 0 {
		return 0, nil
	}
	if err := l.Acquire(target); err != nil {
		// The edge holds a count, so this is a broken ledger, not a race.
		return 0, err
	}
	return target, nil
}

// Len returns the number of live objects.
func (l *Ledger) Len() int {
	return l.objects.Len()
}

// Usage reports payload memory held by live objects.
func (l *Ledger) Usage() MemoryUsage {
	return l.usage.snapshot()
}

// NativePayloads reports whether payload blocks live outside the Go heap.
func (l *Ledger) NativePayloads() bool {
	return l.alloc.Native()
}

// Close stops further creation and reports how many objects are still alive.
// Surviving objects are left intact; they are leaks of whoever still owns them.
func (l *Ledger) Close() (leaked int) {
	if !l.closed.CompareAndSwap(false, true) {
		return l.objects.Len()
	}
	leaked = l.objects.Len()
	if leaked > 0 {
		for _, o := range l.objects.Snapshot(nil) {
			l.logger.Warn("native object leaked", "id", o.id, "kind", o.kind, "refs", o.Refs())
		}
	}
	if d, ok := l.alloc.(drainer); ok {
		if n := d.Drain(); n > 0 {
			l.logger.Debug("drained idle payload blocks", "blocks", n)
		}
	}
	return leaked
}

// drainer is implemented by allocators holding idle blocks, such as BlockPool.
type drainer interface {
	Drain() int
}
