// Package refbridge joins a reference-counted native object graph to
// garbage-collected Go proxies.
//
// A Bridge owns three cooperating parts: the native ledger (the single source
// of truth for every object's reference count), the proxy registry (at most one
// live *Proxy per identity) and the collector (which releases the native
// reference of every proxy the Go runtime has found unreachable). Every
// mutation of a count goes through the ledger; the collector never frees
// native memory except by releasing a reference a proxy acquired.
//
// For most use cases, create objects with NewObject, wire them with Link and
// navigate with GetReference. The identity-based calls (CreateNativeObject,
// SetReference, GetOrCreate) serve a domain layer that works with raw handles.
package refbridge

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obinnaokechukwu/refbridge/collector"
	"github.com/obinnaokechukwu/refbridge/internal/metrics"
	"github.com/obinnaokechukwu/refbridge/native"
	"github.com/obinnaokechukwu/refbridge/proxy"
)

// Re-export common types for convenience
type (
	// ID is the stable identity of a native object.
	ID = native.ID

	// FieldID names an outgoing reference slot of a native object.
	FieldID = native.FieldID

	// Proxy is the managed handle of a native object.
	Proxy = proxy.Proxy

	// SweepStats summarizes one collector sweep.
	SweepStats = collector.Stats

	// MemoryUsage reports native payload memory held by live objects.
	MemoryUsage = native.MemoryUsage
)

// Bridge is one native/managed ownership domain pair. Create it with New and
// tear it down with Close; there is no process-wide instance.
type Bridge struct {
	ledger    *native.Ledger
	registry  *proxy.Registry
	collector *collector.Collector
	metrics   *metrics.Metrics
	logger    *slog.Logger
	closed    atomic.Bool
}

type options struct {
	logger      *slog.Logger
	allocator   native.Allocator
	payloadSize int
	forceGC     bool
	debug       bool
	metrics     bool
	poolIdle    int
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAllocator sets the native payload allocator. By default payloads come
// from the C runtime when it can be loaded, and from the Go heap otherwise.
func WithAllocator(a native.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithPayloadSize sets the payload block size of new objects.
func WithPayloadSize(n int) Option {
	return func(o *options) { o.payloadSize = n }
}

// WithBlockPool recycles up to maxIdle freed payload blocks instead of
// returning them to the allocator.
func WithBlockPool(maxIdle int) Option {
	return func(o *options) { o.poolIdle = maxIdle }
}

// WithForceGC controls whether each sweep runs a Go collection first.
func WithForceGC(force bool) Option {
	return func(o *options) { o.forceGC = force }
}

// WithDebug logs every reference released by the collector.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithMetrics enables Prometheus instrumentation; see Bridge.MetricsRegistry.
func WithMetrics(enabled bool) Option {
	return func(o *options) { o.metrics = enabled }
}

// New creates a bridge.
func New(opts ...Option) *Bridge {
	o := options{
		logger:      slog.New(slog.DiscardHandler),
		payloadSize: native.DefaultPayloadSize,
		forceGC:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var m *metrics.Metrics
	if o.metrics {
		m = metrics.New()
	}

	ledgerOpts := []native.Option{
		native.WithLogger(o.logger.With("component", "ledger")),
		native.WithMetrics(m),
		native.WithPayloadSize(o.payloadSize),
	}
	alloc := o.allocator
	if o.poolIdle > 0 {
		if alloc == nil {
			alloc = native.DefaultAllocator()
		}
		alloc = native.NewBlockPool(alloc, o.payloadSize, o.poolIdle)
	}
	if alloc != nil {
		ledgerOpts = append(ledgerOpts, native.WithAllocator(alloc))
	}
	ledger := native.NewLedger(ledgerOpts...)

	registry := proxy.NewRegistry(ledger,
		proxy.WithLogger(o.logger.With("component", "registry")),
		proxy.WithMetrics(m),
	)

	gc := collector.New(registry,
		collector.WithForceGC(o.forceGC),
		collector.WithDebug(o.debug),
		collector.WithLogger(o.logger.With("component", "collector")),
		collector.WithMetrics(m),
	)

	o.logger.Debug("bridge created", "native_payloads", ledger.NativePayloads(), "payload_size", o.payloadSize)

	return &Bridge{
		ledger:    ledger,
		registry:  registry,
		collector: gc,
		metrics:   m,
		logger:    o.logger,
	}
}

// CreateNativeObject creates a native object with a count of 1 owned by the
// caller, who must eventually hand it to a holder or ReleaseNativeObject it.
func (b *Bridge) CreateNativeObject(kind string) (ID, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.ledger.Create(kind)
}

// ReleaseNativeObject releases one reference the caller owns.
func (b *Bridge) ReleaseNativeObject(id ID) error {
	return b.ledger.Release(id)
}

// SetReference points owner's field at target (0 clears it).
func (b *Bridge) SetReference(owner ID, field FieldID, target ID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.ledger.SetReference(owner, field, target)
}

// GetOrCreate returns the unique live proxy for id.
func (b *Bridge) GetOrCreate(id ID) (*Proxy, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return b.registry.GetOrCreate(id)
}

// NewObject creates a native object and returns the proxy that owns it.
func (b *Bridge) NewObject(kind string) (*Proxy, error) {
	id, err := b.CreateNativeObject(kind)
	if err != nil {
		return nil, err
	}
	p, err := b.registry.GetOrCreate(id)
	// The creator's reference is handed over: the proxy now holds its own.
	if rerr := b.ledger.Release(id); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Link points owner's field at target. A nil target clears the field.
// Both proxies are kept alive for the duration of the call.
func (b *Bridge) Link(owner *Proxy, field FieldID, target *Proxy) error {
	var tid ID
	if target != nil {
		tid = target.ID()
	}
	err := b.SetReference(owner.ID(), field, tid)
	runtime.KeepAlive(owner)
	runtime.KeepAlive(target)
	return err
}

// GetReference returns the proxy for the object owner's field references, or
// nil if the field is empty. The target is pinned by a transient reference
// while its proxy is looked up, so it cannot be destroyed in between even if
// the field is cleared concurrently.
func (b *Bridge) GetReference(owner *Proxy, field FieldID) (*Proxy, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	id, err := b.ledger.AcquireReference(owner.ID(), field)
	runtime.KeepAlive(owner)
	if err != nil || id == 0 {
		return nil, err
	}
	p, err := b.registry.GetOrCreate(id)
	if rerr := b.ledger.Release(id); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReadReferenceCount returns id's instantaneous reference count.
// It is a diagnostic; the value may change the moment it is returned.
func (b *Bridge) ReadReferenceCount(id ID) (int64, error) {
	return b.ledger.Read(id)
}

// Sweep runs one collector pass.
func (b *Bridge) Sweep(ctx context.Context) (SweepStats, error) {
	return b.collector.Sweep(ctx)
}

// Collector returns the bridge's collector, for scheduling its policies.
func (b *Bridge) Collector() *collector.Collector {
	return b.collector
}

// Ledger returns the bridge's native ledger.
func (b *Bridge) Ledger() *native.Ledger {
	return b.ledger
}

// Registry returns the bridge's proxy registry.
func (b *Bridge) Registry() *proxy.Registry {
	return b.registry
}

// MetricsRegistry returns the Prometheus registry, or nil if metrics are disabled.
func (b *Bridge) MetricsRegistry() *prometheus.Registry {
	return b.metrics.Registry()
}

// Stats is a point-in-time view of the bridge.
type Stats struct {
	LiveObjects int
	Proxies     int
	Sweeps      uint64
	Freed       uint64
	Memory      MemoryUsage
}

// Stats returns a point-in-time view of the bridge.
func (b *Bridge) Stats() Stats {
	return Stats{
		LiveObjects: b.ledger.Len(),
		Proxies:     b.registry.Len(),
		Sweeps:      b.collector.Sweeps(),
		Freed:       b.collector.Freed(),
		Memory:      b.ledger.Usage(),
	}
}

// CloseReport describes what Close left behind.
type CloseReport struct {
	// OutstandingProxies are proxies still referenced at Close. They remain valid.
	OutstandingProxies int `yaml:"outstanding_proxies"`
	// LeakedObjects are native objects still alive after all collectable
	// proxies were released.
	LeakedObjects int `yaml:"leaked_objects"`
}

// Close releases every collectable proxy, stops further operations and
// reports what remained. Calling Close twice returns ErrClosed.
func (b *Bridge) Close() (CloseReport, error) {
	if !b.closed.CompareAndSwap(false, true) {
		return CloseReport{}, ErrClosed
	}

	runtime.GC()
	outstanding, err := b.registry.Close()
	leaked := b.ledger.Close()

	rep := CloseReport{OutstandingProxies: outstanding, LeakedObjects: leaked}
	if outstanding > 0 || leaked > 0 {
		b.logger.Warn("bridge closed with live state", "outstanding_proxies", outstanding, "leaked_objects", leaked)
	} else {
		b.logger.Debug("bridge closed cleanly")
	}
	return rep, err
}
