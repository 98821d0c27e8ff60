// Package collector reclaims proxies that the Go runtime has found unreachable
// and releases their native references.
//
// One Sweep implementation is shared by two scheduling policies: RunPeriodic
// sweeps on a fixed cadence and yields in between, RunContinuous sweeps
// back-to-back to maximize contention with workers. Both may run at the same
// time against the same registry.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/obinnaokechukwu/refbridge/internal/metrics"
	"github.com/obinnaokechukwu/refbridge/native"
	"github.com/obinnaokechukwu/refbridge/proxy"
)

// Scheduling modes, used as labels in logs and metrics.
const (
	ModeManual     = "manual"
	ModePeriodic   = "periodic"
	ModeContinuous = "continuous"
)

// Registry is the part of the proxy registry a sweep needs.
type Registry interface {
	Snapshot(dst []proxy.EntryInfo) []proxy.EntryInfo
	TryRemove(id native.ID) (proxy.RemoveResult, error)
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned   int
	Kept      int
	Freed     int
	Contended int
	// FreedByKind and KeptByKind break the totals down by object kind.
	FreedByKind map[string]int
	KeptByKind  map[string]int
	Duration    time.Duration
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Scanned += o.Scanned
	s.Kept += o.Kept
	s.Freed += o.Freed
	s.Contended += o.Contended
	s.Duration += o.Duration
	s.FreedByKind = mergeCounts(s.FreedByKind, o.FreedByKind)
	s.KeptByKind = mergeCounts(s.KeptByKind, o.KeptByKind)
}

func mergeCounts(dst, src map[string]int) map[string]int {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]int, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

func (s Stats) String() string {
	return fmt.Sprintf("scanned=%d kept=%d freed=%d contended=%d in %s",
		s.Scanned, s.Kept, s.Freed, s.Contended, s.Duration)
}

// Collector sweeps a registry.
type Collector struct {
	registry Registry
	forceGC  bool
	debug    atomic.Bool
	enabled  atomic.Bool

	sweeps atomic.Uint64
	freed  atomic.Uint64

	mu     sync.Mutex
	totals Stats

	logger    *slog.Logger
	metrics   *metrics.Metrics
	sometimes rate.Sometimes
}

// Option configures a Collector.
type Option func(*Collector)

// WithForceGC controls whether each sweep first runs a full Go collection so
// unreachable proxies are detected promptly. Enabled by default.
func WithForceGC(force bool) Option {
	return func(c *Collector) { c.forceGC = force }
}

// WithDebug logs every freed identity.
func WithDebug(debug bool) Option {
	return func(c *Collector) { c.debug.Store(debug) }
}

// WithLogger sets the collector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// New creates a collector for registry.
func New(registry Registry, opts ...Option) *Collector {
	c := &Collector{
		registry:  registry,
		forceGC:   true,
		logger:    slog.New(slog.DiscardHandler),
		sometimes: rate.Sometimes{Interval: 5 * time.Second},
	}
	c.enabled.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetEnabled pauses (false) or resumes (true) the scheduled policies. Sweep
// called directly is unaffected.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled reports whether scheduled sweeps run.
func (c *Collector) Enabled() bool {
	return c.enabled.Load()
}

// SetDebug toggles per-identity logging of freed references.
func (c *Collector) SetDebug(debug bool) {
	c.debug.Store(debug)
}

// Sweeps returns the number of completed sweeps.
func (c *Collector) Sweeps() uint64 {
	return c.sweeps.Load()
}

// Freed returns the total number of references released by this collector.
func (c *Collector) Freed() uint64 {
	return c.freed.Load()
}

// Totals returns the accumulated stats of every completed sweep.
func (c *Collector) Totals() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.totals
	t.FreedByKind = maps.Clone(t.FreedByKind)
	t.KeptByKind = maps.Clone(t.KeptByKind)
	return t
}

// Sweep performs one pass over the registry.
//
// Entries locked by another goroutine are skipped and counted as contended;
// a sweep never blocks on an entry. A failed release is an invariant
// violation: the sweep stops and returns it.
func (c *Collector) Sweep(ctx context.Context) (Stats, error) {
	return c.sweep(ctx, ModeManual)
}

func (c *Collector) sweep(ctx context.Context, mode string) (Stats, error) {
	start := time.Now()
	if c.forceGC {
		runtime.GC()
	}

	var st Stats
	entries := c.registry.Snapshot(nil)
	debug := c.debug.Load()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			break
		}
		res, err := c.registry.TryRemove(e.ID)
		if err != nil {
			st.Duration = time.Since(start)
			return st, fmt.Errorf("collector: releasing %d: %w", e.ID, err)
		}
		switch res {
		case proxy.Absent:
			continue
		case proxy.Contended:
			st.Contended++
		case proxy.Reachable:
			st.Kept++
			st.KeptByKind = bump(st.KeptByKind, e.Kind)
		case proxy.Removed:
			st.Freed++
			st.FreedByKind = bump(st.FreedByKind, e.Kind)
			if debug {
				c.logger.Debug("released collected proxy", "id", e.ID, "kind", e.Kind, "mode", mode)
			}
		}
		st.Scanned++
	}

	st.Duration = time.Since(start)
	c.mu.Lock()
	c.totals.Add(st)
	c.mu.Unlock()
	c.sweeps.Add(1)
	c.freed.Add(uint64(st.Freed))
	c.metrics.Sweep(mode, st.Duration, st.Kept, st.Freed, st.Contended)
	return st, nil
}

func bump(m map[string]int, kind string) map[string]int {
	if kind == "" {
		kind = "unknown"
	}
	if m == nil {
		m = make(map[string]int)
	}
	m[kind]++
	return m
}

// RunPeriodic sweeps once per interval until ctx is done. It returns nil on
// cancellation and the first sweep error otherwise.
func (c *Collector) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("collector: invalid interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !c.enabled.Load() {
			continue
		}
		if err := c.runOnce(ctx, ModePeriodic); err != nil {
			return err
		}
	}
}

// RunContinuous sweeps back-to-back with no pause until ctx is done. While
// the collector is disabled it polls cheaply instead of sweeping.
func (c *Collector) RunContinuous(ctx context.Context) error {
	for ctx.Err() == nil {
		if !c.enabled.Load() {
			select {
			case <-ctx.Done():
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if err := c.runOnce(ctx, ModeContinuous); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) runOnce(ctx context.Context, mode string) error {
	st, err := c.sweep(ctx, mode)
	if err != nil {
		c.logger.Error("sweep failed", "mode", mode, "error", err)
		return err
	}
	c.sometimes.Do(func() {
		c.logger.Info("collector progress", "mode", mode, "sweeps", c.Sweeps(), "freed", c.Freed(), "last", st.String())
	})
	return nil
}
