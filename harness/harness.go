// Package harness runs the concurrency stress scenario against a bridge:
// worker goroutines repeatedly navigate to a dependent object and assert its
// reference count while the periodic and tight-loop collectors run, all
// under a liveness watchdog.
//
// A run passes when it reaches its configured duration with no invariant
// failure, no stall and a clean shutdown. Every other ending is a failure
// with a cause from the refbridge error taxonomy or ErrStalled.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/obinnaokechukwu/refbridge"
)

var (
	// ErrStalled indicates a worker or collector made no progress within the stall timeout.
	ErrStalled = errors.New("harness: no progress")

	// ErrPanicked indicates a run goroutine panicked.
	ErrPanicked = errors.New("harness: goroutine panicked")
)

// Outcome is the verdict of a run.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeAborted Outcome = "aborted"
)

// Report describes a finished run.
type Report struct {
	RunID   string        `yaml:"run_id"`
	Outcome Outcome       `yaml:"outcome"`
	Err     error         `yaml:"-"`
	Error   string        `yaml:"error,omitempty"`
	Started time.Time     `yaml:"started"`
	Elapsed time.Duration `yaml:"elapsed"`

	Workers    int    `yaml:"workers"`
	Iterations uint64 `yaml:"iterations"`
	Relinks    uint64 `yaml:"relinks"`
	Sweeps     uint64 `yaml:"sweeps"`
	Freed      uint64 `yaml:"freed"`
	Contended  int    `yaml:"contended"`

	// FreedByKind breaks Freed down by object kind.
	FreedByKind map[string]int `yaml:"freed_by_kind,omitempty"`

	// Hung is set when goroutines failed to stop within the shutdown grace.
	// The bridge is left open in that case.
	Hung  bool                  `yaml:"hung,omitempty"`
	Close refbridge.CloseReport `yaml:"close"`
}

// Passed reports whether the run passed.
func (r *Report) Passed() bool {
	return r.Outcome == OutcomePass
}

// Harness owns one stress run configuration and its bridge.
type Harness struct {
	cfg        Config
	bridge     *refbridge.Bridge
	ownsBridge bool
	logger     *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithBridge runs against an existing bridge. The caller keeps ownership and
// must close it; by default the harness creates and closes its own.
func WithBridge(b *refbridge.Bridge) Option {
	return func(h *Harness) { h.bridge = b }
}

// WithLogger sets the harness logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// New validates cfg and prepares a harness.
func New(cfg Config, opts ...Option) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Harness{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bridge == nil {
		h.bridge = refbridge.New(append(cfg.BridgeOptions(), refbridge.WithLogger(h.logger))...)
		h.ownsBridge = true
	}
	return h, nil
}

// Bridge returns the bridge the harness runs against.
func (h *Harness) Bridge() *refbridge.Bridge {
	return h.bridge
}

// Run executes one stress run. The returned error is the failure cause and is
// nil exactly when the report passed. A harness is good for a single Run when
// it owns its bridge.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	cfg := h.cfg
	rep := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Workers: cfg.Workers,
	}
	logger := h.logger.With("run", rep.RunID)
	logger.Info("stress run starting",
		"workers", cfg.Workers,
		"duration", cfg.Duration,
		"interval", cfg.CollectorInterval,
		"periodic", cfg.PeriodicCollector,
		"continuous", cfg.ContinuousCollector,
		"relink_every", cfg.RelinkEvery,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	ready := make(chan struct{}, cfg.Workers)
	workers := make([]*Worker, cfg.Workers)
	for i := range workers {
		w := NewWorker(i, h.bridge, logger,
			WithDropEvery(cfg.DropEvery),
			WithRelinkEvery(cfg.RelinkEvery),
		)
		workers[i] = w
		g.Go(guard(fmt.Sprintf("worker %d", i), logger, func() error {
			grid, err := w.Setup()
			if err != nil {
				return err
			}
			ready <- struct{}{}
			return w.Run(gctx, grid)
		}))
	}

	cause := h.awaitStartup(gctx, ready)
	if cause == nil {
		h.startCollectors(gctx, g, logger)
		g.Go(guard("watchdog", logger, func() error {
			return h.watch(gctx, workers)
		}))
		logger.Debug("all workers started")

		timer := time.NewTimer(cfg.Duration)
		select {
		case <-timer.C:
		case <-gctx.Done():
		}
		timer.Stop()
	}

	cancel()
	groupErr, hung := h.wait(g)
	var hangErr error
	if hung {
		hangErr = fmt.Errorf("%w: goroutines still running %s after shutdown",
			refbridge.ErrTimeoutExceeded, cfg.ShutdownGrace)
	}

	for _, w := range workers {
		rep.Iterations += w.Iterations()
		rep.Relinks += w.Relinks()
	}
	c := h.bridge.Collector()
	totals := c.Totals()
	rep.Sweeps = c.Sweeps()
	rep.Freed = c.Freed()
	rep.Contended = totals.Contended
	rep.FreedByKind = totals.FreedByKind
	rep.Elapsed = time.Since(rep.Started)

	switch {
	case groupErr != nil:
		rep.Err = groupErr
	case cause != nil && ctx.Err() == nil:
		rep.Err = cause
	case hangErr != nil:
		rep.Err = hangErr
	case ctx.Err() != nil:
		rep.Err = ctx.Err()
	}
	if hung {
		rep.Hung = true
	} else if h.ownsBridge {
		closeRep, err := h.bridge.Close()
		rep.Close = closeRep
		if err != nil && rep.Err == nil {
			rep.Err = err
		}
	}

	switch {
	case rep.Err == nil:
		rep.Outcome = OutcomePass
	case errors.Is(rep.Err, context.Canceled) || errors.Is(rep.Err, context.DeadlineExceeded):
		rep.Outcome = OutcomeAborted
	default:
		rep.Outcome = OutcomeFail
	}
	if rep.Err != nil {
		rep.Error = rep.Err.Error()
	}

	logger.Info("stress run finished",
		"outcome", rep.Outcome,
		"elapsed", rep.Elapsed.Round(time.Millisecond),
		"iterations", rep.Iterations,
		"relinks", rep.Relinks,
		"sweeps", rep.Sweeps,
		"freed", rep.Freed,
	)
	if rep.Err != nil {
		logger.Error("stress run failed", "error", rep.Err)
	}
	return rep, rep.Err
}

// awaitStartup waits until every worker has built its graph.
func (h *Harness) awaitStartup(ctx context.Context, ready <-chan struct{}) error {
	timer := time.NewTimer(h.cfg.StartupTimeout)
	defer timer.Stop()

	for started := 0; started < h.cfg.Workers; {
		select {
		case <-ready:
			started++
		case <-timer.C:
			return fmt.Errorf("%w: %d of %d workers started within %s",
				refbridge.ErrTimeoutExceeded, started, h.cfg.Workers, h.cfg.StartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Harness) startCollectors(ctx context.Context, g *errgroup.Group, logger *slog.Logger) {
	c := h.bridge.Collector()
	if h.cfg.PeriodicCollector {
		g.Go(guard("periodic collector", logger, func() error {
			return c.RunPeriodic(ctx, h.cfg.CollectorInterval)
		}))
	}
	if h.cfg.ContinuousCollector {
		g.Go(guard("continuous collector", logger, func() error {
			return c.RunContinuous(ctx)
		}))
	}
}

// progress is a monotonically increasing counter the watchdog samples.
type progress struct {
	name  string
	value func() uint64
}

// watch fails the run when any worker, or the collector as a whole, stops
// advancing for longer than the stall timeout.
func (h *Harness) watch(ctx context.Context, workers []*Worker) error {
	var probes []progress
	for i, w := range workers {
		probes = append(probes, progress{name: fmt.Sprintf("worker %d", i), value: w.Iterations})
	}
	if h.cfg.PeriodicCollector || h.cfg.ContinuousCollector {
		probes = append(probes, progress{name: "collector", value: h.bridge.Collector().Sweeps})
	}

	tick := h.cfg.StallTimeout / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	last := make([]uint64, len(probes))
	changed := make([]time.Time, len(probes))
	now := time.Now()
	for i, p := range probes {
		last[i] = p.value()
		changed[i] = now
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now = <-ticker.C:
		}
		for i, p := range probes {
			if v := p.value(); v != last[i] {
				last[i], changed[i] = v, now
				continue
			}
			if idle := now.Sub(changed[i]); idle >= h.cfg.StallTimeout {
				return fmt.Errorf("%w: %s idle for %s at %d", ErrStalled, p.name, idle.Round(time.Millisecond), last[i])
			}
		}
	}
}

// wait waits for the group within the shutdown grace. hung is set when
// goroutines are still running after it.
func (h *Harness) wait(g *errgroup.Group) (err error, hung bool) {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timer := time.NewTimer(h.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case err = <-done:
		return err, false
	case <-timer.C:
		return nil, true
	}
}

// guard converts a panic in fn into an error so it fails the run instead of
// the process.
func guard(name string, logger *slog.Logger, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%w: %s: %v", ErrPanicked, name, r)
			}
		}()
		return fn()
	}
}
