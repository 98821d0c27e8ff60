package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/obinnaokechukwu/refbridge"
)

// FieldPoints is the container field workers wire their dependent object into.
const FieldPoints refbridge.FieldID = 1

// ExpectedCount is the dependent's count while referenced by the container's
// edge and by exactly one live proxy.
const ExpectedCount = 2

// ctxCheckEvery bounds how often a worker polls its context.
const ctxCheckEvery = 256

// Worker repeatedly fetches a container's dependent object and asserts the
// bridge invariants on it. Any failure is returned and ends the run.
type Worker struct {
	id          int
	bridge      *refbridge.Bridge
	dropEvery   int
	relinkEvery int

	iterations atomic.Uint64
	relinks    atomic.Uint64

	logger    *slog.Logger
	sometimes rate.Sometimes
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithDropEvery makes the worker drop its dependent proxy every n iterations,
// so the next fetch races the collector for the same identity. 0 keeps it.
func WithDropEvery(n int) WorkerOption {
	return func(w *Worker) { w.dropEvery = n }
}

// WithRelinkEvery makes the worker replace its dependent with a freshly
// created object every n iterations. The old dependent is then held only by
// its unreachable proxy, so the collector is the only thing that can free it.
// 0 keeps the first dependent for the whole run.
func WithRelinkEvery(n int) WorkerOption {
	return func(w *Worker) { w.relinkEvery = n }
}

// NewWorker creates a worker on bridge.
func NewWorker(id int, bridge *refbridge.Bridge, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Worker{
		id:        id,
		bridge:    bridge,
		logger:    logger.With("worker", id),
		sometimes: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Iterations returns the number of completed fetch-and-check iterations.
func (w *Worker) Iterations() uint64 {
	return w.iterations.Load()
}

// Relinks returns how many times the dependent was replaced.
func (w *Worker) Relinks() uint64 {
	return w.relinks.Load()
}

// Setup creates the container and its dependent, links them, and drops the
// local proxy of the dependent. The returned container proxy must be kept
// alive by the caller for the whole run.
func (w *Worker) Setup() (*refbridge.Proxy, error) {
	grid, err := w.bridge.NewObject("grid")
	if err != nil {
		return nil, fmt.Errorf("worker %d: creating container: %w", w.id, err)
	}
	pts, err := w.bridge.NewObject("points")
	if err != nil {
		return nil, fmt.Errorf("worker %d: creating dependent: %w", w.id, err)
	}
	if err := w.bridge.Link(grid, FieldPoints, pts); err != nil {
		return nil, fmt.Errorf("worker %d: linking: %w", w.id, err)
	}
	w.logger.Debug("worker graph ready", "container", grid.ID(), "dependent", pts.ID())
	return grid, nil
}

// Run loops until ctx is done or an invariant fails.
func (w *Worker) Run(ctx context.Context, grid *refbridge.Proxy) error {
	var held *refbridge.Proxy

	for i := uint64(0); ; i++ {
		if i%ctxCheckEvery == 0 && ctx.Err() != nil {
			return nil
		}
		if w.relinkEvery > 0 && i > 0 && i%uint64(w.relinkEvery) == 0 {
			if err := w.relink(grid); err != nil {
				return err
			}
			// The proxy we kept belongs to the old dependent.
			held = nil
		}

		p, err := w.bridge.GetReference(grid, FieldPoints)
		if err != nil {
			return fmt.Errorf("worker %d: fetching dependent: %w", w.id, err)
		}
		if err := w.check(p, held); err != nil {
			return err
		}

		if w.dropEvery > 0 && i%uint64(w.dropEvery) == 0 {
			held = nil
		} else {
			held = p
		}

		n := w.iterations.Add(1)
		w.sometimes.Do(func() {
			w.logger.Info("worker progress", "iterations", n)
		})
	}
}

// relink creates a fresh dependent and links it over the current one. The
// new proxy is dropped on return; the next fetch finds it through the edge.
func (w *Worker) relink(grid *refbridge.Proxy) error {
	pts, err := w.bridge.NewObject("points")
	if err != nil {
		return fmt.Errorf("worker %d: creating dependent: %w", w.id, err)
	}
	if err := w.bridge.Link(grid, FieldPoints, pts); err != nil {
		return fmt.Errorf("worker %d: relinking: %w", w.id, err)
	}
	w.relinks.Add(1)
	return nil
}

// check asserts the invariants on one fetched proxy. held is the proxy kept
// from the previous iteration, if any.
func (w *Worker) check(p, held *refbridge.Proxy) error {
	if p == nil {
		return &refbridge.InvariantError{Check: "dependent proxy", Expected: "non-nil", Observed: nil}
	}
	if n := p.ReferenceCount(); n != ExpectedCount {
		return &refbridge.InvariantError{ID: p.ID(), Check: "reference count", Expected: ExpectedCount, Observed: n}
	}
	if err := p.Verify(); err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	// A proxy we still hold is reachable, so the registry must hand it back.
	if held != nil && held != p {
		return &refbridge.InvariantError{ID: p.ID(), Check: "proxy identity", Expected: held.Serial(), Observed: p.Serial()}
	}
	return nil
}
