package collector

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinnaokechukwu/refbridge/native"
	"github.com/obinnaokechukwu/refbridge/proxy"
)

const fieldPoints native.FieldID = 1

type fixture struct {
	ledger   *native.Ledger
	registry *proxy.Registry
	gc       *Collector
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	l := native.NewLedger(native.WithAllocator(native.HeapAllocator{}))
	r := proxy.NewRegistry(l)
	return &fixture{ledger: l, registry: r, gc: New(r, opts...)}
}

// orphan creates an object owned only by a proxy that is dropped on return.
func (f *fixture) orphan(t *testing.T, kind string) native.ID {
	t.Helper()
	id, err := f.ledger.Create(kind)
	require.NoError(t, err)
	p, err := f.registry.GetOrCreate(id)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Release(id))
	return p.ID()
}

func TestSweepFreesUnreachable(t *testing.T) {
	f := newFixture(t)

	a := f.orphan(t, "points")
	b := f.orphan(t, "grid")

	keepID, _ := f.ledger.Create("points")
	kept, err := f.registry.GetOrCreate(keepID)
	require.NoError(t, err)

	st, err := f.gc.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, st.Scanned)
	assert.Equal(t, 2, st.Freed)
	assert.Equal(t, 1, st.Kept)
	assert.Equal(t, map[string]int{"points": 1, "grid": 1}, st.FreedByKind)
	assert.Equal(t, map[string]int{"points": 1}, st.KeptByKind)
	assert.EqualValues(t, 1, f.gc.Sweeps())
	assert.EqualValues(t, 2, f.gc.Freed())

	for _, id := range []native.ID{a, b} {
		_, err := f.ledger.Read(id)
		assert.ErrorIs(t, err, native.ErrUnknownIdentity)
	}
	assert.EqualValues(t, 2, kept.ReferenceCount())
	runtime.KeepAlive(kept)
}

func TestSweepReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t)

	id, _ := f.ledger.Create("points")
	func() {
		_, err := f.registry.GetOrCreate(id)
		require.NoError(t, err)
	}()

	st, err := f.gc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Freed)

	st, err = f.gc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Freed)

	n, err := f.ledger.Read(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "creator reference survives both sweeps")
}

func TestSweepRelyingOnRuntimeCollection(t *testing.T) {
	f := newFixture(t, WithForceGC(false))
	id := f.orphan(t, "points")

	// The runtime's own cycle decides reachability; the sweep only hooks into it.
	runtime.GC()
	runtime.GC()

	st, err := f.gc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Freed)

	_, err = f.ledger.Read(id)
	assert.ErrorIs(t, err, native.ErrUnknownIdentity)
}

type brokenRegistry struct{}

func (brokenRegistry) Snapshot(dst []proxy.EntryInfo) []proxy.EntryInfo {
	return append(dst, proxy.EntryInfo{ID: 7, Kind: "points"})
}

func (brokenRegistry) TryRemove(id native.ID) (proxy.RemoveResult, error) {
	return proxy.Removed, &native.IdentityError{Op: "release", ID: id, Err: native.ErrUnknownIdentity}
}

func TestSweepReportsReleaseFailure(t *testing.T) {
	c := New(brokenRegistry{}, WithForceGC(false))

	_, err := c.Sweep(context.Background())
	require.ErrorIs(t, err, native.ErrUnknownIdentity)

	var idErr *native.IdentityError
	require.True(t, errors.As(err, &idErr))
	assert.EqualValues(t, 7, idErr.ID)

	err = c.RunContinuous(context.Background())
	assert.ErrorIs(t, err, native.ErrUnknownIdentity, "scheduled policies stop on the first failure")
}

func TestRunPeriodicSweepsOnCadence(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, f.gc.RunPeriodic(ctx, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.gc.Sweeps(), uint64(2))

	assert.Error(t, f.gc.RunPeriodic(context.Background(), 0))
}

func TestDisabledPoliciesDoNotSweep(t *testing.T) {
	f := newFixture(t)
	f.gc.SetEnabled(false)
	assert.False(t, f.gc.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = f.gc.RunPeriodic(ctx, time.Millisecond) }()
	go func() { defer wg.Done(); _ = f.gc.RunContinuous(ctx) }()
	wg.Wait()

	assert.Zero(t, f.gc.Sweeps())
}

// Scenario A: a container holds the dependent through an edge, a worker keeps
// re-fetching the dependent's proxy while both collector policies run.
func TestContainerEdgeUnderTightLoopCollector(t *testing.T) {
	f := newFixture(t, WithDebug(true))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, f.gc.RunContinuous(ctx)) }()
	go func() { defer wg.Done(); assert.NoError(t, f.gc.RunPeriodic(ctx, 10*time.Millisecond)) }()

	grid, _ := f.ledger.Create("grid")
	pts, _ := f.ledger.Create("points")
	require.NoError(t, f.ledger.SetReference(grid, fieldPoints, pts))
	require.NoError(t, f.ledger.Release(pts))

	for i := 0; ctx.Err() == nil; i++ {
		id, err := f.ledger.AcquireReference(grid, fieldPoints)
		require.NoError(t, err)
		p, err := f.registry.GetOrCreate(id)
		require.NoError(t, err)
		require.NoError(t, f.ledger.Release(id))

		require.NotNil(t, p)
		require.EqualValues(t, 2, p.ReferenceCount(), "iteration %d", i)
		require.NoError(t, p.Verify())
	}

	wg.Wait()
	assert.Positive(t, f.gc.Sweeps())
}

func TestStatsAdd(t *testing.T) {
	var total Stats
	total.Add(Stats{Scanned: 2, Freed: 1, Kept: 1, FreedByKind: map[string]int{"points": 1}})
	total.Add(Stats{Scanned: 1, Contended: 1, KeptByKind: map[string]int{"grid": 1}})

	assert.Equal(t, 3, total.Scanned)
	assert.Equal(t, 1, total.Freed)
	assert.Equal(t, 1, total.Contended)
	assert.Equal(t, map[string]int{"points": 1}, total.FreedByKind)
	assert.Equal(t, map[string]int{"grid": 1}, total.KeptByKind)
	assert.Contains(t, total.String(), "freed=1")
}

func TestTotalsAccumulateSweeps(t *testing.T) {
	f := newFixture(t)

	f.orphan(t, "points")
	_, err := f.gc.Sweep(context.Background())
	require.NoError(t, err)

	f.orphan(t, "grid")
	f.orphan(t, "points")
	_, err = f.gc.Sweep(context.Background())
	require.NoError(t, err)

	total := f.gc.Totals()
	assert.Equal(t, 3, total.Freed)
	assert.EqualValues(t, f.gc.Freed(), total.Freed)
	assert.Equal(t, map[string]int{"points": 2, "grid": 1}, total.FreedByKind)

	// The snapshot is a copy.
	total.FreedByKind["points"] = 100
	assert.Equal(t, 2, f.gc.Totals().FreedByKind["points"])
}
