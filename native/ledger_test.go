package native

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinnaokechukwu/refbridge/internal/bindings"
)

const fieldPoints FieldID = 1

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(WithAllocator(HeapAllocator{}))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCreateStartsAtOne(t *testing.T) {
	l := newTestLedger(t)

	id, err := l.Create("points")
	require.NoError(t, err)
	assert.NotZero(t, id)

	n, err := l.Read(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	obj, err := l.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "points", obj.Kind())
	assert.NoError(t, obj.Verify())
	assert.Equal(t, 1, l.Len())
}

func TestAcquireReleaseDestroys(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.Create("points")
	require.NoError(t, err)
	obj, err := l.Lookup(id)
	require.NoError(t, err)

	require.NoError(t, l.Acquire(id))
	n, _ := l.Read(id)
	assert.EqualValues(t, 2, n)

	require.NoError(t, l.Release(id))
	require.NoError(t, l.Release(id))

	_, err = l.Read(id)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.Equal(t, 0, l.Len())
	assert.ErrorIs(t, obj.Verify(), ErrUnknownIdentity)
	assert.Equal(t, MemoryUsage{}, l.Usage())
}

func TestDestroyedIdentityFailsLoudly(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.Create("points")
	require.NoError(t, err)
	require.NoError(t, l.Release(id))

	for name, op := range map[string]func(ID) error{
		"acquire": l.Acquire,
		"release": l.Release,
	} {
		t.Run(name, func(t *testing.T) {
			err := op(id)
			require.ErrorIs(t, err, ErrUnknownIdentity)

			var idErr *IdentityError
			require.True(t, errors.As(err, &idErr))
			assert.Equal(t, id, idErr.ID)
			assert.Equal(t, name, idErr.Op)
		})
	}
}

func TestEdgesCountAndCascade(t *testing.T) {
	l := newTestLedger(t)
	grid, _ := l.Create("grid")
	pts, _ := l.Create("points")

	require.NoError(t, l.SetReference(grid, fieldPoints, pts))
	n, _ := l.Read(pts)
	assert.EqualValues(t, 2, n, "creator + edge")

	// Creator drops its reference; the edge keeps pts alive.
	require.NoError(t, l.Release(pts))
	n, _ = l.Read(pts)
	assert.EqualValues(t, 1, n)

	got, err := l.Reference(grid, fieldPoints)
	require.NoError(t, err)
	assert.Equal(t, pts, got)

	// Destroying the owner releases the edge and cascades.
	require.NoError(t, l.Release(grid))
	_, err = l.Read(pts)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.Equal(t, 0, l.Len())
}

func TestSetReferenceReplacesAndClears(t *testing.T) {
	l := newTestLedger(t)
	grid, _ := l.Create("grid")
	a, _ := l.Create("points")
	b, _ := l.Create("points")

	require.NoError(t, l.SetReference(grid, fieldPoints, a))
	require.NoError(t, l.SetReference(grid, fieldPoints, b))

	na, _ := l.Read(a)
	nb, _ := l.Read(b)
	assert.EqualValues(t, 1, na, "old target released")
	assert.EqualValues(t, 2, nb, "new target acquired")

	// Setting the same target again is count neutral.
	require.NoError(t, l.SetReference(grid, fieldPoints, b))
	nb, _ = l.Read(b)
	assert.EqualValues(t, 2, nb)

	require.NoError(t, l.SetReference(grid, fieldPoints, 0))
	nb, _ = l.Read(b)
	assert.EqualValues(t, 1, nb)

	got, err := l.Reference(grid, fieldPoints)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestSetReferenceToDestroyedTarget(t *testing.T) {
	l := newTestLedger(t)
	grid, _ := l.Create("grid")
	pts, _ := l.Create("points")
	require.NoError(t, l.Release(pts))

	err := l.SetReference(grid, fieldPoints, pts)
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	got, _ := l.Reference(grid, fieldPoints)
	assert.Zero(t, got)
}

func TestAcquireReference(t *testing.T) {
	l := newTestLedger(t)
	grid, _ := l.Create("grid")

	id, err := l.AcquireReference(grid, fieldPoints)
	require.NoError(t, err)
	assert.Zero(t, id, "empty field")

	pts, _ := l.Create("points")
	require.NoError(t, l.SetReference(grid, fieldPoints, pts))
	require.NoError(t, l.Release(pts))

	id, err = l.AcquireReference(grid, fieldPoints)
	require.NoError(t, err)
	assert.Equal(t, pts, id)
	n, _ := l.Read(pts)
	assert.EqualValues(t, 2, n, "edge + transient")
	require.NoError(t, l.Release(pts))
}

func TestDeepChainCascade(t *testing.T) {
	l := newTestLedger(t)

	head, _ := l.Create("node")
	prev := head
	for i := 0; i < 100000; i++ {
		next, err := l.Create("node")
		require.NoError(t, err)
		require.NoError(t, l.SetReference(prev, 0, next))
		require.NoError(t, l.Release(next))
		prev = next
	}

	require.NoError(t, l.Release(head))
	assert.Equal(t, 0, l.Len())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	l := newTestLedger(t)
	id, _ := l.Create("points")

	const goroutines = 16
	const ops = 2000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				if err := l.Acquire(id); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if err := l.Release(id); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	n, err := l.Read(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestConcurrentReleaseDestroysOnce(t *testing.T) {
	l := newTestLedger(t)
	id, _ := l.Create("points")

	const holders = 64
	for i := 1; i < holders; i++ {
		require.NoError(t, l.Acquire(id))
	}

	var wg sync.WaitGroup
	var failures sync.Map
	wg.Add(holders + 1)
	for i := 0; i < holders+1; i++ {
		go func(i int) {
			defer wg.Done()
			if err := l.Release(id); err != nil {
				failures.Store(i, err)
			}
		}(i)
	}
	wg.Wait()

	// Exactly one extra release must fail: holders units of ownership, holders+1 releases.
	n := 0
	failures.Range(func(_, v any) bool {
		assert.ErrorIs(t, v.(error), ErrUnknownIdentity)
		n++
		return true
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, l.Len())
}

func TestCloseReportsLeaks(t *testing.T) {
	l := NewLedger(WithAllocator(HeapAllocator{}))
	_, _ = l.Create("grid")

	assert.Equal(t, 1, l.Close())
	_, err := l.Create("grid")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCAllocatorRequiresLoadedRuntime(t *testing.T) {
	if bindings.IsLoaded() {
		t.Skip("C runtime already loaded by another test")
	}
	_, err := CAllocator{}.Alloc(16)
	assert.ErrorIs(t, err, bindings.ErrNotLoaded)
}

func TestCAllocatorPayload(t *testing.T) {
	a, err := NewCAllocator()
	if err != nil {
		t.Skipf("C runtime not available: %v", err)
	}
	l := NewLedger(WithAllocator(a), WithPayloadSize(128))
	defer l.Close()

	assert.True(t, l.NativePayloads())
	id, err := l.Create("points")
	require.NoError(t, err)
	obj, _ := l.Lookup(id)
	assert.Equal(t, 128, obj.PayloadSize())
	assert.NoError(t, obj.Verify())
	assert.Equal(t, MemoryUsage{Blocks: 1, Bytes: 128}, l.Usage())

	require.NoError(t, l.Release(id))
	assert.Equal(t, MemoryUsage{}, l.Usage())
}
