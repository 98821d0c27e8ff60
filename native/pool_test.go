package native

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAllocator records calls into the wrapped heap allocator.
type countingAllocator struct {
	HeapAllocator
	allocs, frees int
}

func (c *countingAllocator) Alloc(size int) (Block, error) {
	c.allocs++
	return c.HeapAllocator.Alloc(size)
}

func (c *countingAllocator) Free(b Block) {
	c.frees++
	c.HeapAllocator.Free(b)
}

func TestBlockPoolReuses(t *testing.T) {
	next := &countingAllocator{}
	pool := NewBlockPool(next, 64, 0)

	b, err := pool.Alloc(64)
	require.NoError(t, err)
	b.stampWord().Store(0xdead)
	pool.Free(b)
	assert.Equal(t, 1, pool.Idle())
	assert.Zero(t, next.frees)

	again, err := pool.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, b.ptr, again.ptr)
	assert.Zero(t, again.stampWord().Load(), "recycled blocks are zeroed")
	assert.Equal(t, 1, next.allocs)
	assert.EqualValues(t, 1, pool.Reused())
}

func TestBlockPoolBounds(t *testing.T) {
	next := &countingAllocator{}
	pool := NewBlockPool(next, 32, 1)

	a, err := pool.Alloc(32)
	require.NoError(t, err)
	b, err := pool.Alloc(32)
	require.NoError(t, err)
	pool.Free(a)
	pool.Free(b)
	assert.Equal(t, 1, pool.Idle())
	assert.Equal(t, 1, next.frees, "blocks past maxIdle go back to the allocator")

	odd, err := pool.Alloc(128)
	require.NoError(t, err)
	pool.Free(odd)
	assert.Equal(t, 1, pool.Idle(), "foreign sizes are not pooled")
	assert.Equal(t, 2, next.frees)

	assert.Equal(t, 1, pool.Drain())
	assert.Zero(t, pool.Idle())
	c, err := pool.Alloc(32)
	require.NoError(t, err)
	pool.Free(c)
	assert.Zero(t, pool.Idle(), "a drained pool does not retain blocks")
}

func TestBlockPoolDanglingObjectFailsVerify(t *testing.T) {
	pool := NewBlockPool(HeapAllocator{}, DefaultPayloadSize, 0)
	l := NewLedger(WithAllocator(pool))

	id, err := l.Create("points")
	require.NoError(t, err)
	stale, err := l.Lookup(id)
	require.NoError(t, err)
	require.NoError(t, l.Release(id))

	// The next object gets the recycled block and stamps it with its own identity.
	next, err := l.Create("points")
	require.NoError(t, err)
	obj, err := l.Lookup(next)
	require.NoError(t, err)
	assert.NoError(t, obj.Verify())
	assert.Equal(t, stale.payload.ptr, obj.payload.ptr)

	err = stale.Verify()
	assert.True(t, errors.Is(err, ErrUnknownIdentity))

	require.NoError(t, l.Release(next))
	assert.Zero(t, l.Close())
	assert.Zero(t, pool.Idle(), "ledger close drains the pool")
}
