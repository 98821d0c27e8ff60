package native

import (
	"sync/atomic"
	"unsafe"

	"github.com/obinnaokechukwu/refbridge/internal/bindings"
)

// Block is a payload allocation. The first word holds the owning identity's stamp.
type Block struct {
	ptr  unsafe.Pointer
	size int
	keep []byte // backing slice for Go heap blocks; nil for native blocks
}

// Size returns the block size in bytes.
func (b Block) Size() int { return b.size }

// IsNil reports whether the block is unallocated.
func (b Block) IsNil() bool { return b.ptr == nil }

func (b Block) stampWord() *atomic.Uint64 {
	return (*atomic.Uint64)(b.ptr)
}

// Allocator hands out payload blocks for native objects.
type Allocator interface {
	Alloc(size int) (Block, error)
	Free(b Block)
	// Native reports whether blocks live outside the Go heap.
	Native() bool
}

// MemoryUsage reports payload memory currently held by live objects.
type MemoryUsage struct {
	Blocks int64
	Bytes  int64
}

type usage struct {
	blocks atomic.Int64
	bytes  atomic.Int64
}

func (u *usage) add(size int) {
	u.blocks.Add(1)
	u.bytes.Add(int64(size))
}

func (u *usage) sub(size int) {
	u.blocks.Add(-1)
	u.bytes.Add(-int64(size))
}

func (u *usage) snapshot() MemoryUsage {
	return MemoryUsage{Blocks: u.blocks.Load(), Bytes: u.bytes.Load()}
}

// CAllocator carves blocks from the C runtime's calloc/free loaded through purego.
type CAllocator struct{}

// NewCAllocator loads the C runtime and returns an allocator backed by it.
func NewCAllocator() (*CAllocator, error) {
	if err := bindings.Load(); err != nil {
		return nil, err
	}
	return &CAllocator{}, nil
}

// Alloc returns a zeroed block of at least 8 bytes. A zero CAllocator used
// before the C runtime is loaded fails with the bindings' not-loaded error.
func (CAllocator) Alloc(size int) (Block, error) {
	size = max(size, 8)
	p, err := bindings.Calloc(size)
	if err != nil {
		return Block{}, err
	}
	if p == nil {
		return Block{}, ErrOutOfMemory
	}
	return Block{ptr: p, size: size}, nil
}

// Free returns the block to the C runtime.
func (CAllocator) Free(b Block) {
	bindings.Free(b.ptr)
}

// Native returns true.
func (CAllocator) Native() bool { return true }

// HeapAllocator allocates blocks on the Go heap. It is the fallback when the C
// runtime cannot be loaded.
type HeapAllocator struct{}

// Alloc returns a zeroed block of at least 8 bytes.
func (HeapAllocator) Alloc(size int) (Block, error) {
	size = max(size, 8)
	// []uint64 guarantees the 8-byte alignment the stamp word needs.
	words := make([]uint64, (size+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return Block{ptr: unsafe.Pointer(&words[0]), size: size, keep: buf}, nil
}

// Free drops the block; the Go collector reclaims it.
func (HeapAllocator) Free(Block) {}

// Native returns false.
func (HeapAllocator) Native() bool { return false }

// DefaultAllocator returns a CAllocator when the C runtime is loadable and a
// HeapAllocator otherwise.
func DefaultAllocator() Allocator {
	if a, err := NewCAllocator(); err == nil {
		return a
	}
	return HeapAllocator{}
}
