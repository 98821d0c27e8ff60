package native

import (
	"sync"
	"unsafe"
)

// BlockPool reuses payload blocks to reduce allocator churn under high object
// turnover. It wraps another Allocator; blocks it cannot reuse go straight to it.
//
// A recycled block is zeroed before it is handed out again, so a dangling
// object whose block was recycled still fails Verify: its stamp now belongs to
// a different identity.
type BlockPool struct {
	next    Allocator
	size    int
	maxIdle int

	mu      sync.Mutex
	idle    []Block
	drained bool
	reused  uint64
}

// NewBlockPool creates a pool of blocks of the given size on top of next.
// At most maxIdle freed blocks are kept; if maxIdle <= 0 the pool is unbounded.
func NewBlockPool(next Allocator, size, maxIdle int) *BlockPool {
	return &BlockPool{next: next, size: max(size, 8), maxIdle: maxIdle}
}

// Alloc returns a zeroed block, reusing an idle one when the size matches.
func (p *BlockPool) Alloc(size int) (Block, error) {
	size = max(size, 8)
	if size != p.size {
		return p.next.Alloc(size)
	}

	p.mu.Lock()
	n := len(p.idle)
	if n == 0 || p.drained {
		p.mu.Unlock()
		return p.next.Alloc(size)
	}
	b := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.reused++
	p.mu.Unlock()

	clear(unsafe.Slice((*byte)(b.ptr), b.size))
	return b, nil
}

// Free keeps the block for reuse, or returns it to the underlying allocator
// when the pool is full or drained.
func (p *BlockPool) Free(b Block) {
	if b.IsNil() {
		return
	}
	p.mu.Lock()
	if b.size != p.size || p.drained || (p.maxIdle > 0 && len(p.idle) >= p.maxIdle) {
		p.mu.Unlock()
		p.next.Free(b)
		return
	}
	p.idle = append(p.idle, b)
	p.mu.Unlock()
}

// Native reports whether the underlying allocator is native.
func (p *BlockPool) Native() bool { return p.next.Native() }

// Idle returns the number of blocks waiting for reuse.
func (p *BlockPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Reused returns how many allocations were served from the pool.
func (p *BlockPool) Reused() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reused
}

// Drain frees every idle block and stops pooling. It returns the number of
// blocks freed. Safe to call multiple times.
func (p *BlockPool) Drain() int {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.drained = true
	p.mu.Unlock()

	for _, b := range idle {
		p.next.Free(b)
	}
	return len(idle)
}
