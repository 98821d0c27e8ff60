// Package handles provides sharded, thread-safe identity tables.
//
// Identities are non-zero uint64 handles that can cross the native boundary.
// A Table is an explicit instance owned by whoever needs it; there is no
// process-wide table. Each shard has its own lock, so operations on different
// identities rarely contend and nothing serializes the whole table.
package handles

import (
	"sync"
	"sync/atomic"
)

const shardCount = 64

type shard[T comparable] struct {
	mu      sync.RWMutex
	entries map[uint64]T
}

// Table maps identities to values.
type Table[T comparable] struct {
	shards [shardCount]shard[T]
	nextID atomic.Uint64
	count  atomic.Int64
}

// New creates an empty table. Identities start at 1; 0 is reserved for "none".
func New[T comparable]() *Table[T] {
	t := &Table[T]{}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64]T)
	}
	return t
}

func (t *Table[T]) shardFor(id uint64) *shard[T] {
	// Fibonacci hashing spreads sequential ids across shards.
	return &t.shards[(id*0x9E3779B97F4A7C15)>>58]
}

// NextID reserves a fresh identity without storing anything under it.
//
// Thread-safe.
func (t *Table[T]) NextID() uint64 {
	return t.nextID.Add(1)
}

// Store sets the value for id, replacing any previous value.
//
// Thread-safe.
func (t *Table[T]) Store(id uint64, v T) {
	s := t.shardFor(id)
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		t.count.Add(1)
	}
	s.entries[id] = v
	s.mu.Unlock()
}

// LoadOrStore returns the existing value for id if present. Otherwise it stores
// the value produced by create and returns it. loaded reports whether the value
// was already present. create runs under the shard lock and must not block.
//
// Thread-safe.
func (t *Table[T]) LoadOrStore(id uint64, create func() T) (v T, loaded bool) {
	s := t.shardFor(id)

	s.mu.RLock()
	v, loaded = s.entries[id]
	s.mu.RUnlock()
	if loaded {
		return v, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, loaded = s.entries[id]; loaded {
		return v, true
	}
	v = create()
	s.entries[id] = v
	t.count.Add(1)
	return v, false
}

// Lookup retrieves the value for id.
//
// Thread-safe.
func (t *Table[T]) Lookup(id uint64) (T, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[id]
	return v, ok
}

// CompareAndDelete removes id only if it still maps to old.
//
// Thread-safe.
func (t *Table[T]) CompareAndDelete(id uint64, old T) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[id]
	if !ok || v != old {
		return false
	}
	delete(s.entries, id)
	t.count.Add(-1)
	return true
}

// Len returns the number of stored identities.
//
// Thread-safe.
func (t *Table[T]) Len() int {
	return int(t.count.Load())
}

// Snapshot appends every stored value to dst and returns it. Each shard is
// copied under its own read lock; the result is not a global atomic view.
//
// Thread-safe.
func (t *Table[T]) Snapshot(dst []T) []T {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, v := range s.entries {
			dst = append(dst, v)
		}
		s.mu.RUnlock()
	}
	return dst
}
