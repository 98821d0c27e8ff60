package handles

import (
	"sync"
	"testing"
)

func TestStoreAndLookup(t *testing.T) {
	type testData struct {
		Name  string
		Value int
	}

	tbl := New[*testData]()
	data := &testData{Name: "test", Value: 42}
	id := tbl.NextID()

	if id == 0 {
		t.Error("NextID should return non-zero handle")
	}

	tbl.Store(id, data)
	got, ok := tbl.Lookup(id)
	if !ok {
		t.Fatal("Lookup should find stored value")
	}
	if got != data {
		t.Errorf("Lookup returned wrong data: %+v", got)
	}

	other := &testData{Name: "other"}
	tbl.Store(id, other)
	if got, _ := tbl.Lookup(id); got != other {
		t.Errorf("Store should replace the value, got %+v", got)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d after replacing, want 1", tbl.Len())
	}
}

func TestLookupNonExistent(t *testing.T) {
	tbl := New[int]()
	if _, ok := tbl.Lookup(999999); ok {
		t.Error("Lookup of non-existent handle should miss")
	}
}

func TestLoadOrStore(t *testing.T) {
	tbl := New[*int]()
	one, two := new(int), new(int)

	v, loaded := tbl.LoadOrStore(7, func() *int { return one })
	if loaded || v != one {
		t.Fatalf("first LoadOrStore = %p, %v", v, loaded)
	}
	v, loaded = tbl.LoadOrStore(7, func() *int { return two })
	if !loaded || v != one {
		t.Fatalf("second LoadOrStore = %p, %v", v, loaded)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
}

func TestCompareAndDelete(t *testing.T) {
	tbl := New[*int]()
	one, two := new(int), new(int)
	tbl.Store(3, one)

	if tbl.CompareAndDelete(3, two) {
		t.Error("CompareAndDelete with stale value should fail")
	}
	if !tbl.CompareAndDelete(3, one) {
		t.Error("CompareAndDelete with current value should succeed")
	}
	if tbl.CompareAndDelete(3, one) {
		t.Error("CompareAndDelete on missing id should fail")
	}
}

func TestConcurrentAccess(t *testing.T) {
	const numGoroutines = 100
	const numOps = 100

	tbl := New[*struct{ ID, Seq int }]()

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				data := &struct{ ID, Seq int }{id, j}
				h := tbl.NextID()
				tbl.Store(h, data)
				got, ok := tbl.Lookup(h)
				if !ok || got != data {
					t.Errorf("Lookup returned %v for handle %d", got, h)
				}
				if !tbl.CompareAndDelete(h, data) {
					t.Errorf("CompareAndDelete failed for handle %d", h)
				}
			}
		}(i)
	}

	wg.Wait()

	if tbl.Len() != 0 {
		t.Errorf("Len = %d after all deletes", tbl.Len())
	}
}

func TestHandlesAreUnique(t *testing.T) {
	tbl := New[int]()
	seen := make(map[uint64]bool)

	for i := 0; i < 1000; i++ {
		h := tbl.NextID()
		tbl.Store(h, i)
		if seen[h] {
			t.Errorf("Handle %d was returned twice", h)
		}
		seen[h] = true
	}

	if got := len(tbl.Snapshot(nil)); got != 1000 {
		t.Errorf("Snapshot length = %d, want 1000", got)
	}
}
