package store

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryAllocateNextIDMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		got, err := m.AllocateNextID(ctx, "orders")
		if err != nil {
			t.Fatalf("AllocateNextID: %v", err)
		}
		if got != i {
			t.Fatalf("AllocateNextID call %d: got %d, want %d", i, got, i)
		}
	}

	// A different topic has its own counter.
	got, err := m.AllocateNextID(ctx, "shipments")
	if err != nil {
		t.Fatalf("AllocateNextID: %v", err)
	}
	if got != 1 {
		t.Fatalf("AllocateNextID on new topic: got %d, want 1", got)
	}
}

func TestMemoryAllocateNextIDConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.AllocateNextID(ctx, "concurrent")
			if err != nil {
				t.Errorf("AllocateNextID: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		if id < 1 || id > n {
			t.Fatalf("id out of range: %d", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id allocated: %d", id)
		}
		seen[id] = true
	}
}

func TestMemoryFetchAfterOrdersAndBounds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		if err := m.Insert(ctx, "events", Record{ID: i}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	recs, err := m.FetchAfter(ctx, "events", 5, 3)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, want := range []int64{6, 7, 8} {
		if recs[i].ID != want {
			t.Fatalf("record %d: got id %d, want %d", i, recs[i].ID, want)
		}
	}

	recs, err = m.FetchAfter(ctx, "events", 100, 5)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records past the end, got %d", len(recs))
	}
}

func TestMemoryFetchAfterUnknownTopic(t *testing.T) {
	m := NewMemory()
	recs, err := m.FetchAfter(context.Background(), "nonexistent", 0, 10)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}
