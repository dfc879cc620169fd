package observability

import (
	"sync"
	"testing"
	"time"
)

// TestRecordConcurrent tests concurrent Record calls for race conditions.
func TestRecordConcurrent(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				qs.Record("by_type", "order.created")
				qs.Record("range", "")
				qs.Record("replay", "order.shipped")
			}
		}()
	}
	wg.Wait()

	top := qs.Top(10)
	if len(top) != 3 {
		t.Fatalf("expected 3 filters, got %d", len(top))
	}
	expectedFreq := int64(numGoroutines * recordsPerGoroutine)
	for _, stat := range top {
		if stat.Frequency != expectedFreq {
			t.Errorf("expected frequency %d for %q, got %d", expectedFreq, stat.Filter, stat.Frequency)
		}
	}
}

// TestTopOrdering tests that Top returns results sorted by frequency.
func TestTopOrdering(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)

	for i := 0; i < 10; i++ {
		qs.Record("by_type", "a")
	}
	for i := 0; i < 5; i++ {
		qs.Record("by_type", "b")
	}
	for i := 0; i < 20; i++ {
		qs.Record("replay", "c")
	}
	qs.Record("by_type", "c")

	top := qs.Top(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].Filter != "c" || top[0].Frequency != 21 {
		t.Errorf("expected c with 21, got %s with %d", top[0].Filter, top[0].Frequency)
	}
	if top[0].Kinds["replay"] != 20 || top[0].Kinds["by_type"] != 1 {
		t.Errorf("unexpected kind counts %v", top[0].Kinds)
	}
	if top[1].Filter != "a" {
		t.Errorf("expected a second, got %s", top[1].Filter)
	}
}

func TestTopReturnsCopy(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	qs.Record("by_type", "a")

	top := qs.Top(1)
	top[0].Kinds["by_type"] = 100

	if again := qs.Top(1); again[0].Kinds["by_type"] != 1 {
		t.Error("modifying the result should not affect the tracker")
	}
	if got := qs.Top(0); len(got) != 0 {
		t.Errorf("expected empty result for n=0, got %d", len(got))
	}
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	qs := NewQueryStats(time.Minute)
	qs.now = func() time.Time { return now }

	qs.Record("by_type", "old")
	now = now.Add(2 * time.Minute)
	qs.Record("by_type", "fresh")
	qs.Prune()

	top := qs.Top(10)
	if len(top) != 1 || top[0].Filter != "fresh" {
		t.Errorf("expected only fresh to survive, got %+v", top)
	}
}
