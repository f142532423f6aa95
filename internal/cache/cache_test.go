package cache

import (
	"fmt"
	"testing"

	"traced/internal/trace"
)

func strp(s string) *string { return &s }

func traceOfSize(t *testing.T, id string, approx int) *trace.HydratedTrace {
	t.Helper()
	h := &trace.HydratedTrace{TraceID: id}
	base := h.EstimatedSize()
	if approx > base {
		h.Prompt = strp(string(make([]byte, approx-base)))
	}
	return h
}

func TestInsertAndGet(t *testing.T) {
	c := New()
	h := &trace.HydratedTrace{TraceID: "t1", Model: strp("m")}

	c.Insert("t1", h)
	got, ok := c.Get("t1")
	if !ok {
		t.Fatal("expected hit after insert")
	}
	if got.TraceID != "t1" || *got.Model != "m" {
		t.Fatalf("unexpected cached value: %+v", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestGetMiss(t *testing.T) {
	c := New()
	if _, ok := c.Get("absent"); ok {
		t.Fatal("expected miss")
	}
	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 0 {
		t.Fatalf("expected 1 miss, got hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	// Budget fits two entries of ~400 bytes but not three.
	c := NewWithMaxBytes(1000)

	c.Insert("a", traceOfSize(t, "a", 400))
	c.Insert("b", traceOfSize(t, "b", 400))

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a cached")
	}

	c.Insert("c", traceOfSize(t, "c", 400))

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a retained")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c retained")
	}
}

func TestBudgetInvariant(t *testing.T) {
	c := NewWithMaxBytes(2000)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("t%d", i)
		c.Insert(id, traceOfSize(t, id, 300))
		if c.CurrentBytes() > 2000 {
			t.Fatalf("budget exceeded after insert %d: %d bytes", i, c.CurrentBytes())
		}
	}
}

func TestRejectsOversizedEntry(t *testing.T) {
	c := NewWithMaxBytes(1000)
	c.Insert("big", traceOfSize(t, "big", 600))

	if _, ok := c.Get("big"); ok {
		t.Fatal("entry above half the budget must be rejected")
	}
	if c.Len() != 0 || c.CurrentBytes() != 0 {
		t.Fatalf("expected empty cache, got len=%d bytes=%d", c.Len(), c.CurrentBytes())
	}
}

func TestUpdateExistingEntryRefundsSize(t *testing.T) {
	c := NewWithMaxBytes(10_000)

	c.Insert("t1", traceOfSize(t, "t1", 2000))
	first := c.CurrentBytes()

	c.Insert("t1", traceOfSize(t, "t1", 500))
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after update, got %d", c.Len())
	}
	if c.CurrentBytes() >= first {
		t.Fatalf("expected size refund on update, %d -> %d", first, c.CurrentBytes())
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	c.Insert("t1", &trace.HydratedTrace{TraceID: "t1"})

	if !c.Invalidate("t1") {
		t.Fatal("expected invalidate to report removal")
	}
	if c.Invalidate("t1") {
		t.Fatal("expected second invalidate to report absence")
	}
	if c.CurrentBytes() != 0 {
		t.Fatalf("expected zero bytes after invalidate, got %d", c.CurrentBytes())
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.Insert("t1", &trace.HydratedTrace{TraceID: "t1"})
	c.Insert("t2", &trace.HydratedTrace{TraceID: "t2"})

	c.Clear()
	if c.Len() != 0 || c.CurrentBytes() != 0 {
		t.Fatalf("expected empty cache, got len=%d bytes=%d", c.Len(), c.CurrentBytes())
	}
}

func TestStatsHitRate(t *testing.T) {
	c := New()
	c.Insert("t1", &trace.HydratedTrace{TraceID: "t1"})

	c.Get("t1")
	c.Get("absent")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if rate := stats.HitRatePercent(); rate != 50 {
		t.Fatalf("expected 50%% hit rate, got %v", rate)
	}
}
