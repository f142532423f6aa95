package cache

import (
	"testing"
	"time"
)

func TestExpiringInsertAndGet(t *testing.T) {
	c := NewExpiring[string, int](time.Minute)
	c.Insert("k", 42)

	v, ok := c.Get("k")
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %d ok=%v", v, ok)
	}
}

func TestExpiringMiss(t *testing.T) {
	c := NewExpiring[string, int](time.Minute)
	if _, ok := c.Get("absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestExpiringEntryExpires(t *testing.T) {
	c := NewExpiring[string, string](10 * time.Millisecond)
	c.Insert("k", "v")

	time.Sleep(25 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestExpiringPerEntryTTL(t *testing.T) {
	c := NewExpiring[string, string](10 * time.Millisecond)
	c.InsertTTL("long", "v", time.Minute)

	time.Sleep(25 * time.Millisecond)
	if _, ok := c.Get("long"); !ok {
		t.Fatal("expected per-entry ttl to override default")
	}
}

func TestExpiringInvalidateAndClear(t *testing.T) {
	c := NewExpiring[string, int](time.Minute)
	c.Insert("a", 1)
	c.Insert("b", 2)

	if !c.Invalidate("a") {
		t.Fatal("expected invalidate to remove entry")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a gone")
	}

	c.Clear()
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b gone after clear")
	}
}

func TestExpiringCleanup(t *testing.T) {
	c := NewExpiring[string, int](10 * time.Millisecond)
	c.Insert("a", 1)
	c.InsertTTL("b", 2, time.Minute)

	time.Sleep(25 * time.Millisecond)
	removed := c.CleanupExpired()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	stats := c.Stats()
	if stats.TotalEntries != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", stats.TotalEntries)
	}
}
