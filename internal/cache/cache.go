// Package cache provides the memory-bounded LRU for hydrated traces and a
// generic TTL cache for secondary read views. Both are single-process,
// in-memory accelerators: a failed or rejected cache operation is never an
// error for the caller.
package cache

import (
	"sync"
	"sync/atomic"

	"traced/internal/trace"
)

// DefaultMaxBytes is the default memory budget: 2.8 GB.
const DefaultMaxBytes = uint64(2_800_000_000)

type entry struct {
	value       *trace.HydratedTrace
	sizeBytes   uint64
	accessOrder uint64
}

// Cache is a thread-safe LRU over hydrated traces with a byte budget.
// Eviction removes least recently used entries until the budget holds.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	maxBytes uint64

	currentBytes  atomic.Uint64
	accessCounter atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
}

func New() *Cache {
	return NewWithMaxBytes(DefaultMaxBytes)
}

func NewWithMaxBytes(maxBytes uint64) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		maxBytes: maxBytes,
	}
}

// Get returns a shallow copy of the cached trace and bumps its recency.
// Slices and maps inside the returned value alias the cached entry, so
// callers must treat it as read-only. Lookup, recency bump and copy happen
// in one lock scope so a concurrent eviction cannot produce a spurious miss
// between them.
func (c *Cache) Get(traceID string) (*trace.HydratedTrace, bool) {
	c.mu.Lock()
	e, ok := c.entries[traceID]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	e.accessOrder = c.accessCounter.Add(1)
	v := *e.value
	c.mu.Unlock()

	c.hits.Add(1)
	return &v, true
}

// Insert stores a trace under its id, evicting least recently used entries
// until the budget holds. A value estimated above half the budget is rejected
// so a single huge trace cannot flush everything else.
func (c *Cache) Insert(traceID string, value *trace.HydratedTrace) {
	sizeBytes := uint64(value.EstimatedSize())
	if sizeBytes > c.maxBytes/2 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[traceID]; ok {
		delete(c.entries, traceID)
		c.currentBytes.Add(^(old.sizeBytes - 1))
	}

	for c.currentBytes.Load()+sizeBytes > c.maxBytes && len(c.entries) > 0 {
		var lruKey string
		var lruOrder uint64
		first := true
		for k, e := range c.entries {
			if first || e.accessOrder < lruOrder {
				lruKey, lruOrder = k, e.accessOrder
				first = false
			}
		}
		evicted := c.entries[lruKey]
		delete(c.entries, lruKey)
		c.currentBytes.Add(^(evicted.sizeBytes - 1))
	}

	c.entries[traceID] = &entry{
		value:       value,
		sizeBytes:   sizeBytes,
		accessOrder: c.accessCounter.Add(1),
	}
	c.currentBytes.Add(sizeBytes)
}

// Invalidate removes an entry, reporting whether one was present.
func (c *Cache) Invalidate(traceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[traceID]
	if !ok {
		return false
	}
	delete(c.entries, traceID)
	c.currentBytes.Add(^(e.sizeBytes - 1))
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.currentBytes.Store(0)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) CurrentBytes() uint64 {
	return c.currentBytes.Load()
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	EntryCount   int    `json:"entry_count"`
	CurrentBytes uint64 `json:"current_bytes"`
	MaxBytes     uint64 `json:"max_bytes"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	count := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		EntryCount:   count,
		CurrentBytes: c.currentBytes.Load(),
		MaxBytes:     c.maxBytes,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
	}
}

// HitRatePercent is hits over total lookups as a percentage.
func (s Stats) HitRatePercent() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// MemoryUsagePercent is current bytes over the budget as a percentage.
func (s Stats) MemoryUsagePercent() float64 {
	if s.MaxBytes == 0 {
		return 0
	}
	return float64(s.CurrentBytes) / float64(s.MaxBytes) * 100
}
