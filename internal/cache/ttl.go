package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ExpiringCache stores values for a configurable duration. It suits read
// views that change infrequently and tolerate some staleness, such as
// recent-trace listings.
type ExpiringCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]ttlEntry[V]
	ttl     time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewExpiring[K comparable, V any](ttl time.Duration) *ExpiringCache[K, V] {
	return &ExpiringCache[K, V]{
		entries: make(map[K]ttlEntry[V]),
		ttl:     ttl,
	}
}

// Get returns the value for key if present and not expired.
func (c *ExpiringCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.expiresAt.After(time.Now()) {
		c.hits.Add(1)
		return e.value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Insert stores a value with the cache's default TTL.
func (c *ExpiringCache[K, V]) Insert(key K, value V) {
	c.InsertTTL(key, value, c.ttl)
}

// InsertTTL stores a value with a custom TTL.
func (c *ExpiringCache[K, V]) InsertTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *ExpiringCache[K, V]) Invalidate(key K) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return ok
}

func (c *ExpiringCache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]ttlEntry[V])
	c.mu.Unlock()
}

// CleanupExpired drops entries past their deadline. Call periodically to
// free memory.
func (c *ExpiringCache[K, V]) CleanupExpired() int {
	now := time.Now()
	removed := 0
	c.mu.Lock()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// ExpiringStats reports entry counts and hit accounting for a TTL cache.
type ExpiringStats struct {
	EntryCount   int    `json:"entry_count"`
	TotalEntries int    `json:"total_entries"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	TTLSeconds   uint64 `json:"ttl_secs"`
}

func (c *ExpiringCache[K, V]) Stats() ExpiringStats {
	now := time.Now()
	c.mu.RLock()
	valid := 0
	for _, e := range c.entries {
		if e.expiresAt.After(now) {
			valid++
		}
	}
	total := len(c.entries)
	c.mu.RUnlock()
	return ExpiringStats{
		EntryCount:   valid,
		TotalEntries: total,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		TTLSeconds:   uint64(c.ttl.Seconds()),
	}
}
