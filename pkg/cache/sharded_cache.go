package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a TTL cache split into fnv-hashed shards. A zero TTL
// disables expiry.
type ShardedCache[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// New creates a cache whose entries expire ttl after their last Set.
func New[V any](ttl time.Duration) *ShardedCache[V] {
	c := &ShardedCache[V]{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

// WithClock swaps the time source. Used by tests.
func (c *ShardedCache[V]) WithClock(now func() time.Time) *ShardedCache[V] {
	c.now = now
	return c
}

func (c *ShardedCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value.
func (c *ShardedCache[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns a fresh value. Expired entries read as misses.
func (c *ShardedCache[V]) Get(key string) (V, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge returns a fresh value and its age.
func (c *ShardedCache[V]) GetWithAge(key string) (V, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	var zero V
	if !ok {
		return zero, 0, false
	}
	age := c.now().Sub(e.updatedAt)
	if c.ttl > 0 && age >= c.ttl {
		return zero, age, false
	}
	return e.value, age, true
}

// Delete removes a key.
func (c *ShardedCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *ShardedCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedCache[V]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// GetAll returns a copy of every fresh entry.
func (c *ShardedCache[V]) GetAll() map[string]V {
	result := make(map[string]V)
	now := c.now()
	for _, s := range c.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if c.ttl > 0 && now.Sub(e.updatedAt) >= c.ttl {
				continue
			}
			result[k] = e.value
		}
		s.mu.RUnlock()
	}
	return result
}

// Stats provides cache statistics.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedCache[V]) Stats() Stats {
	stats := Stats{}
	var oldest time.Time

	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
		s.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
