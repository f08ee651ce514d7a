// Package cache provides the in-process LRU+TTL caches that sit in
// front of the graph: entities, search results, and community
// summaries. Entity mutations invalidate through the Set so cached
// reads never return pre-mutation values.
package cache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats is a point-in-time snapshot of one cache's counters. Expired
// entries removed on access are counted separately from LRU evictions.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a bounded LRU with per-entry TTL checked on access.
type Cache[V any] struct {
	name string
	lru  *lru.Cache[string, entry[V]]
	ttl  time.Duration

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// New creates a cache holding at most size entries, each valid for ttl.
func New[V any](name string, size int, ttl time.Duration) (*Cache[V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache %s: size must be positive, got %d", name, size)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache %s: ttl must be positive, got %v", name, ttl)
	}

	backing, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}

	return &Cache[V]{
		name: name,
		lru:  backing,
		ttl:  ttl,
	}, nil
}

// Name returns the cache's name for metrics labels.
func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the cached value when present and fresh. Stale entries
// are removed on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if time.Since(e.storedAt) >= c.ttl {
		c.lru.Remove(key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores a value, evicting the least-recently-used entry when full.
func (c *Cache[V]) Set(key string, value V) {
	if evicted := c.lru.Add(key, entry[V]{value: value, storedAt: time.Now()}); evicted {
		c.evictions.Add(1)
	}
}

// Remove drops a single key. Returns true if it was present.
func (c *Cache[V]) Remove(key string) bool {
	return c.lru.Remove(key)
}

// RemoveMatching drops every key the predicate matches and returns how
// many were removed.
func (c *Cache[V]) RemoveMatching(match func(key string) bool) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if match(key) {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the current entry count, stale entries included.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats snapshots the counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.lru.Len(),
	}
}

// EntityKey builds the canonical key for a cached entity.
func EntityKey(entityID string) string {
	return "entity:" + entityID
}

// CommunityKey builds the canonical key for a cached community summary.
func CommunityKey(communityID string) string {
	return "community:" + communityID
}

// SearchKey builds a cache key from the normalized query plus the
// filter tuple in a fixed order, so identical searches share an entry.
func SearchKey(orgID, query string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString("search:")
	sb.WriteString(orgID)
	sb.WriteString(":")
	sb.WriteString(strings.ToLower(strings.TrimSpace(query)))
	for _, p := range parts {
		sb.WriteString("|")
		sb.WriteString(p)
	}
	return sb.String()
}
