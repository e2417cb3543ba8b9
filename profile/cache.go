// Package profile caches identity metadata with TTL and LRU eviction and
// deduplicates, rate-limits and batches outbound profile lookups.
package profile

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkhumush/nostrtv/cache"
	"github.com/tkhumush/nostrtv/types"
)

// Cache defaults.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultCapacity = 500
)

// evictFraction of capacity removed, least-recently-accessed first, when a
// put leaves the cache over capacity after TTL expiry.
const evictFraction = 0.2

type entry struct {
	profile    *types.Profile
	insertedAt time.Time
	lastAccess time.Time
}

// Cache holds profile metadata keyed by pubkey. Reads refresh recency;
// writes trigger TTL then LRU eviction. Safe for concurrent use behind a
// single lock; it is never held while other resources are locked.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	ttl      time.Duration
	now      func() time.Time

	// Optional write-through store for warm starts.
	backend cache.Backend

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache with the given capacity and TTL; zero values take
// the defaults.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithBackend attaches a write-through byte store. Misses consult it before
// reporting not-found; puts persist to it with the cache TTL.
func (c *Cache) WithBackend(b cache.Backend) *Cache {
	c.backend = b
	return c
}

// Get returns a non-expired entry and refreshes its last-access time.
func (c *Cache) Get(pubkey string) (*types.Profile, bool) {
	c.mu.Lock()
	var found *types.Profile
	if e, ok := c.entries[pubkey]; ok {
		if c.now().Sub(e.insertedAt) > c.ttl {
			delete(c.entries, pubkey)
		} else {
			e.lastAccess = c.now()
			found = e.profile
		}
	}
	c.mu.Unlock()

	if found != nil {
		c.hits.Add(1)
		return found, true
	}

	if p := c.backendGet(pubkey); p != nil {
		c.Put(pubkey, p)
		c.hits.Add(1)
		return p, true
	}

	c.misses.Add(1)
	return nil, false
}

// Put inserts or overwrites an entry, then evicts: first every TTL-expired
// entry, then, if still over capacity, the least-recently-accessed fifth.
func (c *Cache) Put(pubkey string, p *types.Profile) {
	now := c.now()

	c.mu.Lock()
	c.entries[pubkey] = &entry{profile: p, insertedAt: now, lastAccess: now}
	c.evictLocked(now)
	c.mu.Unlock()

	c.backendPut(pubkey, p)
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close releases the backend store, if any.
func (c *Cache) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}

func (c *Cache) evictLocked(now time.Time) {
	for pk, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, pk)
		}
	}
	if len(c.entries) <= c.capacity {
		return
	}

	type access struct {
		pubkey string
		at     time.Time
	}
	byAccess := make([]access, 0, len(c.entries))
	for pk, e := range c.entries {
		byAccess = append(byAccess, access{pk, e.lastAccess})
	}
	sort.Slice(byAccess, func(i, j int) bool {
		return byAccess[i].at.Before(byAccess[j].at)
	})

	evict := int(float64(c.capacity) * evictFraction)
	if evict < len(c.entries)-c.capacity {
		evict = len(c.entries) - c.capacity
	}
	for i := 0; i < evict && i < len(byAccess); i++ {
		delete(c.entries, byAccess[i].pubkey)
	}
}

func (c *Cache) backendGet(pubkey string) *types.Profile {
	if c.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, found, err := c.backend.Get(ctx, pubkey)
	if err != nil || !found {
		return nil
	}
	var p types.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

func (c *Cache) backendPut(pubkey string, p *types.Profile) {
	if c.backend == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.backend.Set(ctx, pubkey, data, c.ttl)
}
