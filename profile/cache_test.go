package profile

import (
	"fmt"
	"testing"
	"time"

	"github.com/tkhumush/nostrtv/types"
)

func testCache(capacity int, ttl time.Duration) (*Cache, *time.Time) {
	c := NewCache(capacity, ttl)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCachePutGet(t *testing.T) {
	c, _ := testCache(10, time.Hour)

	p := &types.Profile{Name: "alice"}
	c.Put("pk1", p)

	got, ok := c.Get("pk1")
	if !ok || got.Name != "alice" {
		t.Errorf("Get = %+v, %v", got, ok)
	}
	if _, ok := c.Get("pk2"); ok {
		t.Error("missing key should not be found")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d/%d, want 1/1", hits, misses)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c, now := testCache(10, time.Hour)
	c.Put("pk1", &types.Profile{Name: "alice"})

	*now = now.Add(time.Hour + time.Minute)
	if _, ok := c.Get("pk1"); ok {
		t.Error("expired entry should be treated as a miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed on read, len = %d", c.Len())
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c, now := testCache(10, time.Hour)

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("pk%d", i), &types.Profile{})
		*now = now.Add(time.Second)
	}

	// Touch the oldest-inserted entries so they become most recently used.
	c.Get("pk0")
	c.Get("pk1")
	*now = now.Add(time.Second)

	// Going over capacity evicts the least-recently-accessed fifth.
	c.Put("pk10", &types.Profile{})

	if _, ok := c.Get("pk0"); !ok {
		t.Error("recently-read pk0 should survive eviction")
	}
	if _, ok := c.Get("pk2"); ok {
		t.Error("cold pk2 should be evicted")
	}
	if c.Len() > 10 {
		t.Errorf("len = %d, should not exceed capacity", c.Len())
	}
}

func TestCacheEvictionPrefersExpired(t *testing.T) {
	c, now := testCache(5, time.Minute)

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("old%d", i), &types.Profile{})
	}
	*now = now.Add(2 * time.Minute) // all five now TTL-dead

	c.Put("fresh", &types.Profile{})
	if c.Len() != 1 {
		t.Errorf("TTL sweep should clear all expired entries, len = %d", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry should survive")
	}
}

func TestCacheOverwrite(t *testing.T) {
	c, _ := testCache(10, time.Hour)
	c.Put("pk1", &types.Profile{Name: "old"})
	c.Put("pk1", &types.Profile{Name: "new"})

	got, _ := c.Get("pk1")
	if got.Name != "new" {
		t.Errorf("Name = %q, want new", got.Name)
	}
	if c.Len() != 1 {
		t.Errorf("overwrite should not grow the cache, len = %d", c.Len())
	}
}

func TestCacheDefaults(t *testing.T) {
	c := NewCache(0, 0)
	if c.capacity != DefaultCapacity || c.ttl != DefaultTTL {
		t.Errorf("defaults not applied: cap=%d ttl=%v", c.capacity, c.ttl)
	}
}
