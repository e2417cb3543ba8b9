package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tkhumush/nostrtv/nostr"
	"github.com/tkhumush/nostrtv/types"
)

// Fetcher defaults.
const (
	DefaultPendingWindow = 30 * time.Second
	DefaultRateLimit     = 10 // lookups per rate window
	DefaultRateWindow    = time.Second
	DefaultChunkSize     = 30
	DefaultChunkDelay    = 200 * time.Millisecond
	DefaultLookupTimeout = 3 * time.Second
	defaultBatchWindow   = 50 * time.Millisecond
)

// Subscriber is the transport slice the fetcher needs. Satisfied by
// *pool.Pool.
type Subscriber interface {
	Subscribe(filter nostr.Filter, purpose string) (string, error)
	Unsubscribe(id string)
}

// FetcherConfig tunes lookup dedup, rate limiting and batching. Zero values
// take the defaults.
type FetcherConfig struct {
	PendingWindow time.Duration
	RateLimit     int
	RateWindow    time.Duration
	ChunkSize     int
	ChunkDelay    time.Duration
	LookupTimeout time.Duration
}

func (c *FetcherConfig) applyDefaults() {
	if c.PendingWindow == 0 {
		c.PendingWindow = DefaultPendingWindow
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow == 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = DefaultChunkDelay
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
}

// Fetcher issues profile lookups over the relay pool. Concurrent requests
// for the same pubkey are deduplicated through a pending set cleared after a
// bounded window; outbound subscriptions pass a deferring rate limiter; bulk
// requests are chunked to avoid bursts.
type Fetcher struct {
	pool  Subscriber
	cache *Cache
	cfg   FetcherConfig

	mu      sync.Mutex // guards pending and waiters only
	pending map[string]time.Time
	waiters map[string][]chan *types.Profile

	limiter *slidingLimiter
	group   singleflight.Group
	batch   *batcher[*types.Profile]
}

// NewFetcher wires a fetcher to its transport and cache.
func NewFetcher(pool Subscriber, cache *Cache, cfg FetcherConfig) *Fetcher {
	cfg.applyDefaults()
	f := &Fetcher{
		pool:    pool,
		cache:   cache,
		cfg:     cfg,
		pending: make(map[string]time.Time),
		waiters: make(map[string][]chan *types.Profile),
		limiter: newSlidingLimiter(cfg.RateLimit, cfg.RateWindow),
	}
	f.batch = newBatcher("profiles", f.fetchBatch, defaultBatchWindow, cfg.ChunkSize)
	return f
}

// Cache returns the cache the fetcher fills.
func (f *Fetcher) Cache() *Cache {
	return f.cache
}

// Request queues background lookups for any pubkeys that are neither cached
// nor already pending. Fire-and-forget: results arrive through
// HandleProfile when the relays answer.
func (f *Fetcher) Request(pubkeys ...string) {
	fresh := f.markPending(pubkeys)
	if len(fresh) == 0 {
		return
	}
	go f.issueLookups(fresh)
}

// HandleProfile records an answered lookup: fills the cache, clears the
// pending mark and wakes any blocked waiters. Wire it to the router's
// profile callback.
func (f *Fetcher) HandleProfile(pubkey string, p *types.Profile) {
	f.cache.Put(pubkey, p)

	f.mu.Lock()
	delete(f.pending, pubkey)
	waiters := f.waiters[pubkey]
	delete(f.waiters, pubkey)
	f.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- p:
		default:
		}
	}
}

// Lookup blocks until the profile is cached, fetched or the context/timeout
// expires. Identical concurrent lookups share one fetch.
func (f *Fetcher) Lookup(ctx context.Context, pubkey string) (*types.Profile, bool) {
	if p, ok := f.cache.Get(pubkey); ok {
		return p, true
	}

	result, _, _ := f.group.Do(pubkey, func() (interface{}, error) {
		ch := f.addWaiter(pubkey)
		f.Request(pubkey)

		select {
		case p := <-ch:
			return p, nil
		case <-ctx.Done():
		case <-time.After(f.cfg.LookupTimeout):
		}
		f.removeWaiter(pubkey, ch)
		return nil, nil
	})

	if p, ok := result.(*types.Profile); ok && p != nil {
		return p, true
	}
	return nil, false
}

// LookupMany blocks for a set of pubkeys, coalescing overlapping concurrent
// requests into merged batches. Missing profiles are simply absent from the
// result.
func (f *Fetcher) LookupMany(pubkeys []string) map[string]*types.Profile {
	return f.batch.getMultiple(pubkeys)
}

// PendingCount reports in-flight deduplicated lookups.
func (f *Fetcher) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// fetchBatch is the batcher's fetch function: cache hits resolve locally,
// the rest go out as one deduplicated request.
func (f *Fetcher) fetchBatch(keys []string) map[string]*types.Profile {
	results := make(map[string]*types.Profile, len(keys))
	var missing []string
	chans := make(map[string]chan *types.Profile)

	for _, pk := range keys {
		if p, ok := f.cache.Get(pk); ok {
			results[pk] = p
			continue
		}
		chans[pk] = f.addWaiter(pk)
		missing = append(missing, pk)
	}
	if len(missing) == 0 {
		return results
	}

	f.Request(missing...)

	deadline := time.Now().Add(f.cfg.LookupTimeout)
	for pk, ch := range chans {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.removeWaiter(pk, ch)
			continue
		}
		select {
		case p := <-ch:
			if p != nil {
				results[pk] = p
			}
		case <-time.After(remaining):
			f.removeWaiter(pk, ch)
		}
	}
	return results
}

// markPending filters out cached and already-pending pubkeys and marks the
// remainder, returning the set that actually needs a lookup.
func (f *Fetcher) markPending(pubkeys []string) []string {
	now := time.Now()
	cutoff := now.Add(-f.cfg.PendingWindow)

	// Cache check happens before taking f.mu: one lock at a time.
	var uncached []string
	for _, pk := range pubkeys {
		if pk == "" {
			continue
		}
		if _, ok := f.cache.Get(pk); ok {
			continue
		}
		uncached = append(uncached, pk)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var fresh []string
	for _, pk := range uncached {
		if at, ok := f.pending[pk]; ok && at.After(cutoff) {
			continue
		}
		f.pending[pk] = now
		fresh = append(fresh, pk)
	}
	return fresh
}

// issueLookups chunks the pubkeys and opens one rate-limited subscription
// per chunk, closed again once the pending window elapses.
func (f *Fetcher) issueLookups(pubkeys []string) {
	for start := 0; start < len(pubkeys); start += f.cfg.ChunkSize {
		end := start + f.cfg.ChunkSize
		if end > len(pubkeys) {
			end = len(pubkeys)
		}
		chunk := pubkeys[start:end]

		f.limiter.Wait()

		subID, err := f.pool.Subscribe(nostr.Filter{
			Kinds:   []int{nostr.KindProfileMetadata},
			Authors: chunk,
			Limit:   len(chunk),
		}, "profile-lookup")
		if err != nil {
			slog.Warn("profile: lookup subscribe failed", "pubkeys", len(chunk), "error", err)
			f.clearPending(chunk)
			continue
		}

		// Bounded lifetime: close the subscription and clear the
		// pending marks whether or not anything answered.
		time.AfterFunc(f.cfg.PendingWindow, func() {
			f.pool.Unsubscribe(subID)
			f.clearPending(chunk)
		})

		if end < len(pubkeys) {
			time.Sleep(f.cfg.ChunkDelay)
		}
	}
}

func (f *Fetcher) clearPending(pubkeys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pk := range pubkeys {
		delete(f.pending, pk)
	}
}

func (f *Fetcher) addWaiter(pubkey string) chan *types.Profile {
	ch := make(chan *types.Profile, 1)
	f.mu.Lock()
	f.waiters[pubkey] = append(f.waiters[pubkey], ch)
	f.mu.Unlock()
	return ch
}

func (f *Fetcher) removeWaiter(pubkey string, ch chan *types.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	waiters := f.waiters[pubkey]
	for i, w := range waiters {
		if w == ch {
			f.waiters[pubkey] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(f.waiters[pubkey]) == 0 {
		delete(f.waiters, pubkey)
	}
}
