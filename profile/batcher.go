package profile

import (
	"log/slog"
	"sync"
	"time"
)

// batcher collects lookups over a short window and executes them as one
// batch. Unlike singleflight, it merges overlapping (not just identical)
// key sets: concurrent requests for [a,b,c], [a,d] and [b,e] become one
// fetch of [a,b,c,d,e].
type batcher[V any] struct {
	name     string
	batchFn  func(keys []string) map[string]V
	window   time.Duration
	maxBatch int

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	timer    *time.Timer
	timerSet bool
}

type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

func newBatcher[V any](name string, batchFn func(keys []string) map[string]V, window time.Duration, maxBatch int) *batcher[V] {
	return &batcher[V]{
		name:     name,
		batchFn:  batchFn,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(map[string][]*batchWaiter[V]),
	}
}

// getMultiple fetches values for keys, coalescing with other concurrent
// callers. Blocks until the batch executes.
func (b *batcher[V]) getMultiple(keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	waiter := &batchWaiter[V]{
		keys:   keys,
		result: make(chan map[string]V, 1),
	}

	b.mu.Lock()
	for _, key := range keys {
		b.pending[key] = append(b.pending[key], waiter)
	}
	if !b.timerSet {
		b.timerSet = true
		b.timer = time.AfterFunc(b.window, b.execute)
	}
	if b.maxBatch > 0 && len(b.pending) >= b.maxBatch {
		b.timer.Stop()
		b.mu.Unlock()
		b.execute()
	} else {
		b.mu.Unlock()
	}

	return <-waiter.result
}

func (b *batcher[V]) execute() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}
	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}
	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false
	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher: executing batch",
		"name", b.name, "keys", len(keys), "waiters", len(waiterSet))

	results := b.batchFn(keys)

	for waiter := range waiterSet {
		out := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				out[key] = val
			}
		}
		waiter.result <- out
	}
}
