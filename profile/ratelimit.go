package profile

import (
	"sync"
	"time"
)

// slidingLimiter caps outbound requests to limit per window. Excess calls
// are deferred, never dropped: Wait sleeps until a slot opens.
type slidingLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
	now    func() time.Time
	sleep  func(time.Duration)
}

func newSlidingLimiter(limit int, window time.Duration) *slidingLimiter {
	return &slidingLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Wait blocks until a request slot is available and claims it.
func (l *slidingLimiter) Wait() {
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-l.window)

		live := l.sent[:0]
		for _, t := range l.sent {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		l.sent = live

		if len(l.sent) < l.limit {
			l.sent = append(l.sent, now)
			l.mu.Unlock()
			return
		}

		wait := l.sent[0].Add(l.window).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		l.sleep(wait)
	}
}
