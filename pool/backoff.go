package pool

import "time"

// backoff implements the reconnect delay policy: start at the initial delay,
// double after every attempt, cap at max, reset on success.
type backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, cur: initial}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the schedule.
func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restores the initial delay. Called when a message is received after
// a reconnect.
func (b *backoff) Reset() {
	b.cur = b.initial
}
