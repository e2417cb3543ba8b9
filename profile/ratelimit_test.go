package profile

import (
	"testing"
	"time"
)

func TestLimiterAllowsBurstUpToLimit(t *testing.T) {
	l := newSlidingLimiter(3, time.Second)
	slept := 0
	l.sleep = func(time.Duration) { slept++ }

	for i := 0; i < 3; i++ {
		l.Wait()
	}
	if slept != 0 {
		t.Errorf("first %d calls should not sleep, slept %d times", 3, slept)
	}
}

func TestLimiterDefersInsteadOfDropping(t *testing.T) {
	now := time.Now()
	l := newSlidingLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	var sleeps []time.Duration
	l.sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
		now = now.Add(d) // simulate the clock advancing while asleep
	}

	l.Wait()
	l.Wait()
	l.Wait() // over the limit: must defer until the oldest slot ages out

	if len(sleeps) == 0 {
		t.Fatal("third call should have slept")
	}
	if sleeps[0] != time.Second {
		t.Errorf("first sleep = %v, want the full window", sleeps[0])
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	now := time.Now()
	l := newSlidingLimiter(2, time.Second)
	l.now = func() time.Time { return now }
	slept := 0
	l.sleep = func(d time.Duration) {
		slept++
		now = now.Add(d)
	}

	l.Wait()
	l.Wait()

	// After the window passes, slots free up without sleeping.
	now = now.Add(time.Second + time.Millisecond)
	l.Wait()
	if slept != 0 {
		t.Errorf("call after window expiry should not sleep, slept %d times", slept)
	}
}
