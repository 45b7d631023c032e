// ABOUTME: Deterministic Clock implementation for tests.
// ABOUTME: Time only moves when Advance is called; due timers fire synchronously in deadline order.

package scheduler

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually-advanced Clock. It is exported so lifecycle and
// scheduler tests can drive the staged timeout policy deterministically.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Schedule registers fn to fire once the clock has advanced past delay.
func (c *FakeClock) Schedule(delay time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(delay),
		fn:       fn,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every due timer, in deadline
// order, on the calling goroutine. The clock is stepped to each timer's
// deadline before its callback runs, so callbacks that schedule relative to
// Now (a periodic sweep, a retry backoff) land where they would in real time.
// Callbacks may schedule further timers; those also fire if their deadline
// falls within the advanced window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// nextDue pops the earliest unfired, unstopped timer with deadline <= target
// and steps the clock to that deadline.
func (c *FakeClock) nextDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.deadline.After(target) {
			continue
		}
		if due == nil || t.deadline.Before(due.deadline) {
			due = t
		}
	}
	if due != nil {
		due.fired = true
		if due.deadline.After(c.now) {
			c.now = due.deadline
		}
	}

	// Drop finished timers so long tests don't accumulate them
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	// Stable keeps insertion order among equal deadlines deterministic
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	c.timers = live

	return due
}

// Pending returns the number of scheduled, unfired timers. Test helper.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
