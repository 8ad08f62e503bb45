// Package clock lets the usage tracker and poller run against a fake time
// source in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the engine depends on.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable, resettable pending call.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is a Clock backed by the time package.
type Real struct{}

// Now returns time.Now.
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced Clock. Timers fire synchronously from Advance
// and Set.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clock    *Mock
	mu       sync.Mutex
	deadline time.Time
	f        func()
	stopped  bool
}

// NewMock creates a Mock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

// Now returns the mock's current time.
func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to run once the mock time reaches now+d.
func (c *Mock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Mock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// Advance moves the clock forward by d and fires every expired timer.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var toFire []func()
	var remaining []*mockTimer
	for _, t := range c.timers {
		t.mu.Lock()
		switch {
		case t.stopped:
		case !t.deadline.After(now):
			// expired timers leave the queue and fire even if stopped afterwards
			t.stopped = true
			toFire = append(toFire, t.f)
		default:
			remaining = append(remaining, t)
		}
		t.mu.Unlock()
	}
	c.timers = remaining
	c.mu.Unlock()

	// fire outside the lock so callbacks can use the clock
	for _, f := range toFire {
		f()
	}
}

// Set jumps the clock to t, firing timers if it moves forward.
func (c *Mock) Set(t time.Time) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if t.After(cur) {
		c.Advance(t.Sub(cur))
		return
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// Reset locks the clock before the timer, the same order as Advance.
func (t *mockTimer) Reset(d time.Duration) bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = false
	t.deadline = c.current.Add(d)
	if !wasActive {
		c.timers = append(c.timers, t)
	}
	return wasActive
}
