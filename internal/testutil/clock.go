// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"sync"
	"time"
)

// FakeClock satisfies transport.Clock. Its time starts at the zero
// time.Time and moves only when Advance is called.
type FakeClock struct {
	mu      sync.Mutex
	elapsed time.Duration
	timers  []fakeTimer
	// armed is closed and replaced by every After call.
	armed chan struct{}
}

type fakeTimer struct {
	due  time.Duration
	fire chan time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{armed: make(chan struct{})}
}

// After returns a channel that receives once Advance has moved the clock
// d past the current time. d <= 0 fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	fire := make(chan time.Time, 1)
	if d <= 0 {
		fire <- c.now()
		return fire
	}
	c.timers = append(c.timers, fakeTimer{due: c.elapsed + d, fire: fire})
	close(c.armed)
	c.armed = make(chan struct{})
	return fire
}

// Advance moves the clock by d and fires every timer that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.elapsed += d
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.due > c.elapsed {
			pending = append(pending, t)
			continue
		}
		t.fire <- c.now()
	}
	c.timers = pending
}

// WaitForWaiters reports whether at least n timers are pending before the
// real-time timeout. Call it before Advance so the code under test has armed
// its timer.
func (c *FakeClock) WaitForWaiters(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		pending, armed := len(c.timers), c.armed
		c.mu.Unlock()
		if pending >= n {
			return true
		}
		select {
		case <-armed:
		case <-deadline:
			return false
		}
	}
}

func (c *FakeClock) now() time.Time {
	return time.Time{}.Add(c.elapsed)
}
