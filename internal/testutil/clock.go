package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of every DeterministicClock.
var Epoch = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

// DeterministicClock is a thread-safe clock for tests that advances by a
// fixed step on every reading.
//
// Stores and sagas built with clock.Now stamp identical times on every run,
// which keeps golden snapshots byte-identical.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	ticks int64
}

// NewDeterministicClock creates a clock starting at Epoch that advances one
// second per reading.
//
// The first call to Now() returns Epoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{start: Epoch, step: time.Second}
}

// NewClockAt creates a clock with a custom start and step.
func NewClockAt(start time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{start: start.UTC(), step: step}
}

// Now returns the current time and advances the clock by one step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.ticks) * c.step)
	c.ticks++
	return t
}

// Peek returns the time the next call to Now will return.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(time.Duration(c.ticks) * c.step)
}

// Reset rewinds the clock to its start.
//
// Used for test reuse. After Reset(), the next call to Now() returns the
// start time again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
