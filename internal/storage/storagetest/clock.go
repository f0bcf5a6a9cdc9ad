// Package storagetest provides a conformance suite for storage.Store
// implementations and a manual clock for time-dependent tests.
package storagetest

import (
	"sync"
	"time"
)

// Clock is a manually advanced time source. Safe for concurrent use.
type Clock struct {
	now time.Time
	mu  sync.Mutex
}

// NewClock returns a clock frozen at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward (or backward for negative d)
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
