package monotonic

import (
	"sync"
	"time"
)

// Clock provides NTP-corrected timestamps. It is an sntp offset listener.
type Clock struct {
	// offset is added to the base time source to account for NTP synchronization.
	offset time.Duration
	now    func() time.Time
	mu     sync.RWMutex
}

// NewClock creates a new Clock with zero offset backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWithSource creates a Clock reading from the given time source.
func NewClockWithSource(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the current time adjusted by the NTP offset.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.now().Add(offset)
}

// SetOffset updates the NTP time offset.
func (c *Clock) SetOffset(offset time.Duration) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}
