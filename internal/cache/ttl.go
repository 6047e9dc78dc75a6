// Package cache tracks how stale a locally held copy of remote state may get
// before it has to be reloaded.
package cache

import (
	"sync"
	"time"
)

// TTL is a staleness window. A zero TTL is always stale.
type TTL struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	loadedAt time.Time
	valid    bool
}

func NewTTL(ttl time.Duration) *TTL {
	return &TTL{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (c *TTL) WithClock(now func() time.Time) *TTL {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Fresh reports whether the copy was loaded less than ttl ago.
func (c *TTL) Fresh() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.ttl <= 0 {
		return false
	}
	return c.now().Sub(c.loadedAt) < c.ttl
}

// Touch records a successful load or write.
func (c *TTL) Touch() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = c.now()
	c.valid = true
}

// Invalidate forces the next Fresh call to report false.
func (c *TTL) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
