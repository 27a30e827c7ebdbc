package hearth

import (
	"sync"
	"time"
)

// cooldownTracker rate-limits actions per key. A key becomes ready again
// exactly when its window has elapsed.
type cooldownTracker struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newCooldownTracker(window time.Duration, now func() time.Time) *cooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &cooldownTracker{
		window: window,
		last:   map[string]time.Time{},
		now:    now,
	}
}

func (c *cooldownTracker) ready(key string, at time.Time) bool {
	last, ok := c.last[key]
	if !ok {
		return true
	}
	return !at.Before(last.Add(c.window))
}

// Allow reports whether key is off cooldown, and if so starts a new window
func (c *cooldownTracker) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.ready(key, now) {
		return false
	}
	c.last[key] = now
	return true
}

// Prune drops expired entries and returns how many were removed
func (c *cooldownTracker) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key := range c.last {
		if c.ready(key, now) {
			delete(c.last, key)
			removed++
		}
	}
	return removed
}

func (c *cooldownTracker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
