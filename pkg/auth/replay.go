package auth

import (
	"sync"
	"time"
)

// ReplayCache remembers recently accepted TOTP codes so a sniffed code
// cannot be resubmitted inside its validity window.
type ReplayCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

// Accept records (username, code) and returns false if the pair was
// already seen within the TTL.
func (c *ReplayCache) Accept(username, code string, now time.Time) bool {
	key := username + "\x00" + code

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[key] = now
	return true
}

// Sweep drops entries older than the TTL. Called periodically by the
// maintenance sweeper.
func (c *ReplayCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
