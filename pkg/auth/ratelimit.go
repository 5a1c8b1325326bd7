package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate classes per source address. Login is deliberately tight; the
// heartbeat path carries the whole fleet.
var (
	LoginLimit     = RateClass{Limit: rate.Every(15 * time.Minute / 5), Burst: 5}
	HeartbeatLimit = RateClass{Limit: rate.Every(time.Minute / 1000), Burst: 1000}
	RegisterLimit  = RateClass{Limit: rate.Every(time.Minute / 100), Burst: 100}
	ProvisionLimit = RateClass{Limit: rate.Every(time.Hour / 100), Burst: 100}
)

// RateClass is a token-bucket shape applied per client IP.
type RateClass struct {
	Limit rate.Limit
	Burst int
}

// LimiterMap keeps one token bucket per client IP for a single rate
// class.
type LimiterMap struct {
	class    RateClass
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewLimiterMap(class RateClass) *LimiterMap {
	return &LimiterMap{
		class:    class,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from ip may proceed.
func (m *LimiterMap) Allow(ip string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[ip]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		limiter, ok = m.limiters[ip]
		if !ok {
			limiter = rate.NewLimiter(m.class.Limit, m.class.Burst)
			m.limiters[ip] = limiter
		}
		m.mu.Unlock()
	}
	return limiter.Allow()
}

// Reset clears all buckets. Used in tests and on configuration reload.
func (m *LimiterMap) Reset() {
	m.mu.Lock()
	m.limiters = make(map[string]*rate.Limiter)
	m.mu.Unlock()
}
