// Package ratelimit implements the per-tenant token bucket consulted on
// every authenticated request. The bucket state lives in a shared cache
// under rate_limit:{tenant_id} with the last-refill timestamp alongside it
// under rate_limit:{tenant_id}:last_refill; both keys carry a TTL refreshed
// on each request so idle tenants' keys expire on their own.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Config is one tenant's bucket shape: RatePerMinute refill tokens spread
// evenly over each minute, up to Burst tokens held at rest.
type Config struct {
	RatePerMinute int
	Burst         int
}

func (c Config) normalized() Config {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerMinute
	}
	return c
}

type Limiter interface {
	Allow(tenantID string, cfg Config) Decision
}

// InMemoryLimiter is the single-process fallback used when the cache is
// unreachable and in tests. Same bucket arithmetic as the Redis script.
type InMemoryLimiter struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	buckets map[string]bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

func NewInMemory(ttl time.Duration) *InMemoryLimiter {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &InMemoryLimiter{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(tenantID string, cfg Config) Decision {
	cfg = cfg.normalized()
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired(now)

	b, ok := l.buckets[tenantID]
	if !ok {
		b = bucket{tokens: float64(cfg.Burst), lastRefill: now}
	}
	ratePerSec := float64(cfg.RatePerMinute) / 60.0
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(cfg.Burst), b.tokens+elapsed*ratePerSec)
	}
	b.lastRefill = now
	b.expiresAt = now.Add(l.ttl)

	d := Decision{Limit: cfg.RatePerMinute}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = retryAfter(b.tokens, ratePerSec)
	}
	d.Remaining = int(b.tokens)
	l.buckets[tenantID] = b
	return d
}

func (l *InMemoryLimiter) evictExpired(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.expiresAt) {
			delete(l.buckets, k)
		}
	}
}

// retryAfter is the wait until the bucket next holds a whole token, rounded
// up to a full second for the Retry-After header.
func retryAfter(tokens, ratePerSec float64) time.Duration {
	if ratePerSec <= 0 {
		return time.Minute
	}
	deficit := 1 - tokens
	if deficit < 0 {
		deficit = 0
	}
	secs := deficit / ratePerSec
	return time.Duration(math.Ceil(secs)) * time.Second
}
