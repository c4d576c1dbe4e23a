package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and drains a tenant's bucket atomically. KEYS[1]
// holds the token count, KEYS[2] the last-refill unix-millisecond timestamp;
// both get their TTL re-armed on every call so an idle tenant's keys expire.
var tokenBucketScript = redis.NewScript(`
local tokens = tonumber(redis.call("GET", KEYS[1]))
local last = tonumber(redis.call("GET", KEYS[2]))
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])
if tokens == nil then
  tokens = burst
end
if last == nil then
  last = now_ms
end
local elapsed = (now_ms - last) / 1000.0
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > burst then
  tokens = burst
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("SET", KEYS[1], tostring(tokens), "PX", ttl_ms)
redis.call("SET", KEYS[2], tostring(now_ms), "PX", ttl_ms)
return {allowed, tostring(tokens)}
`)

// RedisLimiter is the shared-cache limiter used by every gateway replica.
// Cache unavailability degrades to the in-process fallback rather than
// denying traffic; the cache's reachability is the readiness check's job.
type RedisLimiter struct {
	Client   *redis.Client
	TTL      time.Duration
	Fallback *InMemoryLimiter

	now func() time.Time
}

func NewRedis(client *redis.Client, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &RedisLimiter{
		Client:   client,
		TTL:      ttl,
		Fallback: NewInMemory(ttl),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *RedisLimiter) Allow(tenantID string, cfg Config) Decision {
	cfg = cfg.normalized()
	if l.Client == nil {
		return l.Fallback.Allow(tenantID, cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tokensKey := "rate_limit:" + tenantID
	refillKey := "rate_limit:" + tenantID + ":last_refill"
	ratePerSec := float64(cfg.RatePerMinute) / 60.0
	nowMs := l.now().UnixMilli()

	res, err := tokenBucketScript.Run(ctx, l.Client, []string{tokensKey, refillKey},
		strconv.FormatFloat(ratePerSec, 'f', -1, 64),
		cfg.Burst,
		nowMs,
		l.TTL.Milliseconds(),
	).Result()
	if err != nil {
		return l.Fallback.Allow(tenantID, cfg)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.Fallback.Allow(tenantID, cfg)
	}
	allowedN, _ := vals[0].(int64)
	tokensStr, _ := vals[1].(string)
	tokens, _ := strconv.ParseFloat(tokensStr, 64)

	d := Decision{
		Allowed:   allowedN == 1,
		Limit:     cfg.RatePerMinute,
		Remaining: int(tokens),
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(tokens, ratePerSec)
	}
	return d
}
