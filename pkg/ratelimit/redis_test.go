package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, 600*time.Second), mr
}

func TestRedisBurstThenDeny(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	cfg := Config{RatePerMinute: 60, Burst: 2}
	require.True(t, l.Allow("t1", cfg).Allowed)
	require.True(t, l.Allow("t1", cfg).Allowed)

	d := l.Allow("t1", cfg)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRedisRefill(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	cfg := Config{RatePerMinute: 60, Burst: 1} // 1 token/second
	require.True(t, l.Allow("t1", cfg).Allowed)
	require.False(t, l.Allow("t1", cfg).Allowed)

	now = base.Add(1500 * time.Millisecond)
	require.True(t, l.Allow("t1", cfg).Allowed)
}

func TestRedisKeysCarryTTL(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	l.Allow("t1", Config{RatePerMinute: 60, Burst: 2})

	require.True(t, mr.Exists("rate_limit:t1"))
	require.True(t, mr.Exists("rate_limit:t1:last_refill"))
	require.Equal(t, 600*time.Second, mr.TTL("rate_limit:t1"))
	require.Equal(t, 600*time.Second, mr.TTL("rate_limit:t1:last_refill"))

	mr.FastForward(601 * time.Second)
	require.False(t, mr.Exists("rate_limit:t1"))
	require.False(t, mr.Exists("rate_limit:t1:last_refill"))
}

func TestRedisTTLRefreshedPerRequest(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	l.Allow("t1", Config{RatePerMinute: 600, Burst: 10})
	mr.FastForward(500 * time.Second)
	l.Allow("t1", Config{RatePerMinute: 600, Burst: 10})
	require.Equal(t, 600*time.Second, mr.TTL("rate_limit:t1"))
}

func TestRedisDownFallsBackInProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, 600*time.Second)
	mr.Close()

	d := l.Allow("t1", Config{RatePerMinute: 60, Burst: 5})
	require.True(t, d.Allowed, "cache outage must degrade, not deny")
}

func TestRedisNilClientUsesFallback(t *testing.T) {
	l := NewRedis(nil, 0)
	require.Equal(t, 600*time.Second, l.TTL)
	require.True(t, l.Allow("t1", Config{RatePerMinute: 60, Burst: 1}).Allowed)
}
