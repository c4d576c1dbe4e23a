package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func clearRedisEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CACHE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"REDIS_TLS", "REDIS_TLS_INSECURE", "REDIS_ALLOW_INSECURE_TLS",
		"REDIS_REQUIRE_TLS", "REDIS_TLS_SERVER_NAME",
		"REDIS_TLS_CA_CERT_FILE", "REDIS_TLS_CERT_FILE", "REDIS_TLS_KEY_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestNewRedisFromCacheURL(t *testing.T) {
	clearRedisEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("CACHE_URL", "redis://"+mr.Addr()+"/0")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatal(err)
	}
}

func TestNewRedisFromDiscreteEnv(t *testing.T) {
	clearRedisEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
}

func TestNewRedisInvalidCacheURL(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("CACHE_URL", "http://not-redis")
	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected CACHE_URL parse error")
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected ping failure against a closed port")
	}
}

func TestRequireTLSWithoutTLSRejected(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("REDIS_REQUIRE_TLS without REDIS_TLS must fail")
	}
}

func TestInsecureTLSNeedsExplicitAllow(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("REDIS_TLS_INSECURE requires REDIS_ALLOW_INSECURE_TLS")
	}
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("insecure flag not applied")
	}
}

func TestTLSKeypairMustBePaired(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/cert.pem")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("cert without key must fail")
	}
}
