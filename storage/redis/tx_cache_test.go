package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/iapkit/entitlements"
)

// Requires a reachable Redis; set IAPKIT_TEST_REDIS_ADDR (e.g. localhost:6379).
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("IAPKIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IAPKIT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return rdb
}

func TestTransactionCacheRoundTrip(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	c := NewTransactionCache(rdb, "iap:test:"+uuid.NewString()+":", time.Minute)

	if _, ok, err := c.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	exp := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	in := []entitlements.Transaction{{ID: "1", ProductID: "monthlyPremium", Type: entitlements.AutoRenewable, ExpiresAt: &exp}}
	if err := c.Put(ctx, "u1", in); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "u1")
	if err != nil || !ok || len(got) != 1 || !got[0].ExpiresAt.Equal(exp) {
		t.Fatalf("get = %+v %v %v", got, ok, err)
	}
	if ttl := rdb.TTL(ctx, c.key("u1")).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if err := c.Del(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "u1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestTransactionCacheDefaults(t *testing.T) {
	c := NewTransactionCache(nil, "", 0)
	if c.key("u") != "iap:txcache:u" || c.ttl != 5*time.Minute {
		t.Fatalf("defaults: %q %v", c.key("u"), c.ttl)
	}
}
