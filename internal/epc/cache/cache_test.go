package cache

import (
	"context"
	"testing"
	"time"

	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCache(t *testing.T, ttl time.Duration) (*SearchCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb, ttl)
	t.Cleanup(func() { _ = rdb.Close() })
	return c, mr
}

func TestSetThenGet(t *testing.T) {
	c, _ := newCache(t, time.Hour)
	ctx := context.Background()
	rows := []map[string]any{{"postcode": "SW1A 1AA", "current-energy-rating": "C"}}
	key := SearchKey("20261019", 5000, 0)

	if err := c.Set(ctx, key, &transport.SearchResponse{Rows: &rows}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(*got.Rows) != 1 || (*got.Rows)[0]["current-energy-rating"] != "C" {
		t.Fatalf("unexpected cached rows: %v", *got.Rows)
	}
}

func TestGetMiss(t *testing.T) {
	c, _ := newCache(t, time.Hour)

	_, ok, err := c.Get(context.Background(), SearchKey("20261019", 5000, 0))
	if err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newCache(t, time.Minute)
	ctx := context.Background()
	rows := []map[string]any{{"postcode": "E1 6AN"}}
	key := SearchKey("20261019", 5000, 0)

	if err := c.Set(ctx, key, &transport.SearchResponse{Rows: &rows}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestNewRedisClientRequiresURL(t *testing.T) {
	if _, err := NewRedisClient(&config.Config{}); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}

	rdb, err := NewRedisClient(&config.Config{RedisURL: "redis://localhost:6379/2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rdb.Close()
	if rdb.Options().DB != 2 {
		t.Fatalf("expected db 2, got %d", rdb.Options().DB)
	}
}

func TestSearchKey(t *testing.T) {
	if got := SearchKey("20261019", 5000, 0); got != "epc:search:20261019:5000:0" {
		t.Fatalf("unexpected key %q", got)
	}
}
