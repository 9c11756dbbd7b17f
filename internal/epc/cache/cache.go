// Package cache keeps decoded search API payloads in Redis so reruns on the same
// day do not query the API again.
package cache

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/config"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "epc:search"

// SearchCache stores search responses with a fixed TTL.
type SearchCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisClient builds a Redis client from the configured URL.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	if cfg.GetRedisTLSInsecure() {
		if opt.TLSConfig != nil {
			opt.TLSConfig = opt.TLSConfig.Clone()
			opt.TLSConfig.InsecureSkipVerify = true
		} else {
			opt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}

	return redis.NewClient(opt), nil
}

// New wraps a Redis client.
func New(rdb *redis.Client, ttl time.Duration) *SearchCache {
	return &SearchCache{rdb: rdb, ttl: ttl}
}

// SearchKey identifies one search page fetched on a given day (YYYYMMDD).
func SearchKey(day string, size, from int) string {
	return fmt.Sprintf("%s:%s:%d:%d", keyPrefix, day, size, from)
}

// Get returns the cached response for key. A miss is (nil, false, nil).
func (c *SearchCache) Get(ctx context.Context, key string) (*transport.SearchResponse, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var resp transport.SearchResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, false, fmt.Errorf("decode cached search response: %w", err)
	}
	if resp.Rows == nil {
		return nil, false, nil
	}
	return &resp, true, nil
}

// Set stores resp under key.
func (c *SearchCache) Set(ctx context.Context, key string, resp *transport.SearchResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode search response: %w", err)
	}
	return c.rdb.Set(ctx, key, raw, c.ttl).Err()
}
