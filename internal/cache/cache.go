// Package cache memoizes JSON-encodable results in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = time.Hour

// Cache stores results under "<prefix><key>". A disabled Cache never reads
// or writes and always runs the fetch.
type Cache struct {
	client  redis.Cmdable
	prefix  string
	enabled bool
	group   singleflight.Group
}

// New creates a Cache. client may be nil only when enabled is false.
func New(client redis.Cmdable, prefix string, enabled bool) *Cache {
	return &Cache{client: client, prefix: prefix, enabled: enabled && client != nil}
}

// Enabled reports whether the cache talks to redis.
func (c *Cache) Enabled() bool { return c != nil && c.enabled }

func (c *Cache) key(key string) string { return c.prefix + key }

// Get decodes the cached value for key into dst. It reports false on a miss,
// and treats null and empty objects as misses.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	switch string(raw) {
	case "", "null", "{}":
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, nil
	}
	return true, nil
}

// Set stores v under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Del(ctx, c.key(key)).Err()
}

// GetOrSet returns the cached value for key or runs fetch and caches its
// result. Concurrent misses for the same key share one fetch. Cache errors
// never fail the call; only fetch errors are returned.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if ok, _ := c.Get(ctx, key, &cached); ok {
		return cached, nil
	}
	if !c.Enabled() {
		return fetch(ctx)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := fetch(ctx)
		if err != nil {
			return result, err
		}
		_ = c.Set(ctx, key, result, ttl)
		return result, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ := v.(T)
	return result, nil
}
