package synclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a read-through cache in front of the communication file
// so a device polling Check doesn't round-trip to the remote store on
// every call. Entries are invalidated on this device's own Acquire and
// Release.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing go-redis client. prefix namespaces keys
// so a shared Redis instance can host more than one vault's lock cache.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(path string) string {
	return fmt.Sprintf("%s:lock:%s", c.prefix, path)
}

// Get returns the cached lock entry for path, if present and not yet
// evicted by Redis's own TTL.
func (c *RedisCache) Get(ctx context.Context, path string) (LockEntry, bool, error) {
	raw, err := c.client.Get(ctx, c.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LockEntry{}, false, nil
	}
	if err != nil {
		return LockEntry{}, false, fmt.Errorf("synclock: redis get %s: %w", path, err)
	}
	var entry LockEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return LockEntry{}, false, fmt.Errorf("synclock: decoding cached entry for %s: %w", path, err)
	}
	return entry, true, nil
}

// Set caches entry for path with the given TTL. A non-positive ttl skips
// the write rather than caching an already-expired entry.
func (c *RedisCache) Set(ctx context.Context, path string, entry LockEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("synclock: encoding cache entry for %s: %w", path, err)
	}
	if err := c.client.Set(ctx, c.key(path), data, ttl).Err(); err != nil {
		return fmt.Errorf("synclock: redis set %s: %w", path, err)
	}
	return nil
}

// Invalidate drops any cached entry for path, called after a local
// Acquire/Release mutates the authoritative communication file.
func (c *RedisCache) Invalidate(ctx context.Context, path string) error {
	if err := c.client.Del(ctx, c.key(path)).Err(); err != nil {
		return fmt.Errorf("synclock: redis del %s: %w", path, err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
