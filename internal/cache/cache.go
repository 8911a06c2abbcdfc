// Package cache is the listing/search cache in front of the metadata store.
// It swallows its own failures: a cache error means "not cached", never a
// failed request on the primary path.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds staleness of cached listings.
const DefaultTTL = 5 * time.Minute

// Cache is a small get/set/delete byte cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// OwnerSessionsKey caches an owner's session listing page.
func OwnerSessionsKey(owner string, page, limit int) string {
	return fmt.Sprintf("sessions:%s:%d:%d", owner, page, limit)
}

// OwnerSessionsPrefixKeys returns the keys invalidated when any of the
// owner's sessions change. Pages beyond the first are simply left to expire.
func OwnerSessionsPrefixKeys(owner string) []string {
	keys := make([]string, 0, 4)
	for _, limit := range []int{10, 20, 50, 100} {
		keys = append(keys, OwnerSessionsKey(owner, 1, limit))
	}
	return keys
}

// VideoKey caches a single video row.
func VideoKey(videoID string) string {
	return fmt.Sprintf("video:%s", videoID)
}

// CategoryKey caches a category listing.
func CategoryKey(category string) string {
	return fmt.Sprintf("videos:category:%s", category)
}

// RedisCache implements Cache on redis strings.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new redis-backed cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached value, or (nil, false) on miss or error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores the value; errors are dropped.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.client.Set(ctx, key, value, ttl)
}

// Delete removes the keys; errors are dropped.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.client.Del(ctx, keys...)
}

// MemoryCache implements Cache with an in-process map.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get returns the cached value, or (nil, false) on miss or expiry.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores the value.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
}

// Delete removes the keys.
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}
