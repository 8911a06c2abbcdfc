package chunkindex

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index on a redis set per session.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex creates a new redis-backed chunk index.
func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

// SAdd inserts value into the set at key.
func (r *RedisIndex) SAdd(ctx context.Context, key string, value int) (int64, error) {
	return r.client.SAdd(ctx, key, value).Result()
}

// SCard returns the set cardinality.
func (r *RedisIndex) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

// SMembers returns all members, sorted ascending. Redis stores set members
// as strings; anything unparsable is a corrupt key and surfaces as an error
// so the caller falls back to the metadata store.
func (r *RedisIndex) SMembers(ctx context.Context, key string) ([]int, error) {
	raw, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	members := make([]int, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		members = append(members, v)
	}
	sort.Ints(members)

	return members, nil
}

// Del removes the whole set.
func (r *RedisIndex) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Expire refreshes the set's TTL.
func (r *RedisIndex) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// Ping verifies the redis connection.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis connection.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
