// Package chunkindex provides the fast per-session set of received chunk
// indices. It is a dumb set service: the session manager owns all policy,
// the index only stores integers under a key with a TTL. Durability is not
// required: the metadata store remains the authority and the manager falls
// back to it when the index is unavailable.
package chunkindex

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is the index key lifetime, refreshed on every write. It matches
// the session lifetime so an abandoned session's set disappears on its own.
const DefaultTTL = 24 * time.Hour

// Index is a per-key set of chunk indices. All operations are atomic with
// respect to other index operations on the same key.
type Index interface {
	// SAdd inserts value into the set at key, returning the number of
	// members actually added (0 for a duplicate).
	SAdd(ctx context.Context, key string, value int) (int64, error)

	// SCard returns the set cardinality.
	SCard(ctx context.Context, key string) (int64, error)

	// SMembers returns all members, sorted ascending.
	SMembers(ctx context.Context, key string) ([]int, error)

	// Del removes the whole set.
	Del(ctx context.Context, key string) error

	// Expire refreshes the set's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping verifies the index is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// SessionKey returns the index key for a session's received set.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("upload:chunks:%s", sessionID)
}
