package chunkindex

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryIndex implements Index with in-process maps. It backs single-node
// deployments without redis and serves as the dependency-injected fake in
// tests. TTLs are enforced lazily on access.
type MemoryIndex struct {
	mu      sync.Mutex
	sets    map[string]map[int]struct{}
	expires map[string]time.Time

	// failNext, while set, makes every operation fail; tests use it to drive
	// the session manager onto its database fallback path.
	failNext error
}

// NewMemoryIndex creates a new in-memory chunk index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		sets:    make(map[string]map[int]struct{}),
		expires: make(map[string]time.Time),
	}
}

// FailNext makes every subsequent operation return err until cleared with
// FailNext(nil).
func (m *MemoryIndex) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryIndex) reapLocked(key string) {
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.sets, key)
		delete(m.expires, key)
	}
}

// SAdd inserts value into the set at key.
func (m *MemoryIndex) SAdd(ctx context.Context, key string, value int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		return 0, m.failNext
	}

	m.reapLocked(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[int]struct{})
		m.sets[key] = set
	}
	if _, dup := set[value]; dup {
		return 0, nil
	}
	set[value] = struct{}{}
	return 1, nil
}

// SCard returns the set cardinality.
func (m *MemoryIndex) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		return 0, m.failNext
	}

	m.reapLocked(key)
	return int64(len(m.sets[key])), nil
}

// SMembers returns all members, sorted ascending.
func (m *MemoryIndex) SMembers(ctx context.Context, key string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		return nil, m.failNext
	}

	m.reapLocked(key)
	members := make([]int, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		members = append(members, v)
	}
	sort.Ints(members)
	return members, nil
}

// Del removes the whole set.
func (m *MemoryIndex) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		return m.failNext
	}

	delete(m.sets, key)
	delete(m.expires, key)
	return nil
}

// Expire refreshes the set's TTL.
func (m *MemoryIndex) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		return m.failNext
	}

	m.expires[key] = time.Now().Add(ttl)
	return nil
}

// Ping succeeds unless a failure was injected with FailNext.
func (m *MemoryIndex) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failNext
}

// Close is a no-op for the in-memory index.
func (m *MemoryIndex) Close() error {
	return nil
}
