package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/models"
)

// MemoryStore implements Store with in-process maps guarded by one mutex,
// which gives UpdateSession the same serialisation the Postgres row lock
// provides. It backs single-node development deployments and is the
// dependency-injected fake in tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession
	videos   map[string]*models.Video
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.UploadSession),
		videos:   make(map[string]*models.Video),
	}
}

func cloneSession(s *models.UploadSession) *models.UploadSession {
	cp := *s
	cp.Received = append([]int(nil), s.Received...)
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func cloneVideo(v *models.Video) *models.Video {
	cp := *v
	cp.Tags = append([]string(nil), v.Tags...)
	return &cp
}

// CreateSession persists a new session row.
func (m *MemoryStore) CreateSession(ctx context.Context, s *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return apperrors.Conflict("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// GetSession returns the session or apperrors.ErrNotFound.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session")
	}
	return cloneSession(s), nil
}

// UpdateSession applies the mutator while holding the store lock.
func (m *MemoryStore) UpdateSession(ctx context.Context, id string, mutate SessionMutator) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session")
	}

	working := cloneSession(s)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.NormalizeReceived()
	working.UpdatedAt = time.Now().UTC()

	m.sessions[id] = working
	return cloneSession(working), nil
}

// DeleteSession removes the session row.
func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// ListSessionsByOwner returns one page of the owner's sessions, newest first.
func (m *MemoryStore) ListSessionsByOwner(ctx context.Context, owner string, page, limit int) ([]*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var all []*models.UploadSession
	for _, s := range m.sessions {
		if s.Owner == owner {
			all = append(all, cloneSession(s))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (page - 1) * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// FindExpiredSessions returns sessions whose expires_at is before now.
func (m *MemoryStore) FindExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*models.UploadSession
	for _, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			expired = append(expired, cloneSession(s))
		}
	}
	return expired, nil
}

// CreateVideo persists a new video row; duplicate ids surface as Conflict.
func (m *MemoryStore) CreateVideo(ctx context.Context, v *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.videos[v.ID]; exists {
		return apperrors.Conflict("video %s already exists", v.ID)
	}
	m.videos[v.ID] = cloneVideo(v)
	return nil
}

// GetVideo returns the video or apperrors.ErrNotFound.
func (m *MemoryStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return nil, apperrors.NotFound("video")
	}
	return cloneVideo(v), nil
}

// UpdateVideo applies the mutator while holding the store lock.
func (m *MemoryStore) UpdateVideo(ctx context.Context, id string, mutate VideoMutator) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return nil, apperrors.NotFound("video")
	}

	working := cloneVideo(v)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()

	m.videos[id] = working
	return cloneVideo(working), nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() {}
