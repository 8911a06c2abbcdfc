package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/chunkindex"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/models"
)

// SessionManager owns the upload-session state machine. It is the only
// writer of chunk-received facts: the commit worker records every chunk
// through RecordChunk, which serialises concurrent commits either on
// the atomicity of the chunk index or, when the index is unavailable, on the
// metadata store's row lock.
type SessionManager struct {
	store metadata.Store
	index chunkindex.Index
	blobs *BlobService
	ttl   time.Duration
	mu    sync.RWMutex
	stats SessionManagerStats
}

// SessionManagerStats tracks manager activity for the stats endpoint.
type SessionManagerStats struct {
	SessionsCreated   int64 `json:"sessions_created"`
	ChunksRecorded    int64 `json:"chunks_recorded"`
	IndexFallbacks    int64 `json:"index_fallbacks"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsFailed    int64 `json:"sessions_failed"`
	SessionsDeleted   int64 `json:"sessions_deleted"`
}

// NewSessionManager creates a session manager over its collaborators.
func NewSessionManager(store metadata.Store, index chunkindex.Index, blobs *BlobService, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = models.SessionTTL
	}

	return &SessionManager{
		store: store,
		index: index,
		blobs: blobs,
		ttl:   ttl,
	}
}

// Init validates the declared upload and creates a pending session.
func (m *SessionManager) Init(ctx context.Context, owner, originalFilename string, fileSize, chunkSize int64, meta map[string]string) (*models.UploadSession, error) {
	if owner == "" {
		return nil, apperrors.ErrUnauthorised
	}
	if originalFilename == "" {
		return nil, apperrors.InvalidInput("filename is required")
	}
	if fileSize < 1 {
		return nil, apperrors.InvalidInput("file size must be at least 1 byte")
	}
	if fileSize > models.MaxFileSize {
		return nil, apperrors.InvalidInput("file size %d exceeds limit of %d bytes", fileSize, int64(models.MaxFileSize))
	}
	if chunkSize < 1 {
		return nil, apperrors.InvalidInput("chunk size must be at least 1 byte")
	}
	if meta == nil {
		meta = map[string]string{}
	}

	now := time.Now().UTC()
	session := &models.UploadSession{
		ID:               uuid.New().String(),
		Owner:            owner,
		TargetFilename:   uuid.New().String() + filepath.Ext(originalFilename),
		OriginalFilename: originalFilename,
		FileSize:         fileSize,
		ChunkSize:        chunkSize,
		TotalChunks:      models.TotalChunksFor(fileSize, chunkSize),
		Received:         []int{},
		State:            models.SessionPending,
		Metadata:         meta,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stats.SessionsCreated++
	m.mu.Unlock()

	return session, nil
}

// Get returns the session or apperrors.ErrNotFound.
func (m *SessionManager) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	return m.store.GetSession(ctx, id)
}

// RecordChunk adds chunkIndex to the session's received set and advances the
// state machine: pending → uploading on the first commit, → completed when
// the set reaches total_chunks. Safe under parallel callers on the same
// session; re-delivery of a committed index is a no-op that returns the
// current image.
func (m *SessionManager) RecordChunk(ctx context.Context, id string, chunkIndex int) (*models.UploadSession, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	// Terminal sessions absorb late deliveries without complaint.
	if session.IsTerminal() {
		return session, nil
	}

	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return nil, apperrors.InvalidInput("chunk index %d out of range [0, %d)", chunkIndex, session.TotalChunks)
	}

	updated, err := m.recordViaIndex(ctx, session, chunkIndex)
	if err != nil {
		// Any index failure restarts on the store-serialised path; the
		// index is an accelerator, never a dependency.
		log.Printf("⚠️ Chunk index unavailable for session %s, falling back to database: %v", id, err)
		m.mu.Lock()
		m.stats.IndexFallbacks++
		m.mu.Unlock()
		updated, err = m.recordViaStore(ctx, id, chunkIndex)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stats.ChunksRecorded++
	if updated.State == models.SessionCompleted {
		m.stats.SessionsCompleted++
	}
	m.mu.Unlock()

	return updated, nil
}

// recordViaIndex is the hot path: one atomic SADD carries the concurrency,
// then the full post-image set is written back to the metadata store.
func (m *SessionManager) recordViaIndex(ctx context.Context, session *models.UploadSession, chunkIndex int) (*models.UploadSession, error) {
	key := chunkindex.SessionKey(session.ID)

	if _, err := m.index.SAdd(ctx, key, chunkIndex); err != nil {
		return nil, err
	}
	if err := m.index.Expire(ctx, key, chunkindex.DefaultTTL); err != nil {
		return nil, err
	}

	members, err := m.index.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}

	updated, err := m.store.UpdateSession(ctx, session.ID, func(s *models.UploadSession) error {
		if s.IsTerminal() {
			return apperrors.Conflict("session %s is %s", s.ID, s.State)
		}

		// The index set is authoritative for this write, but a restarted
		// index may have lost members the store already has; the union
		// keeps received monotone either way.
		s.Received = unionChunks(s.Received, members)
		if len(s.Received) >= s.TotalChunks {
			s.State = models.SessionCompleted
		} else {
			s.State = models.SessionUploading
		}
		return nil
	})
	if err != nil {
		return m.absorbTerminalConflict(ctx, session.ID, err)
	}

	if updated.State == models.SessionCompleted {
		// Best effort: the TTL reaps the key if this fails.
		if err := m.index.Del(ctx, key); err != nil {
			log.Printf("⚠️ Failed to drop chunk index for completed session %s: %v", session.ID, err)
		}
	}

	return updated, nil
}

// recordViaStore is the fallback: the row lock serialises the read-modify-
// write, so the result is correct without the index.
func (m *SessionManager) recordViaStore(ctx context.Context, id string, chunkIndex int) (*models.UploadSession, error) {
	updated, err := m.store.UpdateSession(ctx, id, func(s *models.UploadSession) error {
		if s.IsTerminal() {
			return apperrors.Conflict("session %s is %s", s.ID, s.State)
		}

		s.Received = unionChunks(s.Received, []int{chunkIndex})
		if len(s.Received) >= s.TotalChunks {
			s.State = models.SessionCompleted
		} else {
			s.State = models.SessionUploading
		}
		return nil
	})
	if err != nil {
		return m.absorbTerminalConflict(ctx, id, err)
	}
	return updated, nil
}

// absorbTerminalConflict converts "session went terminal while we worked"
// into the no-op contract of RecordChunk: return the current image.
func (m *SessionManager) absorbTerminalConflict(ctx context.Context, id string, cause error) (*models.UploadSession, error) {
	if !errors.Is(cause, apperrors.ErrConflict) {
		return nil, cause
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, cause
	}
	if session.IsTerminal() {
		return session, nil
	}
	return nil, cause
}

// MarkFailed transitions the session to failed. Completed sessions can still
// fail here: the assembly worker uses this when the chunk set contradicts the
// declared file size.
func (m *SessionManager) MarkFailed(ctx context.Context, id string) (*models.UploadSession, error) {
	updated, err := m.store.UpdateSession(ctx, id, func(s *models.UploadSession) error {
		s.State = models.SessionFailed
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stats.SessionsFailed++
	m.mu.Unlock()

	return updated, nil
}

// MarkPending rewinds a failed session to pending so the client can resume
// it. Completed sessions are refused.
func (m *SessionManager) MarkPending(ctx context.Context, id string) (*models.UploadSession, error) {
	return m.store.UpdateSession(ctx, id, func(s *models.UploadSession) error {
		if s.State == models.SessionCompleted {
			return apperrors.Conflict("session %s is already completed", s.ID)
		}
		if s.State == models.SessionFailed {
			s.State = models.SessionPending
		}
		return nil
	})
}

// Resume reports the chunks still outstanding so an interrupted client can
// continue. A failed session is rewound to pending first.
func (m *SessionManager) Resume(ctx context.Context, id string) ([]int, *models.UploadSession, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if session.State == models.SessionCompleted {
		return nil, nil, apperrors.Conflict("session %s is already completed", id)
	}

	if session.State == models.SessionFailed {
		session, err = m.MarkPending(ctx, id)
		if err != nil {
			return nil, nil, err
		}
	}

	return session.MissingChunks(), session, nil
}

// Delete removes the session, its chunk index key and every chunk blob it
// still owns. Used by cancel and by GC.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if err := m.deleteChunkBlobs(ctx, session.ID); err != nil {
		return err
	}

	if err := m.index.Del(ctx, chunkindex.SessionKey(id)); err != nil {
		log.Printf("⚠️ Failed to drop chunk index for session %s: %v", id, err)
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	m.stats.SessionsDeleted++
	m.mu.Unlock()

	return nil
}

// deleteChunkBlobs removes every chunks/{id}_chunk_* blob of the session.
func (m *SessionManager) deleteChunkBlobs(ctx context.Context, id string) error {
	keys, err := m.blobs.List(ctx, models.ChunkKeyPrefix(id))
	if err != nil {
		return apperrors.Transient("list session chunks", err)
	}

	for _, key := range keys {
		if err := m.blobs.Delete(ctx, key); err != nil {
			return apperrors.Transient(fmt.Sprintf("delete chunk %s", key), err)
		}
	}

	return nil
}

// ListByOwner returns one page of the owner's sessions.
func (m *SessionManager) ListByOwner(ctx context.Context, owner string, page, limit int) ([]*models.UploadSession, error) {
	return m.store.ListSessionsByOwner(ctx, owner, page, limit)
}

// FindExpired returns sessions past their expiry.
func (m *SessionManager) FindExpired(ctx context.Context, now time.Time) ([]*models.UploadSession, error) {
	return m.store.FindExpiredSessions(ctx, now)
}

// GetStats returns a copy of the manager's counters.
func (m *SessionManager) GetStats() SessionManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// unionChunks merges two ascending-or-unsorted index slices into one sorted
// duplicate-free slice.
func unionChunks(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}

	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
