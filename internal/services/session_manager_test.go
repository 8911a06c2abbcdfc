package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/chunkindex"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/providers"
)

func newTestBlobService(t *testing.T) *BlobService {
	t.Helper()

	provider, err := providers.NewLocalProvider(&providers.StorageConfig{
		Provider: providers.ProviderLocal,
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	return NewBlobServiceWithProvider(provider)
}

type managerFixture struct {
	manager *SessionManager
	store   *metadata.MemoryStore
	index   *chunkindex.MemoryIndex
	blobs   *BlobService
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := metadata.NewMemoryStore()
	index := chunkindex.NewMemoryIndex()
	blobs := newTestBlobService(t)

	return &managerFixture{
		manager: NewSessionManager(store, index, blobs, models.SessionTTL),
		store:   store,
		index:   index,
		blobs:   blobs,
	}
}

func TestInitValidation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Init(ctx, "", "a.mp4", 100, 10, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorised)

	_, err = f.manager.Init(ctx, "alice", "", 100, 10, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.manager.Init(ctx, "alice", "a.mp4", 0, 10, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.manager.Init(ctx, "alice", "a.mp4", models.MaxFileSize+1, 10, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.manager.Init(ctx, "alice", "a.mp4", 100, 0, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestInitComputesTotals(t *testing.T) {
	f := newManagerFixture(t)

	// 2.5 MiB file in 1 MiB chunks needs three of them.
	session, err := f.manager.Init(context.Background(), "alice", "holiday.mp4", 2_621_440, 1_048_576, map[string]string{"title": "Holiday"})
	require.NoError(t, err)

	assert.Equal(t, 3, session.TotalChunks)
	assert.Equal(t, models.SessionPending, session.State)
	assert.Empty(t, session.Received)
	assert.NotEqual(t, session.OriginalFilename, session.TargetFilename)
	assert.Contains(t, session.TargetFilename, ".mp4")
	assert.WithinDuration(t, time.Now().Add(models.SessionTTL), session.ExpiresAt, time.Minute)
}

func TestRecordChunkLifecycle(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 3000, 1000, nil)
	require.NoError(t, err)

	s, err := f.manager.RecordChunk(ctx, session.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionUploading, s.State)
	assert.Equal(t, []int{1}, s.Received)

	s, err = f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, s.Received)
	assert.Equal(t, models.SessionUploading, s.State)

	s, err = f.manager.RecordChunk(ctx, session.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.State)
	assert.Equal(t, []int{0, 1, 2}, s.Received)
}

func TestRecordChunkIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 3000, 1000, nil)
	require.NoError(t, err)

	first, err := f.manager.RecordChunk(ctx, session.ID, 1)
	require.NoError(t, err)

	// Re-delivery of the same index changes nothing and raises no error.
	second, err := f.manager.RecordChunk(ctx, session.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Received, second.Received)
	assert.Equal(t, first.State, second.State)
}

func TestRecordChunkBounds(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 3000, 1000, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordChunk(ctx, session.ID, -1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.manager.RecordChunk(ctx, session.ID, 3)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.manager.RecordChunk(ctx, "missing", 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRecordChunkAfterCompletionIsNoOp(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 1000, 1000, nil)
	require.NoError(t, err)

	s, err := f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, s.State)

	s, err = f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.State)
	assert.Equal(t, []int{0}, s.Received)
}

func TestRecordChunkConcurrent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	const total = 32
	session, err := f.manager.Init(ctx, "alice", "a.mp4", total*1000, 1000, nil)
	require.NoError(t, err)

	// All chunks land in parallel, some twice; the final set must be exact.
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		for _, dup := range []bool{false, true} {
			wg.Add(1)
			go func(index int, _ bool) {
				defer wg.Done()
				_, err := f.manager.RecordChunk(ctx, session.ID, index)
				assert.NoError(t, err)
			}(i, dup)
		}
	}
	wg.Wait()

	final, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.State)
	require.Len(t, final.Received, total)
	for i, v := range final.Received {
		assert.Equal(t, i, v)
	}
}

func TestRecordChunkIndexFallback(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 2000, 1000, nil)
	require.NoError(t, err)

	// Index down: the store-serialised path must carry the commit alone.
	f.index.FailNext(errors.New("connection refused"))

	s, err := f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, s.Received)
	assert.Equal(t, models.SessionUploading, s.State)

	s, err = f.manager.RecordChunk(ctx, session.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.State)

	stats := f.manager.GetStats()
	assert.Equal(t, int64(2), stats.IndexFallbacks)

	f.index.FailNext(nil)
}

func TestResumeMissingChunks(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 5000, 1000, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)
	_, err = f.manager.RecordChunk(ctx, session.ID, 3)
	require.NoError(t, err)

	missing, s, err := f.manager.Resume(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, missing)
	assert.Equal(t, models.SessionUploading, s.State)

	// missing ∩ received = ∅
	for _, m := range missing {
		assert.False(t, s.HasChunk(m))
	}
}

func TestResumeCompletedRefused(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 1000, 1000, nil)
	require.NoError(t, err)
	_, err = f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)

	_, _, err = f.manager.Resume(ctx, session.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestResumeRewindsFailedSession(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 2000, 1000, nil)
	require.NoError(t, err)

	_, err = f.manager.MarkFailed(ctx, session.ID)
	require.NoError(t, err)

	missing, s, err := f.manager.Resume(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, s.State)
	assert.Equal(t, []int{0, 1}, missing)
}

func TestMarkFailedFreezesReceivedSet(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 2000, 1000, nil)
	require.NoError(t, err)
	_, err = f.manager.RecordChunk(ctx, session.ID, 0)
	require.NoError(t, err)

	s, err := f.manager.MarkFailed(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, s.State)

	// Terminal state: further commits are absorbed without changing the set.
	s, err = f.manager.RecordChunk(ctx, session.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, s.State)
	assert.Equal(t, []int{0}, s.Received)
}

func TestDeleteRemovesChunksAndSession(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Init(ctx, "alice", "a.mp4", 3000, 1000, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		key := models.ChunkKey(session.ID, i)
		_, err := f.blobs.PutStream(ctx, key, bytes.NewReader([]byte(fmt.Sprintf("chunk-%d", i))), 7)
		require.NoError(t, err)
		_, err = f.manager.RecordChunk(ctx, session.ID, i)
		require.NoError(t, err)
	}

	require.NoError(t, f.manager.Delete(ctx, session.ID))

	_, err = f.manager.Get(ctx, session.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	keys, err := f.blobs.List(ctx, models.ChunkKeyPrefix(session.ID))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
