package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTotalChunksFor(t *testing.T) {
	assert.Equal(t, 3, TotalChunksFor(2_621_440, 1_048_576))
	assert.Equal(t, 1, TotalChunksFor(1, 1_048_576))
	assert.Equal(t, 1, TotalChunksFor(1_048_576, 1_048_576))
	assert.Equal(t, 2, TotalChunksFor(1_048_577, 1_048_576))
	assert.Equal(t, 5, TotalChunksFor(5, 1))
}

func TestMissingChunks(t *testing.T) {
	s := &UploadSession{TotalChunks: 5, Received: []int{0, 3}}
	assert.Equal(t, []int{1, 2, 4}, s.MissingChunks())

	s.Received = []int{0, 1, 2, 3, 4}
	assert.Empty(t, s.MissingChunks())

	s.Received = nil
	assert.Equal(t, []int{0, 1, 2, 3, 4}, s.MissingChunks())
}

func TestProgress(t *testing.T) {
	s := &UploadSession{TotalChunks: 3, Received: []int{0}}
	assert.InDelta(t, 33.33, s.Progress(), 0.01)

	s.Received = []int{0, 1, 2}
	assert.Equal(t, 100.0, s.Progress())

	s = &UploadSession{TotalChunks: 0}
	assert.Equal(t, 0.0, s.Progress())
}

func TestNormalizeReceived(t *testing.T) {
	s := &UploadSession{Received: []int{3, 1, 3, 0, 1}}
	s.NormalizeReceived()
	assert.Equal(t, []int{0, 1, 3}, s.Received)
}

func TestSessionPredicates(t *testing.T) {
	s := &UploadSession{State: SessionUploading, ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, s.IsTerminal())
	assert.False(t, s.IsExpired(time.Now()))

	s.State = SessionCompleted
	assert.True(t, s.IsTerminal())

	s.State = SessionFailed
	assert.True(t, s.IsTerminal())

	assert.True(t, s.IsExpired(time.Now().Add(2*time.Hour)))
}

func TestBlobKeys(t *testing.T) {
	assert.Equal(t, "chunks/s1_chunk_4", ChunkKey("s1", 4))
	assert.Equal(t, "chunks/s1_chunk_", ChunkKeyPrefix("s1"))
	assert.Equal(t, "chunks/temp_77_ab12", TempChunkKey(77, "ab12"))
	assert.Equal(t, "uploads/f.mp4", UploadKey("f.mp4"))
	assert.Equal(t, "thumbnails/v9.jpg", ThumbnailKey("v9"))
}
