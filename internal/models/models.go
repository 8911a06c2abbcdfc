package models

import (
	"fmt"
	"sort"
	"time"
)

// MaxFileSize is the largest file a client may declare at init (5 GiB).
const MaxFileSize = 5 * 1024 * 1024 * 1024

// MaxChunkPayload is the largest multipart part accepted per chunk request.
const MaxChunkPayload = 10 * 1024 * 1024

// SessionTTL is the absolute lifetime of an upload session.
const SessionTTL = 24 * time.Hour

// SessionState represents the lifecycle state of an upload session.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionUploading SessionState = "uploading"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// VideoState represents the lifecycle state of a video asset.
type VideoState string

const (
	VideoProcessing VideoState = "processing"
	VideoReady      VideoState = "ready"
	VideoFailed     VideoState = "failed"
)

// UploadSession tracks one client's attempt to upload one file in parts.
// Received holds committed chunk indices, sorted ascending; the metadata
// store is the authority for it, the chunk index is only an accelerator.
type UploadSession struct {
	ID               string            `json:"id"`
	Owner            string            `json:"owner"`
	TargetFilename   string            `json:"target_filename"`
	OriginalFilename string            `json:"original_filename"`
	FileSize         int64             `json:"file_size"`
	ChunkSize        int64             `json:"chunk_size"`
	TotalChunks      int               `json:"total_chunks"`
	Received         []int             `json:"received"`
	State            SessionState      `json:"state"`
	Metadata         map[string]string `json:"metadata"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

// IsTerminal reports whether the session can no longer accept chunks.
func (s *UploadSession) IsTerminal() bool {
	return s.State == SessionCompleted || s.State == SessionFailed
}

// IsExpired reports whether the session is past its absolute lifetime.
func (s *UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasChunk reports whether the given index has been committed.
func (s *UploadSession) HasChunk(index int) bool {
	for _, i := range s.Received {
		if i == index {
			return true
		}
	}
	return false
}

// Progress returns the committed fraction as a percentage in [0, 100].
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	p := float64(len(s.Received)) / float64(s.TotalChunks) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// MissingChunks returns [0, TotalChunks) minus Received, sorted ascending.
func (s *UploadSession) MissingChunks() []int {
	have := make(map[int]struct{}, len(s.Received))
	for _, i := range s.Received {
		have[i] = struct{}{}
	}
	missing := make([]int, 0, s.TotalChunks-len(s.Received))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// NormalizeReceived sorts Received ascending and removes duplicates.
func (s *UploadSession) NormalizeReceived() {
	if len(s.Received) < 2 {
		return
	}
	sort.Ints(s.Received)
	out := s.Received[:1]
	for _, i := range s.Received[1:] {
		if i != out[len(out)-1] {
			out = append(out, i)
		}
	}
	s.Received = out
}

// TotalChunksFor computes ceil(fileSize / chunkSize).
func TotalChunksFor(fileSize, chunkSize int64) int {
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Video is the product of a completed upload session.
type Video struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Tags         []string   `json:"tags"`
	Category     string     `json:"category"`
	MimeType     string     `json:"mime_type"`
	StorageKey   string     `json:"storage_key"`
	ThumbnailKey string     `json:"thumbnail_key"`
	DurationS    float64    `json:"duration_s"`
	Resolution   string     `json:"resolution"`
	Codec        string     `json:"codec"`
	FileSize     int64      `json:"file_size"`
	Bitrate      int64      `json:"bitrate"`
	State        VideoState `json:"state"`
	Views        int64      `json:"views"`
	Likes        int64      `json:"likes"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Blob store key layout. Chunks are transient, uploads and thumbnails are
// long-lived; prefixes keep GC scans off the hot paths.
const (
	ChunkPrefix     = "chunks/"
	UploadPrefix    = "uploads/"
	ThumbnailPrefix = "thumbnails/"
)

// ChunkKey returns the canonical key for a committed chunk.
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s%s_chunk_%d", ChunkPrefix, sessionID, index)
}

// ChunkKeyPrefix returns the key prefix shared by all chunks of a session.
func ChunkKeyPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s_chunk_", ChunkPrefix, sessionID)
}

// TempChunkKey returns a scratch key for a chunk payload before commit.
func TempChunkKey(ts int64, rand string) string {
	return fmt.Sprintf("%stemp_%d_%s", ChunkPrefix, ts, rand)
}

// UploadKey returns the key of an assembled original.
func UploadKey(targetFilename string) string {
	return UploadPrefix + targetFilename
}

// ThumbnailKey returns the key of a video's JPEG thumbnail.
func ThumbnailKey(videoID string) string {
	return fmt.Sprintf("%s%s.jpg", ThumbnailPrefix, videoID)
}
