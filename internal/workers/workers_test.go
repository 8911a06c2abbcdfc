package workers

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/cache"
	"video-ingest-api/internal/chunkindex"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/pool"
	"video-ingest-api/internal/providers"
	"video-ingest-api/internal/services"
)

// fixture assembles the in-memory collaborators every worker test needs.
type fixture struct {
	store   *metadata.MemoryStore
	index   *chunkindex.MemoryIndex
	blobs   *services.BlobService
	bus     *bus.MemoryBus
	cache   *cache.MemoryCache
	manager *services.SessionManager
	buffers *pool.BufferPool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	provider, err := providers.NewLocalProvider(&providers.StorageConfig{
		Provider: providers.ProviderLocal,
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)

	store := metadata.NewMemoryStore()
	index := chunkindex.NewMemoryIndex()
	blobs := services.NewBlobServiceWithProvider(provider)

	return &fixture{
		store:   store,
		index:   index,
		blobs:   blobs,
		bus:     bus.NewMemoryBus(),
		cache:   cache.NewMemoryCache(),
		manager: services.NewSessionManager(store, index, blobs, models.SessionTTL),
		buffers: pool.NewBufferPool(4, 64*1024),
	}
}

// initSession creates a pending session of fileSize bytes split into
// chunkSize-byte chunks; it stores no chunk payloads.
func (f *fixture) initSession(t *testing.T, chunkSize int64, fileSize int64) *models.UploadSession {
	t.Helper()

	session, err := f.manager.Init(context.Background(), "alice", "movie.mp4", fileSize, chunkSize, map[string]string{
		"title":       "Test Movie",
		"description": "an upload",
		"tags":        "a, b",
	})
	require.NoError(t, err)
	return session
}

// putTemp stores payload as a scratch blob and returns its key.
func (f *fixture) putTemp(t *testing.T, payload []byte) string {
	t.Helper()

	key := models.TempChunkKey(time.Now().UnixNano(), "test")
	_, err := f.blobs.PutStream(context.Background(), key, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	return key
}

// putChunk stores payload directly under the canonical chunk key.
func (f *fixture) putChunk(t *testing.T, sessionID string, index int, payload []byte) {
	t.Helper()

	key := models.ChunkKey(sessionID, index)
	_, err := f.blobs.PutStream(context.Background(), key, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
}

// delivery wraps a payload the way the bus would deliver it.
func delivery(t *testing.T, pipeline bus.Pipeline, payload interface{}) *bus.Delivery {
	t.Helper()

	env, err := bus.NewEnvelope(payload)
	require.NoError(t, err)
	return &bus.Delivery{Envelope: *env, Pipeline: pipeline}
}

// drainOne receives a single message from the pipeline or fails.
func drainOne(t *testing.T, b bus.Bus, pipeline bus.Pipeline) *bus.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := b.Receive(ctx, pipeline)
	require.NoError(t, err)
	return d
}

// expectEmpty asserts that the pipeline's main queue has no messages.
func expectEmpty(t *testing.T, b bus.Bus, pipeline bus.Pipeline) {
	t.Helper()

	main, _, _, err := b.Depth(context.Background(), pipeline)
	require.NoError(t, err)
	require.Zero(t, main)
}
