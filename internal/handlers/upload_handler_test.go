package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/cache"
	"video-ingest-api/internal/chunkindex"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/pool"
	"video-ingest-api/internal/providers"
	"video-ingest-api/internal/services"
	"video-ingest-api/internal/workers"
)

type uploadFixture struct {
	app       *fiber.App
	store     *metadata.MemoryStore
	bus       *bus.MemoryBus
	blobs     *services.BlobService
	manager   *services.SessionManager
	commit    *workers.CommitWorker
	assembler *workers.AssemblyWorker
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()

	provider, err := providers.NewLocalProvider(&providers.StorageConfig{
		Provider: providers.ProviderLocal,
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)

	store := metadata.NewMemoryStore()
	index := chunkindex.NewMemoryIndex()
	blobs := services.NewBlobServiceWithProvider(provider)
	memBus := bus.NewMemoryBus()
	memCache := cache.NewMemoryCache()
	manager := services.NewSessionManager(store, index, blobs, models.SessionTTL)

	handler := NewUploadHandler(manager, blobs, memBus, memCache, time.Minute)

	app := fiber.New(fiber.Config{BodyLimit: 12 * 1024 * 1024})
	handler.RegisterUploadRoutes(app, nil)

	return &uploadFixture{
		app:       app,
		store:     store,
		bus:       memBus,
		blobs:     blobs,
		manager:   manager,
		commit:    workers.NewCommitWorker(manager, blobs, memBus),
		assembler: workers.NewAssemblyWorker(manager, store, blobs, memBus, memCache, pool.NewBufferPool(4, 64*1024)),
	}
}

func (f *uploadFixture) request(t *testing.T, method, path, owner string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := f.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return resp
}

func (f *uploadFixture) initialize(t *testing.T, owner string, fileSize, chunkSize int64) models.InitializeUploadResponse {
	t.Helper()

	body, err := json.Marshal(models.InitializeUploadRequest{
		Filename:  "holiday.mp4",
		FileSize:  fileSize,
		ChunkSize: chunkSize,
		Metadata:  map[string]string{"title": "Holiday", "category": "travel"},
	})
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/upload/initialize", owner, bytes.NewReader(body), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var out models.InitializeUploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *uploadFixture) postChunk(t *testing.T, owner, sessionID string, index int, payload []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("sessionId", sessionID))
	require.NoError(t, mw.WriteField("chunkIndex", fmt.Sprintf("%d", index)))
	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("blob-%d", index))
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return f.request(t, http.MethodPost, "/upload/chunk", owner, &buf, mw.FormDataContentType())
}

// drainChunks runs every queued CommitChunk message through the commit
// worker, the way the consumer loop would.
func (f *uploadFixture) drainChunks(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for {
		main, retry, _, err := f.bus.Depth(ctx, bus.PipelineChunk)
		require.NoError(t, err)
		if main+retry == 0 {
			return
		}

		rctx, cancel := context.WithTimeout(ctx, time.Second)
		d, err := f.bus.Receive(rctx, bus.PipelineChunk)
		cancel()
		require.NoError(t, err)
		require.NoError(t, f.commit.Handle(ctx, d))
		require.NoError(t, f.bus.Ack(ctx, d))
	}
}

func (f *uploadFixture) drainAssembly(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	d, err := f.bus.Receive(rctx, bus.PipelineAssembly)
	cancel()
	require.NoError(t, err)
	require.NoError(t, f.assembler.Handle(ctx, d))
	require.NoError(t, f.bus.Ack(ctx, d))
}

func decodeStatus(t *testing.T, resp *http.Response) models.UploadStatusResponse {
	t.Helper()

	var out models.UploadStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInitializeRequiresCaller(t *testing.T) {
	f := newUploadFixture(t)

	body := bytes.NewReader([]byte(`{"filename":"a.mp4","fileSize":100,"chunkSize":10}`))
	resp := f.request(t, http.MethodPost, "/upload/initialize", "", body, fiber.MIMEApplicationJSON)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestInitializeRejectsOversizedFile(t *testing.T) {
	f := newUploadFixture(t)

	body, _ := json.Marshal(models.InitializeUploadRequest{
		Filename:  "huge.mp4",
		FileSize:  models.MaxFileSize + 1,
		ChunkSize: 1024,
	})
	resp := f.request(t, http.MethodPost, "/upload/initialize", "alice", bytes.NewReader(body), fiber.MIMEApplicationJSON)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHappyPathUpload(t *testing.T) {
	// 2.5 MiB file in 1 MiB chunks: three chunks, progress 33/67/100, and a
	// byte-identical assembled blob.
	f := newUploadFixture(t)

	const chunkSize = 1 << 20
	payload := bytes.Repeat([]byte("v"), 2*chunkSize)
	payload = append(payload, bytes.Repeat([]byte("w"), chunkSize/2)...)
	wantDigest := sha256.Sum256(payload)

	init := f.initialize(t, "alice", int64(len(payload)), chunkSize)
	assert.Equal(t, 3, init.TotalChunks)
	assert.Empty(t, init.UploadedChunks)

	wantProgress := []float64{100.0 / 3, 200.0 / 3, 100}
	for i := 0; i < 3; i++ {
		end := (i + 1) * chunkSize
		if end > len(payload) {
			end = len(payload)
		}

		resp := f.postChunk(t, "alice", init.SessionID, i, payload[i*chunkSize:end])
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		var ack models.ChunkUploadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
		assert.Equal(t, "queued", ack.Status)

		f.drainChunks(t)

		status := decodeStatus(t, f.request(t, http.MethodGet, "/upload/status/"+init.SessionID, "alice", nil, ""))
		assert.InDelta(t, wantProgress[i], status.Progress, 0.1)
	}

	f.drainAssembly(t)

	// The assembled blob matches the pre-upload digest bit for bit.
	video, err := f.store.GetVideo(context.Background(), workers.VideoIDForSession(init.SessionID))
	require.NoError(t, err)

	reader, size, err := f.blobs.Open(context.Background(), video.StorageKey)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, int64(len(payload)), size)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, sha256.Sum256(got))
}

func TestDuplicateChunkUpload(t *testing.T) {
	f := newUploadFixture(t)

	init := f.initialize(t, "alice", 3000, 1000)

	for i := 0; i < 2; i++ {
		resp := f.postChunk(t, "alice", init.SessionID, 1, []byte("same-chunk"))
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	f.drainChunks(t)

	status := decodeStatus(t, f.request(t, http.MethodGet, "/upload/status/"+init.SessionID, "alice", nil, ""))
	assert.Equal(t, []int{1}, status.UploadedChunks)
	assert.Equal(t, "uploading", status.Status)
}

func TestChunkUploadAuthorisation(t *testing.T) {
	f := newUploadFixture(t)
	init := f.initialize(t, "alice", 3000, 1000)

	resp := f.postChunk(t, "mallory", init.SessionID, 0, []byte("x"))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = f.postChunk(t, "alice", "no-such-session", 0, []byte("x"))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = f.postChunk(t, "alice", init.SessionID, 99, []byte("x"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChunkUploadTerminalSessionConflicts(t *testing.T) {
	f := newUploadFixture(t)
	init := f.initialize(t, "alice", 1000, 1000)

	resp := f.postChunk(t, "alice", init.SessionID, 0, []byte("only-chunk"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	f.drainChunks(t)

	resp = f.postChunk(t, "alice", init.SessionID, 0, []byte("late"))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestResumeReportsMissingChunks(t *testing.T) {
	f := newUploadFixture(t)
	init := f.initialize(t, "alice", 5000, 1000)

	for _, i := range []int{0, 3} {
		resp := f.postChunk(t, "alice", init.SessionID, i, []byte("data"))
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	f.drainChunks(t)

	resp := f.request(t, http.MethodPost, "/upload/resume/"+init.SessionID, "alice", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out models.ResumeUploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []int{1, 2, 4}, out.MissingChunks)
}

func TestResumeCompletedSessionIsBadRequest(t *testing.T) {
	f := newUploadFixture(t)
	init := f.initialize(t, "alice", 1000, 1000)

	resp := f.postChunk(t, "alice", init.SessionID, 0, []byte("x"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	f.drainChunks(t)

	resp = f.request(t, http.MethodPost, "/upload/resume/"+init.SessionID, "alice", nil, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCancelMidUpload(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	init := f.initialize(t, "alice", 3000, 1000)
	for i := 0; i < 2; i++ {
		resp := f.postChunk(t, "alice", init.SessionID, i, []byte("chunk"))
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	f.drainChunks(t)

	resp := f.request(t, http.MethodDelete, "/upload/cancel/"+init.SessionID, "alice", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Subsequent chunk posts see no session.
	resp = f.postChunk(t, "alice", init.SessionID, 2, []byte("late"))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// No chunk blobs remain, and no video row was created.
	keys, err := f.blobs.List(ctx, models.ChunkKeyPrefix(init.SessionID))
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = f.store.GetVideo(ctx, workers.VideoIDForSession(init.SessionID))
	assert.Error(t, err)
}

func TestListSessionsPaging(t *testing.T) {
	f := newUploadFixture(t)

	for i := 0; i < 3; i++ {
		f.initialize(t, "alice", 1000, 1000)
	}
	f.initialize(t, "bob", 1000, 1000)

	resp := f.request(t, http.MethodGet, "/upload/sessions?page=1&limit=2", "alice", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out models.SessionListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Sessions, 2)
	assert.Equal(t, 1, out.Page)
	assert.Equal(t, 2, out.Limit)

	for _, s := range out.Sessions {
		assert.Equal(t, "alice", s.Owner)
	}
}
