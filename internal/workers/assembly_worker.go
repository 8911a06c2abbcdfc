package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/cache"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/pool"
	"video-ingest-api/internal/providers"
	"video-ingest-api/internal/services"
)

// AssemblyWorker consumes AssembleFile jobs: concatenate a completed
// session's chunks in strict ascending index order into the final blob,
// publish the video row, fan out post-processing, and retire the session.
// Assembly is disk-heavy, so the pipeline runs with a prefetch of one.
type AssemblyWorker struct {
	manager *services.SessionManager
	store   metadata.Store
	blobs   *services.BlobService
	bus     bus.Bus
	cache   cache.Cache
	buffers *pool.BufferPool
	runner  *Runner
}

// NewAssemblyWorker creates the file assembly consumer.
func NewAssemblyWorker(manager *services.SessionManager, store metadata.Store, blobs *services.BlobService, b bus.Bus, c cache.Cache, buffers *pool.BufferPool) *AssemblyWorker {
	w := &AssemblyWorker{
		manager: manager,
		store:   store,
		blobs:   blobs,
		bus:     b,
		cache:   c,
		buffers: buffers,
	}
	w.runner = NewRunner("file-assembly", bus.PipelineAssembly, b, 1, w.Handle)
	return w
}

// Start launches the consumer loop.
func (w *AssemblyWorker) Start() { w.runner.Start() }

// Stop drains the in-flight message and halts.
func (w *AssemblyWorker) Stop() { w.runner.Stop() }

// VideoIDForSession derives the video id deterministically from the session
// id, so a redelivered AssembleFile job creates the same row and trips the
// store's uniqueness check instead of minting a duplicate video.
func VideoIDForSession(sessionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("video:"+sessionID)).String()
}

// Handle processes one AssembleFile delivery.
func (w *AssemblyWorker) Handle(ctx context.Context, d *bus.Delivery) error {
	var job models.AssembleFileJob
	if err := d.Decode(&job); err != nil {
		return apperrors.Fatal("malformed AssembleFile payload: %v", err)
	}

	session, err := w.manager.Get(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Session already retired: this is the redelivery of a fully
			// processed job. Nothing to do.
			return nil
		}
		return apperrors.Transient("load session", err)
	}

	// Hard assertion: assembly only runs over a complete set. A violation
	// here is an invariant breach, not a retriable hiccup.
	if session.State != models.SessionCompleted || len(session.Received) != session.TotalChunks {
		return apperrors.Fatal("session %s not assemblable: state=%s received=%d/%d",
			session.ID, session.State, len(session.Received), session.TotalChunks)
	}

	targetKey := models.UploadKey(session.TargetFilename)

	exists, err := w.blobs.Exists(ctx, targetKey)
	if err != nil {
		return apperrors.Transient("check assembled blob", err)
	}

	if !exists {
		if err := w.assemble(ctx, session, targetKey); err != nil {
			return err
		}
	}

	return w.publish(ctx, session, targetKey)
}

// assemble streams the chunks, in ascending index order, through a pooled
// copy buffer into the final blob. Chunk blobs are removed only after the
// output stream has closed durably, so any failure up to that point leaves
// a fully retriable session.
func (w *AssemblyWorker) assemble(ctx context.Context, session *models.UploadSession, targetKey string) error {
	start := time.Now()

	pr, pw := io.Pipe()
	putDone := make(chan putResult, 1)

	go func() {
		res, err := w.blobs.PutStream(ctx, targetKey, pr, session.FileSize)
		if err != nil {
			// Unblock the producer side.
			pr.CloseWithError(err)
		}
		putDone <- putResult{res: res, err: err}
	}()

	buf := w.buffers.Get()
	defer w.buffers.Put(buf)

	var copyErr error
	for i := 0; i < session.TotalChunks; i++ {
		chunkKey := models.ChunkKey(session.ID, i)

		reader, _, err := w.blobs.Open(ctx, chunkKey)
		if err != nil {
			copyErr = fmt.Errorf("open chunk %d: %w", i, err)
			break
		}

		_, err = io.CopyBuffer(pw, reader, buf)
		reader.Close()
		if err != nil {
			copyErr = fmt.Errorf("copy chunk %d: %w", i, err)
			break
		}
	}

	if copyErr != nil {
		pw.CloseWithError(copyErr)
		<-putDone
		w.destroyPartial(ctx, targetKey)
		return apperrors.Transient("assemble chunks", copyErr)
	}

	pw.Close()
	put := <-putDone
	if put.err != nil {
		w.destroyPartial(ctx, targetKey)
		return apperrors.Transient("write assembled blob", put.err)
	}

	// A byte-count mismatch against the declared size is a contradiction in
	// the session itself; retrying reproduces it forever.
	if put.res.Size != session.FileSize {
		w.destroyPartial(ctx, targetKey)
		if _, err := w.manager.MarkFailed(ctx, session.ID); err != nil {
			log.Printf("⚠️ Assembly: failed to mark session %s failed: %v", session.ID, err)
		}
		return apperrors.Fatal("assembled %d bytes for session %s, declared %d",
			put.res.Size, session.ID, session.FileSize)
	}

	// Output is durable; the chunks have served their purpose.
	for i := 0; i < session.TotalChunks; i++ {
		if err := w.blobs.Delete(ctx, models.ChunkKey(session.ID, i)); err != nil {
			log.Printf("⚠️ Assembly: failed to delete chunk %d of session %s: %v", i, session.ID, err)
		}
	}

	assemblyDuration.Observe(time.Since(start).Seconds())
	assembledBytes.Add(float64(put.res.Size))
	log.Printf("🎬 Assembled %s (%d bytes) from %d chunks in %v",
		targetKey, put.res.Size, session.TotalChunks, time.Since(start))

	return nil
}

type putResult struct {
	res *providers.PutResult
	err error
}

// publish creates the video row (idempotently), fans out post-processing,
// retires the session and invalidates listing caches.
func (w *AssemblyWorker) publish(ctx context.Context, session *models.UploadSession, targetKey string) error {
	now := time.Now().UTC()
	video := &models.Video{
		ID:         VideoIDForSession(session.ID),
		Owner:      session.Owner,
		Title:      metaOrDefault(session.Metadata, "title", session.OriginalFilename),
		Category:   metaOrDefault(session.Metadata, "category", "general"),
		MimeType:   metaOrDefault(session.Metadata, "mime_type", "video/mp4"),
		Tags:       splitTags(session.Metadata["tags"]),
		StorageKey: targetKey,
		FileSize:   session.FileSize,
		State:      models.VideoProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	video.Description = session.Metadata["description"]

	if err := w.store.CreateVideo(ctx, video); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			return apperrors.Transient("create video", err)
		}
		// Redelivery: the row is already there, keep going.
	}

	processJob := models.ProcessVideoJob{
		VideoID:    video.ID,
		StorageKey: targetKey,
		Owner:      session.Owner,
	}
	if err := w.bus.Publish(ctx, bus.PipelineProcess, processJob); err != nil {
		return apperrors.Transient("enqueue post-processing", err)
	}

	if err := w.manager.Delete(ctx, session.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Transient("retire session", err)
	}

	keys := append(cache.OwnerSessionsPrefixKeys(session.Owner), cache.CategoryKey(video.Category))
	w.cache.Delete(ctx, keys...)

	log.Printf("🎥 Video %s published in state %s for owner %s", video.ID, video.State, video.Owner)
	return nil
}

func (w *AssemblyWorker) destroyPartial(ctx context.Context, targetKey string) {
	if err := w.blobs.Delete(ctx, targetKey); err != nil {
		log.Printf("⚠️ Assembly: failed to destroy partial output %s: %v", targetKey, err)
	}
}

func metaOrDefault(meta map[string]string, key, fallback string) string {
	if v, ok := meta[key]; ok && v != "" {
		return v
	}
	return fallback
}

func splitTags(raw string) []string {
	if raw == "" {
		return []string{}
	}

	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
