package workers

import (
	"context"
	"errors"
	"fmt"
	"log"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/providers"
	"video-ingest-api/internal/services"
)

// ChunkPrefetch bounds in-flight chunk commits per worker to cap disk and
// index pressure from the high-priority chunk pipeline.
const ChunkPrefetch = 5

// CommitWorker consumes CommitChunk jobs: promote the temp blob to its
// canonical chunk key, record the receipt, and fan out an AssembleFile job
// when the session completes. Every step tolerates redelivery.
type CommitWorker struct {
	manager *services.SessionManager
	blobs   *services.BlobService
	bus     bus.Bus
	runner  *Runner
}

// NewCommitWorker creates the chunk commit consumer.
func NewCommitWorker(manager *services.SessionManager, blobs *services.BlobService, b bus.Bus) *CommitWorker {
	w := &CommitWorker{
		manager: manager,
		blobs:   blobs,
		bus:     b,
	}
	w.runner = NewRunner("chunk-commit", bus.PipelineChunk, b, ChunkPrefetch, w.Handle)
	return w
}

// Start launches the consumer loop.
func (w *CommitWorker) Start() { w.runner.Start() }

// Stop drains in-flight messages and halts.
func (w *CommitWorker) Stop() { w.runner.Stop() }

// Handle processes one CommitChunk delivery.
func (w *CommitWorker) Handle(ctx context.Context, d *bus.Delivery) error {
	var job models.CommitChunkJob
	if err := d.Decode(&job); err != nil {
		return apperrors.Fatal("malformed CommitChunk payload: %v", err)
	}

	canonical := models.ChunkKey(job.SessionID, job.ChunkIndex)

	// Step 1: idempotent rename. A destination that already exists means a
	// previous attempt got this far before dying; drop the temp copy and
	// carry on.
	if err := w.blobs.Rename(ctx, job.TempKey, canonical); err != nil {
		switch {
		case errors.Is(err, providers.ErrObjectExists):
			if delErr := w.blobs.Delete(ctx, job.TempKey); delErr != nil {
				log.Printf("⚠️ Commit: failed to drop duplicate temp blob %s: %v", job.TempKey, delErr)
			}

		case errors.Is(err, providers.ErrObjectNotFound):
			// Temp blob is gone. If the canonical key exists this is the
			// redelivery of a crash between rename and record; otherwise the
			// bytes are unrecoverable and retrying cannot help.
			exists, exErr := w.blobs.Exists(ctx, canonical)
			if exErr != nil {
				return apperrors.Transient("check canonical chunk", exErr)
			}
			if !exists {
				return apperrors.Fatal("chunk payload lost for session %s index %d", job.SessionID, job.ChunkIndex)
			}

		default:
			return apperrors.Transient(fmt.Sprintf("rename chunk %d", job.ChunkIndex), err)
		}
	}

	// Step 2: record the receipt.
	session, err := w.manager.RecordChunk(ctx, job.SessionID, job.ChunkIndex)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			// Session was cancelled while this message was in flight; the
			// chunk is orphaned, remove it and drop the message.
			if delErr := w.blobs.Delete(ctx, canonical); delErr != nil {
				log.Printf("⚠️ Commit: failed to remove orphan chunk %s: %v", canonical, delErr)
			}
			return nil

		case errors.Is(err, apperrors.ErrInvalidInput):
			return apperrors.Fatal("record chunk rejected: %v", err)

		case apperrors.IsTransient(err):
			return err

		default:
			return apperrors.Transient("record chunk", err)
		}
	}

	chunksCommitted.Inc()

	// Step 3: fan out assembly on completion. Duplicate AssembleFile jobs
	// are harmless; the assembler is idempotent per session.
	if session.State == models.SessionCompleted {
		assembleJob := models.AssembleFileJob{SessionID: session.ID, Owner: session.Owner}
		if err := w.bus.Publish(ctx, bus.PipelineAssembly, assembleJob); err != nil {
			return apperrors.Transient("enqueue assembly", err)
		}
		log.Printf("📦 Session %s complete (%d chunks), assembly queued", session.ID, session.TotalChunks)
	}

	return nil
}
