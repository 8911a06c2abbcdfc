package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/cache"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/pool"
	"video-ingest-api/internal/providers"
	"video-ingest-api/internal/services"
)

const (
	// processPrefetch keeps the FFmpeg stage narrow; the worker pool below
	// it bounds actual decoder concurrency.
	processPrefetch = 2

	// optimizedThumbnailThreshold switches large blobs onto the fixed-seek
	// thumbnail strategy.
	optimizedThumbnailThreshold = 1 * 1024 * 1024 * 1024

	// optimizedThumbnailOffset is the fixed seek point for large blobs.
	optimizedThumbnailOffset = 30.0

	// optimizedThumbnailTimeout caps the fixed-seek attempt before falling
	// back to the midpoint strategy.
	optimizedThumbnailTimeout = 60 * time.Second
)

// ProcessWorker consumes ProcessVideo jobs: stage the assembled blob to
// local scratch, probe it, capture a thumbnail and flip the video to ready.
// Probe failures mark the video failed and ack; the blob is not going to
// probe differently on a retry.
type ProcessWorker struct {
	store       metadata.Store
	blobs       *services.BlobService
	prober      services.Prober
	thumbnailer services.Thumbnailer
	workerPool  *pool.WorkerPool
	buffers     *pool.BufferPool
	cache       cache.Cache
	probeWindow time.Duration
	runner      *Runner
}

// NewProcessWorker creates the post-processing consumer.
func NewProcessWorker(store metadata.Store, blobs *services.BlobService, prober services.Prober, thumbnailer services.Thumbnailer, workerPool *pool.WorkerPool, buffers *pool.BufferPool, c cache.Cache, b bus.Bus, probeWindow time.Duration) *ProcessWorker {
	if probeWindow <= 0 {
		probeWindow = optimizedThumbnailTimeout
	}

	w := &ProcessWorker{
		store:       store,
		blobs:       blobs,
		prober:      prober,
		thumbnailer: thumbnailer,
		workerPool:  workerPool,
		buffers:     buffers,
		cache:       c,
		probeWindow: probeWindow,
	}
	w.runner = NewRunner("video-processing", bus.PipelineProcess, b, processPrefetch, w.Handle)
	return w
}

// Start launches the consumer loop.
func (w *ProcessWorker) Start() { w.runner.Start() }

// Stop drains in-flight messages and halts.
func (w *ProcessWorker) Stop() { w.runner.Stop() }

// Handle processes one ProcessVideo delivery.
func (w *ProcessWorker) Handle(ctx context.Context, d *bus.Delivery) error {
	var job models.ProcessVideoJob
	if err := d.Decode(&job); err != nil {
		return apperrors.Fatal("malformed ProcessVideo payload: %v", err)
	}

	video, err := w.store.GetVideo(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Video row gone (administrative delete): drop the message.
			return nil
		}
		return apperrors.Transient("load video", err)
	}

	if video.State == models.VideoReady {
		// Redelivery after a crash between the update and the ack.
		return nil
	}

	// FFmpeg reads from local disk; stage the blob to scratch first.
	scratch, size, err := w.stageToScratch(ctx, job.StorageKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			w.markFailed(ctx, video, "assembled blob missing")
			return nil
		}
		return err
	}
	defer os.Remove(scratch)

	// Probe through the worker pool so decoder concurrency stays bounded.
	var probe *services.ProbeResult
	probeCtx, cancel := context.WithTimeout(ctx, w.probeWindow)
	err = w.workerPool.Run(probeCtx, func(taskCtx context.Context) error {
		var probeErr error
		probe, probeErr = w.prober.Probe(taskCtx, scratch)
		return probeErr
	})
	cancel()
	if err != nil {
		log.Printf("⚠️ Probe failed for video %s: %v", video.ID, err)
		w.markFailed(ctx, video, "probe failed")
		return nil
	}

	thumbnail, err := w.generateThumbnail(ctx, scratch, size, probe.DurationS)
	if err != nil {
		return apperrors.Transient("generate thumbnail", err)
	}

	thumbKey := models.ThumbnailKey(video.ID)
	if _, err := w.blobs.PutStream(ctx, thumbKey, bytes.NewReader(thumbnail), int64(len(thumbnail))); err != nil {
		return apperrors.Transient("store thumbnail", err)
	}

	updated, err := w.store.UpdateVideo(ctx, video.ID, func(v *models.Video) error {
		v.State = models.VideoReady
		v.ThumbnailKey = thumbKey
		v.DurationS = probe.DurationS
		v.Resolution = probe.Resolution
		v.Codec = probe.Codec
		v.Bitrate = probe.BitrateBPS
		if probe.SizeBytes > 0 {
			v.FileSize = probe.SizeBytes
		}
		return nil
	})
	if err != nil {
		return apperrors.Transient("update video", err)
	}

	w.cache.Delete(ctx, cache.VideoKey(video.ID), cache.CategoryKey(updated.Category))
	videosProcessed.WithLabelValues("ready").Inc()
	log.Printf("✅ Video %s ready: %.1fs %s %s", updated.ID, updated.DurationS, updated.Resolution, updated.Codec)

	return nil
}

// stageToScratch copies the blob to a local temp file through a pooled
// buffer and returns its path and size.
func (w *ProcessWorker) stageToScratch(ctx context.Context, storageKey string) (string, int64, error) {
	reader, size, err := w.blobs.Open(ctx, storageKey)
	if err != nil {
		if providers.IsNotFound(err) {
			return "", 0, apperrors.NotFound("blob %s", storageKey)
		}
		return "", 0, apperrors.Transient("open assembled blob", err)
	}
	defer reader.Close()

	f, err := os.CreateTemp("", "ingest-process-*.video")
	if err != nil {
		return "", 0, apperrors.Transient("create scratch file", err)
	}

	buf := w.buffers.Get()
	defer w.buffers.Put(buf)

	if _, err := io.CopyBuffer(f, reader, buf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", 0, apperrors.Transient("stage blob to scratch", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", 0, apperrors.Transient("close scratch file", err)
	}

	return f.Name(), size, nil
}

// generateThumbnail picks the capture strategy by blob size: large blobs
// seek to a fixed 30s offset under a hard timeout, everything else (and the
// fallback when the fixed seek times out) samples the midpoint.
func (w *ProcessWorker) generateThumbnail(ctx context.Context, scratch string, size int64, durationS float64) ([]byte, error) {
	midpoint := durationS / 2

	if size > optimizedThumbnailThreshold {
		offset := optimizedThumbnailOffset
		if durationS > 0 && durationS < offset {
			offset = midpoint
		}

		optCtx, cancel := context.WithTimeout(ctx, optimizedThumbnailTimeout)
		data, err := w.captureFrame(optCtx, scratch, offset)
		cancel()
		if err == nil {
			return data, nil
		}
		log.Printf("⚠️ Optimised thumbnail path failed (%v), falling back to midpoint", err)
	}

	return w.captureFrame(ctx, scratch, midpoint)
}

func (w *ProcessWorker) captureFrame(ctx context.Context, scratch string, offset float64) ([]byte, error) {
	var out bytes.Buffer
	err := w.workerPool.Run(ctx, func(taskCtx context.Context) error {
		return w.thumbnailer.Generate(taskCtx, scratch, offset, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("empty thumbnail")
	}
	return out.Bytes(), nil
}

func (w *ProcessWorker) markFailed(ctx context.Context, video *models.Video, reason string) {
	_, err := w.store.UpdateVideo(ctx, video.ID, func(v *models.Video) error {
		v.State = models.VideoFailed
		return nil
	})
	if err != nil {
		log.Printf("⚠️ Failed to mark video %s failed (%s): %v", video.ID, reason, err)
		return
	}

	w.cache.Delete(ctx, cache.VideoKey(video.ID), cache.CategoryKey(video.Category))
	videosProcessed.WithLabelValues("failed").Inc()
	log.Printf("❌ Video %s marked failed: %s", video.ID, reason)
}
