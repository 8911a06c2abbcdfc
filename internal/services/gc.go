package services

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"video-ingest-api/internal/models"
)

// GCSweeper reaps expired upload sessions and orphaned scratch blobs on a
// ticker. Completed sessions are never reaped here; the assembly worker
// deletes those itself after a successful concatenation.
type GCSweeper struct {
	manager  *SessionManager
	blobs    *BlobService
	interval time.Duration
	maxAge   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGCSweeper creates a sweeper that runs every interval and treats blobs
// older than maxAge as orphaned.
func NewGCSweeper(manager *SessionManager, blobs *BlobService, interval, maxAge time.Duration) *GCSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = models.SessionTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GCSweeper{
		manager:  manager,
		blobs:    blobs,
		interval: interval,
		maxAge:   maxAge,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep loop.
func (g *GCSweeper) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.Sweep(g.ctx)
			case <-g.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (g *GCSweeper) Stop() {
	g.cancel()
	g.wg.Wait()
}

// Sweep runs one pass: expired non-completed sessions are deleted along with
// their chunks, then stale temp scratch blobs are removed.
func (g *GCSweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	sessions, err := g.manager.FindExpired(ctx, now)
	if err != nil {
		log.Printf("⚠️ GC: failed to find expired sessions: %v", err)
	} else {
		reaped := 0
		for _, session := range sessions {
			// A completed session is mid-assembly; its chunks still feed C8.
			if session.State == models.SessionCompleted {
				continue
			}
			if err := g.manager.Delete(ctx, session.ID); err != nil {
				log.Printf("⚠️ GC: failed to delete expired session %s: %v", session.ID, err)
				continue
			}
			reaped++
		}
		if reaped > 0 {
			log.Printf("🧹 GC: reaped %d expired upload sessions", reaped)
		}
	}

	g.sweepTempBlobs(ctx, now)
}

// sweepTempBlobs removes chunks/temp_* scratch blobs whose embedded
// timestamp (or modification time) says the intake that wrote them died
// before enqueueing the commit.
func (g *GCSweeper) sweepTempBlobs(ctx context.Context, now time.Time) {
	keys, err := g.blobs.List(ctx, models.ChunkPrefix+"temp_")
	if err != nil {
		log.Printf("⚠️ GC: failed to list temp blobs: %v", err)
		return
	}

	removed := 0
	for _, key := range keys {
		if !g.tempBlobStale(ctx, key, now) {
			continue
		}
		if err := g.blobs.Delete(ctx, key); err != nil {
			log.Printf("⚠️ GC: failed to delete temp blob %s: %v", key, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("🧹 GC: removed %d orphaned temp blobs", removed)
	}
}

func (g *GCSweeper) tempBlobStale(ctx context.Context, key string, now time.Time) bool {
	// Keys look like chunks/temp_{unixnano}_{rand}.
	rest := strings.TrimPrefix(key, models.ChunkPrefix+"temp_")
	if i := strings.IndexByte(rest, '_'); i > 0 {
		if ns, err := strconv.ParseInt(rest[:i], 10, 64); err == nil {
			return now.Sub(time.Unix(0, ns)) > g.maxAge
		}
	}

	// Unparsable name: fall back to the blob's modification time.
	info, err := g.blobs.Stat(ctx, key)
	if err != nil {
		return false
	}
	return now.Sub(info.LastModified) > g.maxAge
}
