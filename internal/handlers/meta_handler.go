package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/chunkindex"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/pool"
	"video-ingest-api/internal/services"
)

// MetaHandler serves API metadata, health and aggregated statistics.
type MetaHandler struct {
	version    string
	manager    *services.SessionManager
	blobs      *services.BlobService
	store      metadata.Store
	index      chunkindex.Index
	bus        bus.Bus
	workerPool *pool.WorkerPool
	buffers    *pool.BufferPool
}

// NewMetaHandler creates a new metadata handler
func NewMetaHandler(version string, manager *services.SessionManager, blobs *services.BlobService, store metadata.Store, index chunkindex.Index, b bus.Bus, workerPool *pool.WorkerPool, buffers *pool.BufferPool) *MetaHandler {
	return &MetaHandler{
		version:    version,
		manager:    manager,
		blobs:      blobs,
		store:      store,
		index:      index,
		bus:        b,
		workerPool: workerPool,
		buffers:    buffers,
	}
}

// APIInfo handles GET /api.
func (h *MetaHandler) APIInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    "Video Ingest API",
		"version": h.version,
		"endpoints": fiber.Map{
			"initialize": "POST /upload/initialize",
			"chunk":      "POST /upload/chunk",
			"status":     "GET /upload/status/:sessionId",
			"resume":     "POST /upload/resume/:sessionId",
			"cancel":     "DELETE /upload/cancel/:sessionId",
			"sessions":   "GET /upload/sessions",
			"stream":     "GET /stream/:filename",
			"health":     "GET /health",
			"stats":      "GET /stats",
			"metrics":    "GET /metrics",
		},
	})
}

// Health handles GET /health: each dependency is probed with a short
// deadline and reported individually.
func (h *MetaHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	deps := fiber.Map{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		deps["database"] = err.Error()
		healthy = false
	} else {
		deps["database"] = "ok"
	}

	if err := h.index.Ping(ctx); err != nil {
		// The index is an accelerator; degraded, not down.
		deps["chunk_index"] = "degraded: " + err.Error()
	} else {
		deps["chunk_index"] = "ok"
	}

	if err := h.blobs.HealthCheck(ctx); err != nil {
		deps["storage"] = err.Error()
		healthy = false
	} else {
		deps["storage"] = "ok"
	}

	status := "healthy"
	code := fiber.StatusOK
	if !healthy {
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"timestamp":    time.Now().Unix(),
		"dependencies": deps,
	})
}

// Stats handles GET /stats with the aggregated service counters.
func (h *MetaHandler) Stats(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	queues := fiber.Map{}
	for _, pipeline := range bus.Pipelines {
		main, retry, dlq, err := h.bus.Depth(ctx, pipeline)
		if err != nil {
			queues[string(pipeline)] = fiber.Map{"error": err.Error()}
			continue
		}
		queues[string(pipeline)] = fiber.Map{
			"main":  main,
			"retry": retry,
			"dlq":   dlq,
		}
	}

	return c.JSON(fiber.Map{
		"sessions":    h.manager.GetStats(),
		"storage":     h.blobs.GetStats(),
		"queues":      queues,
		"worker_pool": h.workerPool.Stats(),
		"buffer_pool": h.buffers.Stats(),
		"timestamp":   time.Now().Unix(),
	})
}
