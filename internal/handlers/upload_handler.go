package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/cache"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/services"
)

// Upload metrics
var (
	uploadsInitialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_uploads_initialized_total",
		Help: "Upload sessions created.",
	})

	chunksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_chunks_accepted_total",
		Help: "Chunk payloads accepted and queued for commit, by outcome.",
	}, []string{"outcome"})
)

// UploadHandler is the chunk-intake surface plus the session lifecycle
// endpoints (initialize, status, resume, cancel, list).
type UploadHandler struct {
	manager        *services.SessionManager
	blobs          *services.BlobService
	bus            bus.Bus
	cache          cache.Cache
	requestTimeout time.Duration
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(manager *services.SessionManager, blobs *services.BlobService, b bus.Bus, c cache.Cache, requestTimeout time.Duration) *UploadHandler {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}

	return &UploadHandler{
		manager:        manager,
		blobs:          blobs,
		bus:            b,
		cache:          c,
		requestTimeout: requestTimeout,
	}
}

// RegisterUploadRoutes wires the upload endpoints onto the app. The chunk
// endpoint additionally goes through the supplied rate limiter.
func (h *UploadHandler) RegisterUploadRoutes(app *fiber.App, chunkLimiter fiber.Handler) {
	app.Post("/upload/initialize", h.Initialize)
	if chunkLimiter != nil {
		app.Post("/upload/chunk", h.UploadChunk, chunkLimiter)
	} else {
		app.Post("/upload/chunk", h.UploadChunk)
	}
	app.Get("/upload/status/:sessionId", h.Status)
	app.Post("/upload/resume/:sessionId", h.Resume)
	app.Delete("/upload/cancel/:sessionId", h.Cancel)
	app.Get("/upload/sessions", h.ListSessions)
}

// callerID identifies the caller. Authentication proper lives outside this
// service; the gateway injects the verified user id in X-User-ID.
func callerID(c fiber.Ctx) string {
	return c.Get("X-User-ID")
}

// Initialize handles POST /upload/initialize.
func (h *UploadHandler) Initialize(c fiber.Ctx) error {
	owner := callerID(c)
	if owner == "" {
		return respondError(c, apperrors.ErrUnauthorised)
	}

	var req models.InitializeUploadRequest
	if err := c.Bind().Body(&req); err != nil {
		return respondError(c, apperrors.InvalidInput("invalid request body: %v", err))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	session, err := h.manager.Init(ctx, owner, req.Filename, req.FileSize, req.ChunkSize, req.Metadata)
	if err != nil {
		return respondError(c, err)
	}

	uploadsInitialized.Inc()
	h.cache.Delete(ctx, cache.OwnerSessionsPrefixKeys(owner)...)

	return c.Status(fiber.StatusCreated).JSON(models.InitializeUploadResponse{
		SessionID:      session.ID,
		TotalChunks:    session.TotalChunks,
		ChunkSize:      session.ChunkSize,
		UploadedChunks: session.Received,
	})
}

// UploadChunk handles POST /upload/chunk: authorise, bound-check, stream the
// part to a scratch blob and queue the commit. The 200 only means "queued";
// receipt is confirmed by polling status.
func (h *UploadHandler) UploadChunk(c fiber.Ctx) error {
	owner := callerID(c)
	if owner == "" {
		chunksAccepted.WithLabelValues("unauthorised").Inc()
		return respondError(c, apperrors.ErrUnauthorised)
	}

	sessionID := c.FormValue("sessionId")
	if sessionID == "" {
		chunksAccepted.WithLabelValues("invalid").Inc()
		return respondError(c, apperrors.InvalidInput("sessionId is required"))
	}

	chunkIndex, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil {
		chunksAccepted.WithLabelValues("invalid").Inc()
		return respondError(c, apperrors.InvalidInput("chunkIndex must be an integer"))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	// Authorise against the session before touching storage.
	session, err := h.manager.Get(ctx, sessionID)
	if err != nil {
		chunksAccepted.WithLabelValues("not_found").Inc()
		return respondError(c, err)
	}
	if session.Owner != owner {
		chunksAccepted.WithLabelValues("forbidden").Inc()
		return respondError(c, apperrors.ErrForbidden)
	}
	if session.IsTerminal() {
		chunksAccepted.WithLabelValues("conflict").Inc()
		return respondError(c, apperrors.Conflict("session %s is %s", sessionID, session.State))
	}
	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		chunksAccepted.WithLabelValues("invalid").Inc()
		return respondError(c, apperrors.InvalidInput("chunk index %d out of range [0, %d)", chunkIndex, session.TotalChunks))
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		chunksAccepted.WithLabelValues("invalid").Inc()
		return respondError(c, apperrors.InvalidInput("multipart part 'chunk' is required"))
	}
	if fileHeader.Size > models.MaxChunkPayload {
		chunksAccepted.WithLabelValues("too_large").Inc()
		return respondError(c, apperrors.InvalidInput("chunk payload %d exceeds %d bytes", fileHeader.Size, int64(models.MaxChunkPayload)))
	}

	part, err := fileHeader.Open()
	if err != nil {
		chunksAccepted.WithLabelValues("error").Inc()
		return respondError(c, apperrors.Transient("open chunk payload", err))
	}
	defer part.Close()

	tempKey := models.TempChunkKey(time.Now().UnixNano(), uuid.New().String()[:8])
	if _, err := h.blobs.PutStream(ctx, tempKey, part, fileHeader.Size); err != nil {
		chunksAccepted.WithLabelValues("error").Inc()
		return respondError(c, apperrors.Transient("store chunk payload", err))
	}

	job := models.CommitChunkJob{
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
		TempKey:    tempKey,
		Owner:      owner,
	}
	if err := h.bus.Publish(ctx, bus.PipelineChunk, job); err != nil {
		// The scratch blob is useless without its commit message.
		if delErr := h.blobs.Delete(ctx, tempKey); delErr != nil {
			log.Printf("⚠️ Failed to drop scratch blob %s after enqueue failure: %v", tempKey, delErr)
		}
		chunksAccepted.WithLabelValues("error").Inc()
		return respondError(c, apperrors.Transient("enqueue chunk commit", err))
	}

	chunksAccepted.WithLabelValues("queued").Inc()
	return c.JSON(models.ChunkUploadResponse{
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
		Status:     "queued",
	})
}

// Status handles GET /upload/status/:sessionId.
func (h *UploadHandler) Status(c fiber.Ctx) error {
	owner := callerID(c)
	if owner == "" {
		return respondError(c, apperrors.ErrUnauthorised)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	session, err := h.manager.Get(ctx, c.Params("sessionId"))
	if err != nil {
		return respondError(c, err)
	}
	if session.Owner != owner {
		return respondError(c, apperrors.ErrForbidden)
	}

	return c.JSON(models.UploadStatusResponse{
		SessionID:      session.ID,
		UploadedChunks: session.Received,
		TotalChunks:    session.TotalChunks,
		Status:         string(session.State),
		Progress:       session.Progress(),
	})
}

// Resume handles POST /upload/resume/:sessionId. An already-complete session
// is a client error here, not a conflict: the file is done.
func (h *UploadHandler) Resume(c fiber.Ctx) error {
	owner := callerID(c)
	if owner == "" {
		return respondError(c, apperrors.ErrUnauthorised)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	sessionID := c.Params("sessionId")
	session, err := h.manager.Get(ctx, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	if session.Owner != owner {
		return respondError(c, apperrors.ErrForbidden)
	}

	missing, session, err := h.manager.Resume(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
				Error:   "upload already complete",
				Details: fmt.Sprintf("session %s has all chunks", sessionID),
			})
		}
		return respondError(c, err)
	}

	return c.JSON(models.ResumeUploadResponse{
		SessionID:     sessionID,
		MissingChunks: missing,
		Status:        string(session.State),
	})
}

// Cancel handles DELETE /upload/cancel/:sessionId: drop the session, its
// chunk blobs and its index entry. In-flight commit messages observe the
// missing session and discard themselves.
func (h *UploadHandler) Cancel(c fiber.Ctx) error {
	owner := callerID(c)
	if owner == "" {
		return respondError(c, apperrors.ErrUnauthorised)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	sessionID := c.Params("sessionId")
	session, err := h.manager.Get(ctx, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	if session.Owner != owner {
		return respondError(c, apperrors.ErrForbidden)
	}

	if err := h.manager.Delete(ctx, sessionID); err != nil {
		return respondError(c, err)
	}

	h.cache.Delete(ctx, cache.OwnerSessionsPrefixKeys(owner)...)

	return c.JSON(models.MessageResponse{
		Success: true,
		Message: "upload cancelled",
	})
}

// ListSessions handles GET /upload/sessions with paging and a short-lived
// listing cache.
func (h *UploadHandler) ListSessions(c fiber.Ctx) error {
	owner := callerID(c)
	if owner == "" {
		return respondError(c, apperrors.ErrUnauthorised)
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	cacheKey := cache.OwnerSessionsKey(owner, page, limit)
	if cached, ok := h.cache.Get(ctx, cacheKey); ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(cached)
	}

	sessions, err := h.manager.ListByOwner(ctx, owner, page, limit)
	if err != nil {
		return respondError(c, err)
	}
	if sessions == nil {
		sessions = []*models.UploadSession{}
	}

	resp := models.SessionListResponse{
		Sessions: sessions,
		Page:     page,
		Limit:    limit,
	}

	if raw, err := json.Marshal(resp); err == nil {
		h.cache.Set(ctx, cacheKey, raw, cache.DefaultTTL)
	}

	return c.JSON(resp)
}

func (h *UploadHandler) requestContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context(), h.requestTimeout)
}

// respondError translates a core error kind into its HTTP shape.
func respondError(c fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)

	resp := models.ErrorResponse{Error: err.Error()}
	if status >= 500 {
		// Internal detail stays in the logs.
		resp = models.ErrorResponse{Error: "temporary failure, please retry"}
		log.Printf("⚠️ Request failed with %d: %v", status, err)
	}

	return c.Status(status).JSON(resp)
}
