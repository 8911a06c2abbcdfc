package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	httpSwagger "github.com/swaggo/http-swagger"

	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/cache"
	"video-ingest-api/internal/chunkindex"
	"video-ingest-api/internal/config"
	"video-ingest-api/internal/handlers"
	"video-ingest-api/internal/metadata"
	"video-ingest-api/internal/pool"
	"video-ingest-api/internal/services"
	"video-ingest-api/internal/workers"
)

// Server wires the ingest pipeline: storage, metadata, index, bus, the
// workers and the HTTP surface. One process carries both the intake path and
// the queue consumers; scaling out means running more of these processes
// against the same redis and database.
type Server struct {
	app    *fiber.App
	config *config.Config

	redisClient *redis.Client
	store       metadata.Store
	index       chunkindex.Index
	workBus     bus.Bus
	listCache   cache.Cache

	workerPool *pool.WorkerPool
	bufferPool *pool.BufferPool

	blobService    *services.BlobService
	sessionManager *services.SessionManager

	commitWorker   *workers.CommitWorker
	assemblyWorker *workers.AssemblyWorker
	processWorker  *workers.ProcessWorker
	dlqMonitor     *workers.DLQMonitor
	gcSweeper      *services.GCSweeper

	uploadHandler *handlers.UploadHandler
	streamHandler *handlers.StreamHandler
	metaHandler   *handlers.MetaHandler
}

// New creates a new server instance
func New(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Load()
	}

	return &Server{config: cfg}
}

// Initialize sets up all server components
func (s *Server) Initialize() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Pools
	log.Printf("Initializing buffer pool with %d buffers of %d bytes", s.config.BufferPoolSize, s.config.BufferSize)
	s.bufferPool = pool.NewBufferPool(s.config.BufferPoolSize, s.config.BufferSize)

	log.Printf("Initializing FFmpeg worker pool with %d workers", s.config.MaxWorkers)
	s.workerPool = pool.NewWorkerPool(s.config.MaxWorkers)
	if err := s.workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// Blob storage
	blobService, err := services.NewBlobService(s.config.Storage.ToProviderConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize blob storage: %w", err)
	}
	s.blobService = blobService
	s.config.Storage.PrintStorageConfig()

	// Redis-backed collaborators, or their in-memory stand-ins
	if s.config.RedisEnabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.config.RedisAddr,
			Password: s.config.RedisPassword,
			DB:       s.config.RedisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", s.config.RedisAddr, err)
		}

		s.index = chunkindex.NewRedisIndex(s.redisClient)
		s.workBus = bus.NewRedisBus(s.redisClient)
		s.listCache = cache.NewRedisCache(s.redisClient)
		log.Printf("✅ Redis connected at %s", s.config.RedisAddr)
	} else {
		s.index = chunkindex.NewMemoryIndex()
		s.workBus = bus.NewMemoryBus()
		s.listCache = cache.NewMemoryCache()
		log.Println("📦 Redis disabled: using in-memory index, bus and cache")
	}

	// Metadata store
	switch s.config.DatabaseDriver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		store, err := metadata.NewPostgresStore(ctx, s.config.DatabaseDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.store = store
		log.Println("✅ Postgres metadata store connected")
	default:
		s.store = metadata.NewMemoryStore()
		log.Println("📦 Using in-memory metadata store")
	}

	// Core services
	s.sessionManager = services.NewSessionManager(s.store, s.index, s.blobService, s.config.SessionTTL)

	prober := services.NewFFProber(s.config.FFprobePath)
	thumbnailer := services.NewFFMpegThumbnailer(s.config.FFmpegPath, s.config.ThumbnailWidth, s.config.ThumbnailHeight)

	// Workers
	s.commitWorker = workers.NewCommitWorker(s.sessionManager, s.blobService, s.workBus)
	s.assemblyWorker = workers.NewAssemblyWorker(s.sessionManager, s.store, s.blobService, s.workBus, s.listCache, s.bufferPool)
	s.processWorker = workers.NewProcessWorker(s.store, s.blobService, prober, thumbnailer, s.workerPool, s.bufferPool, s.listCache, s.workBus, s.config.ProbeTimeout)
	s.dlqMonitor = workers.NewDLQMonitor(s.workBus, s.config.DLQCheckInterval)
	s.gcSweeper = services.NewGCSweeper(s.sessionManager, s.blobService, s.config.GCInterval, s.config.SessionTTL)

	// Handlers
	s.uploadHandler = handlers.NewUploadHandler(s.sessionManager, s.blobService, s.workBus, s.listCache, s.config.RequestTimeout)
	s.streamHandler = handlers.NewStreamHandler(s.blobService)
	s.metaHandler = handlers.NewMetaHandler(readAPIVersion(), s.sessionManager, s.blobService, s.store, s.index, s.workBus, s.workerPool, s.bufferPool)

	// Fiber app
	s.app = fiber.New(fiber.Config{
		ServerHeader:  "VideoIngest",
		StrictRouting: true,
		CaseSensitive: true,
		AppName:       "Video Ingest API",
		BodyLimit:     s.config.BodyLimit,
		ReadTimeout:   s.config.ReadTimeout,
		WriteTimeout:  s.config.WriteTimeout,
		IdleTimeout:   s.config.IdleTimeout,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}

			return c.Status(code).JSON(fiber.Map{
				"error":     message,
				"timestamp": time.Now().Unix(),
			})
		},
	})

	s.setupMiddleware()
	s.setupRoutes()

	return nil
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	// Request ID middleware
	s.app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
	}))

	// Logger middleware (minimal for performance)
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	// CORS middleware
	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Range", "X-Request-ID", "X-User-ID"},
			MaxAge:       86400,
		}))
	}

	// Recover middleware
	s.app.Use(recover.New())
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/api", s.metaHandler.APIInfo)
	s.app.Get("/health", s.metaHandler.Health)
	s.app.Get("/stats", s.metaHandler.Stats)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Upload endpoints; the chunk intake additionally sits behind the
	// per-IP rate limiter so misbehaving clients get a 429 to back off on.
	s.uploadHandler.RegisterUploadRoutes(s.app, s.chunkLimiter())

	// Streaming endpoint
	s.streamHandler.RegisterStreamRoutes(s.app)

	if s.config.EnableSwagger {
		s.registerSwaggerRoutes()
	}

	// 404 handler
	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(404).JSON(fiber.Map{
			"error": "Endpoint not found",
			"path":  c.Path(),
		})
	})
}

// chunkLimiter builds the per-IP limiter for the chunk intake endpoint.
func (s *Server) chunkLimiter() fiber.Handler {
	if !s.config.RateLimitEnabled {
		return nil
	}

	return limiter.New(limiter.Config{
		Max:        s.config.RateLimitMax,
		Expiration: s.config.RateLimitWindow,
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too many chunk uploads",
				"details": "slow down and retry with exponential backoff",
			})
		},
	})
}

func (s *Server) registerSwaggerRoutes() {
	swaggerFiles.Handler.Prefix = "/swagger"
	s.app.Get("/swagger", func(c fiber.Ctx) error {
		return c.Redirect().Status(fiber.StatusTemporaryRedirect).To("/swagger/index.html")
	})
	s.app.Get("/swagger/*", adaptor.HTTPHandler(httpSwagger.Handler(
		httpSwagger.InstanceName("swagger"),
		httpSwagger.DeepLinking(true),
	)))
}

// Start starts the server, the workers and the housekeeping loops, then
// blocks until a shutdown signal arrives.
func (s *Server) Start() error {
	s.printStartupInfo()

	// Queue consumers and housekeeping
	s.commitWorker.Start()
	s.assemblyWorker.Start()
	s.processWorker.Start()
	s.dlqMonitor.Start()
	s.gcSweeper.Start()

	// Create shutdown channel
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%s", s.config.Port)
		if err := s.app.Listen(addr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownCh

	log.Println("Shutting down server...")
	return s.Shutdown()
}

// Shutdown stops intake first, drains every worker's in-flight message,
// then closes queue, index and database connections. No in-memory state is
// authoritative, so a crash at any point here is recoverable.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}

	// Drain workers (each acks or nacks its in-flight message)
	if s.commitWorker != nil {
		s.commitWorker.Stop()
	}
	if s.assemblyWorker != nil {
		s.assemblyWorker.Stop()
	}
	if s.processWorker != nil {
		s.processWorker.Stop()
	}
	if s.dlqMonitor != nil {
		s.dlqMonitor.Stop()
	}
	if s.gcSweeper != nil {
		s.gcSweeper.Stop()
	}

	// Stop the FFmpeg pool
	if s.workerPool != nil {
		s.workerPool.Stop()
		log.Println("Worker pool stopped")
	}

	// Close connections last
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Printf("Error closing redis: %v", err)
		}
	}
	if s.store != nil {
		s.store.Close()
	}

	log.Println("Server shutdown complete")
	return nil
}

// printStartupInfo prints server configuration
func (s *Server) printStartupInfo() {
	s.config.PrintConfig()
	log.Println("========================================")
	log.Println("Video Ingest API")
	log.Println("========================================")
	log.Printf("Pipelines:      %s", pipelineNames())
	log.Printf("Chunk prefetch: %d", workers.ChunkPrefetch)
	log.Printf("Version:        %s", readAPIVersion())
	log.Println("========================================")
}

func pipelineNames() string {
	names := make([]string, 0, len(bus.Pipelines))
	for _, p := range bus.Pipelines {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func readAPIVersion() string {
	const fallbackVersion = "1.0.0"
	data, err := os.ReadFile("VERSION")
	if err != nil {
		return fallbackVersion
	}

	version := strings.TrimSpace(string(data))
	if version == "" {
		return fallbackVersion
	}

	return version
}
