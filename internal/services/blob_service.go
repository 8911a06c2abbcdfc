package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"video-ingest-api/internal/providers"
)

// BlobService manages blob operations and provider lifecycle. It fronts the
// configured provider with service statistics and a startup health check;
// all byte traffic of the ingest core flows through it.
type BlobService struct {
	provider providers.BlobProvider
	factory  *providers.ProviderFactory
	config   *providers.StorageConfig
	mu       sync.RWMutex
	stats    *BlobStats
}

// BlobStats tracks service statistics
type BlobStats struct {
	TotalWrites  int64         `json:"total_writes"`
	FailedWrites int64         `json:"failed_writes"`
	TotalReads   int64         `json:"total_reads"`
	FailedReads  int64         `json:"failed_reads"`
	BytesWritten int64         `json:"bytes_written"`
	AvgWriteTime time.Duration `json:"avg_write_time"`
	LastWrite    time.Time     `json:"last_write"`
	mu           sync.RWMutex
}

// NewBlobService creates a new blob service on the configured provider and
// verifies the connection before returning.
func NewBlobService(cfg *providers.StorageConfig) (*BlobService, error) {
	service := &BlobService{
		factory: providers.NewProviderFactory(),
		config:  cfg,
		stats:   &BlobStats{},
	}

	provider, err := service.factory.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := provider.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("storage provider health check failed: %w", err)
	}

	service.provider = provider
	log.Printf("✅ Blob service initialized with provider: %s", cfg.Provider)

	return service, nil
}

// NewBlobServiceWithProvider wires an already constructed provider; tests
// inject local-disk providers through this.
func NewBlobServiceWithProvider(provider providers.BlobProvider) *BlobService {
	return &BlobService{
		provider: provider,
		factory:  providers.NewProviderFactory(),
		stats:    &BlobStats{},
	}
}

// PutStream writes the reader's bytes durably under key.
func (s *BlobService) PutStream(ctx context.Context, key string, reader io.Reader, size int64) (*providers.PutResult, error) {
	startTime := time.Now()

	result, err := s.provider.PutStream(ctx, key, reader, size)
	s.recordWrite(startTime, result, err)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Open returns a seekable reader over the blob plus its total length.
func (s *BlobService) Open(ctx context.Context, key string) (io.ReadSeekCloser, int64, error) {
	reader, size, err := s.provider.Open(ctx, key)
	s.recordRead(err)
	return reader, size, err
}

// Rename atomically moves src to dst.
func (s *BlobService) Rename(ctx context.Context, src, dst string) error {
	return s.provider.Rename(ctx, src, dst)
}

// Delete removes a blob; deleting an absent key is not an error.
func (s *BlobService) Delete(ctx context.Context, key string) error {
	return s.provider.Delete(ctx, key)
}

// Exists reports whether a blob is present under key.
func (s *BlobService) Exists(ctx context.Context, key string) (bool, error) {
	return s.provider.Exists(ctx, key)
}

// List returns all keys under the given prefix.
func (s *BlobService) List(ctx context.Context, prefix string) ([]string, error) {
	return s.provider.List(ctx, prefix)
}

// Stat retrieves metadata about a blob.
func (s *BlobService) Stat(ctx context.Context, key string) (*providers.ObjectInfo, error) {
	return s.provider.Stat(ctx, key)
}

// HealthCheck verifies storage health.
func (s *BlobService) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return fmt.Errorf("storage provider not initialized")
	}
	return provider.HealthCheck(ctx)
}

// GetStats returns service statistics
func (s *BlobService) GetStats() *BlobStats {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()

	// Return a copy to avoid race conditions
	return &BlobStats{
		TotalWrites:  s.stats.TotalWrites,
		FailedWrites: s.stats.FailedWrites,
		TotalReads:   s.stats.TotalReads,
		FailedReads:  s.stats.FailedReads,
		BytesWritten: s.stats.BytesWritten,
		AvgWriteTime: s.stats.AvgWriteTime,
		LastWrite:    s.stats.LastWrite,
	}
}

func (s *BlobService) recordWrite(startTime time.Time, result *providers.PutResult, err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	s.stats.TotalWrites++
	s.stats.LastWrite = time.Now()

	if err != nil {
		s.stats.FailedWrites++
		return
	}

	if result != nil {
		s.stats.BytesWritten += result.Size
	}

	writeTime := time.Since(startTime)
	if s.stats.AvgWriteTime == 0 {
		s.stats.AvgWriteTime = writeTime
	} else {
		// Exponential moving average, new sample weighted 1/2
		s.stats.AvgWriteTime = (s.stats.AvgWriteTime + writeTime) / 2
	}
}

func (s *BlobService) recordRead(err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	s.stats.TotalReads++
	if err != nil {
		s.stats.FailedReads++
	}
}
