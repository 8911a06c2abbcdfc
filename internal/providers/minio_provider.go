package providers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOProvider implements the BlobProvider interface for MinIO
type MinIOProvider struct {
	client *minio.Client
	config *StorageConfig
}

// NewMinIOProvider creates a new MinIO provider
func NewMinIOProvider(cfg *StorageConfig) (*MinIOProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MinIO config: %w", err)
	}

	// Extract endpoint without protocol for MinIO client
	endpoint := cfg.Endpoint
	if strings.HasPrefix(endpoint, "http://") {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		cfg.UseSSL = false
	} else if strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimPrefix(endpoint, "https://")
		cfg.UseSSL = true
	}

	// Create MinIO client
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, NewStorageError("minio", "configure", "", 0, err)
	}

	return &MinIOProvider{
		client: minioClient,
		config: cfg,
	}, nil
}

// PutStream uploads data from a reader to the specified key with retry logic.
func (p *MinIOProvider) PutStream(ctx context.Context, key string, reader io.Reader, size int64) (*PutResult, error) {
	startTime := time.Now()

	seeker, isSeekable := reader.(io.ReadSeeker)

	var info minio.UploadInfo
	var err error

	for attempt := 0; attempt <= p.config.RetryCount; attempt++ {
		// Reset reader if possible before each attempt (after the first)
		if attempt > 0 {
			if !isSeekable {
				return nil, NewStorageError("minio", "put", key, 0, fmt.Errorf("reader is not seekable; cannot retry upload"))
			}
			if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil {
				return nil, NewStorageError("minio", "put", key, 0, fmt.Errorf("failed to reset reader: %w", seekErr))
			}
		}

		putCtx, cancel := context.WithTimeout(ctx, p.config.UploadTimeout)
		info, err = p.client.PutObject(putCtx, p.config.Bucket, key, reader, size, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		cancel()

		if err == nil {
			break
		}

		if !IsRetryableError(err) || attempt == p.config.RetryCount {
			return nil, NewStorageError("minio", "put", key, minio.ToErrorResponse(err).StatusCode, err)
		}

		// Wait before retry
		select {
		case <-ctx.Done():
			return nil, NewStorageError("minio", "put", key, 0, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * time.Second):
			// Continue to next attempt
		}
	}

	return &PutResult{
		Key:            key,
		Size:           info.Size,
		ETag:           info.ETag,
		Provider:       "minio",
		ProcessingTime: time.Since(startTime),
	}, nil
}

// Open returns a seekable reader over the object plus its length. The
// minio.Object is lazily range-seeking, so streaming from an offset does not
// fetch the whole blob.
func (p *MinIOProvider) Open(ctx context.Context, key string) (io.ReadSeekCloser, int64, error) {
	obj, err := p.client.GetObject(ctx, p.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, p.wrapObjectError("open", key, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, p.wrapObjectError("open", key, err)
	}

	return obj, stat.Size, nil
}

// Rename moves src to dst via server-side copy + delete. The copy is atomic
// with respect to readers: either key resolves until the delete lands.
func (p *MinIOProvider) Rename(ctx context.Context, src, dst string) error {
	// Refuse to clobber an existing destination; a retry of the same rename
	// is detected by the caller through ErrObjectExists.
	if _, err := p.client.StatObject(ctx, p.config.Bucket, dst, minio.StatObjectOptions{}); err == nil {
		return NewStorageError("minio", "rename", dst, 409, ErrObjectExists)
	}

	_, err := p.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: p.config.Bucket, Object: dst},
		minio.CopySrcOptions{Bucket: p.config.Bucket, Object: src},
	)
	if err != nil {
		return p.wrapObjectError("rename", src, err)
	}

	if err := p.client.RemoveObject(ctx, p.config.Bucket, src, minio.RemoveObjectOptions{}); err != nil {
		return NewStorageError("minio", "rename", src, minio.ToErrorResponse(err).StatusCode, err)
	}

	return nil
}

// Delete removes an object from storage. An absent key is not an error.
func (p *MinIOProvider) Delete(ctx context.Context, key string) error {
	err := p.client.RemoveObject(ctx, p.config.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return NewStorageError("minio", "delete", key, minio.ToErrorResponse(err).StatusCode, err)
	}

	return nil
}

// Exists reports whether an object is present under key.
func (p *MinIOProvider) Exists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.StatObject(ctx, p.config.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, NewStorageError("minio", "exists", key, resp.StatusCode, err)
	}

	return true, nil
}

// List returns all keys under the given prefix.
func (p *MinIOProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	for obj := range p.client.ListObjects(ctx, p.config.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, NewStorageError("minio", "list", prefix, 0, obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// Stat retrieves metadata about an object.
func (p *MinIOProvider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	objInfo, err := p.client.StatObject(ctx, p.config.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, p.wrapObjectError("stat", key, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         objInfo.Size,
		ETag:         objInfo.ETag,
		ContentType:  objInfo.ContentType,
		LastModified: objInfo.LastModified,
	}, nil
}

// HealthCheck verifies the provider connection and configuration
func (p *MinIOProvider) HealthCheck(ctx context.Context) error {
	// Check if bucket exists and is accessible
	exists, err := p.client.BucketExists(ctx, p.config.Bucket)
	if err != nil {
		return NewStorageError("minio", "health_check", "", 0, err)
	}

	if !exists {
		return NewStorageError("minio", "health_check", "", 0, ErrBucketNotFound)
	}

	return nil
}

// wrapObjectError maps minio error responses onto the shared sentinels.
func (p *MinIOProvider) wrapObjectError(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return NewStorageError("minio", op, key, 404, ErrObjectNotFound)
	}
	return NewStorageError("minio", op, key, resp.StatusCode, err)
}
