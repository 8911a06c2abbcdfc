package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// AWSS3Provider implements the BlobProvider interface for AWS S3 and
// S3-compatible services reached through a custom endpoint.
type AWSS3Provider struct {
	client *s3.Client
	config *StorageConfig
}

// NewAWSProvider creates a new AWS S3 provider
func NewAWSProvider(cfg *StorageConfig) (*AWSS3Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AWS S3 config: %w", err)
	}

	// Create AWS config
	awsConfig, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, NewStorageError("aws", "configure", "", 0, err)
	}

	// Create S3 client with custom endpoint if specified
	var s3Client *s3.Client
	if cfg.Endpoint != "" && cfg.Endpoint != "https://s3.amazonaws.com" {
		// Custom endpoint (for S3-compatible services)
		s3Client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.PathStyle
		})
	} else {
		// Standard AWS S3
		s3Client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return &AWSS3Provider{
		client: s3Client,
		config: cfg,
	}, nil
}

// PutStream uploads data from a reader to the specified key with retry logic.
func (p *AWSS3Provider) PutStream(ctx context.Context, key string, reader io.Reader, size int64) (*PutResult, error) {
	startTime := time.Now()

	seeker, isSeekable := reader.(io.ReadSeeker)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.config.Bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	var result *s3.PutObjectOutput
	var err error

	for attempt := 0; attempt <= p.config.RetryCount; attempt++ {
		if attempt > 0 {
			if !isSeekable {
				return nil, NewStorageError("aws", "put", key, 0, fmt.Errorf("reader is not seekable; cannot retry upload"))
			}
			if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil {
				return nil, NewStorageError("aws", "put", key, 0, fmt.Errorf("failed to reset reader: %w", seekErr))
			}
		}

		putCtx, cancel := context.WithTimeout(ctx, p.config.UploadTimeout)
		result, err = p.client.PutObject(putCtx, input)
		cancel()

		if err == nil {
			break
		}

		if !IsRetryableError(err) || attempt == p.config.RetryCount {
			return nil, NewStorageError("aws", "put", key, 0, err)
		}

		// Wait before retry
		select {
		case <-ctx.Done():
			return nil, NewStorageError("aws", "put", key, 0, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * time.Second):
			// Continue to next attempt
		}
	}

	return &PutResult{
		Key:            key,
		Size:           size,
		ETag:           aws.ToString(result.ETag),
		Provider:       "aws",
		ProcessingTime: time.Since(startTime),
	}, nil
}

// Open returns a seekable reader over the object plus its length. S3 GETs are
// not seekable, so seeks are satisfied lazily with ranged requests on the
// next read.
func (p *AWSS3Provider) Open(ctx context.Context, key string) (io.ReadSeekCloser, int64, error) {
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, p.wrapObjectError("open", key, err)
	}

	size := aws.ToInt64(head.ContentLength)
	return &s3ObjectReader{
		ctx:    ctx,
		client: p.client,
		bucket: p.config.Bucket,
		key:    key,
		size:   size,
	}, size, nil
}

// Rename moves src to dst via server-side copy + delete, refusing to clobber
// an existing destination.
func (p *AWSS3Provider) Rename(ctx context.Context, src, dst string) error {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(dst),
	})
	if err == nil {
		return NewStorageError("aws", "rename", dst, 409, ErrObjectExists)
	}

	_, err = p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.config.Bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(p.config.Bucket + "/" + src),
	})
	if err != nil {
		return p.wrapObjectError("rename", src, err)
	}

	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return NewStorageError("aws", "rename", src, 0, err)
	}

	return nil
}

// Delete removes an object from storage. S3 deletes are idempotent.
func (p *AWSS3Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return NewStorageError("aws", "delete", key, 0, err)
	}

	return nil
}

// Exists reports whether an object is present under key.
func (p *AWSS3Provider) Exists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, NewStorageError("aws", "exists", key, 0, err)
	}

	return true, nil
}

// List returns all keys under the given prefix, following pagination.
func (p *AWSS3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.config.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, NewStorageError("aws", "list", prefix, 0, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

// Stat retrieves metadata about an object.
func (p *AWSS3Provider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	result, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapObjectError("stat", key, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		LastModified: aws.ToTime(result.LastModified),
	}, nil
}

// HealthCheck verifies the provider connection and configuration
func (p *AWSS3Provider) HealthCheck(ctx context.Context) error {
	// Check if bucket exists and is accessible
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.config.Bucket),
	})
	if err != nil {
		return NewStorageError("aws", "health_check", "", 0, err)
	}

	return nil
}

func (p *AWSS3Provider) wrapObjectError(op, key string, err error) error {
	if isAWSNotFound(err) {
		return NewStorageError("aws", op, key, 404, ErrObjectNotFound)
	}
	return NewStorageError("aws", op, key, 0, err)
}

func isAWSNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// s3ObjectReader adapts ranged S3 GETs to an io.ReadSeekCloser. A Seek only
// records the offset; the next Read issues a Range request from there.
type s3ObjectReader struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	size   int64
	offset int64
	body   io.ReadCloser
}

func (r *s3ObjectReader) Read(p []byte) (int, error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}

	if r.body == nil {
		out, err := r.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", r.offset)),
		})
		if err != nil {
			return 0, NewStorageError("aws", "read", r.key, 0, err)
		}
		r.body = out.Body
	}

	n, err := r.body.Read(p)
	r.offset += int64(n)
	return n, err
}

func (r *s3ObjectReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.offset + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if target < 0 {
		return 0, fmt.Errorf("negative seek offset")
	}

	if target != r.offset && r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.offset = target
	return target, nil
}

func (r *s3ObjectReader) Close() error {
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		return err
	}
	return nil
}
