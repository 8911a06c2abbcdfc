package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalProvider implements the BlobProvider interface on a local filesystem.
// Keys map to relative paths under the data directory; writes go through a
// temp file, fsync and an atomic rename so a crash never leaves a partially
// visible blob.
type LocalProvider struct {
	dataDir string
	config  *StorageConfig
}

// NewLocalProvider creates a new local disk provider rooted at cfg.DataDir.
func NewLocalProvider(cfg *StorageConfig) (*LocalProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid local storage config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, NewStorageError("local", "configure", "", 0, err)
	}

	return &LocalProvider{
		dataDir: cfg.DataDir,
		config:  cfg,
	}, nil
}

// path resolves a key to an absolute path, rejecting escapes from dataDir.
func (p *LocalProvider) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", NewStorageError("local", "resolve", key, 0, fmt.Errorf("key escapes data directory"))
	}
	return filepath.Join(p.dataDir, clean), nil
}

// PutStream writes data to a temp file with an on-the-fly SHA-256, fsyncs and
// atomically renames it into place.
func (p *LocalProvider) PutStream(ctx context.Context, key string, reader io.Reader, size int64) (*PutResult, error) {
	startTime := time.Now()

	fullPath, err := p.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, NewStorageError("local", "put", key, 0, err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, NewStorageError("local", "put", key, 0, err)
	}

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	written, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, NewStorageError("local", "put", key, 0, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, NewStorageError("local", "put", key, 0, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, NewStorageError("local", "put", key, 0, err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, NewStorageError("local", "put", key, 0, err)
	}

	return &PutResult{
		Key:            key,
		Size:           written,
		ETag:           hex.EncodeToString(hasher.Sum(nil)),
		Provider:       "local",
		ProcessingTime: time.Since(startTime),
	}, nil
}

// Open opens the blob for reading and reports its length.
func (p *LocalProvider) Open(ctx context.Context, key string) (io.ReadSeekCloser, int64, error) {
	fullPath, err := p.path(key)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, NewStorageError("local", "open", key, 404, ErrObjectNotFound)
		}
		return nil, 0, NewStorageError("local", "open", key, 0, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, NewStorageError("local", "open", key, 0, err)
	}

	return f, info.Size(), nil
}

// Rename moves src to dst atomically. The destination must not exist yet;
// a second writer racing the same rename observes ErrObjectExists.
func (p *LocalProvider) Rename(ctx context.Context, src, dst string) error {
	srcPath, err := p.path(src)
	if err != nil {
		return err
	}
	dstPath, err := p.path(dst)
	if err != nil {
		return err
	}

	if _, err := os.Stat(dstPath); err == nil {
		return NewStorageError("local", "rename", dst, 409, ErrObjectExists)
	}

	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return NewStorageError("local", "rename", src, 404, ErrObjectNotFound)
		}
		return NewStorageError("local", "rename", src, 0, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
		return NewStorageError("local", "rename", dst, 0, err)
	}

	// os.Link refuses an existing destination atomically (os.Rename would
	// overwrite it), so of two renames racing onto dst exactly one wins.
	if err := os.Link(srcPath, dstPath); err != nil {
		if os.IsExist(err) {
			return NewStorageError("local", "rename", dst, 409, ErrObjectExists)
		}
		return NewStorageError("local", "rename", dst, 0, err)
	}
	if err := os.Remove(srcPath); err != nil {
		return NewStorageError("local", "rename", src, 0, err)
	}

	return nil
}

// Delete removes the blob. An absent key is not an error.
func (p *LocalProvider) Delete(ctx context.Context, key string) error {
	fullPath, err := p.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return NewStorageError("local", "delete", key, 0, err)
	}

	return nil
}

// Exists reports whether a blob is present under key.
func (p *LocalProvider) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := p.path(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, NewStorageError("local", "exists", key, 0, err)
	}

	return true, nil
}

// List walks the data directory and returns every key under prefix.
func (p *LocalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(p.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.dataDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasSuffix(key, ".tmp") {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, NewStorageError("local", "list", prefix, 0, err)
	}

	return keys, nil
}

// Stat retrieves metadata about a blob.
func (p *LocalProvider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	fullPath, err := p.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewStorageError("local", "stat", key, 404, ErrObjectNotFound)
		}
		return nil, NewStorageError("local", "stat", key, 0, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// HealthCheck verifies the data directory is writable.
func (p *LocalProvider) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(p.dataDir, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return NewStorageError("local", "health_check", "", 0, err)
	}
	os.Remove(probe)
	return nil
}
