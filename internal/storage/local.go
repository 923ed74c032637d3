package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/logging"
	"github.com/quillchat/quillchat/internal/metrics"
)

// LocalConfig holds local filesystem backend settings.
type LocalConfig struct {
	RootPath      string
	PublicURLBase string
	CreateDirs    bool
}

// LocalBackend implements Backend using the local filesystem. Each category
// maps to a subdirectory under the root; writes are atomic via temp file +
// rename so concurrent readers never see partial payloads.
type LocalBackend struct {
	rootPath      string
	publicURLBase string
	createDirs    bool
}

// NewLocal creates a new local filesystem backend.
func NewLocal(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		rootPath:      cfg.RootPath,
		publicURLBase: strings.TrimRight(cfg.PublicURLBase, "/"),
		createDirs:    cfg.CreateDirs,
	}, nil
}

// fullPath resolves a path id inside a category directory. Path ids are
// produced by the naming layer and contain no traversal segments, but the
// invariant is re-checked here since a stray ".." segment would escape the
// root. The check is per segment: sanitized file names may legitimately
// contain ".." as a substring (e.g. "a..b.pdf").
func (b *LocalBackend) fullPath(cat Category, pathID string) (string, error) {
	cleaned := path.Clean("/" + pathID)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid path id %q", pathID)
	}
	for _, seg := range strings.Split(pathID, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid path id %q", pathID)
		}
	}
	return filepath.Join(b.rootPath, cat.Name, filepath.FromSlash(cleaned)), nil
}

// Store writes the payload atomically. Unique categories refuse to
// overwrite an existing key.
func (b *LocalBackend) Store(_ context.Context, cat Category, pathID string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := b.store(cat, pathID, body)
	metrics.RecordStorageOperation("local", "store", time.Since(start), err == nil)
	return err
}

func (b *LocalBackend) store(cat Category, pathID string, body io.Reader) error {
	fullPath, err := b.fullPath(cat, pathID)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", pathID, err)
		}
	}

	// Write to temp file then publish for atomicity
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", pathID, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", pathID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", pathID, err)
	}

	if cat.Unique {
		// Link publishes the temp file only while the key is free, so two
		// writers racing for the same unique key cannot both win.
		if err := os.Link(tmpName, fullPath); err != nil {
			os.Remove(tmpName)
			if os.IsExist(err) {
				return fmt.Errorf("store %s: %w", pathID, ErrAlreadyExists)
			}
			return fmt.Errorf("publish %s: %w", pathID, err)
		}
		os.Remove(tmpName)
		return nil
	}

	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", pathID, err)
	}

	return nil
}

// Retrieve opens the stored payload. The content type is derived from the
// file extension since the local filesystem carries no object metadata.
func (b *LocalBackend) Retrieve(_ context.Context, cat Category, pathID string) (io.ReadCloser, string, error) {
	start := time.Now()

	fullPath, err := b.fullPath(cat, pathID)
	if err != nil {
		metrics.RecordStorageOperation("local", "retrieve", time.Since(start), false)
		return nil, "", err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		metrics.RecordStorageOperation("local", "retrieve", time.Since(start), false)
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("retrieve %s: %w", pathID, ErrNotFound)
		}
		return nil, "", fmt.Errorf("open %s: %w", pathID, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(fullPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	metrics.RecordStorageOperation("local", "retrieve", time.Since(start), true)
	return f, contentType, nil
}

// Delete removes the file. A missing key returns false with no error.
func (b *LocalBackend) Delete(_ context.Context, cat Category, pathID string) (bool, error) {
	start := time.Now()

	fullPath, err := b.fullPath(cat, pathID)
	if err != nil {
		metrics.RecordStorageOperation("local", "delete", time.Since(start), false)
		return false, err
	}

	err = os.Remove(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordStorageOperation("local", "delete", time.Since(start), true)
			return false, nil
		}
		metrics.RecordStorageOperation("local", "delete", time.Since(start), false)
		return false, fmt.Errorf("delete %s: %w", pathID, err)
	}

	metrics.RecordStorageOperation("local", "delete", time.Since(start), true)
	return true, nil
}

// DeleteMany removes keys best-effort, logging individual failures.
func (b *LocalBackend) DeleteMany(ctx context.Context, cat Category, pathIDs []string) {
	for _, pathID := range pathIDs {
		if _, err := b.Delete(ctx, cat, pathID); err != nil {
			logging.Error("bulk delete failed for key",
				zap.String("path_id", pathID),
				zap.Error(err))
		}
	}
}

// ListAll walks the category directory lazily, yielding one entry per file.
func (b *LocalBackend) ListAll(_ context.Context, cat Category) iter.Seq2[ObjectInfo, error] {
	catRoot := filepath.Join(b.rootPath, cat.Name)
	return func(yield func(ObjectInfo, error) bool) {
		walkErr := filepath.WalkDir(catRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == catRoot {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(catRoot, p)
			if err != nil {
				return err
			}
			if !yield(ObjectInfo{PathID: filepath.ToSlash(rel), CreatedAt: info.ModTime()}, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			yield(ObjectInfo{}, fmt.Errorf("list %s: %w", cat.Name, walkErr))
		}
	}
}

// PublicURL builds a route into the HTTP serving layer.
func (b *LocalBackend) PublicURL(cat Category, pathID string) string {
	return b.publicURLBase + "/" + cat.Name + "/" + pathID
}

// SignedURL is the public URL for local backends: the serving layer is
// responsible for authorization, so no signing is involved.
func (b *LocalBackend) SignedURL(_ context.Context, cat Category, pathID string, _ time.Duration) (string, error) {
	return b.PublicURL(cat, pathID), nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
