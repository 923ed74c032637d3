package storage

import (
	"context"
	"fmt"

	"github.com/quillchat/quillchat/internal/config"
)

// NewBackendFromConfig creates the Backend selected by configuration.
// Backend choice is made once at process startup; everything above this
// package is agnostic to which variant is active.
func NewBackendFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return NewS3(ctx, S3Config{
			Endpoint:      cfg.S3Endpoint,
			Bucket:        cfg.S3Bucket,
			AvatarBucket:  cfg.S3AvatarBucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Region:        cfg.S3Region,
			PublicURLBase: cfg.PublicURLBase,
		})
	case "local":
		return NewLocal(LocalConfig{
			RootPath:      cfg.LocalStoragePath,
			PublicURLBase: cfg.PublicURLBase,
			CreateDirs:    true,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
