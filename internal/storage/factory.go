package storage

import (
	"context"
	"fmt"

	"chunkup/internal/config"
)

// NewStorageFromConfig creates a Backend based on the storage config type.
func NewStorageFromConfig(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "filesystem":
		if cfg.PrivateDir == "" || cfg.PublicDir == "" {
			return nil, fmt.Errorf("filesystem storage requires private_dir and public_dir to be set")
		}
		return NewFileSystemStorage(cfg.PrivateDir, cfg.PublicDir)
	case "s3":
		if cfg.PrivateDir == "" {
			return nil, fmt.Errorf("s3 storage requires private_dir to be set")
		}
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 storage requires s3_bucket to be set")
		}
		client, err := NewS3Client(ctx, S3Options{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return NewS3Storage(client, cfg.S3Bucket, cfg.S3Prefix, cfg.PrivateDir)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
