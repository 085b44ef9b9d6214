package database

import (
	"fmt"
	"os"
	"path/filepath"

	"chunkup/internal/config"
	"chunkup/internal/upload"
)

// RegistryFileName is the SQLite file created inside data_dir.
const RegistryFileName = "uploads.db"

// NewRegistryFromConfig opens the registry described by the database config.
// The schema is not migrated; callers decide between MigrateUp and
// CheckMigrations.
func NewRegistryFromConfig(cfg config.DatabaseConfig, clock upload.Clock) (*SQLiteRegistry, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteRegistry(filepath.Join(cfg.DataDir, RegistryFileName), clock)
	case "memory":
		return NewSQLiteRegistry(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
