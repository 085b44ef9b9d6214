package testutil

import (
	"testing"

	"chunkup/internal/database"
	"chunkup/internal/upload"
)

// NewTestRegistry creates an in-memory SQLite registry with migrations applied.
// The registry is closed when the test completes.
func NewTestRegistry(t *testing.T, clock upload.Clock) *database.SQLiteRegistry {
	t.Helper()

	reg, err := database.NewSQLiteRegistry(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
	})

	if err := reg.MigrateUp(); err != nil {
		t.Fatalf("failed to migrate registry: %v", err)
	}
	return reg
}
