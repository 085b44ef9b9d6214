package upload

import (
	"context"
	"fmt"
)

// Key identifies the bytes of one upload in a storage backend.
type Key struct {
	ID        int64
	Extension string
}

func (k Key) String() string {
	if k.Extension == "" {
		return fmt.Sprintf("%d", k.ID)
	}
	return fmt.Sprintf("%d.%s", k.ID, k.Extension)
}

// Storage abstracts the byte store behind uploads: a private staging area
// where chunks land, and a public area that is served to readers.
// Every method is scoped to a single key and never touches another key's
// bytes.
type Storage interface {
	// Allocate reserves an empty private object for key. The object grows
	// as chunks are written.
	Allocate(ctx context.Context, key Key, size int64) error

	// Write stores data at offset in the private object. The object must
	// already exist; earlier bytes need not have been written.
	Write(ctx context.Context, key Key, offset int64, data []byte) error

	// Size returns the length of the object in area, or ErrObjectNotFound.
	Size(ctx context.Context, key Key, area Area) (int64, error)

	// Publish atomically relocates the private object to the public area.
	Publish(ctx context.Context, key Key) error

	// Delete removes the object in area. Deleting a missing object succeeds.
	Delete(ctx context.Context, key Key, area Area) error

	// Exists reports whether an object for key exists in area.
	Exists(ctx context.Context, key Key, area Area) (bool, error)
}
