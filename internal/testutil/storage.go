package testutil

import (
	"context"
	"io"
	"sync"

	"chunkup/internal/storage"
	"chunkup/internal/upload"
)

// NewTestStorage returns an empty in-memory storage.
func NewTestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// Storage operations that FaultyStorage can disrupt.
const (
	OpAllocate = "allocate"
	OpWrite    = "write"
	OpSize     = "size"
	OpPublish  = "publish"
	OpDelete   = "delete"
	OpExists   = "exists"
)

// FaultyStorage wraps a Backend and injects failures per operation.
// A failed operation has no effect on the wrapped backend.
type FaultyStorage struct {
	storage.Backend

	mu      sync.Mutex
	faults  map[string]error
	ignored map[string]bool
	calls   map[string]int
}

// NewFaultyStorage wraps b.
func NewFaultyStorage(b storage.Backend) *FaultyStorage {
	return &FaultyStorage{
		Backend: b,
		faults:  make(map[string]error),
		ignored: make(map[string]bool),
		calls:   make(map[string]int),
	}
}

// Fail makes op return err until Heal is called.
func (f *FaultyStorage) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = err
}

// Ignore makes op report success without doing anything, like a backend
// that silently drops requests.
func (f *FaultyStorage) Ignore(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored[op] = true
}

// Heal restores normal behaviour for op.
func (f *FaultyStorage) Heal(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, op)
	delete(f.ignored, op)
}

// Calls returns how many times op was invoked.
func (f *FaultyStorage) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// intercept records the call and reports whether the wrapped backend should
// be skipped, along with the error to return.
func (f *FaultyStorage) intercept(op string) (skip bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := f.faults[op]; err != nil {
		return true, err
	}
	return f.ignored[op], nil
}

func (f *FaultyStorage) Allocate(ctx context.Context, key upload.Key, size int64) error {
	if skip, err := f.intercept(OpAllocate); skip {
		return err
	}
	return f.Backend.Allocate(ctx, key, size)
}

func (f *FaultyStorage) Write(ctx context.Context, key upload.Key, offset int64, data []byte) error {
	if skip, err := f.intercept(OpWrite); skip {
		return err
	}
	return f.Backend.Write(ctx, key, offset, data)
}

func (f *FaultyStorage) Size(ctx context.Context, key upload.Key, area upload.Area) (int64, error) {
	if skip, err := f.intercept(OpSize); skip {
		return 0, err
	}
	return f.Backend.Size(ctx, key, area)
}

func (f *FaultyStorage) Publish(ctx context.Context, key upload.Key) error {
	if skip, err := f.intercept(OpPublish); skip {
		return err
	}
	return f.Backend.Publish(ctx, key)
}

func (f *FaultyStorage) Delete(ctx context.Context, key upload.Key, area upload.Area) error {
	if skip, err := f.intercept(OpDelete); skip {
		return err
	}
	return f.Backend.Delete(ctx, key, area)
}

func (f *FaultyStorage) Exists(ctx context.Context, key upload.Key, area upload.Area) (bool, error) {
	if skip, err := f.intercept(OpExists); skip {
		return false, err
	}
	return f.Backend.Exists(ctx, key, area)
}

func (f *FaultyStorage) Open(ctx context.Context, key upload.Key, area upload.Area) (io.ReadCloser, error) {
	return f.Backend.Open(ctx, key, area)
}

var _ storage.Backend = (*FaultyStorage)(nil)
