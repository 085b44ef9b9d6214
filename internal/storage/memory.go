package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"chunkup/internal/upload"
)

// MemoryStorage is an in-memory Backend for tests and throwaway servers.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[upload.Area]map[upload.Key][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: map[upload.Area]map[upload.Key][]byte{
			upload.AreaPrivate: {},
			upload.AreaPublic:  {},
		},
	}
}

func (s *MemoryStorage) Allocate(ctx context.Context, key upload.Key, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[upload.AreaPrivate][key]; ok {
		return fmt.Errorf("private object %s already exists", FileName(key))
	}
	s.objects[upload.AreaPrivate][key] = []byte{}
	return nil
}

func (s *MemoryStorage) Write(ctx context.Context, key upload.Key, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.objects[upload.AreaPrivate][key]
	if !ok {
		return fmt.Errorf("%w: %s", upload.ErrObjectNotFound, FileName(key))
	}
	end := offset + int64(len(data))
	if end > int64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	s.objects[upload.AreaPrivate][key] = buf
	return nil
}

func (s *MemoryStorage) Size(ctx context.Context, key upload.Key, area upload.Area) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.objects[area][key]
	if !ok {
		return 0, fmt.Errorf("%w: %s %s", upload.ErrObjectNotFound, area, FileName(key))
	}
	return int64(len(buf)), nil
}

func (s *MemoryStorage) Publish(ctx context.Context, key upload.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.objects[upload.AreaPrivate][key]
	if !ok {
		if _, published := s.objects[upload.AreaPublic][key]; published {
			return nil
		}
		return fmt.Errorf("%w: %s", upload.ErrObjectNotFound, FileName(key))
	}
	s.objects[upload.AreaPublic][key] = buf
	delete(s.objects[upload.AreaPrivate], key)
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key upload.Key, area upload.Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects[area], key)
	return nil
}

func (s *MemoryStorage) Exists(ctx context.Context, key upload.Key, area upload.Area) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[area][key]
	return ok, nil
}

func (s *MemoryStorage) Open(ctx context.Context, key upload.Key, area upload.Area) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.objects[area][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", upload.ErrObjectNotFound, area, FileName(key))
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(buf))), nil
}

// Put stores data directly in area. Tests use it to stage inconsistent states.
func (s *MemoryStorage) Put(key upload.Key, area upload.Area, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[area][key] = bytes.Clone(data)
}

// Bytes returns a copy of the object in area, or nil if absent.
func (s *MemoryStorage) Bytes(key upload.Key, area upload.Area) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.objects[area][key]
	if !ok {
		return nil
	}
	return bytes.Clone(buf)
}

var _ Backend = (*MemoryStorage)(nil)
