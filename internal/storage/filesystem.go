package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"chunkup/internal/upload"
)

// FileSystemStorage keeps both areas as flat directories:
//
//	<private_dir>/<name>   (chunks are written here)
//	<public_dir>/<name>    (published objects)
//
// When both directories are on the same filesystem, publishing is a rename.
type FileSystemStorage struct {
	privateDir string
	publicDir  string
}

// NewFileSystemStorage creates a filesystem storage, creating both directories.
func NewFileSystemStorage(privateDir, publicDir string) (*FileSystemStorage, error) {
	for _, dir := range []string{privateDir, publicDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &FileSystemStorage{privateDir: privateDir, publicDir: publicDir}, nil
}

func (s *FileSystemStorage) path(key upload.Key, area upload.Area) string {
	if area == upload.AreaPublic {
		return filepath.Join(s.publicDir, FileName(key))
	}
	return filepath.Join(s.privateDir, FileName(key))
}

// Allocate creates the empty private file. An existing file is an error:
// upload ids are never reused.
func (s *FileSystemStorage) Allocate(ctx context.Context, key upload.Key, size int64) error {
	f, err := os.OpenFile(s.path(key, upload.AreaPrivate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating private file: %w", err)
	}
	return f.Close()
}

// Write opens the existing private file and writes data at offset.
func (s *FileSystemStorage) Write(ctx context.Context, key upload.Key, offset int64, data []byte) error {
	f, err := os.OpenFile(s.path(key, upload.AreaPrivate), os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", upload.ErrObjectNotFound, FileName(key))
		}
		return fmt.Errorf("opening private file: %w", err)
	}

	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return fmt.Errorf("writing at offset %d: %w", offset, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing private file: %w", err)
	}
	return nil
}

func (s *FileSystemStorage) Size(ctx context.Context, key upload.Key, area upload.Area) (int64, error) {
	info, err := os.Stat(s.path(key, area))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s %s", upload.ErrObjectNotFound, area, FileName(key))
		}
		return 0, fmt.Errorf("stat %s file: %w", area, err)
	}
	return info.Size(), nil
}

// Publish renames the private file into the public directory. If the
// directories are on different filesystems the file is copied to a temp
// file next to its destination and renamed, so readers never see a partial
// object. Publishing an already published key succeeds.
func (s *FileSystemStorage) Publish(ctx context.Context, key upload.Key) error {
	src := s.path(key, upload.AreaPrivate)
	dst := s.path(key, upload.AreaPublic)

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		if _, serr := os.Stat(dst); serr == nil {
			return nil
		}
		return fmt.Errorf("%w: %s", upload.ErrObjectNotFound, FileName(key))
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("moving to public area: %w", err)
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing private file: %w", err)
	}
	return nil
}

// Delete removes the file in area. A missing file is not an error.
func (s *FileSystemStorage) Delete(ctx context.Context, key upload.Key, area upload.Area) error {
	if err := os.Remove(s.path(key, area)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s file: %w", area, err)
	}
	return nil
}

func (s *FileSystemStorage) Exists(ctx context.Context, key upload.Key, area upload.Area) (bool, error) {
	_, err := os.Stat(s.path(key, area))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s file: %w", area, err)
}

func (s *FileSystemStorage) Open(ctx context.Context, key upload.Key, area upload.Area) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key, area))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %s", upload.ErrObjectNotFound, area, FileName(key))
		}
		return nil, fmt.Errorf("opening %s file: %w", area, err)
	}
	return f, nil
}

// ValidateSetup verifies that both directories are accessible.
func (s *FileSystemStorage) ValidateSetup() error {
	for _, dir := range []string{s.privateDir, s.publicDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("storage directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("storage path is not a directory: %s", dir)
		}
	}
	return nil
}

// copyFile copies src to dst through a temp file in dst's directory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening private file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copying to public area: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ Backend = (*FileSystemStorage)(nil)
