// Package storage provides the byte stores behind uploads. Each backend has a
// private area where chunks are assembled and a public area that readers are
// served from. Objects are named after the upload id in fixed-width hex with
// the upload's extension, if any.
package storage

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"chunkup/internal/upload"
)

// Backend is an upload.Storage that can also stream objects back to readers.
type Backend interface {
	upload.Storage

	// Open returns a reader for the object in area, or upload.ErrObjectNotFound.
	Open(ctx context.Context, key upload.Key, area upload.Area) (io.ReadCloser, error)
}

// FileName returns the object name for key, e.g. "00000000000000ff.png".
func FileName(key upload.Key) string {
	name := fmt.Sprintf("%016x", key.ID)
	if key.Extension != "" {
		name += "." + key.Extension
	}
	return name
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (upload.Key, error) {
	base, ext, _ := strings.Cut(name, ".")
	if len(base) != 16 {
		return upload.Key{}, fmt.Errorf("%w: malformed object name %q", upload.ErrInvalidRequest, name)
	}
	id, err := strconv.ParseUint(base, 16, 63)
	if err != nil {
		return upload.Key{}, fmt.Errorf("%w: malformed object name %q", upload.ErrInvalidRequest, name)
	}
	if strings.ContainsAny(ext, "./\\") {
		return upload.Key{}, fmt.Errorf("%w: malformed object name %q", upload.ErrInvalidRequest, name)
	}
	return upload.Key{ID: int64(id), Extension: ext}, nil
}

// URL returns the public URL of key under baseURL.
func URL(baseURL string, key upload.Key) string {
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + FileName(key)
}
