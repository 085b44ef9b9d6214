// Package api exposes the upload lifecycle over HTTP: allocation, chunk
// writes, finalize and remove under /api/uploads, public file serving under
// /files, and Prometheus metrics under /metrics. Errors use the envelope
// {"error": {"code": "...", "message": "..."}}.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chunkup/internal/storage"
	"chunkup/internal/upload"
)

// DefaultMaxChunkSize bounds a chunk body when Options leaves it unset.
const DefaultMaxChunkSize = 8 << 20

const maxJSONBody = 64 << 10

// Options configures the HTTP surface.
type Options struct {
	BaseURL      string // prefix of public file URLs in responses
	MaxChunkSize int64
}

// Handler serves the upload API.
type Handler struct {
	svc    *upload.Service
	store  storage.Backend
	logger *slog.Logger
	opts   Options
}

// NewRouter returns the chi router with all routes and middleware mounted.
func NewRouter(svc *upload.Service, store storage.Backend, logger *slog.Logger, opts Options) http.Handler {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	h := &Handler{svc: svc, store: store, logger: logger, opts: opts}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(logger))
	r.Use(Metrics)

	r.Get("/health/live", h.Live)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/uploads", func(r chi.Router) {
		r.Post("/", h.Allocate)
		r.Get("/{id}", h.Get)
		r.Put("/{id}/chunk", h.WriteChunk)
		r.Post("/{id}/finalize", h.Finalize)
		r.Post("/{id}/remove", h.Remove)
	})

	r.Get("/files/{name}", h.ServeFile)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeValidationError, "method not allowed")
	})
	return r
}

type allocateRequest struct {
	DeclaredSize int64  `json:"declared_size"`
	Extension    string `json:"extension"`
	PostID       int64  `json:"post_id"`
}

type uploadResponse struct {
	ID           int64     `json:"id"`
	Extension    string    `json:"extension,omitempty"`
	DeclaredSize int64     `json:"declared_size"`
	Status       string    `json:"status"`
	PostID       int64     `json:"post_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	URL          string    `json:"url,omitempty"`
}

func (h *Handler) toResponse(rec *upload.Record) uploadResponse {
	resp := uploadResponse{
		ID:           rec.ID,
		Extension:    rec.Extension,
		DeclaredSize: rec.DeclaredSize,
		Status:       string(rec.Status),
		PostID:       rec.PostID,
		CreatedAt:    rec.CreatedAt.UTC(),
	}
	if rec.Status == upload.StatusPublished {
		resp.URL = storage.URL(h.opts.BaseURL, rec.Key())
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Allocate handles POST /api/uploads.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidationError, fmt.Sprintf("malformed request body: %v", err))
		return
	}

	rec, err := h.svc.Allocate(r.Context(), upload.AllocateRequest{
		DeclaredSize: req.DeclaredSize,
		Extension:    req.Extension,
		PostID:       req.PostID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toResponse(rec))
}

// Get handles GET /api/uploads/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(rec))
}

// WriteChunk handles PUT /api/uploads/{id}/chunk. The body holds the bytes
// named by the Content-Range header.
func (h *Handler) WriteChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}

	start, end, total, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxChunkSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, CodeValidationError,
				fmt.Sprintf("chunk exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteError(w, http.StatusBadRequest, CodeValidationError, fmt.Sprintf("reading chunk: %v", err))
		return
	}
	if int64(len(data)) != end-start {
		WriteError(w, http.StatusBadRequest, CodeSizeMismatch,
			fmt.Sprintf("body has %d bytes, Content-Range names %d", len(data), end-start))
		return
	}

	err = h.svc.WriteChunk(r.Context(), id, upload.Chunk{Start: start, End: end, Total: total, Data: data})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Finalize handles POST /api/uploads/{id}/finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Finalize(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles POST /api/uploads/{id}/remove.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Remove(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeFile handles GET /files/{name}. Only PUBLISHED uploads are served;
// a removed upload disappears here before the reaper deletes its bytes.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key, err := storage.ParseFileName(chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "file not found")
		return
	}

	rec, err := h.svc.Get(r.Context(), key.ID)
	if errors.Is(err, upload.ErrNotFound) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "file not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if rec.Status != upload.StatusPublished || rec.Extension != key.Extension {
		WriteError(w, http.StatusNotFound, CodeNotFound, "file not found")
		return
	}

	body, err := h.store.Open(r.Context(), key, upload.AreaPublic)
	if errors.Is(err, upload.ErrObjectNotFound) {
		h.logger.Error("published upload has no public object", "id", rec.ID)
		WriteError(w, http.StatusNotFound, CodeNotFound, "file not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, fmt.Errorf("%w: %w", upload.ErrStorageIO, err))
		return
	}
	defer body.Close()

	contentType := "application/octet-stream"
	if key.Extension != "" {
		if t := mime.TypeByExtension("." + key.Extension); t != "" {
			contentType = t
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.DeclaredSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("streaming file failed", "id", rec.ID, "error", err)
	}
}

func uploadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, CodeValidationError, "upload id must be a positive integer")
		return 0, false
	}
	return id, true
}

// parseContentRange parses "bytes <first>-<last>/<total>" into a half-open
// range [start, end).
func parseContentRange(h string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("Content-Range must be of the form \"bytes first-last/total\"")
	}
	rng, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("Content-Range missing total")
	}
	firstStr, lastStr, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("Content-Range missing range")
	}

	first, err1 := strconv.ParseInt(firstStr, 10, 64)
	last, err2 := strconv.ParseInt(lastStr, 10, 64)
	total, err3 := strconv.ParseInt(totalStr, 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return 0, 0, 0, fmt.Errorf("Content-Range has non-numeric fields")
	}
	if first < 0 || last < first {
		return 0, 0, 0, fmt.Errorf("Content-Range %d-%d is empty or reversed", first, last)
	}
	return first, last + 1, total, nil
}
