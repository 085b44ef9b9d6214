package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"chunkup/internal/upload"
)

// Error codes carried in the JSON error envelope.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeSizeMismatch     = "SIZE_MISMATCH"
	CodeIncompleteUpload = "INCOMPLETE_UPLOAD"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeConflict         = "CONFLICT"
	CodeStorageError     = "STORAGE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes {"error": {"code": ..., "message": ...}} with the given
// HTTP status.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// errorStatus maps a service error to its HTTP status and code.
// ErrIncompleteUpload wraps ErrSizeMismatch, so it is matched first.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, upload.ErrIncompleteUpload):
		return http.StatusConflict, CodeIncompleteUpload
	case errors.Is(err, upload.ErrSizeMismatch):
		return http.StatusBadRequest, CodeSizeMismatch
	case errors.Is(err, upload.ErrInvalidRequest):
		return http.StatusBadRequest, CodeValidationError
	case errors.Is(err, upload.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, upload.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge, CodeQuotaExceeded
	case errors.Is(err, upload.ErrStorageIO):
		return http.StatusServiceUnavailable, CodeStorageError
	case errors.Is(err, upload.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, upload.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// writeServiceError writes the envelope for err. Internal errors are logged
// and their details are not exposed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		if code == CodeInternalError {
			message = "internal error"
		}
	}
	WriteError(w, status, code, message)
}
