package upload

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the lifecycle controller, chunk writer and
// reaper. Callers match them with errors.Is; messages carry the details.
var (
	ErrNotFound       = errors.New("upload not found")
	ErrInvalidState   = errors.New("invalid state for operation")
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrQuotaExceeded  = errors.New("declared size exceeds quota")
	ErrConflict       = errors.New("concurrent status change")
	ErrStorageIO      = errors.New("storage I/O failure")
	ErrDataIntegrity  = errors.New("data integrity alert")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownStatus  = errors.New("unknown upload status")

	// ErrIncompleteUpload is the SizeMismatch reported by finalize when the
	// private object does not hold exactly the declared number of bytes.
	ErrIncompleteUpload = fmt.Errorf("%w: incomplete upload", ErrSizeMismatch)

	// ErrObjectNotFound is returned by storage backends for a missing object.
	ErrObjectNotFound = errors.New("object not found")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID       int64
	From     Status
	To       Status
	Observed Status
	Err      error // ErrInvalidState or ErrConflict
}

func (e *TransitionError) Error() string {
	if e.Observed != "" && e.Observed != e.From {
		return fmt.Sprintf("upload %d: %s -> %s: observed %s: %v", e.ID, e.From, e.To, e.Observed, e.Err)
	}
	return fmt.Sprintf("upload %d: %s -> %s: %v", e.ID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
