package upload

import "time"

// Record is one row of the upload registry.
type Record struct {
	ID           int64
	Extension    string // empty when the upload has no extension
	DeclaredSize int64
	Status       Status
	CreatedAt    time.Time
	PostID       int64
}

// Key returns the storage key for the record's bytes.
func (r *Record) Key() Key {
	return Key{ID: r.ID, Extension: r.Extension}
}

// NewUpload holds the caller-supplied fields of a record about to be created.
type NewUpload struct {
	Extension    string
	DeclaredSize int64
	PostID       int64
	CreatedAt    time.Time
}

// Reclaim is the reaper's bookkeeping for a record in HIDING.
// PriorStatus is the status the record held before it entered HIDING; it is
// empty when unknown. IntegrityChecked is set once the stored bytes were
// compared against PriorStatus, and is cleared whenever the record enters
// HIDING again.
type Reclaim struct {
	UploadID         int64
	PriorStatus      Status
	Attempts         int
	IntegrityChecked bool
	LastError        string
	UpdatedAt        time.Time
}

// Candidate is a record selected by a sweep together with its reclaim
// bookkeeping (zero attempts when the record has not been claimed yet).
type Candidate struct {
	Record   *Record
	Attempts int
}

// SweepRun is the persisted summary of one reaper pass.
type SweepRun struct {
	ID         int64
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "success" or "error"
	CursorFrom int64  // sweep selected ids strictly greater than this
	CursorNext int64  // where the next sweep resumes; 0 restarts from the beginning
	Selected   int
	Claimed    int
	Hidden     int
	Missing    int
	Retried    int
	Conflicts  int
}
