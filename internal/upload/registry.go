package upload

import (
	"context"
	"time"
)

// Registry is the persistent store of upload records and the single source
// of truth for their status. Every status change is a compare-and-set.
type Registry interface {
	// Create inserts a new record in INITIALIZED and returns it with its
	// assigned id.
	Create(ctx context.Context, u NewUpload) (*Record, error)

	// Get returns the record with the given id, or nil if none exists.
	Get(ctx context.Context, id int64) (*Record, error)

	// CompareAndSetStatus moves the record from `from` to `to` only if its
	// current status is `from`. Returns ErrNotFound for an unknown id and
	// ErrConflict when the current status differs.
	// Entering HIDING from any other status also records `from` as the
	// reclaim's prior status.
	CompareAndSetStatus(ctx context.Context, id int64, from, to Status) error

	// Reaper operations

	// ListReclaimCandidates returns up to limit records with id > afterID,
	// ordered by id, whose status is neither PUBLISHED nor terminal and which
	// were created before staleBefore or are already HIDING.
	ListReclaimCandidates(ctx context.Context, staleBefore time.Time, afterID int64, limit int) ([]*Candidate, error)

	// Claim atomically moves the record from `from` to HIDING (a re-claim when
	// from is HIDING) and increments its reclaim attempt counter, provided the
	// counter still equals attempts. Returns ErrConflict if either condition
	// no longer holds.
	Claim(ctx context.Context, id int64, from Status, attempts int) (*Reclaim, error)

	// RecordReclaimFailure stores the reason the latest reclaim attempt failed.
	RecordReclaimFailure(ctx context.Context, id int64, reason string) error

	// MarkIntegrityChecked records that the bytes of a HIDING record were
	// found consistent with its prior status. Nothing may be deleted before
	// this is stored.
	MarkIntegrityChecked(ctx context.Context, id int64) error

	// GetReclaim returns the reclaim bookkeeping for id, or nil if none exists.
	GetReclaim(ctx context.Context, id int64) (*Reclaim, error)

	// Sweep run history

	// CreateSweepRun persists the start of a sweep and assigns run.ID.
	CreateSweepRun(ctx context.Context, run *SweepRun) error

	// FinishSweepRun stores the outcome counters of a sweep.
	FinishSweepRun(ctx context.Context, run *SweepRun) error

	// LastSweepRun returns the most recently finished sweep, or nil.
	LastSweepRun(ctx context.Context) (*SweepRun, error)

	// ListSweepRuns returns the most recent sweeps, newest first.
	ListSweepRuns(ctx context.Context, limit int) ([]*SweepRun, error)

	// Close releases the underlying connection.
	Close() error
}
