package upload

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// DefaultMaxExtensionLength bounds the extension when Limits leaves it unset.
const DefaultMaxExtensionLength = 32

var extensionPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Limits are the externally supplied bounds the service enforces.
type Limits struct {
	MaxDeclaredSize    int64
	MaxExtensionLength int
}

// AllocateRequest describes a new upload.
type AllocateRequest struct {
	DeclaredSize int64
	Extension    string
	PostID       int64
}

// Chunk is one byte range of an upload: Data belongs at [Start, End) of an
// object whose total size the sender claims is Total.
type Chunk struct {
	Start int64
	End   int64
	Total int64
	Data  []byte
}

// Service is the lifecycle controller. It enforces the status graph,
// serializes conflicting work per upload id, and drives the registry and
// storage backend together.
//
// Two lock tables are used. meta guards only the status decision and is
// never held across storage I/O. writes serializes byte writes to the same
// private object.
type Service struct {
	registry Registry
	storage  Storage
	logger   Logger
	clock    Clock
	limits   Limits

	meta   *keyedMutex
	writes *keyedMutex
}

// NewService creates a Service with the provided dependencies.
func NewService(registry Registry, storage Storage, logger Logger, clock Clock, limits Limits) *Service {
	if limits.MaxExtensionLength <= 0 {
		limits.MaxExtensionLength = DefaultMaxExtensionLength
	}
	return &Service{
		registry: registry,
		storage:  storage,
		logger:   logger,
		clock:    clock,
		limits:   limits,
		meta:     newKeyedMutex(),
		writes:   newKeyedMutex(),
	}
}

// Get returns the record for id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*Record, error) {
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading upload %d: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Allocate registers a new upload and reserves its private storage.
// If the reservation fails the record is handed to the reaper (HIDING) and
// ErrStorageIO is returned.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*Record, error) {
	if req.DeclaredSize <= 0 {
		return nil, fmt.Errorf("%w: declared size must be positive", ErrInvalidRequest)
	}
	if s.limits.MaxDeclaredSize > 0 && req.DeclaredSize > s.limits.MaxDeclaredSize {
		return nil, fmt.Errorf("%w: %d bytes requested, maximum is %d", ErrQuotaExceeded, req.DeclaredSize, s.limits.MaxDeclaredSize)
	}
	if err := s.validateExtension(req.Extension); err != nil {
		return nil, err
	}

	rec, err := s.registry.Create(ctx, NewUpload{
		Extension:    req.Extension,
		DeclaredSize: req.DeclaredSize,
		PostID:       req.PostID,
		CreatedAt:    s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating upload record: %w", err)
	}

	if err := s.storage.Allocate(ctx, rec.Key(), rec.DeclaredSize); err != nil {
		if herr := s.transition(ctx, rec.ID, StatusInitialized, StatusHiding); herr != nil {
			s.logger.Error("failed to schedule reclaim after allocation failure", "id", rec.ID, "error", herr)
		}
		return nil, fmt.Errorf("allocating storage for upload %d: %w: %w", rec.ID, ErrStorageIO, err)
	}

	if err := s.transition(ctx, rec.ID, StatusInitialized, StatusAllocated); err != nil {
		return nil, err
	}
	rec.Status = StatusAllocated

	s.logger.Info("upload allocated", "id", rec.ID, "size", rec.DeclaredSize, "extension", rec.Extension, "post_id", rec.PostID)
	return rec, nil
}

// WriteChunk validates c against the stored record and writes it into the
// private object. The first accepted chunk moves ALLOCATED -> WRITING.
// Chunks may arrive in any order and may be repeated. A rejected chunk
// writes nothing.
func (s *Service) WriteChunk(ctx context.Context, id int64, c Chunk) error {
	if c.Start < 0 || c.Start > c.End {
		return fmt.Errorf("%w: invalid range [%d, %d)", ErrInvalidRequest, c.Start, c.End)
	}
	if int64(len(c.Data)) != c.End-c.Start {
		return fmt.Errorf("%w: range [%d, %d) does not match payload of %d bytes", ErrSizeMismatch, c.Start, c.End, len(c.Data))
	}

	unlock := s.writes.Lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.AcceptsChunks() {
		return fmt.Errorf("%w: upload %d is %s", ErrInvalidState, id, rec.Status)
	}
	// The stored declared size is authoritative; the sender's claim must agree.
	if c.Total != rec.DeclaredSize {
		return fmt.Errorf("%w: chunk claims total %d, upload %d declared %d", ErrSizeMismatch, c.Total, id, rec.DeclaredSize)
	}
	if c.End > rec.DeclaredSize {
		return fmt.Errorf("%w: range end %d beyond declared size %d", ErrSizeMismatch, c.End, rec.DeclaredSize)
	}

	if len(c.Data) > 0 {
		if err := s.storage.Write(ctx, rec.Key(), c.Start, c.Data); err != nil {
			return fmt.Errorf("writing chunk of upload %d: %w: %w", id, ErrStorageIO, err)
		}
	}

	// WRITING -> WRITING confirms the upload was not claimed while the bytes
	// were in flight.
	if err := s.transition(ctx, id, rec.Status, StatusWriting); err != nil {
		return err
	}

	s.logger.Debug("chunk written", "id", id, "start", c.Start, "end", c.End)
	return nil
}

// Finalize checks that the private object holds exactly the declared size
// and publishes it. An incomplete upload fails with ErrIncompleteUpload and
// keeps its status. A publish failure rolls the status back and returns
// ErrStorageIO so the client can retry.
func (s *Service) Finalize(ctx context.Context, id int64) (*Record, error) {
	unlockWrites := s.writes.Lock(id)
	defer unlockWrites()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.AcceptsChunks() {
		return nil, &TransitionError{ID: id, From: rec.Status, To: StatusPublishing, Err: ErrInvalidState}
	}
	source := rec.Status

	size, err := s.storage.Size(ctx, rec.Key(), AreaPrivate)
	if err != nil {
		return nil, fmt.Errorf("measuring upload %d: %w: %w", id, ErrStorageIO, err)
	}
	if size != rec.DeclaredSize {
		return nil, fmt.Errorf("upload %d has %d of %d bytes: %w", id, size, rec.DeclaredSize, ErrIncompleteUpload)
	}

	if err := s.transition(ctx, id, source, StatusPublishing); err != nil {
		return nil, err
	}
	// No chunk can be accepted once PUBLISHING is recorded.
	unlockWrites()

	if err := s.storage.Publish(ctx, rec.Key()); err != nil {
		if rerr := s.transition(ctx, id, StatusPublishing, source); rerr != nil {
			s.logger.Error("failed to roll back after publish failure", "id", id, "error", rerr)
			return nil, errors.Join(fmt.Errorf("publishing upload %d: %w: %w", id, ErrStorageIO, err), rerr)
		}
		return nil, fmt.Errorf("publishing upload %d: %w: %w", id, ErrStorageIO, err)
	}

	if err := s.transition(ctx, id, StatusPublishing, StatusPublished); err != nil {
		return nil, err
	}
	rec.Status = StatusPublished

	s.logger.Info("upload published", "id", id, "size", rec.DeclaredSize)
	return rec, nil
}

// Remove marks the upload HIDING so the reaper reclaims its bytes. Removing
// an upload that is already HIDING, HIDDEN or MISSING succeeds without
// change. An upload mid-publish reports ErrConflict.
func (s *Service) Remove(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Removed() {
		return nil
	}
	if rec.Status == StatusPublishing {
		return &TransitionError{ID: id, From: rec.Status, To: StatusHiding, Err: ErrConflict}
	}

	if err := s.transition(ctx, id, rec.Status, StatusHiding); err != nil {
		// A concurrent remove or reaper claim already satisfied the request.
		if errors.Is(err, ErrConflict) {
			if cur, gerr := s.Get(ctx, id); gerr == nil && cur.Status.Removed() {
				return nil
			}
		}
		return err
	}

	s.logger.Info("upload removed", "id", id, "from", rec.Status)
	return nil
}

// transition applies from -> to under the per-id metadata lock.
func (s *Service) transition(ctx context.Context, id int64, from, to Status) error {
	return applyTransition(ctx, s.registry, s.meta, id, from, to)
}

func (s *Service) validateExtension(ext string) error {
	if ext == "" {
		return nil
	}
	if len(ext) > s.limits.MaxExtensionLength {
		return fmt.Errorf("%w: extension longer than %d characters", ErrInvalidRequest, s.limits.MaxExtensionLength)
	}
	if !extensionPattern.MatchString(ext) {
		return fmt.Errorf("%w: extension %q must contain only letters, digits and underscores", ErrInvalidRequest, ext)
	}
	return nil
}

// applyTransition validates the edge, then performs the compare-and-set
// while holding the lock for id. Only the registry call happens inside the
// critical section.
func applyTransition(ctx context.Context, registry Registry, locks *keyedMutex, id int64, from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{ID: id, From: from, To: to, Err: ErrInvalidState}
	}

	unlock := locks.Lock(id)
	defer unlock()

	err := registry.CompareAndSetStatus(ctx, id, from, to)
	if err == nil {
		transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		return nil
	}
	if errors.Is(err, ErrConflict) {
		te := &TransitionError{ID: id, From: from, To: to, Err: ErrConflict}
		if cur, gerr := registry.Get(ctx, id); gerr == nil && cur != nil {
			te.Observed = cur.Status
		}
		return te
	}
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("setting upload %d status %s -> %s: %w", id, from, to, err)
}
