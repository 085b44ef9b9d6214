package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Defaults applied by NewReaper when the config leaves a field unset.
const (
	DefaultStaleThreshold = 24 * time.Hour
	DefaultPageSize       = 100
	DefaultMaxAttempts    = 5
)

// Sweep run statuses.
const (
	SweepSuccess = "success"
	SweepError   = "error"
)

// ReaperConfig holds the externally supplied sweep parameters.
type ReaperConfig struct {
	StaleThreshold time.Duration
	PageSize       int
	// MaxAttempts caps how many claims a record may go through before an
	// unresolved deletion is escalated to MISSING.
	MaxAttempts int
}

// Reaper reclaims the bytes of removed and abandoned uploads. It does not
// schedule itself; each call to Sweep processes one page of candidates.
type Reaper struct {
	registry Registry
	storage  Storage
	logger   Logger
	clock    Clock
	ids      IDGenerator
	cfg      ReaperConfig
	meta     *keyedMutex

	mu sync.Mutex // one sweep at a time per process
}

// NewReaper creates a Reaper that shares the service's registry, storage
// and metadata lock table.
func NewReaper(svc *Service, ids IDGenerator, cfg ReaperConfig) *Reaper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Reaper{
		registry: svc.registry,
		storage:  svc.storage,
		logger:   svc.logger,
		clock:    svc.clock,
		ids:      ids,
		cfg:      cfg,
		meta:     svc.meta,
	}
}

type outcome int

const (
	outcomeHidden outcome = iota
	outcomeMissing
	outcomeRetried
)

// Sweep runs one reaper pass and records it in the sweep history.
// The pass resumes after the cursor left by the previous run and wraps to
// the beginning once a short page is seen. A returned error means the pass
// was aborted; the run is still persisted with status "error".
func (r *Reaper) Sweep(ctx context.Context) (*SweepRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &SweepRun{
		RunID:     r.ids.New(),
		StartedAt: r.clock.Now(),
	}

	last, err := r.registry.LastSweepRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading last sweep: %w", err)
	}
	if last != nil {
		run.CursorFrom = last.CursorNext
	}

	if err := r.registry.CreateSweepRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording sweep start: %w", err)
	}

	r.logger.Info("reaper sweep started", "run_id", run.RunID, "cursor", run.CursorFrom)

	sweepErr := r.sweep(ctx, run)

	run.FinishedAt = r.clock.Now()
	run.Status = SweepSuccess
	if sweepErr != nil {
		run.Status = SweepError
		// Retry the same page next time.
		run.CursorNext = run.CursorFrom
	}

	// Record the outcome even if ctx was cancelled mid-sweep.
	finishErr := r.registry.FinishSweepRun(context.WithoutCancel(ctx), run)
	if finishErr != nil {
		finishErr = fmt.Errorf("recording sweep outcome: %w", finishErr)
	}

	sweepRunsTotal.WithLabelValues(run.Status).Inc()
	sweepDurationSeconds.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	if sweepErr != nil {
		r.logger.Error("reaper sweep failed", "run_id", run.RunID, "error", sweepErr)
	} else {
		r.logger.Info("reaper sweep finished",
			"run_id", run.RunID,
			"selected", run.Selected,
			"claimed", run.Claimed,
			"hidden", run.Hidden,
			"missing", run.Missing,
			"retried", run.Retried,
			"conflicts", run.Conflicts,
			"next_cursor", run.CursorNext,
		)
	}

	return run, errors.Join(sweepErr, finishErr)
}

func (r *Reaper) sweep(ctx context.Context, run *SweepRun) error {
	staleBefore := run.StartedAt.Add(-r.cfg.StaleThreshold)

	candidates, err := r.registry.ListReclaimCandidates(ctx, staleBefore, run.CursorFrom, r.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("selecting candidates: %w", err)
	}
	run.Selected = len(candidates)
	if len(candidates) == r.cfg.PageSize {
		run.CursorNext = candidates[len(candidates)-1].Record.ID
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := c.Record
		if rec.Status == StatusPublished || rec.Status.IsTerminal() {
			continue
		}

		rc, err := r.claim(ctx, rec.ID, rec.Status, c.Attempts)
		if errors.Is(err, ErrConflict) {
			r.logger.Debug("reaper lost claim", "run_id", run.RunID, "id", rec.ID, "status", rec.Status)
			run.Conflicts++
			sweepUploadsTotal.WithLabelValues("conflict").Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("claiming upload %d: %w", rec.ID, err)
		}
		run.Claimed++

		out, err := r.reclaim(ctx, rec, rc)
		if err != nil {
			return fmt.Errorf("reclaiming upload %d: %w", rec.ID, err)
		}
		switch out {
		case outcomeHidden:
			run.Hidden++
			sweepUploadsTotal.WithLabelValues("hidden").Inc()
		case outcomeMissing:
			run.Missing++
			sweepUploadsTotal.WithLabelValues("missing").Inc()
		case outcomeRetried:
			run.Retried++
			sweepUploadsTotal.WithLabelValues("retried").Inc()
		}
	}
	return nil
}

func (r *Reaper) claim(ctx context.Context, id int64, from Status, attempts int) (*Reclaim, error) {
	if !CanTransition(from, StatusHiding) {
		return nil, &TransitionError{ID: id, From: from, To: StatusHiding, Err: ErrInvalidState}
	}

	unlock := r.meta.Lock(id)
	defer unlock()

	rc, err := r.registry.Claim(ctx, id, from, attempts)
	if err != nil {
		return nil, err
	}
	if from != StatusHiding {
		transitionsTotal.WithLabelValues(string(from), string(StatusHiding)).Inc()
	}
	return rc, nil
}

// reclaim deletes the bytes of a claimed upload and settles its status.
// Storage failures are recorded on the reclaim row and never abort the
// sweep; only registry failures are returned.
func (r *Reaper) reclaim(ctx context.Context, rec *Record, rc *Reclaim) (outcome, error) {
	key := rec.Key()

	// Deletion starts only after the marker is stored, so until then the
	// bytes still reflect the status the record held.
	if !rc.IntegrityChecked {
		present, err := r.presence(ctx, key)
		if err != nil {
			return r.retry(ctx, rec, rc, err.Error())
		}
		if violation := checkAreas(rc.PriorStatus, present); violation != "" {
			return r.alert(ctx, rec, rc, violation)
		}
		if err := r.registry.MarkIntegrityChecked(ctx, rec.ID); err != nil {
			return 0, fmt.Errorf("recording integrity check: %w", err)
		}
	}

	var deleteErrs []string
	for _, area := range []Area{AreaPrivate, AreaPublic} {
		if err := r.storage.Delete(ctx, key, area); err != nil {
			deleteErrs = append(deleteErrs, fmt.Sprintf("delete %s: %v", area, err))
		}
	}

	present, err := r.presence(ctx, key)
	if err != nil {
		return r.retry(ctx, rec, rc, err.Error())
	}
	var remaining []string
	for _, area := range []Area{AreaPrivate, AreaPublic} {
		if present[area] {
			remaining = append(remaining, string(area))
		}
	}

	if len(remaining) == 0 {
		if err := applyTransition(ctx, r.registry, r.meta, rec.ID, StatusHiding, StatusHidden); err != nil {
			return 0, err
		}
		r.logger.Info("upload reclaimed", "id", rec.ID, "prior_status", rc.PriorStatus, "attempts", rc.Attempts)
		return outcomeHidden, nil
	}

	reason := fmt.Sprintf("bytes still present in %s", strings.Join(remaining, ", "))
	if len(deleteErrs) > 0 {
		// The backend failed to delete bytes that are provably still there.
		return r.alert(ctx, rec, rc, reason+": "+strings.Join(deleteErrs, "; "))
	}
	return r.retry(ctx, rec, rc, reason)
}

// retry leaves the record HIDING for the next sweep unless the attempt cap
// is reached, in which case it escalates to MISSING.
func (r *Reaper) retry(ctx context.Context, rec *Record, rc *Reclaim, reason string) (outcome, error) {
	if rc.Attempts >= r.cfg.MaxAttempts {
		return r.alert(ctx, rec, rc, fmt.Sprintf("gave up after %d attempts: %s", rc.Attempts, reason))
	}
	if err := r.registry.RecordReclaimFailure(ctx, rec.ID, reason); err != nil {
		return 0, fmt.Errorf("recording reclaim failure: %w", err)
	}
	r.logger.Warn("reclaim incomplete, will retry", "id", rec.ID, "attempts", rc.Attempts, "reason", reason)
	return outcomeRetried, nil
}

// alert marks the record MISSING and raises a data integrity alert. Bytes
// are left untouched for the operator.
func (r *Reaper) alert(ctx context.Context, rec *Record, rc *Reclaim, reason string) (outcome, error) {
	if err := r.registry.RecordReclaimFailure(ctx, rec.ID, reason); err != nil {
		return 0, fmt.Errorf("recording reclaim failure: %w", err)
	}
	if err := applyTransition(ctx, r.registry, r.meta, rec.ID, StatusHiding, StatusMissing); err != nil {
		return 0, err
	}
	integrityAlertsTotal.Inc()
	alert := fmt.Errorf("%w: upload %d (prior status %s): %s", ErrDataIntegrity, rec.ID, rc.PriorStatus, reason)
	r.logger.Error("upload marked missing", "id", rec.ID, "prior_status", rc.PriorStatus, "attempts", rc.Attempts, "error", alert)
	return outcomeMissing, nil
}

func (r *Reaper) presence(ctx context.Context, key Key) (map[Area]bool, error) {
	present := make(map[Area]bool, 2)
	for _, area := range []Area{AreaPrivate, AreaPublic} {
		ok, err := r.storage.Exists(ctx, key, area)
		if err != nil {
			return nil, fmt.Errorf("checking %s object: %w", area, err)
		}
		present[area] = ok
	}
	return present, nil
}

// checkAreas compares the observed bytes with what prior allows and returns
// a description of the mismatch, or "" when they agree.
func checkAreas(prior Status, present map[Area]bool) string {
	allowed, required := expectedAreas(prior)

	var problems []string
	for _, area := range []Area{AreaPrivate, AreaPublic} {
		if present[area] && !containsArea(allowed, area) {
			problems = append(problems, fmt.Sprintf("unexpected %s object", area))
		}
	}
	for _, area := range required {
		if !present[area] {
			problems = append(problems, fmt.Sprintf("%s object absent", area))
		}
	}
	if prior == StatusPublishing && !present[AreaPrivate] && !present[AreaPublic] {
		problems = append(problems, "no object in either area")
	}
	return strings.Join(problems, "; ")
}

func containsArea(areas []Area, a Area) bool {
	for _, x := range areas {
		if x == a {
			return true
		}
	}
	return false
}
