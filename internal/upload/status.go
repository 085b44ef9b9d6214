package upload

import "fmt"

// Status is the lifecycle state of an upload. The set of values is closed:
// anything read from storage that is not listed here is a fatal error.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusAllocated   Status = "ALLOCATED"
	StatusWriting     Status = "WRITING"
	StatusPublishing  Status = "PUBLISHING"
	StatusPublished   Status = "PUBLISHED"
	StatusHiding      Status = "HIDING"
	StatusHidden      Status = "HIDDEN"
	StatusMissing     Status = "MISSING"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInitialized,
	StatusAllocated,
	StatusWriting,
	StatusPublishing,
	StatusPublished,
	StatusHiding,
	StatusHidden,
	StatusMissing,
}

// transitions is the complete status graph. A (from, to) pair absent from
// this table is never applied.
//
// PUBLISHING -> ALLOCATED and PUBLISHING -> WRITING are compensating edges
// outside the documented lifecycle graph. Finalize takes them only when the
// publish I/O fails, returning the record to the status it held before.
// PUBLISHING -> HIDING is taken only by the reaper's staleness claim.
var transitions = map[Status]map[Status]bool{
	StatusInitialized: {StatusAllocated: true, StatusHiding: true},
	StatusAllocated:   {StatusWriting: true, StatusPublishing: true, StatusHiding: true},
	StatusWriting:     {StatusWriting: true, StatusPublishing: true, StatusHiding: true},
	StatusPublishing:  {StatusPublished: true, StatusAllocated: true, StatusWriting: true, StatusHiding: true},
	StatusPublished:   {StatusHiding: true},
	StatusHiding:      {StatusHiding: true, StatusHidden: true, StatusMissing: true},
	StatusHidden:      {},
	StatusMissing:     {},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ParseStatus converts a persisted value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusHidden || s == StatusMissing
}

// Removed reports whether the upload is already on its way out (or gone),
// which makes a remove request a no-op.
func (s Status) Removed() bool {
	return s == StatusHiding || s == StatusHidden || s == StatusMissing
}

// AcceptsChunks reports whether chunk writes are permitted in this status.
func (s Status) AcceptsChunks() bool {
	return s == StatusAllocated || s == StatusWriting
}

// Area identifies one of the two byte areas of the storage backend.
type Area string

const (
	AreaPrivate Area = "private"
	AreaPublic  Area = "public"
)

// expectedAreas returns which byte areas may hold data for an upload that
// was in status s. required lists the areas that must hold data; allowed
// lists every area that may. PUBLISHING is mid-relocation, so either area
// (or both) is acceptable but at least one must exist.
func expectedAreas(s Status) (allowed, required []Area) {
	switch s {
	case StatusInitialized:
		// Allocation may have created the private object before the crash.
		return []Area{AreaPrivate}, nil
	case StatusAllocated, StatusWriting:
		return []Area{AreaPrivate}, []Area{AreaPrivate}
	case StatusPublishing:
		return []Area{AreaPrivate, AreaPublic}, nil
	case StatusPublished:
		return []Area{AreaPublic}, []Area{AreaPublic}
	default:
		return []Area{AreaPrivate, AreaPublic}, nil
	}
}
