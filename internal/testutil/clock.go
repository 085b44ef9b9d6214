package testutil

import (
	"fmt"
	"sync"
	"time"

	"chunkup/internal/upload"
)

// StubClock is an upload.Clock that only moves when a test advances it.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock starts at 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward, typically past a staleness threshold.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubRunIDs hands out sweep run ids "run-1", "run-2", ... and keeps them so
// a test can match the persisted sweep history against the sweeps it ran.
type StubRunIDs struct {
	mu     sync.Mutex
	issued []string
}

func NewStubRunIDs() *StubRunIDs {
	return &StubRunIDs{}
}

func (g *StubRunIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("run-%d", len(g.issued)+1)
	g.issued = append(g.issued, id)
	return id
}

// Issued returns the ids handed out so far, oldest first.
func (g *StubRunIDs) Issued() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.issued...)
}

var (
	_ upload.Clock       = (*StubClock)(nil)
	_ upload.IDGenerator = (*StubRunIDs)(nil)
)
