package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chunkup/internal/upload"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// newTestRegistry creates an in-memory registry with migrations applied.
func newTestRegistry(t *testing.T) *SQLiteRegistry {
	t.Helper()

	reg, err := NewSQLiteRegistry(":memory:", fixedClock{testNow})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	if err := reg.MigrateUp(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return reg
}

func createUpload(t *testing.T, reg *SQLiteRegistry, createdAt time.Time) *upload.Record {
	t.Helper()
	rec, err := reg.Create(context.Background(), upload.NewUpload{
		Extension:    "png",
		DeclaredSize: 1024,
		PostID:       7,
		CreatedAt:    createdAt,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return rec
}

func setStatus(t *testing.T, reg *SQLiteRegistry, id int64, path ...upload.Status) {
	t.Helper()
	for i := 1; i < len(path); i++ {
		if err := reg.CompareAndSetStatus(context.Background(), id, path[i-1], path[i]); err != nil {
			t.Fatalf("CompareAndSetStatus(%s -> %s) error = %v", path[i-1], path[i], err)
		}
	}
}

func TestSQLiteRegistry_CreateAndGet(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil when upload not found", func(t *testing.T) {
		reg := newTestRegistry(t)

		rec, err := reg.Get(ctx, 999)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec != nil {
			t.Errorf("Get() = %v, want nil", rec)
		}
	})

	t.Run("creates record in INITIALIZED", func(t *testing.T) {
		reg := newTestRegistry(t)

		created := createUpload(t, reg, testNow)
		if created.ID == 0 {
			t.Error("ID is zero")
		}
		if created.Status != upload.StatusInitialized {
			t.Errorf("Status = %s, want INITIALIZED", created.Status)
		}

		got, err := reg.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got == nil {
			t.Fatal("Get() returned nil")
		}
		if got.Extension != "png" || got.DeclaredSize != 1024 || got.PostID != 7 {
			t.Errorf("Get() = %+v, want extension png, size 1024, post 7", got)
		}
		if !got.CreatedAt.Equal(testNow) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testNow)
		}
	})

	t.Run("ids are monotonic", func(t *testing.T) {
		reg := newTestRegistry(t)

		a := createUpload(t, reg, testNow)
		b := createUpload(t, reg, testNow)
		if b.ID <= a.ID {
			t.Errorf("second id %d not greater than first %d", b.ID, a.ID)
		}
	})
}

func TestSQLiteRegistry_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("applies when status matches", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)

		if err := reg.CompareAndSetStatus(ctx, rec.ID, upload.StatusInitialized, upload.StatusAllocated); err != nil {
			t.Fatalf("CompareAndSetStatus() error = %v", err)
		}

		got, _ := reg.Get(ctx, rec.ID)
		if got.Status != upload.StatusAllocated {
			t.Errorf("Status = %s, want ALLOCATED", got.Status)
		}
	})

	t.Run("conflict when status differs", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)

		err := reg.CompareAndSetStatus(ctx, rec.ID, upload.StatusAllocated, upload.StatusWriting)
		if !errors.Is(err, upload.ErrConflict) {
			t.Errorf("CompareAndSetStatus() error = %v, want ErrConflict", err)
		}

		got, _ := reg.Get(ctx, rec.ID)
		if got.Status != upload.StatusInitialized {
			t.Errorf("Status = %s, want INITIALIZED", got.Status)
		}
	})

	t.Run("not found for unknown id", func(t *testing.T) {
		reg := newTestRegistry(t)

		err := reg.CompareAndSetStatus(ctx, 42, upload.StatusInitialized, upload.StatusAllocated)
		if !errors.Is(err, upload.ErrNotFound) {
			t.Errorf("CompareAndSetStatus() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("same status write succeeds", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)
		setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusWriting)

		if err := reg.CompareAndSetStatus(ctx, rec.ID, upload.StatusWriting, upload.StatusWriting); err != nil {
			t.Errorf("WRITING -> WRITING error = %v", err)
		}
	})

	t.Run("entering HIDING records prior status", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)
		setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusHiding)

		rc, err := reg.GetReclaim(ctx, rec.ID)
		if err != nil {
			t.Fatalf("GetReclaim() error = %v", err)
		}
		if rc == nil {
			t.Fatal("GetReclaim() returned nil")
		}
		if rc.PriorStatus != upload.StatusAllocated {
			t.Errorf("PriorStatus = %s, want ALLOCATED", rc.PriorStatus)
		}
		if rc.Attempts != 0 {
			t.Errorf("Attempts = %d, want 0", rc.Attempts)
		}
	})

	t.Run("unknown persisted status is fatal", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)

		// Bypass the CHECK constraint the way an older binary's schema might.
		if _, err := reg.db.Exec("PRAGMA ignore_check_constraints = ON"); err != nil {
			t.Fatalf("disabling checks: %v", err)
		}
		if _, err := reg.db.Exec("UPDATE uploads SET status = 'ARCHIVED' WHERE id = ?", rec.ID); err != nil {
			t.Fatalf("corrupting status: %v", err)
		}

		_, err := reg.Get(ctx, rec.ID)
		if !errors.Is(err, upload.ErrUnknownStatus) {
			t.Errorf("Get() error = %v, want ErrUnknownStatus", err)
		}
	})
}

func TestSQLiteRegistry_ListReclaimCandidates(t *testing.T) {
	ctx := context.Background()
	staleBefore := testNow.Add(-time.Hour)

	reg := newTestRegistry(t)
	old := testNow.Add(-2 * time.Hour)

	staleWriting := createUpload(t, reg, old)
	setStatus(t, reg, staleWriting.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusWriting)

	freshWriting := createUpload(t, reg, testNow)
	setStatus(t, reg, freshWriting.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusWriting)

	freshHiding := createUpload(t, reg, testNow)
	setStatus(t, reg, freshHiding.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusHiding)

	stalePublished := createUpload(t, reg, old)
	setStatus(t, reg, stalePublished.ID, upload.StatusInitialized, upload.StatusAllocated,
		upload.StatusPublishing, upload.StatusPublished)

	hidden := createUpload(t, reg, old)
	setStatus(t, reg, hidden.ID, upload.StatusInitialized, upload.StatusHiding, upload.StatusHidden)

	staleInitialized := createUpload(t, reg, old)

	t.Run("selects stale and hiding records in id order", func(t *testing.T) {
		got, err := reg.ListReclaimCandidates(ctx, staleBefore, 0, 10)
		if err != nil {
			t.Fatalf("ListReclaimCandidates() error = %v", err)
		}

		want := []int64{staleWriting.ID, freshHiding.ID, staleInitialized.ID}
		if len(got) != len(want) {
			t.Fatalf("got %d candidates, want %d", len(got), len(want))
		}
		for i, c := range got {
			if c.Record.ID != want[i] {
				t.Errorf("candidate[%d] = %d, want %d", i, c.Record.ID, want[i])
			}
		}
	})

	t.Run("respects cursor and limit", func(t *testing.T) {
		got, err := reg.ListReclaimCandidates(ctx, staleBefore, staleWriting.ID, 1)
		if err != nil {
			t.Fatalf("ListReclaimCandidates() error = %v", err)
		}
		if len(got) != 1 || got[0].Record.ID != freshHiding.ID {
			t.Errorf("got %v, want only upload %d", got, freshHiding.ID)
		}
	})
}

func TestSQLiteRegistry_Claim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims stale record and counts attempt", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)
		setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusWriting)

		rc, err := reg.Claim(ctx, rec.ID, upload.StatusWriting, 0)
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if rc.Attempts != 1 || rc.PriorStatus != upload.StatusWriting {
			t.Errorf("Claim() = %+v, want attempts 1 prior WRITING", rc)
		}

		got, _ := reg.Get(ctx, rec.ID)
		if got.Status != upload.StatusHiding {
			t.Errorf("Status = %s, want HIDING", got.Status)
		}
	})

	t.Run("re-claim increments attempts and keeps prior status", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)
		setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusHiding)

		for want := 1; want <= 3; want++ {
			rc, err := reg.Claim(ctx, rec.ID, upload.StatusHiding, want-1)
			if err != nil {
				t.Fatalf("Claim() attempt %d error = %v", want, err)
			}
			if rc.Attempts != want {
				t.Errorf("Attempts = %d, want %d", rc.Attempts, want)
			}
			if rc.PriorStatus != upload.StatusAllocated {
				t.Errorf("PriorStatus = %s, want ALLOCATED", rc.PriorStatus)
			}
		}
	})

	t.Run("stale attempt count conflicts", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)
		setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusHiding)

		if _, err := reg.Claim(ctx, rec.ID, upload.StatusHiding, 0); err != nil {
			t.Fatalf("first Claim() error = %v", err)
		}
		_, err := reg.Claim(ctx, rec.ID, upload.StatusHiding, 0)
		if !errors.Is(err, upload.ErrConflict) {
			t.Errorf("second Claim() error = %v, want ErrConflict", err)
		}
	})

	t.Run("status change since selection conflicts", func(t *testing.T) {
		reg := newTestRegistry(t)
		rec := createUpload(t, reg, testNow)
		setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusAllocated, upload.StatusPublishing)

		_, err := reg.Claim(ctx, rec.ID, upload.StatusAllocated, 0)
		if !errors.Is(err, upload.ErrConflict) {
			t.Errorf("Claim() error = %v, want ErrConflict", err)
		}
		got, _ := reg.Get(ctx, rec.ID)
		if got.Status != upload.StatusPublishing {
			t.Errorf("Status = %s, want PUBLISHING", got.Status)
		}
	})
}

func TestSQLiteRegistry_MarkIntegrityChecked(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	rec := createUpload(t, reg, testNow)
	setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusAllocated)

	rc, err := reg.Claim(ctx, rec.ID, upload.StatusAllocated, 0)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if rc.IntegrityChecked {
		t.Error("IntegrityChecked = true after claim, want false")
	}

	if err := reg.MarkIntegrityChecked(ctx, rec.ID); err != nil {
		t.Fatalf("MarkIntegrityChecked() error = %v", err)
	}
	rc, err = reg.Claim(ctx, rec.ID, upload.StatusHiding, 1)
	if err != nil {
		t.Fatalf("re-Claim() error = %v", err)
	}
	if !rc.IntegrityChecked || rc.Attempts != 2 {
		t.Errorf("after re-claim = %+v, want checked with 2 attempts", rc)
	}

	if err := reg.MarkIntegrityChecked(ctx, 999); !errors.Is(err, upload.ErrNotFound) {
		t.Errorf("MarkIntegrityChecked(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRegistry_RecordReclaimFailure(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	rec := createUpload(t, reg, testNow)
	setStatus(t, reg, rec.ID, upload.StatusInitialized, upload.StatusHiding)

	if err := reg.RecordReclaimFailure(ctx, rec.ID, "disk on fire"); err != nil {
		t.Fatalf("RecordReclaimFailure() error = %v", err)
	}
	rc, err := reg.GetReclaim(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetReclaim() error = %v", err)
	}
	if rc.LastError != "disk on fire" {
		t.Errorf("LastError = %q, want %q", rc.LastError, "disk on fire")
	}

	if err := reg.RecordReclaimFailure(ctx, 999, "x"); !errors.Is(err, upload.ErrNotFound) {
		t.Errorf("RecordReclaimFailure(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRegistry_SweepRuns(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	last, err := reg.LastSweepRun(ctx)
	if err != nil {
		t.Fatalf("LastSweepRun() error = %v", err)
	}
	if last != nil {
		t.Fatalf("LastSweepRun() = %+v, want nil", last)
	}

	first := &upload.SweepRun{RunID: "run-1", StartedAt: testNow}
	if err := reg.CreateSweepRun(ctx, first); err != nil {
		t.Fatalf("CreateSweepRun() error = %v", err)
	}
	if first.ID == 0 {
		t.Error("CreateSweepRun() did not assign ID")
	}

	// An unfinished run is not the last run.
	last, _ = reg.LastSweepRun(ctx)
	if last != nil {
		t.Errorf("LastSweepRun() with only a running sweep = %+v, want nil", last)
	}

	first.FinishedAt = testNow.Add(time.Second)
	first.Status = upload.SweepSuccess
	first.CursorNext = 17
	first.Selected, first.Claimed, first.Hidden = 3, 2, 2
	if err := reg.FinishSweepRun(ctx, first); err != nil {
		t.Fatalf("FinishSweepRun() error = %v", err)
	}

	last, err = reg.LastSweepRun(ctx)
	if err != nil {
		t.Fatalf("LastSweepRun() error = %v", err)
	}
	if last == nil || last.RunID != "run-1" || last.CursorNext != 17 || last.Hidden != 2 {
		t.Errorf("LastSweepRun() = %+v, want run-1 with cursor 17 and 2 hidden", last)
	}

	second := &upload.SweepRun{RunID: "run-2", StartedAt: testNow.Add(time.Minute)}
	if err := reg.CreateSweepRun(ctx, second); err != nil {
		t.Fatalf("CreateSweepRun() error = %v", err)
	}

	runs, err := reg.ListSweepRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListSweepRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" || runs[1].RunID != "run-1" {
		t.Errorf("ListSweepRuns() returned %d runs in unexpected order", len(runs))
	}
	if !runs[0].FinishedAt.IsZero() {
		t.Errorf("running sweep FinishedAt = %v, want zero", runs[0].FinishedAt)
	}
}

func TestSQLiteRegistry_CountByStatus(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	a := createUpload(t, reg, testNow)
	setStatus(t, reg, a.ID, upload.StatusInitialized, upload.StatusAllocated)
	b := createUpload(t, reg, testNow)
	setStatus(t, reg, b.ID, upload.StatusInitialized, upload.StatusAllocated)
	createUpload(t, reg, testNow)

	counts, err := reg.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[upload.StatusAllocated] != 2 || counts[upload.StatusInitialized] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
	if _, ok := counts[upload.StatusHidden]; ok {
		t.Error("CountByStatus() included a status with no uploads")
	}
}

func TestSQLiteRegistry_BackupTo(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	rec := createUpload(t, reg, testNow)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := reg.BackupTo(ctx, dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	backup, err := NewSQLiteRegistry(dest, nil)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backup.Close()

	if err := backup.CheckMigrations(); err != nil {
		t.Errorf("backup CheckMigrations() error = %v", err)
	}
	got, err := backup.Get(ctx, rec.ID)
	if err != nil || got == nil {
		t.Fatalf("backup Get() = %v, %v", got, err)
	}
}

func TestSQLiteRegistry_Version(t *testing.T) {
	reg, err := NewSQLiteRegistry(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	defer reg.Close()

	v, err := reg.Version()
	if err != nil || v != 0 {
		t.Fatalf("Version() before migrate = %d, %v, want 0, nil", v, err)
	}

	if err := reg.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	v, err = reg.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != 4 {
		t.Errorf("Version() = %d, want 4", v)
	}
}
