package upload_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"chunkup/internal/database"
	"chunkup/internal/storage"
	"chunkup/internal/testutil"
	"chunkup/internal/upload"
)

type fixture struct {
	svc    *upload.Service
	reg    *database.SQLiteRegistry
	mem    *storage.MemoryStorage
	faulty *testutil.FaultyStorage
	clock  *testutil.StubClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.FixedClock()
	reg := testutil.NewTestRegistry(t, clock)
	mem := testutil.NewTestStorage()
	faulty := testutil.NewFaultyStorage(mem)
	svc := upload.NewService(reg, faulty, upload.NewNopLogger(), clock, upload.Limits{MaxDeclaredSize: 1 << 20})
	return &fixture{svc: svc, reg: reg, mem: mem, faulty: faulty, clock: clock}
}

func (f *fixture) allocate(t *testing.T, size int64) *upload.Record {
	t.Helper()
	rec, err := f.svc.Allocate(context.Background(), upload.AllocateRequest{DeclaredSize: size, Extension: "bin", PostID: 1})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	return rec
}

func (f *fixture) status(t *testing.T, id int64) upload.Status {
	t.Helper()
	rec, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return rec.Status
}

func chunk(data []byte, start, end int64) upload.Chunk {
	return upload.Chunk{Start: start, End: end, Total: int64(len(data)), Data: data[start:end]}
}

func TestService_Allocate(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves private storage", func(t *testing.T) {
		f := setup(t)

		rec := f.allocate(t, 100)
		if rec.Status != upload.StatusAllocated {
			t.Errorf("Status = %s, want ALLOCATED", rec.Status)
		}
		if got := f.status(t, rec.ID); got != upload.StatusAllocated {
			t.Errorf("persisted status = %s, want ALLOCATED", got)
		}
		if !rec.CreatedAt.Equal(f.clock.Now()) {
			t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, f.clock.Now())
		}
		if data := f.mem.Bytes(rec.Key(), upload.AreaPrivate); data == nil || len(data) != 0 {
			t.Errorf("private object = %v, want empty object", data)
		}
	})

	t.Run("accepts missing extension", func(t *testing.T) {
		f := setup(t)
		rec, err := f.svc.Allocate(ctx, upload.AllocateRequest{DeclaredSize: 5})
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if rec.Extension != "" {
			t.Errorf("Extension = %q, want empty", rec.Extension)
		}
	})

	tests := []struct {
		name    string
		req     upload.AllocateRequest
		wantErr error
	}{
		{"zero size", upload.AllocateRequest{DeclaredSize: 0, Extension: "png"}, upload.ErrInvalidRequest},
		{"negative size", upload.AllocateRequest{DeclaredSize: -1}, upload.ErrInvalidRequest},
		{"over quota", upload.AllocateRequest{DeclaredSize: 1<<20 + 1}, upload.ErrQuotaExceeded},
		{"extension with dot", upload.AllocateRequest{DeclaredSize: 1, Extension: "tar.gz"}, upload.ErrInvalidRequest},
		{"extension with slash", upload.AllocateRequest{DeclaredSize: 1, Extension: "../x"}, upload.ErrInvalidRequest},
		{"extension too long", upload.AllocateRequest{DeclaredSize: 1, Extension: strings.Repeat("a", 33)}, upload.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)

			_, err := f.svc.Allocate(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Allocate() error = %v, want %v", err, tt.wantErr)
			}

			// Rejected requests never reach the registry.
			rec, _ := f.reg.Get(ctx, 1)
			if rec != nil {
				t.Errorf("record created for rejected request: %+v", rec)
			}
		})
	}

	t.Run("quota boundary is inclusive", func(t *testing.T) {
		f := setup(t)
		if _, err := f.svc.Allocate(ctx, upload.AllocateRequest{DeclaredSize: 1 << 20}); err != nil {
			t.Errorf("Allocate() at limit error = %v", err)
		}
	})

	t.Run("storage failure hands record to reaper", func(t *testing.T) {
		f := setup(t)
		f.faulty.Fail(testutil.OpAllocate, errors.New("disk full"))

		_, err := f.svc.Allocate(ctx, upload.AllocateRequest{DeclaredSize: 10})
		if !errors.Is(err, upload.ErrStorageIO) {
			t.Fatalf("Allocate() error = %v, want ErrStorageIO", err)
		}
		if got := f.status(t, 1); got != upload.StatusHiding {
			t.Errorf("status = %s, want HIDING", got)
		}
	})
}

func TestService_WriteChunk(t *testing.T) {
	ctx := context.Background()
	data := []byte("0123456789abcdef")

	t.Run("first chunk moves to WRITING", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))

		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, 4)); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}
		if got := f.status(t, rec.ID); got != upload.StatusWriting {
			t.Errorf("status = %s, want WRITING", got)
		}
	})

	t.Run("chunks in any order assemble the object", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))

		for _, r := range [][2]int64{{12, 16}, {0, 4}, {8, 12}, {4, 8}, {0, 4}} {
			if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, r[0], r[1])); err != nil {
				t.Fatalf("WriteChunk(%d-%d) error = %v", r[0], r[1], err)
			}
		}

		if got := f.mem.Bytes(rec.Key(), upload.AreaPrivate); !bytes.Equal(got, data) {
			t.Errorf("private object = %q, want %q", got, data)
		}
	})

	t.Run("rejected chunks write nothing", func(t *testing.T) {
		tests := []struct {
			name    string
			chunk   upload.Chunk
			wantErr error
		}{
			{"total disagrees", upload.Chunk{Start: 0, End: 4, Total: 99, Data: data[:4]}, upload.ErrSizeMismatch},
			{"end beyond declared size", upload.Chunk{Start: 14, End: 18, Total: 16, Data: []byte("wxyz")}, upload.ErrSizeMismatch},
			{"payload length mismatch", upload.Chunk{Start: 0, End: 8, Total: 16, Data: data[:4]}, upload.ErrSizeMismatch},
			{"start after end", upload.Chunk{Start: 8, End: 4, Total: 16}, upload.ErrInvalidRequest},
			{"negative start", upload.Chunk{Start: -1, End: 3, Total: 16, Data: data[:4]}, upload.ErrInvalidRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := setup(t)
				rec := f.allocate(t, int64(len(data)))

				err := f.svc.WriteChunk(ctx, rec.ID, tt.chunk)
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("WriteChunk() error = %v, want %v", err, tt.wantErr)
				}
				if n := f.faulty.Calls(testutil.OpWrite); n != 0 {
					t.Errorf("storage Write called %d times", n)
				}
				if got := f.status(t, rec.ID); got != upload.StatusAllocated {
					t.Errorf("status = %s, want ALLOCATED", got)
				}
			})
		}
	})

	t.Run("unknown upload", func(t *testing.T) {
		f := setup(t)
		err := f.svc.WriteChunk(ctx, 404, chunk(data, 0, 4))
		if !errors.Is(err, upload.ErrNotFound) {
			t.Errorf("WriteChunk() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("published upload rejects chunks", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, 16)); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}
		if _, err := f.svc.Finalize(ctx, rec.ID); err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}

		err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, 4))
		if !errors.Is(err, upload.ErrInvalidState) {
			t.Errorf("WriteChunk() error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("storage failure surfaces as StorageIO", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))
		f.faulty.Fail(testutil.OpWrite, errors.New("io error"))

		err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, 4))
		if !errors.Is(err, upload.ErrStorageIO) {
			t.Errorf("WriteChunk() error = %v, want ErrStorageIO", err)
		}
		if got := f.status(t, rec.ID); got != upload.StatusAllocated {
			t.Errorf("status = %s, want ALLOCATED", got)
		}
	})

	t.Run("concurrent chunks to one upload", func(t *testing.T) {
		f := setup(t)
		big := bytes.Repeat([]byte("chunkup!"), 512)
		rec := f.allocate(t, int64(len(big)))

		var wg sync.WaitGroup
		for start := int64(0); start < int64(len(big)); start += 256 {
			wg.Add(1)
			go func(start int64) {
				defer wg.Done()
				if err := f.svc.WriteChunk(ctx, rec.ID, chunk(big, start, start+256)); err != nil {
					t.Errorf("WriteChunk(%d) error = %v", start, err)
				}
			}(start)
		}
		wg.Wait()

		if got := f.mem.Bytes(rec.Key(), upload.AreaPrivate); !bytes.Equal(got, big) {
			t.Error("private object does not match the uploaded bytes")
		}
		if got := f.status(t, rec.ID); got != upload.StatusWriting {
			t.Errorf("status = %s, want WRITING", got)
		}
	})
}

func TestService_Finalize(t *testing.T) {
	ctx := context.Background()
	data := []byte("hello, world")

	t.Run("publishes complete upload", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, int64(len(data)))); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}

		got, err := f.svc.Finalize(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}
		if got.Status != upload.StatusPublished {
			t.Errorf("returned status = %s, want PUBLISHED", got.Status)
		}
		if st := f.status(t, rec.ID); st != upload.StatusPublished {
			t.Errorf("persisted status = %s, want PUBLISHED", st)
		}
		if pub := f.mem.Bytes(rec.Key(), upload.AreaPublic); !bytes.Equal(pub, data) {
			t.Errorf("public object = %q, want %q", pub, data)
		}
		if priv := f.mem.Bytes(rec.Key(), upload.AreaPrivate); priv != nil {
			t.Errorf("private object still present: %q", priv)
		}
	})

	t.Run("incomplete upload keeps status", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, 5)); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}

		_, err := f.svc.Finalize(ctx, rec.ID)
		if !errors.Is(err, upload.ErrIncompleteUpload) {
			t.Fatalf("Finalize() error = %v, want ErrIncompleteUpload", err)
		}
		if !errors.Is(err, upload.ErrSizeMismatch) {
			t.Errorf("ErrIncompleteUpload does not match ErrSizeMismatch")
		}
		if st := f.status(t, rec.ID); st != upload.StatusWriting {
			t.Errorf("status = %s, want WRITING", st)
		}

		// Sending the rest makes finalize succeed.
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 5, int64(len(data)))); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}
		if _, err := f.svc.Finalize(ctx, rec.ID); err != nil {
			t.Errorf("Finalize() after completing error = %v", err)
		}
	})

	t.Run("finalize without chunks is incomplete", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))

		_, err := f.svc.Finalize(ctx, rec.ID)
		if !errors.Is(err, upload.ErrIncompleteUpload) {
			t.Errorf("Finalize() error = %v, want ErrIncompleteUpload", err)
		}
		if st := f.status(t, rec.ID); st != upload.StatusAllocated {
			t.Errorf("status = %s, want ALLOCATED", st)
		}
	})

	t.Run("finalize on published is invalid state", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, int64(len(data)))); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}
		if _, err := f.svc.Finalize(ctx, rec.ID); err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}

		_, err := f.svc.Finalize(ctx, rec.ID)
		if !errors.Is(err, upload.ErrInvalidState) {
			t.Errorf("second Finalize() error = %v, want ErrInvalidState", err)
		}
		if st := f.status(t, rec.ID); st != upload.StatusPublished {
			t.Errorf("status = %s, want PUBLISHED", st)
		}
	})

	t.Run("publish failure rolls back and is retryable", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, int64(len(data)))
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk(data, 0, int64(len(data)))); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}
		f.faulty.Fail(testutil.OpPublish, errors.New("rename failed"))

		_, err := f.svc.Finalize(ctx, rec.ID)
		if !errors.Is(err, upload.ErrStorageIO) {
			t.Fatalf("Finalize() error = %v, want ErrStorageIO", err)
		}
		if st := f.status(t, rec.ID); st != upload.StatusWriting {
			t.Errorf("status after failed publish = %s, want WRITING", st)
		}

		f.faulty.Heal(testutil.OpPublish)
		if _, err := f.svc.Finalize(ctx, rec.ID); err != nil {
			t.Fatalf("retried Finalize() error = %v", err)
		}
		if st := f.status(t, rec.ID); st != upload.StatusPublished {
			t.Errorf("status = %s, want PUBLISHED", st)
		}
	})

	t.Run("unknown upload", func(t *testing.T) {
		f := setup(t)
		if _, err := f.svc.Finalize(ctx, 404); !errors.Is(err, upload.ErrNotFound) {
			t.Errorf("Finalize() error = %v, want ErrNotFound", err)
		}
	})
}

func TestService_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("published upload becomes HIDING", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, 3)
		if err := f.svc.WriteChunk(ctx, rec.ID, chunk([]byte("abc"), 0, 3)); err != nil {
			t.Fatalf("WriteChunk() error = %v", err)
		}
		if _, err := f.svc.Finalize(ctx, rec.ID); err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}

		if err := f.svc.Remove(ctx, rec.ID); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if st := f.status(t, rec.ID); st != upload.StatusHiding {
			t.Errorf("status = %s, want HIDING", st)
		}

		rc, err := f.reg.GetReclaim(ctx, rec.ID)
		if err != nil || rc == nil {
			t.Fatalf("GetReclaim() = %v, %v", rc, err)
		}
		if rc.PriorStatus != upload.StatusPublished {
			t.Errorf("PriorStatus = %s, want PUBLISHED", rc.PriorStatus)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, 3)

		for i := 0; i < 3; i++ {
			if err := f.svc.Remove(ctx, rec.ID); err != nil {
				t.Fatalf("Remove() call %d error = %v", i+1, err)
			}
		}
		if st := f.status(t, rec.ID); st != upload.StatusHiding {
			t.Errorf("status = %s, want HIDING", st)
		}
	})

	t.Run("remove on terminal status is a no-op", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, 3)
		if err := f.svc.Remove(ctx, rec.ID); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if err := f.reg.CompareAndSetStatus(ctx, rec.ID, upload.StatusHiding, upload.StatusHidden); err != nil {
			t.Fatalf("CompareAndSetStatus() error = %v", err)
		}

		if err := f.svc.Remove(ctx, rec.ID); err != nil {
			t.Errorf("Remove() on HIDDEN error = %v", err)
		}
		if st := f.status(t, rec.ID); st != upload.StatusHidden {
			t.Errorf("status = %s, want HIDDEN", st)
		}
	})

	t.Run("remove during publish conflicts", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, 3)
		if err := f.reg.CompareAndSetStatus(ctx, rec.ID, upload.StatusAllocated, upload.StatusPublishing); err != nil {
			t.Fatalf("CompareAndSetStatus() error = %v", err)
		}

		err := f.svc.Remove(ctx, rec.ID)
		if !errors.Is(err, upload.ErrConflict) {
			t.Errorf("Remove() error = %v, want ErrConflict", err)
		}
	})

	t.Run("unknown upload", func(t *testing.T) {
		f := setup(t)
		if err := f.svc.Remove(ctx, 404); !errors.Is(err, upload.ErrNotFound) {
			t.Errorf("Remove() error = %v, want ErrNotFound", err)
		}
	})
}

func TestService_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()

	t.Run("finalize races reaper claim", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			f := setup(t)
			rec := f.allocate(t, 3)
			if err := f.svc.WriteChunk(ctx, rec.ID, chunk([]byte("abc"), 0, 3)); err != nil {
				t.Fatalf("WriteChunk() error = %v", err)
			}

			var (
				wg                  sync.WaitGroup
				finalizeErr, clmErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, finalizeErr = f.svc.Finalize(ctx, rec.ID)
			}()
			go func() {
				defer wg.Done()
				_, clmErr = f.reg.Claim(ctx, rec.ID, upload.StatusWriting, 0)
			}()
			wg.Wait()

			if (finalizeErr == nil) == (clmErr == nil) {
				t.Fatalf("want exactly one winner: finalize=%v claim=%v", finalizeErr, clmErr)
			}
			if clmErr != nil && !errors.Is(clmErr, upload.ErrConflict) {
				t.Errorf("claim error = %v, want ErrConflict", clmErr)
			}
			// Finalize either loses the compare-and-set or reads HIDING first.
			if finalizeErr != nil && !errors.Is(finalizeErr, upload.ErrConflict) && !errors.Is(finalizeErr, upload.ErrInvalidState) {
				t.Errorf("finalize error = %v, want ErrConflict or ErrInvalidState", finalizeErr)
			}
		}
	})

	t.Run("many compare-and-sets from the same status", func(t *testing.T) {
		f := setup(t)
		rec := f.allocate(t, 3)

		targets := []upload.Status{upload.StatusWriting, upload.StatusPublishing, upload.StatusHiding}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(to upload.Status) {
				defer wg.Done()
				err := f.reg.CompareAndSetStatus(ctx, rec.ID, upload.StatusAllocated, to)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, upload.ErrConflict) {
					t.Errorf("CompareAndSetStatus() error = %v", err)
				}
			}(targets[i%len(targets)])
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("%d compare-and-sets succeeded, want 1", wins)
		}
	})
}
