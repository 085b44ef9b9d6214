package upload

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(1)
			defer unlock()

			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two holders of the same key overlapped")
	}
	if n := k.size(); n != 0 {
		t.Errorf("size() = %d after all unlocks, want 0", n)
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock(2)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock(2) blocked while key 1 was held")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock(7)
	unlock()
	unlock()

	if n := k.size(); n != 0 {
		t.Errorf("size() = %d, want 0", n)
	}

	// The key must still be usable.
	again := k.Lock(7)
	again()
}
