package rollback

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockManager_TryLock(t *testing.T) {
	lm := NewLockManager()

	if !lm.TryLock("comics") {
		t.Fatal("First TryLock should succeed")
	}
	if lm.TryLock("comics") {
		t.Error("Second TryLock on the same project should fail")
	}

	// Other projects are independent
	if !lm.TryLock("zines") {
		t.Error("TryLock on another project should succeed")
	}

	lm.Unlock("comics")
	lm.Unlock("zines")

	if !lm.TryLock("comics") {
		t.Error("TryLock should succeed after unlock")
	}
	lm.Unlock("comics")
}

func TestLockManager_UnlockNeverLocked(t *testing.T) {
	lm := NewLockManager()

	// Must not panic
	lm.Unlock("never-locked")

	if !lm.TryLock("never-locked") {
		t.Error("Should be able to lock after unlocking an unknown project")
	}
	lm.Unlock("never-locked")
}

func TestLockManager_ConcurrentAttempts(t *testing.T) {
	lm := NewLockManager()

	var holders, maxHolders, failures int32
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start

			if !lm.TryLock("comics") {
				atomic.AddInt32(&failures, 1)
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			lm.Unlock("comics")
		}()
	}

	close(start)
	wg.Wait()

	if maxHolders != 1 {
		t.Errorf("Expected at most one concurrent holder, saw %d", maxHolders)
	}
	if failures == 0 {
		t.Error("Expected some lock attempts to fail while the lock was held")
	}
}

func BenchmarkLockManager_TryLock(b *testing.B) {
	lm := NewLockManager()

	for i := 0; i < b.N; i++ {
		lm.TryLock("bench-project")
		lm.Unlock("bench-project")
	}
}

func TestLockManager_AcquireAcrossManagers(t *testing.T) {
	lockFile := filepath.Join(t.TempDir(), "rollbox.lock")

	// Two managers stand in for the CLI and a running server.
	cli, server := NewLockManager(), NewLockManager()

	release, err := cli.Acquire("comics", lockFile)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := server.Acquire("comics", lockFile); !errors.Is(err, ErrRollbackInProgress) {
		t.Errorf("second manager: Acquire() error = %v, want ErrRollbackInProgress", err)
	}
	if _, err := cli.Acquire("comics", lockFile); !errors.Is(err, ErrRollbackInProgress) {
		t.Errorf("same manager: Acquire() error = %v, want ErrRollbackInProgress", err)
	}

	release()

	release, err = server.Acquire("comics", lockFile)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	release()

	// A failed file lock must not leave the in-process lock held.
	if !server.TryLock("comics") {
		t.Error("in-process lock still held after release")
	}
	server.Unlock("comics")
}

func TestLockManager_AcquireWithoutLockFile(t *testing.T) {
	lm := NewLockManager()

	release, err := lm.Acquire("comics", "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := lm.Acquire("comics", ""); !errors.Is(err, ErrRollbackInProgress) {
		t.Errorf("Acquire() error = %v, want ErrRollbackInProgress", err)
	}
	release()
}

func TestLockManager_AcquireUnwritableLockFile(t *testing.T) {
	lm := NewLockManager()

	_, err := lm.Acquire("comics", filepath.Join(t.TempDir(), "missing", "rollbox.lock"))
	if err == nil || errors.Is(err, ErrRollbackInProgress) {
		t.Fatalf("Acquire() error = %v, want a lock file error", err)
	}
	if !lm.TryLock("comics") {
		t.Error("in-process lock leaked after a file lock error")
	}
	lm.Unlock("comics")
}
