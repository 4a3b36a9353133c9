package rollback

import (
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// LockManager holds one non-blocking lock per project so that at most one
// rollback mutates a given checkout at a time. Different projects do not
// contend. Acquire additionally takes a file lock so that separate rollbox
// processes (the CLI and a running server) exclude each other too.
type LockManager struct {
	mu    sync.Mutex             // Protects the locks map
	locks map[string]*sync.Mutex // Per-project locks
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock attempts to acquire the lock for the given project without
// blocking. It returns false if a rollback of that project is running.
func (lm *LockManager) TryLock(projectName string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[projectName]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[projectName] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for the given project. It is a no-op for a
// project that was never locked.
func (lm *LockManager) Unlock(projectName string) {
	lm.mu.Lock()
	lock := lm.locks[projectName]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}

// Acquire takes the in-process lock for name and, when lockFile is set, an
// exclusive advisory lock on that file. It fails with ErrRollbackInProgress
// if either is held elsewhere. The returned func releases both.
func (lm *LockManager) Acquire(name, lockFile string) (func(), error) {
	if !lm.TryLock(name) {
		return nil, ErrRollbackInProgress
	}
	if lockFile == "" {
		return func() { lm.Unlock(name) }, nil
	}

	fl := flock.New(lockFile)
	locked, err := fl.TryLock()
	if err != nil {
		lm.Unlock(name)
		return nil, fmt.Errorf("failed to lock %s: %w", lockFile, err)
	}
	if !locked {
		lm.Unlock(name)
		return nil, ErrRollbackInProgress
	}

	return func() {
		_ = fl.Unlock()
		lm.Unlock(name)
	}, nil
}
