package rollback

import (
	"errors"
	"fmt"
	"log/slog"

	"rollbox/internal/history"
)

// LevelCritical is logged when the working tree could not be restored and
// needs human attention.
const LevelCritical = slog.Level(12)

var (
	// ErrInvalidTarget means the requested commit does not resolve to a
	// commit of the managed repository.
	ErrInvalidTarget = errors.New("invalid rollback target")

	// ErrNoOpRollback means the target is the commit that is already live.
	ErrNoOpRollback = errors.New("target commit is the current deployment")

	// ErrNoCurrentDeployment means there is no successful deployment to roll
	// back from.
	ErrNoCurrentDeployment = errors.New("no current deployment")

	// ErrNoPreviousDeployment means fewer than two successful deployments exist.
	ErrNoPreviousDeployment = errors.New("no previous deployment to roll back to")

	// ErrRollbackInProgress is returned while another rollback of the same
	// project is running.
	ErrRollbackInProgress = errors.New("a rollback is already in progress for this project")
)

// RollbackError reports a rollback that failed after the backup was taken
// and whose working tree was restored from that backup.
type RollbackError struct {
	Cause  error
	Steps  history.StepLog
	Backup *Backup
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v", e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// RestoreError reports that restoring from a backup failed. The working tree
// is in an unknown state.
type RestoreError struct {
	Backup *Backup

	// Cause is why the restore failed.
	Cause error

	// Original is the rollback failure that triggered the restore, if any.
	Original error
}

func (e *RestoreError) Error() string {
	commit := "unknown"
	if e.Backup != nil {
		commit = shortHash(e.Backup.Commit)
	}
	msg := fmt.Sprintf("restore to backup commit %s failed: %v", commit, e.Cause)
	if e.Original != nil {
		msg += fmt.Sprintf(" (after rollback failure: %v)", e.Original)
	}
	return msg
}

func (e *RestoreError) Unwrap() []error {
	if e.Original == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Original}
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
