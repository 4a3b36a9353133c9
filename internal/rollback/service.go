package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/samber/lo"

	"rollbox/internal/history"
	"rollbox/internal/project"
	"rollbox/internal/security"
)

// State is a stage of the rollback pipeline.
type State string

const (
	StateValidating       State = "validating"
	StateBackingUp        State = "backing_up"
	StateRollingBackGit   State = "rolling_back_git"
	StateRunningPostSteps State = "running_post_steps"
	StatePersisting       State = "persisting"
	StateNotifying        State = "notifying"
	StateDone             State = "done"
	StateFailed           State = "failed"
	StateRestoring        State = "restoring"
	StateRestored         State = "restored"
	StateRestoreFailed    State = "restore_failed"
)

const (
	// MaxTargets bounds the list returned by AvailableTargets.
	MaxTargets = 10

	stepGitStash = "git_stash"
	stepGitReset = "git_reset"
)

// Store is the part of the history store the service needs.
type Store interface {
	CurrentDeployment(ctx context.Context, project string) (*history.Record, error)
	LastSuccessful(ctx context.Context, project string, limit int) ([]history.Record, error)
	ApplyRollback(ctx context.Context, t history.Transition, record *history.Record) (int64, error)
}

// Result describes a completed rollback.
type Result struct {
	Status     history.Status  `json:"status"`
	FromCommit string          `json:"from_commit"`
	ToCommit   string          `json:"to_commit"`
	Backup     *Backup         `json:"backup"`
	Steps      history.StepLog `json:"steps"`
	RecordID   int64           `json:"record_id"`
	State      State           `json:"state"`
	Duration   time.Duration   `json:"duration_ns"`
}

// Service rolls one project's checkout back to an earlier deployment.
type Service struct {
	project  *project.Project
	store    Store
	runner   CommandRunner
	notifier Notifier
	locks    *LockManager
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a rollback service for proj. Rollbacks of the same
// project are serialized through locks, which should be shared by every
// service of the process.
func NewService(proj *project.Project, store Store, runner CommandRunner, notifier Notifier, locks *LockManager, logger *slog.Logger) *Service {
	if locks == nil {
		locks = NewLockManager()
	}
	return &Service{
		project:  proj,
		store:    store,
		runner:   runner,
		notifier: notifier,
		locks:    locks,
		logger:   logger.With("project", proj.Name),
		now:      time.Now,
	}
}

// Project returns the project this service manages.
func (s *Service) Project() *project.Project {
	return s.project
}

// RollbackToCommit resets the checkout to commit, runs the post-rollback
// steps and records the rollback. On a failure after the backup was taken
// the checkout is restored and a *RollbackError is returned, or a
// *RestoreError if the restore failed too.
func (s *Service) RollbackToCommit(ctx context.Context, commit, reason string) (*Result, error) {
	release, err := s.locks.Acquire(s.project.Name, s.project.LockFile)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.rollback(ctx, commit, reason)
}

// RollbackToPrevious rolls back to the second most recent successful
// deployment.
func (s *Service) RollbackToPrevious(ctx context.Context, reason string) (*Result, error) {
	release, err := s.locks.Acquire(s.project.Name, s.project.LockFile)
	if err != nil {
		return nil, err
	}
	defer release()

	recent, err := s.store.LastSuccessful(ctx, s.project.Name, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent deployments: %w", err)
	}
	if len(recent) < 2 {
		return nil, ErrNoPreviousDeployment
	}

	return s.rollback(ctx, recent[1].CommitHash, reason)
}

// AvailableTargets returns up to MaxTargets recent successful deployments
// whose commit is not the one currently deployed.
func (s *Service) AvailableTargets(ctx context.Context) ([]history.Record, error) {
	recent, err := s.store.LastSuccessful(ctx, s.project.Name, MaxTargets)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent deployments: %w", err)
	}

	current, err := s.store.CurrentDeployment(ctx, s.project.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load current deployment: %w", err)
	}
	if current == nil {
		return recent, nil
	}

	return lo.Filter(recent, func(r history.Record, _ int) bool {
		return r.CommitHash != current.CommitHash
	}), nil
}

// RestoreFromBackup hard-resets the checkout to the commit captured in b.
func (s *Service) RestoreFromBackup(ctx context.Context, b *Backup) error {
	if b == nil {
		return fmt.Errorf("no backup to restore from")
	}
	if err := security.ValidateFullCommitHash(b.Commit); err != nil {
		return fmt.Errorf("invalid backup descriptor: %w", err)
	}

	out, err := s.runner.Run(ctx, s.project.Path, s.project.GitTimeout, []string{"git", "reset", "--hard", b.Commit})
	if err != nil {
		return fmt.Errorf("git reset to %s failed: %w", shortHash(b.Commit), err)
	}

	s.logger.Info("Restored checkout from backup", "commit", b.Commit, "backup", b.File, "output", out)
	return nil
}

func (s *Service) rollback(ctx context.Context, commit, reason string) (*Result, error) {
	start := s.now()
	logger := s.logger.With("commit", commit)

	s.enter(logger, StateValidating)
	target, err := s.resolveTarget(ctx, commit)
	if err != nil {
		return nil, err
	}

	current, err := s.store.CurrentDeployment(ctx, s.project.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load current deployment: %w", err)
	}
	if current == nil {
		return nil, ErrNoCurrentDeployment
	}
	if current.CommitHash == target {
		return nil, fmt.Errorf("%w: %s", ErrNoOpRollback, shortHash(target))
	}

	// From here on the checkout is mutated; the caller can no longer cancel.
	work := context.WithoutCancel(ctx)

	s.enter(logger, StateBackingUp)
	backup, err := s.createBackup(work)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}
	logger.Info("Backup created", "backup", backup.File, "backup_commit", backup.Commit)

	var steps history.StepLog
	var recordID int64

	s.enter(logger, StateRollingBackGit)
	err = s.runGitSteps(work, logger, target, backup, &steps)
	if err == nil {
		s.enter(logger, StateRunningPostSteps)
		err = s.runPostSteps(work, logger, &steps)
	}
	if err == nil {
		s.enter(logger, StatePersisting)
		recordID, err = s.persist(work, current, target, reason, steps, start)
	}
	if err != nil {
		return nil, s.fail(work, logger, err, backup, steps, current.CommitHash, target, reason)
	}

	result := &Result{
		Status:     history.StatusSuccess,
		FromCommit: current.CommitHash,
		ToCommit:   target,
		Backup:     backup,
		Steps:      steps,
		RecordID:   recordID,
		Duration:   s.now().Sub(start),
	}

	s.enter(logger, StateNotifying)
	sendNotification(work, logger, s.notifier, Notification{
		Project:    s.project.Name,
		Recipients: s.project.Notify,
		Succeeded:  true,
		FromCommit: result.FromCommit,
		ToCommit:   result.ToCommit,
		Reason:     reason,
		Steps:      steps,
		Backup:     backup,
		At:         s.now(),
	})

	s.enter(logger, StateDone)
	result.State = StateDone
	logger.Info("Rollback completed", "from", shortHash(result.FromCommit), "to", shortHash(result.ToCommit), "duration", result.Duration)
	return result, nil
}

// resolveTarget turns a user supplied commit reference into a full hash.
func (s *Service) resolveTarget(ctx context.Context, commit string) (string, error) {
	if err := security.ValidateCommitRef(commit); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	// ^0 peels to a commit and fails for any other object type.
	out, err := s.runner.Run(ctx, s.project.Path, s.project.GitTimeout,
		[]string{"git", "rev-parse", "--verify", "--quiet", commit + "^0"})
	if err != nil {
		return "", fmt.Errorf("%w: %s does not resolve to a commit", ErrInvalidTarget, commit)
	}
	if err := security.ValidateFullCommitHash(out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return out, nil
}

func (s *Service) createBackup(ctx context.Context) (*Backup, error) {
	head, err := s.runner.Run(ctx, s.project.Path, s.project.GitTimeout, []string{"git", "rev-parse", "HEAD"})
	if err != nil {
		return nil, fmt.Errorf("failed to read current revision: %w", err)
	}
	if err := security.ValidateFullCommitHash(head); err != nil {
		return nil, fmt.Errorf("unexpected output from git rev-parse: %w", err)
	}

	now := s.now().UTC()
	backup := &Backup{
		Path:      s.project.Path,
		Timestamp: now.Format(backupTimeLayout),
		Commit:    head,
		CreatedAt: now,
	}
	if err := writeBackup(s.project.BackupDir, backup); err != nil {
		return nil, err
	}
	return backup, nil
}

func (s *Service) runGitSteps(ctx context.Context, logger *slog.Logger, target string, backup *Backup, steps *history.StepLog) error {
	// Untracked files are left alone so the backup directory survives.
	stash := []string{"git", "stash", "push", "-m", "rollbox-pre-rollback-" + backup.Timestamp}
	out, err := s.runner.Run(ctx, s.project.Path, s.project.GitTimeout, stash)
	if err != nil {
		steps.Failed(stepGitStash, err, out)
		logger.Warn("Stashing local changes failed, continuing", "step", stepGitStash, "error", err)
	} else {
		steps.Succeeded(stepGitStash, out)
	}

	out, err = s.runner.Run(ctx, s.project.Path, s.project.GitTimeout, []string{"git", "reset", "--hard", target})
	if err != nil {
		steps.Failed(stepGitReset, err, out)
		return fmt.Errorf("git reset to %s failed: %w", shortHash(target), err)
	}
	steps.Succeeded(stepGitReset, out)
	return nil
}

func (s *Service) runPostSteps(ctx context.Context, logger *slog.Logger, steps *history.StepLog) error {
	for _, step := range s.project.PostRollback {
		logger.Info("Running post-rollback step", "step", step.Name)

		out, err := s.runner.Run(ctx, s.project.Path, s.project.StepTimeout, step.Command)
		if err != nil {
			steps.Failed(step.Name, err, out)
			return fmt.Errorf("post-rollback step %s failed: %w", step.Name, err)
		}
		steps.Succeeded(step.Name, out)
	}
	return nil
}

func (s *Service) persist(ctx context.Context, current *history.Record, target, reason string, steps history.StepLog, start time.Time) (int64, error) {
	now := s.now()
	duration := math.Round(now.Sub(start).Seconds()*100) / 100
	actor := history.RollbackActor

	record := &history.Record{
		Project:    s.project.Name,
		CommitHash: target,
		Branch:     history.RollbackBranch,
		DeployedAt: now,
		Status:     history.StatusSuccess,
		Steps:      steps,
		Duration:   &duration,
		DeployedBy: &actor,
	}
	if s.project.Repository != "" {
		repo := s.project.Repository
		record.Repository = &repo
	}

	id, err := s.store.ApplyRollback(ctx, history.Transition{
		RecordID: current.ID,
		ToCommit: target,
		Reason:   reason,
		At:       now,
	}, record)
	if err != nil {
		return 0, fmt.Errorf("failed to record rollback: %w", err)
	}
	return id, nil
}

// fail runs the restore branch and builds the error returned to the caller.
func (s *Service) fail(ctx context.Context, logger *slog.Logger, cause error, backup *Backup, steps history.StepLog, from, target, reason string) error {
	s.enter(logger, StateFailed)
	logger.Error("Rollback failed, restoring from backup", "error", cause, "backup", backup.File)

	n := Notification{
		Project:    s.project.Name,
		Recipients: s.project.Notify,
		FromCommit: from,
		ToCommit:   target,
		Reason:     reason,
		Steps:      steps,
		Backup:     backup,
		Error:      cause.Error(),
	}

	s.enter(logger, StateRestoring)
	if restoreErr := s.RestoreFromBackup(ctx, backup); restoreErr != nil {
		s.enter(logger, StateRestoreFailed)
		logger.Log(ctx, LevelCritical, "Restore from backup failed, checkout is in an unknown state",
			"error", restoreErr, "backup", backup.File, "backup_commit", backup.Commit, "rollback_error", cause)

		n.Error = fmt.Sprintf("%v; restore failed: %v", cause, restoreErr)
		n.At = s.now()
		sendNotification(ctx, logger, s.notifier, n)

		return &RestoreError{Backup: backup, Cause: restoreErr, Original: cause}
	}

	s.enter(logger, StateRestored)
	n.Restored = true
	n.At = s.now()
	sendNotification(ctx, logger, s.notifier, n)

	return &RollbackError{Cause: cause, Steps: steps, Backup: backup}
}

func (s *Service) enter(logger *slog.Logger, state State) {
	logger.Debug("Rollback state", "state", string(state))
}
