// Package retention prunes old deployment history on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the janitor once a day at midnight.
const DefaultSchedule = "@daily"

// Store is the part of the history store the janitor needs.
type Store interface {
	Cleanup(ctx context.Context, project string, keep int) (int64, error)
}

// ProjectLister lists the configured project names.
type ProjectLister interface {
	List() []string
}

// Janitor keeps the newest Keep records of every project.
type Janitor struct {
	store    Store
	projects ProjectLister
	keep     int
	schedule string
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewJanitor validates the schedule and returns an unstarted janitor.
func NewJanitor(store Store, projects ProjectLister, keep int, schedule string, logger *slog.Logger) (*Janitor, error) {
	if keep < 1 {
		return nil, fmt.Errorf("retention keep must be at least 1, got %d", keep)
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		store:    store,
		projects: projects,
		keep:     keep,
		schedule: schedule,
		logger:   logger.With("component", "retention"),
	}, nil
}

// RunOnce prunes every project and returns the number of rows deleted per
// project. A failing project does not stop the others; the first error is
// returned after all projects were attempted.
func (j *Janitor) RunOnce(ctx context.Context) (map[string]int64, error) {
	deleted := make(map[string]int64)
	var firstErr error

	for _, name := range j.projects.List() {
		n, err := j.store.Cleanup(ctx, name, j.keep)
		if err != nil {
			j.logger.Error("History cleanup failed", "project", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup %s: %w", name, err)
			}
			continue
		}
		deleted[name] = n
		if n > 0 {
			j.logger.Info("History cleaned up", "project", name, "deleted", n, "keep", j.keep)
		}
	}
	return deleted, firstErr
}

// Start registers the cleanup job and starts the scheduler. Calling Start
// twice is a no-op.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}

	c := cron.New()
	id, err := c.AddFunc(j.schedule, func() {
		_, _ = j.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduling retention job: %w", err)
	}
	c.Start()

	j.cron = c
	j.entryID = id
	j.logger.Info("Retention scheduled", "schedule", j.schedule, "keep", j.keep)
	return nil
}

// Stop stops the scheduler and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	c.Remove(j.entryID)
	<-c.Stop().Done()
}
