package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollbox/internal/rollback"
)

// MaxFinishedJobs bounds how many completed jobs are kept for polling.
const MaxFinishedJobs = 100

// JobStatus is the lifecycle state of an asynchronous rollback.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous rollback started through the API.
type Job struct {
	ID         string           `json:"id"`
	Project    string           `json:"project"`
	Commit     string           `json:"commit,omitempty"`
	Reason     string           `json:"reason"`
	Status     JobStatus        `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Result     *rollback.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
}

// JobStore tracks rollback jobs. At most one job per project is running.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]string // project -> running job id
	now    func() time.Time
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]*Job),
		active: make(map[string]string),
		now:    time.Now,
	}
}

// Begin registers a running job for project. It returns false, along with
// the running job, when the project already has one.
func (js *JobStore) Begin(project, commit, reason string) (*Job, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if id, busy := js.active[project]; busy {
		return js.copyOf(js.jobs[id]), false
	}

	job := &Job{
		ID:        uuid.NewString(),
		Project:   project,
		Commit:    commit,
		Reason:    reason,
		Status:    JobRunning,
		CreatedAt: js.now().UTC(),
	}
	js.jobs[job.ID] = job
	js.active[project] = job.ID
	js.prune()

	return js.copyOf(job), true
}

// Finish records the outcome of job id and releases its project.
func (js *JobStore) Finish(id string, result *rollback.Result, err error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	job, ok := js.jobs[id]
	if !ok {
		return
	}

	finished := js.now().UTC()
	job.FinishedAt = &finished
	job.Result = result
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		job.ErrorKind = errorKind(err)
	} else {
		job.Status = JobSucceeded
	}

	if js.active[job.Project] == id {
		delete(js.active, job.Project)
	}
}

// Get returns a snapshot of job id.
func (js *JobStore) Get(id string) (*Job, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()

	job, ok := js.jobs[id]
	if !ok {
		return nil, false
	}
	return js.copyOf(job), true
}

func (js *JobStore) copyOf(job *Job) *Job {
	if job == nil {
		return nil
	}
	c := *job
	return &c
}

// prune drops the oldest finished jobs beyond MaxFinishedJobs.
// Caller must hold js.mu.
func (js *JobStore) prune() {
	var finished []*Job
	for _, job := range js.jobs {
		if job.Status != JobRunning {
			finished = append(finished, job)
		}
	}
	if len(finished) <= MaxFinishedJobs {
		return
	}

	sort.Slice(finished, func(i, j int) bool {
		return finished[i].FinishedAt.Before(*finished[j].FinishedAt)
	})
	for _, job := range finished[:len(finished)-MaxFinishedJobs] {
		delete(js.jobs, job.ID)
	}
}

// errorKind classifies rollback errors for API clients.
func errorKind(err error) string {
	var rollbackErr *rollback.RollbackError
	var restoreErr *rollback.RestoreError

	switch {
	case errors.As(err, &restoreErr):
		return "restore_failed"
	case errors.As(err, &rollbackErr):
		return "failed_restored"
	case errors.Is(err, rollback.ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, rollback.ErrNoOpRollback):
		return "no_op"
	case errors.Is(err, rollback.ErrNoCurrentDeployment):
		return "no_current_deployment"
	case errors.Is(err, rollback.ErrNoPreviousDeployment):
		return "no_previous_deployment"
	case errors.Is(err, rollback.ErrRollbackInProgress):
		return "in_progress"
	default:
		return "internal"
	}
}
