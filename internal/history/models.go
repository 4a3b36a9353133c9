package history

import "time"

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

const (
	// RollbackBranch is the branch label carried by rollback-generated records.
	RollbackBranch = "rollback"

	// RollbackActor is the attribution of rollback-generated records.
	RollbackActor = "rollback-system"

	// DefaultKeep is the number of records retained by Cleanup when no
	// explicit count is configured.
	DefaultKeep = 50
)

// Record represents a single deployment or rollback event.
type Record struct {
	ID          int64     `json:"id"`
	Project     string    `json:"project"`
	CommitHash  string    `json:"commit_hash"`
	Branch      string    `json:"branch"`
	Repository  *string   `json:"repository,omitempty"`
	GitHubRunID *string   `json:"github_run_id,omitempty"`
	DeployedAt  time.Time `json:"deployed_at"`
	Status      Status    `json:"status"`
	Steps       StepLog   `json:"deployment_steps"`
	Duration    *float64  `json:"duration,omitempty"` // seconds
	DeployedBy  *string   `json:"deployed_by,omitempty"`

	// Set together, and only, by the success -> rolled_back transition.
	RollbackReason     *string    `json:"rollback_reason,omitempty"`
	RolledBackAt       *time.Time `json:"rolled_back_at,omitempty"`
	RolledBackToCommit *string    `json:"rolled_back_to_commit,omitempty"`
}

// Transition marks a current deployment as rolled back.
type Transition struct {
	RecordID int64
	ToCommit string
	Reason   string
	At       time.Time
}

// Page is one page of deployment history.
type Page struct {
	Deployments []Record `json:"deployments"`
	Page        int      `json:"page"`
	Limit       int      `json:"limit"`
	Total       int64    `json:"total"`
}
