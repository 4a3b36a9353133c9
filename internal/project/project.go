package project

import "time"

// PostStep is a named build command run after the working tree was reset.
type PostStep struct {
	Name    string
	Command []string
}

// Project represents a validated rollback target: a git checkout plus the
// settings that drive rollbacks of it.
type Project struct {
	Name       string
	Path       string
	Secret     string
	Repository string

	// BackupDir is absolute and always inside Path.
	BackupDir string

	// LockFile is shared by every rollbox process working on this checkout.
	// Empty disables cross-process locking.
	LockFile string

	GitTimeout   time.Duration
	StepTimeout  time.Duration
	Notify       []string
	PostRollback []PostStep
}

// PostStepConfig is one entry of a project's post_rollback list.
type PostStepConfig struct {
	Name    string      `yaml:"name"`
	Command interface{} `yaml:"command"` // string or list
}

// ProjectConfig represents the YAML configuration for a project
type ProjectConfig struct {
	Path         string           `yaml:"path"`
	Secret       string           `yaml:"secret"`
	Repository   string           `yaml:"repository"`
	BackupDir    string           `yaml:"backup_dir"`
	GitTimeout   int              `yaml:"git_timeout"`
	StepTimeout  int              `yaml:"step_timeout"`
	Notify       []string         `yaml:"notify"`
	PostRollback []PostStepConfig `yaml:"post_rollback"`
}

// SMTPConfig configures the outgoing mail relay. An empty Host disables
// notifications.
type SMTPConfig struct {
	Host     string `yaml:"host" validate:"omitempty,hostname|ip"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

// Enabled reports whether a mail relay is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// RetentionConfig controls scheduled history cleanup.
type RetentionConfig struct {
	Keep     int    `yaml:"keep" validate:"gte=0"`
	Schedule string `yaml:"schedule"`
}

// Config represents the root configuration structure
type Config struct {
	Database    string                   `yaml:"database"`
	SMTP        SMTPConfig               `yaml:"smtp"`
	GitHubToken string                   `yaml:"github_token"`
	Retention   RetentionConfig          `yaml:"retention"`
	Projects    map[string]ProjectConfig `yaml:"projects"`
}
