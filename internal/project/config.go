package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"rollbox/internal/security"
	"rollbox/pkg/cmdutil"
)

const (
	DefaultBackupDir   = "var/rollback-backups"
	DefaultGitTimeout  = 60
	DefaultStepTimeout = 300
	DefaultSMTPPort    = 587
	DefaultKeep        = 50
	DefaultSchedule    = "@daily"
	LockFileName       = "rollbox.lock"
)

// DefaultPostRollback is the build sequence run when a project does not
// configure its own.
var DefaultPostRollback = []PostStep{
	{Name: "install_dependencies", Command: []string{"composer", "install", "--no-dev", "--optimize-autoloader", "--no-interaction"}},
	{Name: "purge_build_cache", Command: []string{"rm", "-rf", "var/cache/prod"}},
	{Name: "clear_cache", Command: []string{"php", "bin/console", "cache:clear", "--env=prod", "--no-debug"}},
	{Name: "warmup_cache", Command: []string{"php", "bin/console", "cache:warmup", "--env=prod", "--no-debug"}},
}

// reservedStepNames are recorded by the rollback pipeline itself.
var reservedStepNames = map[string]bool{
	"git_stash": true,
	"git_reset": true,
}

var validate = validator.New()

// LoadConfig loads and validates the configuration from a YAML file
func LoadConfig(configPath string) (*Config, map[string]*Project, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Initialize Projects map if it's nil (happens with empty YAML files)
	if config.Projects == nil {
		config.Projects = make(map[string]ProjectConfig)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if errs := ValidateGlobalConfig(config); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	projects := make(map[string]*Project)
	for name, projectConfig := range config.Projects {
		errs := ValidateProjectConfig(name, projectConfig)
		if len(errs) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for project '%s':\n%s",
				name, strings.Join(errs, "\n"))
		}

		project, err := buildProject(name, projectConfig)
		if err != nil {
			return nil, nil, err
		}
		projects[name] = project
	}

	return &config, projects, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("ROLLBOX_DB_PATH"); v != "" {
		config.Database = v
	}
	if v := os.Getenv("ROLLBOX_GITHUB_TOKEN"); v != "" {
		config.GitHubToken = v
	}
	if v := os.Getenv("ROLLBOX_SMTP_PASSWORD"); v != "" {
		config.SMTP.Password = v
	}
}

func applyDefaults(config *Config) {
	if config.SMTP.Host != "" && config.SMTP.Port == 0 {
		config.SMTP.Port = DefaultSMTPPort
	}
	if config.Retention.Keep == 0 {
		config.Retention.Keep = DefaultKeep
	}
	if config.Retention.Schedule == "" {
		config.Retention.Schedule = DefaultSchedule
	}
}

// ValidateGlobalConfig validates the settings shared by all projects.
func ValidateGlobalConfig(config Config) []string {
	var errs []string

	if err := validate.Struct(config.SMTP); err != nil {
		errs = append(errs, fieldErrors("smtp", err)...)
	}
	if config.SMTP.Enabled() && config.SMTP.From == "" {
		errs = append(errs, "  - smtp.from: required when smtp.host is set")
	}
	if err := validate.Struct(config.Retention); err != nil {
		errs = append(errs, fieldErrors("retention", err)...)
	}

	return errs
}

func fieldErrors(section string, err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{fmt.Sprintf("  - %s: %v", section, err)}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("  - %s.%s: failed '%s' validation", section, strings.ToLower(fe.Field()), fe.Tag()))
	}
	return out
}

// ValidateProjectConfig validates a single project configuration
func ValidateProjectConfig(name string, config ProjectConfig) []string {
	var errors []string

	if err := security.ValidateProjectName(name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': %v", name, err))
	}

	realPath := ""
	if config.Path == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'path' field", name))
	} else if !filepath.IsAbs(config.Path) {
		errors = append(errors, fmt.Sprintf("  - Project '%s': path must be absolute, got '%s'", name, config.Path))
	} else {
		resolved, err := filepath.EvalSymlinks(config.Path)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': cannot resolve path '%s': %v", name, config.Path, err))
		} else if info, err := os.Stat(resolved); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': cannot stat path '%s': %v", name, resolved, err))
		} else if !info.IsDir() {
			errors = append(errors, fmt.Sprintf("  - Project '%s': path is not a directory: '%s'", name, resolved))
		} else {
			realPath = resolved

			// .git is a directory in a normal clone and a file in a worktree
			if _, err := os.Stat(filepath.Join(realPath, ".git")); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("  - Project '%s': path is not a git repository (missing .git): '%s'", name, realPath))
			}

			// Check path is within allowed root if configured
			if projectsRoot := os.Getenv("ROLLBOX_PROJECTS_ROOT"); projectsRoot != "" {
				if _, err := security.SanitizePathWithin(projectsRoot, realPath); err != nil {
					errors = append(errors, fmt.Sprintf("  - Project '%s': path '%s' is outside allowed root '%s'", name, realPath, projectsRoot))
				}
			}
		}
	}

	if config.Secret == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'secret' field", name))
	} else if err := security.ValidateSecret(config.Secret); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': %v", name, err))
	}

	if config.Repository != "" {
		if err := security.ValidateRepository(config.Repository); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': %v", name, err))
		}
	}

	if config.BackupDir != "" && realPath != "" {
		if _, err := security.SanitizePathWithin(realPath, config.BackupDir); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': backup_dir must be inside the project path: %v", name, err))
		}
	}

	// Validate timeouts (must be positive if set, zero uses defaults)
	if config.GitTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': git_timeout must be a positive integer, got %d", name, config.GitTimeout))
	}
	if config.StepTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': step_timeout must be a positive integer, got %d", name, config.StepTimeout))
	}

	for i, addr := range config.Notify {
		if err := validate.Var(addr, "required,email"); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': notify[%d] is not a valid e-mail address: '%s'", name, i, addr))
		}
	}

	policy := security.NewCommandPolicy(security.DefaultAllowedCommands)
	seen := make(map[string]bool)
	for i, step := range config.PostRollback {
		switch {
		case step.Name == "":
			errors = append(errors, fmt.Sprintf("  - Project '%s': post_rollback[%d] is missing a name", name, i))
		case reservedStepNames[step.Name]:
			errors = append(errors, fmt.Sprintf("  - Project '%s': post_rollback[%d] uses reserved step name '%s'", name, i, step.Name))
		case seen[step.Name]:
			errors = append(errors, fmt.Sprintf("  - Project '%s': post_rollback[%d] duplicates step name '%s'", name, i, step.Name))
		}
		seen[step.Name] = true

		parts, err := cmdutil.ParseCommandList(step.Command)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': post_rollback[%d] %v", name, i, err))
			continue
		}
		if err := policy.Validate(parts); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': post_rollback[%d] %v", name, i, err))
		}
	}

	return errors
}

// buildProject applies defaults to an already validated configuration.
func buildProject(name string, config ProjectConfig) (*Project, error) {
	realPath, err := filepath.EvalSymlinks(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlinks for project '%s': %w", name, err)
	}

	backupDir := config.BackupDir
	if backupDir == "" {
		backupDir = DefaultBackupDir
	}
	backupDir, err = security.SanitizePathWithin(realPath, backupDir)
	if err != nil {
		return nil, fmt.Errorf("invalid backup_dir for project '%s': %w", name, err)
	}

	gitTimeout := config.GitTimeout
	if gitTimeout == 0 {
		gitTimeout = DefaultGitTimeout
	}

	stepTimeout := config.StepTimeout
	if stepTimeout == 0 {
		stepTimeout = DefaultStepTimeout
	}

	steps := DefaultPostRollback
	if config.PostRollback != nil {
		steps = make([]PostStep, 0, len(config.PostRollback))
		for _, step := range config.PostRollback {
			parts, err := cmdutil.ParseCommandList(step.Command)
			if err != nil {
				return nil, fmt.Errorf("invalid post_rollback step '%s' for project '%s': %w", step.Name, name, err)
			}
			steps = append(steps, PostStep{Name: step.Name, Command: parts})
		}
	}

	return &Project{
		Name:         name,
		Path:         realPath,
		Secret:       config.Secret,
		Repository:   config.Repository,
		BackupDir:    backupDir,
		LockFile:     lockFilePath(realPath),
		GitTimeout:   time.Duration(gitTimeout) * time.Second,
		StepTimeout:  time.Duration(stepTimeout) * time.Second,
		Notify:       config.Notify,
		PostRollback: steps,
	}, nil
}

// lockFilePath places the rollback lock inside the repository's git
// directory, where it never shows up as an untracked file. A worktree's .git
// is a file naming its git directory.
func lockFilePath(checkout string) string {
	dotGit := filepath.Join(checkout, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return filepath.Join(dotGit, LockFileName)
	}

	content, err := os.ReadFile(dotGit)
	if err != nil {
		return ""
	}
	gitDir, ok := strings.CutPrefix(strings.TrimSpace(string(content)), "gitdir:")
	if !ok {
		return ""
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(checkout, gitDir)
	}
	return filepath.Join(gitDir, LockFileName)
}
