package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"rollbox/internal/history"
	"rollbox/internal/notify"
	"rollbox/internal/project"
	"rollbox/internal/rollback"
	"rollbox/internal/security"
	"rollbox/pkg/fileutil"
	"rollbox/pkg/templates"
)

const (
	configFileName  = "rollbox.yaml"
	defaultDatabase = "./rollbox.db"
)

var (
	configFile string
	logFile    string
	dbPath     string
)

// app holds what every command needs once configuration is loaded.
type app struct {
	config   *project.Config
	registry *project.Registry
	store    *history.Store
	logger   *slog.Logger
	closers  []io.Closer
}

// loadApp loads the configuration, sets up logging and opens the history
// database. Logs go to console and the log file. Callers must call Close.
func loadApp(console io.Writer) (*app, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}

	logger, logHandle, err := setupLogging(logFile, console)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	a := &app{logger: logger, closers: []io.Closer{logHandle}}

	if err := security.ValidateSecurePermissions(path); err != nil {
		logger.Warn("Configuration file holds secrets and should be private", "config", path, "error", err)
	}

	cfg, projects, err := project.LoadConfig(path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a.config = cfg
	a.registry = project.NewRegistry(projects)

	db := dbPath
	if db == "" {
		db = cfg.Database
	}
	if db == "" {
		db = defaultDatabase
	}
	if err := fileutil.EnsureDir(filepath.Dir(db), security.PermDirectory); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := history.NewStore(db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	a.store = store
	a.closers = append([]io.Closer{store}, a.closers...)
	if err := os.Chmod(db, security.PermDBFile); err != nil {
		logger.Warn("Could not restrict database permissions", "database", db, "error", err)
	}

	return a, nil
}

// Close releases the database and the log file.
func (a *app) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
}

// project looks up a configured project by name.
func (a *app) project(name string) (*project.Project, error) {
	if err := security.ValidateProjectName(name); err != nil {
		return nil, err
	}
	return a.registry.Get(name)
}

// notifier returns the e-mail notifier, or a no-op one when SMTP is not
// configured.
func (a *app) notifier() rollback.Notifier {
	smtp := a.config.SMTP
	if !smtp.Enabled() {
		return notify.NopNotifier{}
	}
	for _, name := range templates.ListTemplates() {
		if _, err := templates.GetTemplate(name); err != nil {
			a.logger.Warn("Notification template unavailable", "template", name, "error", err)
		}
	}
	return notify.NewEmailNotifier(&notify.SMTPMailer{
		Host:     smtp.Host,
		Port:     smtp.Port,
		Username: smtp.Username,
		Password: smtp.Password,
	}, smtp.From)
}

// runner returns the production executor. Configured credentials are
// masked in anything the commands print.
func (a *app) runner() rollback.CommandRunner {
	exec := rollback.NewExecutor(security.DefaultAllowedCommands)
	exec.Redact = a.secrets()
	return exec
}

func (a *app) secrets() []string {
	var secrets []string
	if a.config.GitHubToken != "" {
		secrets = append(secrets, a.config.GitHubToken)
	}
	if a.config.SMTP.Password != "" {
		secrets = append(secrets, a.config.SMTP.Password)
	}
	for _, name := range a.registry.List() {
		if proj, err := a.registry.Get(name); err == nil && proj.Secret != "" {
			secrets = append(secrets, proj.Secret)
		}
	}
	return secrets
}

// service builds the rollback service for a named project.
func (a *app) service(name string) (*rollback.Service, error) {
	proj, err := a.project(name)
	if err != nil {
		return nil, err
	}
	return rollback.NewService(proj, a.store, a.runner(), a.notifier(), nil, a.logger), nil
}

func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}

	searchPaths := fileutil.DefaultConfigPaths(configFileName)
	path, err := fileutil.SearchPaths(searchPaths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No configuration file found in default locations:\n")
		for _, p := range searchPaths {
			fmt.Fprintf(os.Stderr, "  - %s\n", p)
		}
		fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
		return "", fmt.Errorf("configuration file not found")
	}
	return path, nil
}

// setupLogging configures slog to write JSON to console and logPath.
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string, console io.Writer) (*slog.Logger, *os.File, error) {
	if err := fileutil.EnsureDir(filepath.Dir(logPath), security.PermDirectory); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return newLogger(io.MultiWriter(console, file)), file, nil
}

func newLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: replaceLevel,
	})
	return slog.New(handler)
}

// replaceLevel names rollback.LevelCritical instead of printing "ERROR+4".
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= rollback.LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
