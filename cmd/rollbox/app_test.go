package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"rollbox/internal/project"
	"rollbox/internal/rollback"
)

func TestNewLogger_CriticalLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf)

	logger.Log(context.Background(), rollback.LevelCritical, "restore failed", "project", "comics")
	logger.Error("plain error")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	want := []string{"CRITICAL", "ERROR"}
	for i, line := range lines {
		var entry map[string]interface{}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		if entry["level"] != want[i] {
			t.Errorf("line %d level = %v, want %s", i, entry["level"], want[i])
		}
	}
}

func TestReplaceLevel_IgnoresGroupedAttrs(t *testing.T) {
	attr := slog.Any(slog.LevelKey, rollback.LevelCritical)
	if got := replaceLevel([]string{"request"}, attr); got.Value.Any() != rollback.LevelCritical {
		t.Errorf("grouped attribute was rewritten to %v", got.Value)
	}
}

func TestResolveConfigPath(t *testing.T) {
	oldConfig := configFile
	defer func() { configFile = oldConfig }()

	configFile = "/explicit/rollbox.yaml"
	if got, err := resolveConfigPath(); err != nil || got != configFile {
		t.Errorf("explicit path: got %q, %v", got, err)
	}

	configFile = ""
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", configFileName), []byte("projects: {}\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	got, err := resolveConfigPath()
	if err != nil {
		t.Fatalf("resolveConfigPath() error = %v", err)
	}
	if got != filepath.Join(".", "config", configFileName) {
		t.Errorf("resolveConfigPath() = %q", got)
	}
}

func TestApp_SecretsAreRedacted(t *testing.T) {
	cfg := &project.Config{GitHubToken: "ghp_token"}
	cfg.SMTP.Password = "smtp-pass"
	registry := project.NewRegistry(map[string]*project.Project{
		"comics": {Name: "comics", Secret: "comics-secret"},
		"blog":   {Name: "blog"},
	})
	a := &app{config: cfg, registry: registry}

	exec, ok := a.runner().(*rollback.Executor)
	if !ok {
		t.Fatalf("runner() returned %T", a.runner())
	}
	want := map[string]bool{"ghp_token": true, "smtp-pass": true, "comics-secret": true}
	if len(exec.Redact) != len(want) {
		t.Fatalf("Redact = %v, want %d entries", exec.Redact, len(want))
	}
	for _, s := range exec.Redact {
		if !want[s] {
			t.Errorf("unexpected redacted value %q", s)
		}
	}
}
