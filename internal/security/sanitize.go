package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	commitRefPattern  = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)
	fullCommitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
	branchPattern     = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	projectPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	repositoryPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
)

// ValidateCommitRef ensures a user-supplied revision is a plain (possibly
// abbreviated) hex commit id. Anything else (branch names, ranges, options)
// is rejected before it reaches git.
func ValidateCommitRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("commit hash cannot be empty")
	}
	if !commitRefPattern.MatchString(ref) {
		return fmt.Errorf("commit hash must be 4-40 hexadecimal characters")
	}
	return nil
}

// ValidateFullCommitHash ensures hash is a full, lowercase 40-character SHA-1.
func ValidateFullCommitHash(hash string) error {
	if !fullCommitPattern.MatchString(hash) {
		return fmt.Errorf("commit hash must be 40 lowercase hexadecimal characters, got %q", hash)
	}
	return nil
}

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateProjectName ensures project name is safe for use in paths and URLs.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("project name cannot start with '-' or '.'")
	}
	if !projectPattern.MatchString(name) {
		return fmt.Errorf("project name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateRepository checks an "owner/repo" GitHub repository reference.
func ValidateRepository(ownerRepo string) error {
	if !repositoryPattern.MatchString(ownerRepo) {
		return fmt.Errorf("repository must be in owner/repo form, got %q", ownerRepo)
	}
	return nil
}

// SanitizePathWithin resolves targetPath (absolute or relative to basePath)
// and ensures it stays inside basePath. The target does not need to exist,
// but basePath must.
func SanitizePathWithin(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate base path symlinks: %w", err)
	}

	target := targetPath
	if !filepath.IsAbs(target) {
		target = filepath.Join(cleanBase, target)
	}
	target = filepath.Clean(target)

	// Resolve the longest existing prefix so a symlinked parent cannot
	// escape the base directory.
	existing := target
	var rest []string
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			parts := append([]string{resolved}, rest...)
			target = filepath.Join(parts...)
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	relPath, err := filepath.Rel(cleanBase, target)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", target, cleanBase)
	}

	return target, nil
}
