package security

import (
	"fmt"
	"os"
)

const (
	// PermLogFile is for log files that may contain rollback output.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the deployment history database.
	PermDBFile os.FileMode = 0640

	// PermBackupFile is for backup descriptors.
	PermBackupFile os.FileMode = 0640

	// PermDirectory is for directories created by rollbox.
	PermDirectory os.FileMode = 0750
)

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a file holding secrets is neither
// world-readable nor world-writable.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
