package rollback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rollbox/internal/security"
	"rollbox/pkg/fileutil"
)

// backupTimeLayout names backup files; it sorts chronologically and keeps
// sub-second precision so two attempts never share a file.
const backupTimeLayout = "20060102-150405.000000000"

// Backup describes the state of a checkout immediately before a rollback.
// It is the only anchor used to restore the checkout if the rollback fails.
type Backup struct {
	Path      string    `json:"path"`
	Timestamp string    `json:"timestamp"`
	Commit    string    `json:"commit"`
	CreatedAt time.Time `json:"created_at"`

	// File is where the descriptor was written.
	File string `json:"-"`
}

// writeBackup persists b as backup_<timestamp>.json under dir, creating dir
// on demand.
func writeBackup(dir string, b *Backup) error {
	if err := fileutil.EnsureDir(dir, security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup descriptor: %w", err)
	}

	file := filepath.Join(dir, fmt.Sprintf("backup_%s.json", b.Timestamp))
	if err := fileutil.WriteFileAtomic(file, data, security.PermBackupFile); err != nil {
		return fmt.Errorf("failed to write backup descriptor: %w", err)
	}

	b.File = file
	return nil
}

// LoadBackup reads a backup descriptor written by a previous rollback.
func LoadBackup(file string) (*Backup, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup descriptor: %w", err)
	}

	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse backup descriptor %s: %w", file, err)
	}
	if err := security.ValidateFullCommitHash(b.Commit); err != nil {
		return nil, fmt.Errorf("backup descriptor %s: %w", file, err)
	}

	b.File = file
	return &b, nil
}
