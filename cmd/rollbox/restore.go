package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rollbox/internal/rollback"
	"rollbox/pkg/fileutil"
)

var restoreCmd = &cobra.Command{
	Use:   "restore PROJECT BACKUP_FILE",
	Short: "Reset a project checkout to the commit saved in a backup",
	Long: `Reset a project's checkout to the commit recorded in a rollback backup file.

Use this after a rollback reported a failed restore. History is not changed.

Example:
  rollbox restore comics /srv/comics/var/rollback-backups/backup_20260501-120000.000000000.json`,
	GroupID: "rollback",
	Args:    cobra.ExactArgs(2),
	RunE:    runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	projectName, file := args[0], args[1]
	if !fileutil.FileExists(file) {
		return fmt.Errorf("backup file not found: %s", file)
	}

	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.service(projectName)
	if err != nil {
		return err
	}

	backup, err := rollback.LoadBackup(file)
	if err != nil {
		return err
	}
	if backup.Path != svc.Project().Path {
		return fmt.Errorf("backup %s belongs to %s, not to project '%s' (%s)",
			file, backup.Path, projectName, svc.Project().Path)
	}

	fmt.Printf("Restoring project '%s' to %s...\n", projectName, backup.Commit)
	if err := svc.RestoreFromBackup(context.Background(), backup); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Printf("\nRestore successful!\n")
	fmt.Printf("  Backup taken: %s\n", backup.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  HEAD is now:  %s\n", backup.Commit)
	return nil
}
