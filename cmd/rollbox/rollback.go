package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rollbox/internal/history"
	"rollbox/internal/rollback"
)

var (
	rollbackReason   string
	rollbackPrevious bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback PROJECT [COMMIT]",
	Short: "Roll a project back to an earlier deployment",
	Long: `Roll the project's checkout back to COMMIT, or to the previous successful
deployment with --previous.

This command will:
- Back up the current HEAD to the project's backup directory
- Stash local changes and hard-reset the working tree to the target
- Run the post-rollback steps (dependencies, cache rebuild)
- Mark the current deployment as rolled back and record the rollback

If a step fails the checkout is reset to the backed-up commit.

Example:
  rollbox rollback comics 3f2a9c1 --reason "broken reader page"
  rollbox rollback comics --previous --reason "bad release"`,
	GroupID: "rollback",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runRollback,
}

var targetsCmd = &cobra.Command{
	Use:     "targets PROJECT",
	Short:   "List deployments a project can roll back to",
	GroupID: "rollback",
	Args:    cobra.ExactArgs(1),
	RunE:    runTargets,
}

func init() {
	rollbackCmd.Flags().StringVarP(&rollbackReason, "reason", "r", "", "Why the rollback is needed (required)")
	rollbackCmd.Flags().BoolVar(&rollbackPrevious, "previous", false, "Roll back to the previous successful deployment")
	_ = rollbackCmd.MarkFlagRequired("reason")
}

func runRollback(cmd *cobra.Command, args []string) error {
	switch {
	case len(args) == 2 && rollbackPrevious:
		return fmt.Errorf("give either a COMMIT or --previous, not both")
	case len(args) == 1 && !rollbackPrevious:
		return fmt.Errorf("missing COMMIT (or use --previous)")
	}

	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.service(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var result *rollback.Result
	if rollbackPrevious {
		fmt.Printf("Rolling back '%s' to the previous deployment...\n", args[0])
		result, err = svc.RollbackToPrevious(ctx, rollbackReason)
	} else {
		fmt.Printf("Rolling back '%s' to %s...\n", args[0], args[1])
		result, err = svc.RollbackToCommit(ctx, args[1], rollbackReason)
	}
	if err != nil {
		return explainRollbackError(err)
	}

	fmt.Printf("\nRollback successful!\n")
	fmt.Printf("  From:     %s\n", result.FromCommit)
	fmt.Printf("  To:       %s\n", result.ToCommit)
	fmt.Printf("  Record:   #%d\n", result.RecordID)
	fmt.Printf("  Backup:   %s\n", result.Backup.File)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(10*time.Millisecond))
	printSteps(result.Steps)
	return nil
}

// explainRollbackError adds operator guidance to pipeline failures.
func explainRollbackError(err error) error {
	var restoreErr *rollback.RestoreError
	var rollbackErr *rollback.RollbackError

	switch {
	case errors.As(err, &restoreErr):
		fmt.Fprintf(os.Stderr, "\nRESTORE FAILED: the checkout is in an unknown state.\n")
		if restoreErr.Backup != nil {
			fmt.Fprintf(os.Stderr, "Inspect it and run: rollbox restore <project> %s\n", restoreErr.Backup.File)
		}
	case errors.As(err, &rollbackErr):
		fmt.Fprintf(os.Stderr, "\nRollback failed; the checkout was restored to %s.\n", rollbackErr.Backup.Commit)
		printSteps(rollbackErr.Steps)
	}
	return err
}

func printSteps(steps history.StepLog) {
	if len(steps) == 0 {
		return
	}
	fmt.Printf("\nSteps:\n")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, step := range steps {
		status := "ok"
		if !step.Succeeded() {
			status = "FAILED"
		}
		fmt.Fprintf(w, "  %s\t%s\n", step.Name, status)
	}
	_ = w.Flush()
}

func runTargets(cmd *cobra.Command, args []string) error {
	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.service(args[0])
	if err != nil {
		return err
	}

	targets, err := svc.AvailableTargets(context.Background())
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No rollback targets available.")
		return nil
	}

	printRecords(targets)
	return nil
}
