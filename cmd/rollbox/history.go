package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rollbox/internal/history"
	"rollbox/internal/provenance"
	"rollbox/internal/retention"
	"rollbox/internal/security"
)

var (
	historyPage  int
	historyLimit int

	recordCommit     string
	recordBranch     string
	recordStatus     string
	recordRunID      int64
	recordDeployedBy string
	recordDuration   float64

	cleanupKeep int
)

var currentCmd = &cobra.Command{
	Use:     "current PROJECT",
	Short:   "Show the deployment that is currently live",
	GroupID: "history",
	Args:    cobra.ExactArgs(1),
	RunE:    runCurrent,
}

var historyCmd = &cobra.Command{
	Use:     "history PROJECT",
	Short:   "List deployments, newest first",
	GroupID: "history",
	Args:    cobra.ExactArgs(1),
	RunE:    runHistory,
}

var recordCmd = &cobra.Command{
	Use:   "record PROJECT",
	Short: "Record a deployment",
	Long: `Record a deployment of PROJECT in the history.

With --github-run the commit, branch, actor and outcome are read from the
GitHub Actions run (requires the project's repository and github_token).

Example:
  rollbox record comics --commit 3f2a9c1e... --branch main
  rollbox record comics --github-run 123456789`,
	GroupID: "history",
	Args:    cobra.ExactArgs(1),
	RunE:    runRecord,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [PROJECT]",
	Short: "Delete old history records",
	Long: `Keep only the newest records of PROJECT, or of every project when none is
given. The default comes from retention.keep.`,
	GroupID: "history",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runCleanup,
}

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Records per page")

	recordCmd.Flags().StringVar(&recordCommit, "commit", "", "Full commit hash")
	recordCmd.Flags().StringVar(&recordBranch, "branch", "", "Deployed branch")
	recordCmd.Flags().StringVar(&recordStatus, "status", "", "success or failed (default success)")
	recordCmd.Flags().Int64Var(&recordRunID, "github-run", 0, "GitHub Actions run id")
	recordCmd.Flags().StringVar(&recordDeployedBy, "deployed-by", "", "Who deployed")
	recordCmd.Flags().Float64Var(&recordDuration, "duration", 0, "Deployment duration in seconds")

	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "Records to keep per project (default retention.keep)")
}

func runCurrent(cmd *cobra.Command, args []string) error {
	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.project(args[0]); err != nil {
		return err
	}

	current, err := a.store.CurrentDeployment(context.Background(), args[0])
	if err != nil {
		return err
	}
	if current == nil {
		fmt.Println("No deployment recorded.")
		return nil
	}

	printRecords([]history.Record{*current})
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.project(args[0]); err != nil {
		return err
	}

	page, err := a.store.History(context.Background(), args[0], historyPage, historyLimit)
	if err != nil {
		return err
	}
	if page.Total == 0 {
		fmt.Println("No deployments recorded.")
		return nil
	}

	printRecords(page.Deployments)
	pages := (page.Total + int64(page.Limit) - 1) / int64(page.Limit)
	fmt.Printf("\nPage %d of %d (%d deployments)\n", page.Page, pages, page.Total)
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	proj, err := a.project(args[0])
	if err != nil {
		return err
	}

	record := &history.Record{
		Project:    proj.Name,
		CommitHash: strings.ToLower(recordCommit),
		Branch:     recordBranch,
		Status:     history.Status(recordStatus),
	}
	if proj.Repository != "" {
		repo := proj.Repository
		record.Repository = &repo
	}
	if recordDeployedBy != "" {
		record.DeployedBy = &recordDeployedBy
	}
	if cmd.Flags().Changed("duration") {
		record.Duration = &recordDuration
	}

	if recordRunID > 0 {
		runID := strconv.FormatInt(recordRunID, 10)
		record.GitHubRunID = &runID
		if err := applyRun(context.Background(), a.config.GitHubToken, record, recordRunID); err != nil {
			return err
		}
	}

	if err := security.ValidateFullCommitHash(record.CommitHash); err != nil {
		return err
	}
	if err := security.ValidateBranchName(record.Branch); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = history.StatusSuccess
	}
	if record.Status != history.StatusSuccess && record.Status != history.StatusFailed {
		return fmt.Errorf("--status must be success or failed")
	}

	id, err := a.store.Record(context.Background(), record)
	if err != nil {
		return err
	}
	a.logger.Info("Deployment recorded", "project", proj.Name, "commit", record.CommitHash, "id", id)
	fmt.Printf("Recorded deployment #%d of %s (%s)\n", id, record.CommitHash, record.Status)
	return nil
}

// applyRun fills the fields the user left empty from a GitHub Actions run.
func applyRun(ctx context.Context, token string, record *history.Record, runID int64) error {
	if record.Repository == nil {
		return fmt.Errorf("--github-run needs the project's repository to be configured")
	}

	resolver, err := provenance.NewResolver(token)
	if err != nil {
		return err
	}
	run, err := resolver.Resolve(ctx, *record.Repository, runID)
	if err != nil {
		return err
	}

	if record.CommitHash == "" {
		record.CommitHash = run.HeadSHA
	}
	if record.Branch == "" {
		record.Branch = run.HeadBranch
	}
	if record.DeployedBy == nil && run.Actor != "" {
		actor := run.Actor
		record.DeployedBy = &actor
	}
	if record.Status == "" && !run.Succeeded() {
		record.Status = history.StatusFailed
	}
	// A run start ahead of our clock would outrank later deployments.
	if !run.StartedAt.IsZero() && !run.StartedAt.After(time.Now()) {
		record.DeployedAt = run.StartedAt
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := loadApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	keep := cleanupKeep
	if keep == 0 {
		keep = a.config.Retention.Keep
	}

	if len(args) == 1 {
		if _, err := a.project(args[0]); err != nil {
			return err
		}
		deleted, err := a.store.Cleanup(context.Background(), args[0], keep)
		if err != nil {
			return err
		}
		fmt.Printf("%s: deleted %d records (keeping %d)\n", args[0], deleted, keep)
		return nil
	}

	janitor, err := retention.NewJanitor(a.store, a.registry, keep, a.config.Retention.Schedule, a.logger)
	if err != nil {
		return err
	}
	deleted, err := janitor.RunOnce(context.Background())
	for _, name := range a.registry.List() {
		if n, ok := deleted[name]; ok {
			fmt.Printf("%s: deleted %d records (keeping %d)\n", name, n, keep)
		}
	}
	return err
}

func printRecords(records []history.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMIT\tBRANCH\tSTATUS\tDEPLOYED AT\tBY")
	for _, r := range records {
		by := "-"
		if r.DeployedBy != nil {
			by = *r.DeployedBy
		}
		status := string(r.Status)
		if r.RolledBackToCommit != nil {
			status += " -> " + shortHash(*r.RolledBackToCommit)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, shortHash(r.CommitHash), r.Branch, status, r.DeployedAt.Local().Format(time.DateTime), by)
	}
	_ = w.Flush()
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
