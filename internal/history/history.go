package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"rollbox/internal/security"
)

// timeLayout is fixed width so that lexical order of the stored text equals
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const defaultPageLimit = 20

var (
	// ErrNotFound is returned by Get when no record has the requested id.
	ErrNotFound = errors.New("deployment record not found")

	// ErrStaleTransition is returned by ApplyRollback when the record to
	// mark as rolled back is no longer a successful deployment.
	ErrStaleTransition = errors.New("deployment is no longer in success state")
)

// Store manages deployment history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			commit_hash TEXT NOT NULL,
			branch TEXT NOT NULL,
			repository TEXT,
			github_run_id TEXT,
			deployed_at TEXT NOT NULL,
			status TEXT NOT NULL,
			deployment_steps TEXT NOT NULL DEFAULT '[]',
			duration REAL,
			deployed_by TEXT,
			rollback_reason TEXT,
			rolled_back_at TEXT,
			rolled_back_to_commit TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_project_deployed
		ON deployments(project, deployed_at DESC, id DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_project_commit
		ON deployments(project, commit_hash)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT id, project, commit_hash, branch, repository, github_run_id,
	       deployed_at, status, deployment_steps, duration, deployed_by,
	       rollback_reason, rolled_back_at, rolled_back_to_commit
	FROM deployments`

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Record inserts a new deployment record and returns its id. A zero
// DeployedAt is set to the current time.
func (s *Store) Record(ctx context.Context, record *Record) (int64, error) {
	return insertRecord(ctx, s.db, record)
}

func insertRecord(ctx context.Context, db execer, record *Record) (int64, error) {
	if err := validateRecord(record); err != nil {
		return 0, err
	}

	if record.DeployedAt.IsZero() {
		record.DeployedAt = time.Now()
	}
	record.DeployedAt = record.DeployedAt.UTC()

	steps := record.Steps
	if steps == nil {
		steps = StepLog{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return 0, fmt.Errorf("failed to encode deployment steps: %w", err)
	}

	var duration *float64
	if record.Duration != nil {
		rounded := math.Round(*record.Duration*100) / 100
		duration = &rounded
		record.Duration = duration
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO deployments
		(project, commit_hash, branch, repository, github_run_id, deployed_at,
		 status, deployment_steps, duration, deployed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.Project,
		record.CommitHash,
		record.Branch,
		record.Repository,
		record.GitHubRunID,
		formatTime(record.DeployedAt),
		string(record.Status),
		string(stepsJSON),
		duration,
		record.DeployedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deployment record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	record.ID = id

	return id, nil
}

func validateRecord(record *Record) error {
	if record == nil {
		return fmt.Errorf("deployment record is nil")
	}
	if record.Project == "" {
		return fmt.Errorf("deployment record: project is required")
	}
	if err := security.ValidateFullCommitHash(record.CommitHash); err != nil {
		return fmt.Errorf("deployment record: %w", err)
	}
	if record.Branch == "" {
		return fmt.Errorf("deployment record: branch is required")
	}
	if !record.Status.Valid() {
		return fmt.Errorf("deployment record: invalid status %q", record.Status)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment %d: %w", id, err)
	}
	return record, nil
}

// CurrentDeployment returns the most recent successful deployment of a
// project, or nil if there is none.
func (s *Store) CurrentDeployment(ctx context.Context, project string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE project = ? AND status = ?
		ORDER BY deployed_at DESC, id DESC
		LIMIT 1
	`, project, string(StatusSuccess))

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current deployment: %w", err)
	}
	return record, nil
}

// LastSuccessful returns up to limit successful deployments, newest first.
func (s *Store) LastSuccessful(ctx context.Context, project string, limit int) ([]Record, error) {
	return s.queryRecords(ctx, selectColumns+`
		WHERE project = ? AND status = ?
		ORDER BY deployed_at DESC, id DESC
		LIMIT ?
	`, project, string(StatusSuccess), limit)
}

// FindByCommitHash returns the newest record with exactly this commit hash,
// or nil if there is none.
func (s *Store) FindByCommitHash(ctx context.Context, project, hash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE project = ? AND commit_hash = ?
		ORDER BY deployed_at DESC, id DESC
		LIMIT 1
	`, project, hash)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment by commit: %w", err)
	}
	return record, nil
}

// History returns one page of a project's deployments, newest first. Pages
// are 1-indexed; page < 1 is treated as 1 and limit < 1 as the default of 20.
func (s *Store) History(ctx context.Context, project string, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}

	records, err := s.queryRecords(ctx, selectColumns+`
		WHERE project = ?
		ORDER BY deployed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, project, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	total, err := s.Count(ctx, project)
	if err != nil {
		return nil, err
	}

	if records == nil {
		records = []Record{}
	}
	return &Page{Deployments: records, Page: page, Limit: limit, Total: total}, nil
}

// Count returns the number of records stored for a project.
func (s *Store) Count(ctx context.Context, project string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments WHERE project = ?`, project).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deployments: %w", err)
	}
	return n, nil
}

// Cleanup deletes every record of a project that is not among the keep most
// recent ones, in a single statement, and returns how many were deleted.
func (s *Store) Cleanup(ctx context.Context, project string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep count must be at least 1, got %d", keep)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM deployments
		WHERE project = ? AND id NOT IN (
			SELECT id FROM deployments
			WHERE project = ?
			ORDER BY deployed_at DESC, id DESC
			LIMIT ?
		)
	`, project, project, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deployments: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted row count: %w", err)
	}
	return deleted, nil
}

// ApplyRollback marks the record named by t as rolled back and inserts the
// rollback's own record, in one transaction. It fails with
// ErrStaleTransition, leaving the store untouched, if that record is not a
// successful deployment anymore.
func (s *Store) ApplyRollback(ctx context.Context, t Transition, record *Record) (int64, error) {
	if err := validateRecord(record); err != nil {
		return 0, err
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The rollback's record must become the current deployment even when a
	// recorded deployment carries a later timestamp than our clock.
	var newest sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(deployed_at) FROM deployments
		WHERE project = ? AND status = ?
	`, record.Project, string(StatusSuccess)).Scan(&newest); err != nil {
		return 0, fmt.Errorf("failed to load newest deployment time: %w", err)
	}
	if newest.Valid {
		latest, err := parseTime(newest.String)
		if err != nil {
			return 0, err
		}
		if record.DeployedAt.IsZero() {
			record.DeployedAt = time.Now()
		}
		if !record.DeployedAt.After(latest) {
			record.DeployedAt = latest.Add(time.Nanosecond)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, rolled_back_at = ?, rolled_back_to_commit = ?, rollback_reason = ?
		WHERE id = ? AND status = ?
	`,
		string(StatusRolledBack),
		formatTime(t.At),
		t.ToCommit,
		t.Reason,
		t.RecordID,
		string(StatusSuccess),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark deployment %d rolled back: %w", t.RecordID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get updated row count: %w", err)
	}
	if affected != 1 {
		return 0, fmt.Errorf("deployment %d: %w", t.RecordID, ErrStaleTransition)
	}

	id, err := insertRecord(ctx, tx, record)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollback: %w", err)
	}

	return id, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a database row into a Record.
// Works with both *sql.Row and *sql.Rows
func scanRecord(s scanner) (*Record, error) {
	var record Record
	var status, deployedAt, steps string
	var rolledBackAt sql.NullString

	err := s.Scan(
		&record.ID,
		&record.Project,
		&record.CommitHash,
		&record.Branch,
		&record.Repository,
		&record.GitHubRunID,
		&deployedAt,
		&status,
		&steps,
		&record.Duration,
		&record.DeployedBy,
		&record.RollbackReason,
		&rolledBackAt,
		&record.RolledBackToCommit,
	)
	if err != nil {
		return nil, err
	}

	record.Status = Status(status)

	record.DeployedAt, err = parseTime(deployedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse deployed_at timestamp: %w", err)
	}

	if rolledBackAt.Valid {
		at, err := parseTime(rolledBackAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rolled_back_at timestamp: %w", err)
		}
		record.RolledBackAt = &at
	}

	if err := json.Unmarshal([]byte(steps), &record.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode deployment steps: %w", err)
	}

	return &record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
