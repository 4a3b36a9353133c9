package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func commit(c string) string {
	return strings.Repeat(c, 40)
}

func record(t *testing.T, store *Store, project, hash string, status Status, at time.Time) *Record {
	t.Helper()

	rec := &Record{
		Project:    project,
		CommitHash: hash,
		Branch:     "main",
		Status:     status,
		DeployedAt: at,
	}
	if _, err := store.Record(context.Background(), rec); err != nil {
		t.Fatalf("Failed to record deployment: %v", err)
	}
	return rec
}

func TestStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	duration := 5.456
	repo := "acme/comic-shelf"
	runID := "123456"
	rec := &Record{
		Project:     "comics",
		CommitHash:  commit("a"),
		Branch:      "main",
		Repository:  &repo,
		GitHubRunID: &runID,
		Status:      StatusSuccess,
		Duration:    &duration,
		DeployedAt:  baseTime,
	}
	rec.Steps.Succeeded("composer", "Installing dependencies")

	id, err := store.Record(ctx, rec)
	if err != nil {
		t.Fatalf("Failed to record deployment: %v", err)
	}
	if id == 0 || rec.ID != id {
		t.Fatalf("Expected non-zero id assigned to record, got id=%d rec.ID=%d", id, rec.ID)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get deployment: %v", err)
	}

	if got.CommitHash != commit("a") || got.Branch != "main" || got.Status != StatusSuccess {
		t.Errorf("Unexpected record: %+v", got)
	}
	if !got.DeployedAt.Equal(baseTime) {
		t.Errorf("DeployedAt = %v, want %v", got.DeployedAt, baseTime)
	}
	if got.Duration == nil || *got.Duration != 5.46 {
		t.Errorf("Expected duration rounded to 5.46, got %v", got.Duration)
	}
	if got.Repository == nil || *got.Repository != repo {
		t.Errorf("Repository = %v, want %q", got.Repository, repo)
	}
	if got.DeployedBy != nil || got.RolledBackAt != nil || got.RolledBackToCommit != nil {
		t.Errorf("Expected unset optional fields, got %+v", got)
	}
	if len(got.Steps) != 1 || !got.Steps[0].Succeeded() {
		t.Errorf("Steps = %+v, want one successful step", got.Steps)
	}
}

func TestStore_RecordDefaultsDeployedAt(t *testing.T) {
	store := newTestStore(t)

	before := time.Now().UTC()
	rec := &Record{Project: "comics", CommitHash: commit("a"), Branch: "main", Status: StatusSuccess}
	if _, err := store.Record(context.Background(), rec); err != nil {
		t.Fatalf("Failed to record deployment: %v", err)
	}
	if rec.DeployedAt.Before(before) {
		t.Errorf("DeployedAt = %v, expected it to be set to now", rec.DeployedAt)
	}
}

func TestStore_RecordValidation(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name string
		rec  *Record
	}{
		{"nil", nil},
		{"no project", &Record{CommitHash: commit("a"), Branch: "main", Status: StatusSuccess}},
		{"no commit", &Record{Project: "comics", Branch: "main", Status: StatusSuccess}},
		{"0x prefixed commit", &Record{Project: "comics", CommitHash: "0x" + strings.Repeat("ab", 19), Branch: "main", Status: StatusSuccess}},
		{"abbreviated commit", &Record{Project: "comics", CommitHash: "abcdef1", Branch: "main", Status: StatusSuccess}},
		{"uppercase commit", &Record{Project: "comics", CommitHash: strings.Repeat("AB", 20), Branch: "main", Status: StatusSuccess}},
		{"no branch", &Record{Project: "comics", CommitHash: commit("a"), Status: StatusSuccess}},
		{"bad status", &Record{Project: "comics", CommitHash: commit("a"), Branch: "main", Status: "in_progress"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Record(context.Background(), tt.rec); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_CurrentDeployment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	current, err := store.CurrentDeployment(ctx, "comics")
	if err != nil {
		t.Fatalf("Expected no error for empty store, got: %v", err)
	}
	if current != nil {
		t.Fatalf("Expected nil current deployment, got %+v", current)
	}

	record(t, store, "comics", commit("a"), StatusSuccess, baseTime)
	c := record(t, store, "comics", commit("c"), StatusSuccess, baseTime.Add(2*time.Hour))
	// Inserted later but deployed earlier.
	record(t, store, "comics", commit("b"), StatusSuccess, baseTime.Add(time.Hour))
	// A newer failed deployment never becomes current.
	record(t, store, "comics", commit("d"), StatusFailed, baseTime.Add(3*time.Hour))
	// Other projects do not interfere.
	record(t, store, "other", commit("e"), StatusSuccess, baseTime.Add(4*time.Hour))

	current, err = store.CurrentDeployment(ctx, "comics")
	if err != nil {
		t.Fatalf("Failed to get current deployment: %v", err)
	}
	if current == nil || current.ID != c.ID {
		t.Errorf("Expected record %d to be current, got %+v", c.ID, current)
	}
}

func TestStore_CurrentDeploymentTieBreaksOnID(t *testing.T) {
	store := newTestStore(t)

	record(t, store, "comics", commit("a"), StatusSuccess, baseTime)
	second := record(t, store, "comics", commit("b"), StatusSuccess, baseTime)

	current, err := store.CurrentDeployment(context.Background(), "comics")
	if err != nil {
		t.Fatalf("Failed to get current deployment: %v", err)
	}
	if current.ID != second.ID {
		t.Errorf("Expected the later insert to win a timestamp tie, got %d", current.ID)
	}
}

func TestStore_LastSuccessful(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, c := range []string{"a", "b", "c", "d"} {
		status := StatusSuccess
		if c == "c" {
			status = StatusFailed
		}
		record(t, store, "comics", commit(c), status, baseTime.Add(time.Duration(i)*time.Minute))
	}

	records, err := store.LastSuccessful(ctx, "comics", 2)
	if err != nil {
		t.Fatalf("Failed to get last successful: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].CommitHash != commit("d") || records[1].CommitHash != commit("b") {
		t.Errorf("Unexpected order: %s, %s", records[0].CommitHash[:4], records[1].CommitHash[:4])
	}
}

func TestStore_FindByCommitHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record(t, store, "comics", commit("a"), StatusSuccess, baseTime)
	newer := record(t, store, "comics", commit("a"), StatusSuccess, baseTime.Add(time.Hour))

	found, err := store.FindByCommitHash(ctx, "comics", commit("a"))
	if err != nil {
		t.Fatalf("Failed to find by commit: %v", err)
	}
	if found == nil || found.ID != newer.ID {
		t.Errorf("Expected newest match %d, got %+v", newer.ID, found)
	}

	missing, err := store.FindByCommitHash(ctx, "comics", commit("f"))
	if err != nil {
		t.Fatalf("Failed to find by commit: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown commit, got %+v", missing)
	}

	// Abbreviations are not exact matches.
	partial, err := store.FindByCommitHash(ctx, "comics", commit("a")[:7])
	if err != nil {
		t.Fatalf("Failed to find by commit: %v", err)
	}
	if partial != nil {
		t.Error("Expected abbreviated hash not to match")
	}
}

func TestStore_History(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		record(t, store, "comics", commit(fmt.Sprint(i)), StatusSuccess, baseTime.Add(time.Duration(i)*time.Minute))
	}

	tests := []struct {
		name      string
		page      int
		limit     int
		wantPage  int
		wantLimit int
		want      []string
	}{
		{"first page", 1, 2, 1, 2, []string{"4", "3"}},
		{"second page", 2, 2, 2, 2, []string{"2", "1"}},
		{"last partial page", 3, 2, 3, 2, []string{"0"}},
		{"past the end", 4, 2, 4, 2, []string{}},
		{"page below one", 0, 2, 1, 2, []string{"4", "3"}},
		{"default limit", 1, 0, 1, 20, []string{"4", "3", "2", "1", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.History(ctx, "comics", tt.page, tt.limit)
			if err != nil {
				t.Fatalf("Failed to get history: %v", err)
			}
			if page.Page != tt.wantPage || page.Limit != tt.wantLimit || page.Total != 5 {
				t.Errorf("Page metadata = %d/%d/%d, want %d/%d/5", page.Page, page.Limit, page.Total, tt.wantPage, tt.wantLimit)
			}
			if len(page.Deployments) != len(tt.want) {
				t.Fatalf("Expected %d records, got %d", len(tt.want), len(page.Deployments))
			}
			for i, w := range tt.want {
				if page.Deployments[i].CommitHash != commit(w) {
					t.Errorf("Record %d = %s, want %s", i, page.Deployments[i].CommitHash[:4], commit(w)[:4])
				}
			}
		})
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 6; i++ {
		rec := record(t, store, "comics", commit(fmt.Sprint(i)), StatusSuccess, baseTime.Add(time.Duration(i)*time.Minute))
		ids = append(ids, rec.ID)
	}
	record(t, store, "other", commit("f"), StatusSuccess, baseTime)

	deleted, err := store.Cleanup(ctx, "comics", 4)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", deleted)
	}

	count, err := store.Count(ctx, "comics")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 4 {
		t.Errorf("Expected 4 remaining, got %d", count)
	}

	// The four newest survive, the two oldest are gone.
	for i, id := range ids {
		_, err := store.Get(ctx, id)
		if i < 2 && !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected record %d to be deleted, got err=%v", id, err)
		}
		if i >= 2 && err != nil {
			t.Errorf("Expected record %d to survive, got err=%v", id, err)
		}
	}

	otherCount, _ := store.Count(ctx, "other")
	if otherCount != 1 {
		t.Errorf("Cleanup touched another project: count=%d", otherCount)
	}
}

func TestStore_CleanupFewerThanKeep(t *testing.T) {
	store := newTestStore(t)

	record(t, store, "comics", commit("a"), StatusSuccess, baseTime)

	deleted, err := store.Cleanup(context.Background(), "comics", DefaultKeep)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected 0 deleted, got %d", deleted)
	}
}

func TestStore_CleanupRejectsNonPositiveKeep(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Cleanup(context.Background(), "comics", 0); err == nil {
		t.Error("Expected error for keep=0")
	}
}

func TestStore_ApplyRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record(t, store, "comics", commit("a"), StatusSuccess, baseTime)
	b := record(t, store, "comics", commit("b"), StatusSuccess, baseTime.Add(time.Hour))
	c := record(t, store, "comics", commit("c"), StatusSuccess, baseTime.Add(2*time.Hour))

	actor := RollbackActor
	rollback := &Record{
		Project:    "comics",
		CommitHash: b.CommitHash,
		Branch:     RollbackBranch,
		Status:     StatusSuccess,
		DeployedBy: &actor,
		DeployedAt: baseTime.Add(3 * time.Hour),
	}
	rollback.Steps.Succeeded("git_reset", "HEAD is now at bbbbbbb")

	at := baseTime.Add(3 * time.Hour)
	id, err := store.ApplyRollback(ctx, Transition{RecordID: c.ID, ToCommit: b.CommitHash, Reason: "broken reader", At: at}, rollback)
	if err != nil {
		t.Fatalf("ApplyRollback failed: %v", err)
	}

	prior, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Failed to get prior record: %v", err)
	}
	if prior.Status != StatusRolledBack {
		t.Errorf("Prior status = %q, want rolled_back", prior.Status)
	}
	if prior.RolledBackToCommit == nil || *prior.RolledBackToCommit != b.CommitHash {
		t.Errorf("RolledBackToCommit = %v, want %s", prior.RolledBackToCommit, b.CommitHash)
	}
	if prior.RolledBackAt == nil || !prior.RolledBackAt.Equal(at) {
		t.Errorf("RolledBackAt = %v, want %v", prior.RolledBackAt, at)
	}
	if prior.RollbackReason == nil || *prior.RollbackReason != "broken reader" {
		t.Errorf("RollbackReason = %v", prior.RollbackReason)
	}

	current, err := store.CurrentDeployment(ctx, "comics")
	if err != nil {
		t.Fatalf("Failed to get current deployment: %v", err)
	}
	if current.ID != id || current.Branch != RollbackBranch || current.CommitHash != b.CommitHash {
		t.Errorf("Unexpected current deployment after rollback: %+v", current)
	}
	if current.DeployedBy == nil || *current.DeployedBy != RollbackActor {
		t.Errorf("DeployedBy = %v, want %s", current.DeployedBy, RollbackActor)
	}
}

func TestStore_ApplyRollbackOutranksFutureDatedDeployments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// CI clocks ahead of ours: every recorded deployment is later than the
	// time the rollback is stamped with.
	future := baseTime.Add(48 * time.Hour)
	a := record(t, store, "comics", commit("a"), StatusSuccess, future)
	record(t, store, "comics", commit("b"), StatusSuccess, future.Add(24*time.Hour))
	c := record(t, store, "comics", commit("c"), StatusSuccess, future.Add(24*time.Hour+time.Minute))

	rollback := &Record{
		Project:    "comics",
		CommitHash: a.CommitHash,
		Branch:     RollbackBranch,
		Status:     StatusSuccess,
		DeployedAt: baseTime.Add(24 * time.Hour),
	}
	id, err := store.ApplyRollback(ctx, Transition{RecordID: c.ID, ToCommit: a.CommitHash, At: baseTime}, rollback)
	if err != nil {
		t.Fatalf("ApplyRollback failed: %v", err)
	}

	if !rollback.DeployedAt.After(c.DeployedAt) {
		t.Errorf("rollback stamped %v, want after the newest deployment %v", rollback.DeployedAt, c.DeployedAt)
	}

	current, err := store.CurrentDeployment(ctx, "comics")
	if err != nil {
		t.Fatalf("Failed to get current deployment: %v", err)
	}
	if current.ID != id || current.CommitHash != a.CommitHash {
		t.Errorf("current = %d (%s), want the rollback record %d", current.ID, current.CommitHash, id)
	}
}

func TestStore_ApplyRollbackIsGuarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := record(t, store, "comics", commit("a"), StatusSuccess, baseTime)
	failed := record(t, store, "comics", commit("b"), StatusFailed, baseTime.Add(time.Hour))

	newRecord := func() *Record {
		return &Record{Project: "comics", CommitHash: a.CommitHash, Branch: RollbackBranch, Status: StatusSuccess}
	}

	_, err := store.ApplyRollback(ctx, Transition{RecordID: failed.ID, ToCommit: a.CommitHash}, newRecord())
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("Expected ErrStaleTransition, got %v", err)
	}

	count, _ := store.Count(ctx, "comics")
	if count != 2 {
		t.Errorf("Expected no record inserted on a stale transition, count=%d", count)
	}

	// An invalid new record rolls the status update back too.
	_, err = store.ApplyRollback(ctx, Transition{RecordID: a.ID, ToCommit: commit("0")}, &Record{Project: "comics"})
	if err == nil {
		t.Fatal("Expected error for invalid rollback record")
	}
	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusSuccess || got.RolledBackAt != nil {
		t.Errorf("Expected record %d untouched, got %+v", a.ID, got)
	}
}
