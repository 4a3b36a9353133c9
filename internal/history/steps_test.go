package history

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStepLog_JSON(t *testing.T) {
	var log StepLog
	log.Succeeded("git_stash", "Saved working directory")
	log.Failed("clear_cache", errors.New("exit status 1"), "cache:clear failed")

	data, err := json.Marshal(log)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `[{"name":"git_stash","status":"success","output":"Saved working directory"},` +
		`{"name":"clear_cache","status":"failed","output":"cache:clear failed","error":"exit status 1"}]`
	if string(data) != want {
		t.Errorf("Marshal = %s\nwant %s", data, want)
	}

	var decoded StepLog
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(decoded))
	}

	failed, ok := decoded[1].Outcome.(StepFailed)
	if !ok {
		t.Fatalf("Expected StepFailed, got %T", decoded[1].Outcome)
	}
	if failed.Error != "exit status 1" || failed.Output != "cache:clear failed" {
		t.Errorf("Unexpected failed outcome: %+v", failed)
	}
}

func TestStepLog_UnmarshalUnknownStatus(t *testing.T) {
	var log StepLog
	err := json.Unmarshal([]byte(`[{"name":"x","status":"skipped","output":""}]`), &log)
	if err == nil {
		t.Error("Expected error for unknown step status")
	}
}

func TestStepLog_MarshalMissingOutcome(t *testing.T) {
	if _, err := json.Marshal(StepLog{{Name: "orphan"}}); err == nil {
		t.Error("Expected error for step without outcome")
	}
}

func TestStepLog_LookupAndNames(t *testing.T) {
	var log StepLog
	log.Succeeded("git_stash", "")
	log.Succeeded("git_reset", "HEAD is now at abc1234")

	step, ok := log.Lookup("git_reset")
	if !ok || !step.Succeeded() {
		t.Errorf("Lookup(git_reset) = %+v, %v", step, ok)
	}
	if _, ok := log.Lookup("warmup_cache"); ok {
		t.Error("Lookup should not find a step that never ran")
	}

	names := log.Names()
	if len(names) != 2 || names[0] != "git_stash" || names[1] != "git_reset" {
		t.Errorf("Names() = %v", names)
	}
}
