package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/beamflow/engine/internal/store"
)

func TestSanitizeDropsSecretFieldsAndTruncatesLongStrings(t *testing.T) {
	long := make([]byte, MaxStringLength+10)
	for i := range long {
		long[i] = 'a'
	}
	in := map[string]interface{}{
		"password": "hunter2",
		"api_key":  "sk-abc",
		"note":     string(long),
		"amount":   42,
	}
	out := Sanitize(in)

	if _, ok := out["password"]; ok {
		t.Error("password must be dropped")
	}
	if _, ok := out["api_key"]; ok {
		t.Error("api_key must be dropped")
	}
	if out["amount"] != 42 {
		t.Errorf("amount = %v, want 42", out["amount"])
	}
	note, ok := out["note"].(string)
	if !ok || len(note) != MaxStringLength+len(truncationMarker) {
		t.Errorf("note not truncated correctly: len=%d", len(note))
	}
}

func TestEnqueueTerminalIsArchivedWithNoRetry(t *testing.T) {
	entry := Enqueue(EnqueueParams{
		Type:       store.DLQWorkflowFailed,
		WorkflowID: "wf-1",
		Reason:     "data_corrupted",
		Now:        time.Now(),
	})
	if entry.Status != store.DLQArchived {
		t.Errorf("status = %v, want archived", entry.Status)
	}
	if entry.NextRetryAt != nil {
		t.Error("terminal entries must not have next_retry_at")
	}
	if AutoRetryable(entry) {
		t.Error("terminal entries must not be auto-retryable")
	}
	if ForceRetryable(entry) {
		t.Error("terminal entries must never be force-retryable")
	}
}

func TestEnqueueTransientSchedulesNextRetry(t *testing.T) {
	now := time.Now()
	entry := Enqueue(EnqueueParams{
		Type:       store.DLQWorkflowFailed,
		WorkflowID: "wf-1",
		Reason:     "timeout",
		Now:        now,
	})
	if entry.Status != store.DLQPending {
		t.Errorf("status = %v, want pending", entry.Status)
	}
	if entry.NextRetryAt == nil {
		t.Fatal("transient entries must schedule next_retry_at")
	}
	if !entry.NextRetryAt.After(now) {
		t.Error("next_retry_at must be in the future")
	}
	if !AutoRetryable(entry) {
		t.Error("transient entries must be auto-retryable")
	}
}

func TestEnqueuePermanentHasNoScheduleButForceRetryable(t *testing.T) {
	entry := Enqueue(EnqueueParams{
		Type:       store.DLQWorkflowFailed,
		WorkflowID: "wf-1",
		Reason:     "fraud_detected",
		Now:        time.Now(),
	})
	if entry.NextRetryAt != nil {
		t.Error("permanent entries must not auto-schedule")
	}
	if AutoRetryable(entry) {
		t.Error("permanent entries must not auto-retry")
	}
	if !ForceRetryable(entry) {
		t.Error("permanent entries must be force-retryable")
	}
}

func TestNextRetryDelayCapsAtMax(t *testing.T) {
	d := NextRetryDelay(5*time.Minute, 720*time.Minute, 0)
	if d != 5*time.Minute {
		t.Errorf("first retry delay = %v, want 5m", d)
	}
	d = NextRetryDelay(5*time.Minute, 720*time.Minute, 10)
	if d != 720*time.Minute {
		t.Errorf("delay after many retries = %v, want capped at 720m", d)
	}
}

type fakeRestarter struct {
	restarted []string
}

func (f *fakeRestarter) Restart(ctx context.Context, workflowID string) error {
	f.restarted = append(f.restarted, workflowID)
	return nil
}

func TestSweeperTickRestartsDueEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	tx, _ := s.Begin(ctx)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	_ = tx.PutDeadLetter(ctx, store.DeadLetterEntry{
		ID: "d1", WorkflowID: "wf-due", Status: store.DLQPending, NextRetryAt: &past,
	})
	_ = tx.PutDeadLetter(ctx, store.DeadLetterEntry{
		ID: "d2", WorkflowID: "wf-not-due", Status: store.DLQPending, NextRetryAt: &future,
	})
	_ = tx.Commit(ctx)

	restarter := &fakeRestarter{}
	sweeper := NewSweeper(s, restarter, nil)
	sweeper.Tick(ctx)

	if len(restarter.restarted) != 1 || restarter.restarted[0] != "wf-due" {
		t.Fatalf("restarted = %v, want only wf-due", restarter.restarted)
	}
}
