package store

import (
	"context"
	"testing"
	"time"
)

func TestMemStore_PutAndGetWorkflow(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	w := Workflow{ID: "wf-1", DefinitionID: "def-1", Status: WorkflowPending, InsertedAt: time.Now(), UpdatedAt: time.Now()}
	if err := tx.PutWorkflow(ctx, w); err != nil {
		t.Fatalf("PutWorkflow failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := s.Workflows().Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != WorkflowPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestMemStore_AbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, _ := s.Begin(ctx)
	_ = tx.PutWorkflow(ctx, Workflow{ID: "wf-1", Status: WorkflowPending})
	if err := tx.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	if _, err := s.Workflows().Get(ctx, "wf-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after abort, got %v", err)
	}
}

func TestMemStore_EventsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, _ := s.Begin(ctx)
	_ = tx.PutEvent(ctx, Event{ID: "e1", WorkflowID: "wf-1", EventType: EventStepStarted, Timestamp: time.Now()})
	_ = tx.PutEvent(ctx, Event{ID: "e2", WorkflowID: "wf-1", EventType: EventStepCompleted, Timestamp: time.Now()})
	_ = tx.Commit(ctx)

	events, err := s.Events().ScanByWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ScanByWorkflow failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != EventStepStarted || events[1].EventType != EventStepCompleted {
		t.Errorf("events out of insertion order: %+v", events)
	}
}

func TestMemStore_IdempotencyPendingThenCompleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	key := "wf-1:s1:1"

	tx, _ := s.Begin(ctx)
	_ = tx.PutIdempotency(ctx, Idempotency{Key: key, Status: IdempotencyPending, StartedAt: time.Now()})
	_ = tx.Commit(ctx)

	tx2, _ := s.Begin(ctx)
	now := time.Now()
	_ = tx2.PutIdempotency(ctx, Idempotency{Key: key, Status: IdempotencyCompleted, StartedAt: now, CompletedAt: &now})
	_ = tx2.Commit(ctx)

	rec, err := s.Idempotency().Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != IdempotencyCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
}

func TestMemStore_DeadLetterScans(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, _ := s.Begin(ctx)
	_ = tx.PutDeadLetter(ctx, DeadLetterEntry{ID: "d1", WorkflowID: "wf-1", Status: DLQPending, ErrorClass: "transient"})
	_ = tx.PutDeadLetter(ctx, DeadLetterEntry{ID: "d2", WorkflowID: "wf-2", Status: DLQArchived, ErrorClass: "terminal"})
	_ = tx.Commit(ctx)

	pending, err := s.DeadLetters().ScanByStatus(ctx, DLQPending)
	if err != nil {
		t.Fatalf("ScanByStatus failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "d1" {
		t.Errorf("unexpected pending scan result: %+v", pending)
	}

	count, err := s.DeadLetters().Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}
}
