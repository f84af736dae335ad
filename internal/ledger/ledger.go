// Package ledger implements the idempotency ledger of spec.md §4.8: a
// per-step key gating absent -> pending -> {completed | failed}, queried
// before every step execution so a completed entry short-circuits
// re-execution with its cached result. Grounded on the teacher's
// graph/checkpoint.go idempotency-key idiom (computeIdempotencyKey
// hashing run id / step id / state), retargeted from an in-memory
// checkpoint struct to keys persisted over the store.Store contract.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beamflow/engine/internal/step"
	"github.com/beamflow/engine/internal/store"
)

// ErrRegressed is returned when a caller tries to move a completed or
// failed entry back to pending, violating spec.md §3's "a key never
// regresses from completed/failed to pending."
var ErrRegressed = errors.New("ledger: cannot regress a completed/failed entry to pending")

// Key formats the idempotency key "workflow_id:step_id:attempt" of
// spec.md §4.8.
func Key(workflowID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", workflowID, stepID, attempt)
}

// Outcome is the ledger's answer to a pre-execution check: whether the
// step should run at all, and if not, what was cached.
type Outcome int

const (
	// Absent: no entry exists, Execute must run normally.
	Absent Outcome = iota
	// Pending: a prior attempt was interrupted mid-step (crash). The
	// caller may re-invoke Execute with the same injected key, per
	// spec.md §4.3 step 2's "treat as resumable according to the
	// step's idempotency contract."
	Pending
	// Completed: a cached result exists; short-circuit and reuse it.
	Completed
	// Failed: a prior attempt completed unsuccessfully and the ledger
	// entry for this exact attempt is terminal; the actor's attempt
	// scan (findAttempt) moves on to the next attempt number rather
	// than reusing this one.
	Failed
)

// Check is the lookup spec.md §4.3 step 2 performs before entering a
// step: "Ledger check: if key is completed, reuse cached result... If
// pending (crash mid-step), treat as resumable."
type Check struct {
	Outcome Outcome
	Result  step.State
	Error   string
}

// Ledger wraps a store.Store with the idempotency state machine.
type Ledger struct {
	s store.Store
}

// New wraps s as a Ledger.
func New(s store.Store) *Ledger {
	return &Ledger{s: s}
}

// CheckTx looks up key within tx, returning Absent if no row exists.
func (l *Ledger) CheckTx(ctx context.Context, tx store.Tx, key string) (Check, error) {
	rec, err := tx.GetIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Check{Outcome: Absent}, nil
	}
	if err != nil {
		return Check{}, err
	}
	switch rec.Status {
	case store.IdempotencyPending:
		return Check{Outcome: Pending}, nil
	case store.IdempotencyCompleted:
		return Check{Outcome: Completed, Result: rec.Result}, nil
	case store.IdempotencyFailed:
		return Check{Outcome: Failed, Error: rec.Error}, nil
	default:
		return Check{Outcome: Absent}, nil
	}
}

// MarkPending writes a pending entry for key, timestamped startedAt.
// Valid from Absent or an existing Pending (crash-resume re-entry);
// returns ErrRegressed from Completed/Failed.
func (l *Ledger) MarkPending(ctx context.Context, tx store.Tx, key string, startedAt time.Time) error {
	existing, err := l.CheckTx(ctx, tx, key)
	if err != nil {
		return err
	}
	if existing.Outcome == Completed || existing.Outcome == Failed {
		return ErrRegressed
	}
	return tx.PutIdempotency(ctx, store.Idempotency{
		Key:       key,
		Status:    store.IdempotencyPending,
		StartedAt: startedAt,
	})
}

// MarkCompleted transitions key to completed, caching result. Only
// valid from Pending.
func (l *Ledger) MarkCompleted(ctx context.Context, tx store.Tx, key string, result step.State, completedAt time.Time) error {
	rec, err := tx.GetIdempotency(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != store.IdempotencyPending {
		return ErrRegressed
	}
	rec.Status = store.IdempotencyCompleted
	rec.CompletedAt = &completedAt
	rec.Result = result
	rec.Error = ""
	return tx.PutIdempotency(ctx, rec)
}

// MarkFailed transitions key to failed, recording the terminal error
// for this attempt. Only valid from Pending.
func (l *Ledger) MarkFailed(ctx context.Context, tx store.Tx, key string, reason string, completedAt time.Time) error {
	rec, err := tx.GetIdempotency(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != store.IdempotencyPending {
		return ErrRegressed
	}
	rec.Status = store.IdempotencyFailed
	rec.CompletedAt = &completedAt
	rec.Error = reason
	return tx.PutIdempotency(ctx, rec)
}
