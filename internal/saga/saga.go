// Package saga implements the compensation machinery of spec.md §3's
// Saga Layer and §4.3's failure path: a reverse-order walk over
// previously completed steps invoking each step's optional Compensate,
// classifying failures as critical or non-critical. Grounded on
// other_examples' necyber-goclaw/pkg/saga/compensation.go
// (CompensationExecutor.Execute's reverse-layer walk, per-step timeout
// via context.WithTimeout, idempotency-gated re-invocation).
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beamflow/engine/internal/step"
)

// CompletedStep is one previously completed step eligible for
// compensation, carrying the context the actor recorded for the step
// (the state the step returned), per spec.md §4.3's
// "invoke with the step's recorded context."
type CompletedStep struct {
	StepID      string
	Compensator step.Compensator
	Context     step.State
}

// Recorder tracks which (workflowID, stepID) compensations already ran,
// so a crash-resumed failure path does not re-invoke a compensation
// that already succeeded. Grounded on the teacher example's
// IdempotencyStore (Seen/Mark); the default implementation is an
// in-memory set, matching InMemoryIdempotencyStore.
type Recorder interface {
	Seen(key string) bool
	Mark(key string)
}

// memRecorder is the default in-process Recorder.
type memRecorder struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemRecorder() *memRecorder { return &memRecorder{seen: make(map[string]struct{})} }

func (r *memRecorder) Seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[key]
	return ok
}

func (r *memRecorder) Mark(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[key] = struct{}{}
}

// RecorderKey builds the idempotency key for one compensation
// invocation, mirroring the teacher example's CompensationIdempotencyKey.
func RecorderKey(workflowID, stepID string) string {
	return fmt.Sprintf("%s:%s", workflowID, stepID)
}

// StepOutcome is one compensation invocation's result.
type StepOutcome string

const (
	OutcomeCompleted      StepOutcome = "completed"
	OutcomeFailed         StepOutcome = "failed"
	OutcomeCriticalFailed StepOutcome = "critical_failed"
	OutcomeSkipped        StepOutcome = "skipped"
)

// Failure records one compensation step's failure for the caller (the
// actor) to turn into events and, for critical failures, a DLQ entry.
type Failure struct {
	StepID   string
	Err      error
	Critical bool
}

// Result is the outcome of one reverse-order compensation walk.
type Result struct {
	// Invoked lists step ids whose Compensate was called, in the order
	// invoked (i.e. reverse completion order).
	Invoked []string
	// Completed lists step ids whose Compensate returned nil.
	Completed []string
	// Failures lists every compensation that returned an error, most
	// recent last.
	Failures []Failure
	// StoppedEarly is true when a critical failure halted the walk
	// before every completed step was visited, per spec.md §4.3's
	// "ends (cleanly or partially)."
	StoppedEarly bool
}

// HasCriticalFailure reports whether any Failure in the result was
// critical, the trigger for a compensation_failed DLQ entry.
func (r Result) HasCriticalFailure() bool {
	for _, f := range r.Failures {
		if f.Critical {
			return true
		}
	}
	return false
}

// Executor runs the reverse-order compensation walk.
type Executor struct {
	recorder Recorder
	// OnEvent is called around each compensation invocation so the
	// caller can persist compensation_started/completed/failed events,
	// per spec.md §3 Event table. Optional.
	OnEvent func(stepID string, eventType string, detail string)
}

// NewExecutor returns an Executor. recorder may be nil to use an
// in-memory default (appropriate for a single actor process; callers
// needing durable crash-resume across restarts should supply one
// backed by the ledger/store).
func NewExecutor(recorder Recorder) *Executor {
	if recorder == nil {
		recorder = newMemRecorder()
	}
	return &Executor{recorder: recorder}
}

// Run walks completed (already in forward completion order) in reverse,
// invoking each Compensate under its declared timeout. A critical
// failure stops the walk immediately (after recording it); a
// non-critical failure is recorded and the walk continues to the next
// (earlier) step, per spec.md §4.3.
func (e *Executor) Run(ctx context.Context, workflowID string, completed []CompletedStep) Result {
	var res Result

	for i := len(completed) - 1; i >= 0; i-- {
		cs := completed[i]
		if cs.Compensator == nil {
			continue
		}
		key := RecorderKey(workflowID, cs.StepID)
		if e.recorder.Seen(key) {
			continue
		}

		res.Invoked = append(res.Invoked, cs.StepID)
		e.emit(cs.StepID, "compensation_started", "")

		meta := cs.Compensator.Metadata()
		stepCtx := ctx
		var cancel context.CancelFunc
		if meta.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(meta.Timeout)*time.Millisecond)
		}
		err := cs.Compensator.Compensate(stepCtx, cs.Context)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			e.recorder.Mark(key)
			res.Completed = append(res.Completed, cs.StepID)
			e.emit(cs.StepID, "compensation_completed", "")
			continue
		}

		e.emit(cs.StepID, "compensation_failed", err.Error())
		res.Failures = append(res.Failures, Failure{StepID: cs.StepID, Err: err, Critical: meta.Critical})
		if meta.Critical {
			res.StoppedEarly = true
			return res
		}
	}
	return res
}

func (e *Executor) emit(stepID, eventType, detail string) {
	if e.OnEvent != nil {
		e.OnEvent(stepID, eventType, detail)
	}
}
