// Package actor implements the Workflow Actor of spec.md §4.3: the
// single-writer state machine that drives one workflow's graph to
// completion, gating every step behind the idempotency ledger,
// classifying failures through the retry decider, and running the saga
// compensation walk on the failure path. Grounded on the teacher's
// graph/engine.go Run loop (sequential node-by-node execution,
// checkpoint-then-continue shape) retargeted from node-by-node graph
// execution to the spec's step/branch/join/terminal traversal with
// ledger gating.
package actor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beamflow/engine/internal/bus"
	"github.com/beamflow/engine/internal/chaos"
	"github.com/beamflow/engine/internal/dlq"
	"github.com/beamflow/engine/internal/emit"
	"github.com/beamflow/engine/internal/graph"
	"github.com/beamflow/engine/internal/idgen"
	"github.com/beamflow/engine/internal/ledger"
	"github.com/beamflow/engine/internal/metrics"
	"github.com/beamflow/engine/internal/policy"
	"github.com/beamflow/engine/internal/saga"
	"github.com/beamflow/engine/internal/step"
	"github.com/beamflow/engine/internal/store"
)

// ErrStopped is returned by Run when the actor was asked to stop
// gracefully via Stop, per spec.md §4.3's cancellation contract: the
// actor persists current progress and terminates cleanly.
var ErrStopped = errors.New("actor: stopped")

// ErrCrashed is returned by Run when the actor must be restarted by the
// supervisor after exhausting the bounded storage-failure retries of
// spec.md §7. A chaos-induced crash (spec.md §4.3) is signaled by a
// panic instead (see crashSignal) since it must interrupt execution
// mid-step the way a real abnormal termination would.
var ErrCrashed = errors.New("actor: crashed")

// maxStorageRetries bounds the "storage failures are retried a bounded
// number of times" rule of spec.md §7 before the actor crashes.
const maxStorageRetries = 3

// Definition bundles the graph, step registry, and named retry policies
// one workflow definition is registered with, per spec.md §6's
// register_definition.
type Definition struct {
	ID       string
	Graph    *graph.Graph
	Steps    *step.Registry
	Policies map[string]policy.RetryPolicy
}

func (d Definition) policyFor(stepID string) policy.RetryPolicy {
	name, err := d.Steps.PolicyName(stepID)
	if err != nil {
		return policy.Conservative
	}
	if p, ok := d.Policies[name]; ok {
		return p
	}
	return policy.Conservative
}

// Deps collects the Actor's collaborators. Only Store is required; the
// rest degrade gracefully to no-ops when nil.
type Deps struct {
	Store             store.Store
	Bus               *bus.Bus
	Emitter           emit.Emitter
	Metrics           *metrics.Metrics
	Injector          *chaos.Monkey
	Recorder          saga.Recorder
	StepTimeout       time.Duration
	DLQBaseRetryDelay time.Duration
	DLQMaxRetryDelay  time.Duration
}

// Actor owns one live workflow's execution. One Actor instance exists
// per live workflow id at a time, per spec.md §4.3/§5.
type Actor struct {
	workflowID string
	def        Definition
	deps       Deps
	ledger     *ledger.Ledger
	saga       *saga.Executor

	completed []saga.CompletedStep

	stopCh chan stopRequest
}

type stopRequest struct {
	compensate bool
	done       chan struct{}
}

// New constructs an Actor for workflowID against def, using deps.
func New(workflowID string, def Definition, deps Deps) *Actor {
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = 30 * time.Second
	}
	sagaExec := saga.NewExecutor(deps.Recorder)
	a := &Actor{
		workflowID: workflowID,
		def:        def,
		deps:       deps,
		ledger:     ledger.New(deps.Store),
		saga:       sagaExec,
		stopCh:     make(chan stopRequest, 1),
	}
	sagaExec.OnEvent = a.onCompensationEvent
	return a
}

// Stop asks the actor to stop at its next suspension point. When
// compensate is true the actor runs the failure/compensation path
// before stopping, per spec.md §4.3's "no compensation unless requested
// explicitly." Blocks until the actor acknowledges.
func (a *Actor) Stop(compensate bool) {
	req := stopRequest{compensate: compensate, done: make(chan struct{})}
	select {
	case a.stopCh <- req:
		<-req.done
	default:
		// A stop is already pending; nothing further to do.
	}
}

// Run drives the workflow to completion (or to a suspension point),
// implementing the state machine of spec.md §4.3. It returns nil on a
// clean terminal (completed/failed), ErrStopped on a graceful stop, and
// ErrCrashed when the actor must be restarted by the supervisor. A
// chaos-injected crash unwinds via panic(crashSignal{...}); callers
// (the supervisor) must recover it at the goroutine boundary.
func (a *Actor) Run(ctx context.Context) error {
	wf, err := a.getWorkflow(ctx)
	if err != nil {
		return fmt.Errorf("actor: load workflow: %w", err)
	}

	if err := a.rehydrateCompleted(ctx); err != nil {
		return fmt.Errorf("actor: rehydrate saga state: %w", err)
	}

	currentID := wf.CurrentNodeID
	if wf.Status == store.WorkflowPending {
		now := time.Now()
		currentID = a.def.Graph.StartID()
		wf.Status = store.WorkflowRunning
		wf.StartedAt = &now
		wf.CurrentNodeID = currentID
		if err := a.putWorkflow(ctx, wf); err != nil {
			return err
		}
		a.publishEvent(store.EventWorkflowStarted, nil)
	}

	for {
		if req, stopped := a.checkStop(); stopped {
			if req.compensate {
				a.runFailurePath(ctx, &wf, "cancelled_with_compensation")
			}
			close(req.done)
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ErrStopped
		default:
		}

		decision, err := graph.Next(a.def.Graph, currentID, wf.State)
		if err != nil {
			return fmt.Errorf("actor: graph traversal: %w", err)
		}

		switch decision.Kind {
		case graph.NextTerminal:
			return a.complete(ctx, &wf)

		case graph.NextJoin:
			currentID = decision.NextID
			wf.CurrentNodeID = currentID
			if err := a.putWorkflow(ctx, wf); err != nil {
				return err
			}

		case graph.NextBranch:
			a.publishEvent(store.EventBranchTaken, map[string]interface{}{
				"node_id": currentID, "label": decision.Label, "next_id": decision.NextID,
			})
			currentID = decision.NextID
			wf.CurrentNodeID = currentID
			if err := a.putWorkflow(ctx, wf); err != nil {
				return err
			}

		case graph.NextStep:
			outcome, err := a.runStep(ctx, &wf, currentID, decision.StepRef)
			if err != nil {
				return err
			}
			switch outcome {
			case stepOutcomeRetryScheduled:
				// stay at currentID; next iteration recomputes the
				// attempt to try via the ledger.
			case stepOutcomeAdvanced:
				currentID = decision.NextID
			case stepOutcomeFailedWorkflow:
				return nil
			}
		}
	}
}

func (a *Actor) checkStop() (stopRequest, bool) {
	select {
	case req := <-a.stopCh:
		return req, true
	default:
		return stopRequest{}, false
	}
}

type stepOutcome int

const (
	stepOutcomeAdvanced stepOutcome = iota
	stepOutcomeRetryScheduled
	stepOutcomeFailedWorkflow
)

// runStep implements spec.md §4.3's "On entering a step node" state
// machine: ledger check, execute-or-reuse, retry decider, failure path.
func (a *Actor) runStep(ctx context.Context, wf *store.Workflow, nodeID, stepRef string) (stepOutcome, error) {
	impl, err := a.def.Steps.Get(stepRef)
	if err != nil {
		return 0, fmt.Errorf("actor: resolve step %s: %w", stepRef, err)
	}
	rp := a.def.policyFor(stepRef)

	attempt, check, err := a.findAttempt(ctx, stepRef, rp.MaxAttempts)
	if err != nil {
		return 0, err
	}
	key := ledger.Key(a.workflowID, stepRef, attempt)

	switch check.Outcome {
	case ledger.Completed:
		a.recordCompletedForSaga(stepRef, impl, check.Result)
		wf.State = check.Result
		a.publishEvent(store.EventStepCompleted, map[string]interface{}{"step_id": stepRef, "cached": true})
		return a.advance(ctx, wf, nodeID)

	case ledger.Failed:
		// All declared attempts are exhausted without success; the
		// previous attempt already decided to give up.
		a.runFailurePath(ctx, wf, check.Error)
		return stepOutcomeFailedWorkflow, nil
	}

	// Absent or Pending: (re-)execute.
	if err := a.withRetries(ctx, func() error {
		tx, e := a.deps.Store.Begin(ctx)
		if e != nil {
			return e
		}
		if e := a.ledger.MarkPending(ctx, tx, key, time.Now()); e != nil {
			_ = tx.Abort(ctx)
			return e
		}
		return tx.Commit(ctx)
	}); err != nil {
		return 0, ErrCrashed
	}
	a.publishEvent(store.EventStepStarted, map[string]interface{}{"step_id": stepRef, "attempt": attempt})

	execState := cloneState(wf.State)
	execState[step.IdempotencyKeyField] = key

	started := time.Now()
	result, reason := a.executeWithChaos(ctx, impl, execState)
	a.deps.Metrics.RecordStepLatency(stepRef, outcomeLabel(reason), time.Since(started))

	if reason == "" {
		if err := a.withRetries(ctx, func() error {
			tx, e := a.deps.Store.Begin(ctx)
			if e != nil {
				return e
			}
			if e := a.ledger.MarkCompleted(ctx, tx, key, result, time.Now()); e != nil {
				_ = tx.Abort(ctx)
				return e
			}
			return tx.Commit(ctx)
		}); err != nil {
			return 0, ErrCrashed
		}
		a.recordCompletedForSaga(stepRef, impl, result)
		wf.State = result
		a.publishEvent(store.EventStepCompleted, map[string]interface{}{"step_id": stepRef, "attempt": attempt})
		return a.advance(ctx, wf, nodeID)
	}

	// Failure: record, classify, and decide.
	if err := a.withRetries(ctx, func() error {
		tx, e := a.deps.Store.Begin(ctx)
		if e != nil {
			return e
		}
		if e := a.ledger.MarkFailed(ctx, tx, key, reason, time.Now()); e != nil {
			_ = tx.Abort(ctx)
			return e
		}
		return tx.Commit(ctx)
	}); err != nil {
		return 0, ErrCrashed
	}
	a.publishEvent(store.EventStepFailed, map[string]interface{}{"step_id": stepRef, "attempt": attempt, "reason": reason})

	decision := policy.Decide(rp, reason, attempt, rand.New(rand.NewSource(time.Now().UnixNano()))) // #nosec G404 -- jitter, not security
	if decision.Retry {
		a.deps.Metrics.IncRetry(stepRef, string(decision.Class))
		a.publishEvent(store.EventRetryScheduled, map[string]interface{}{
			"step_id": stepRef, "attempt": attempt, "delay_ms": decision.Delay.Milliseconds(),
		})
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
		}
		return stepOutcomeRetryScheduled, nil
	}

	a.runFailurePath(ctx, wf, reason)
	return stepOutcomeFailedWorkflow, nil
}

func outcomeLabel(reason string) string {
	if reason == "" {
		return "success"
	}
	return "failure"
}

func (a *Actor) advance(ctx context.Context, wf *store.Workflow, nodeID string) (stepOutcome, error) {
	decision, err := graph.Next(a.def.Graph, nodeID, wf.State)
	if err != nil {
		return 0, err
	}
	wf.CurrentNodeID = decision.NextID
	if err := a.putWorkflow(ctx, *wf); err != nil {
		return 0, err
	}
	return stepOutcomeAdvanced, nil
}

// crashSignal is the panic value a chaos-injected crash unwinds with.
// It models spec.md §4.3's "a crash causes the actor to terminate
// abnormally"; the supervisor recovers it at the goroutine boundary and
// treats it identically to any other abnormal exit.
type crashSignal struct{ WorkflowID string }

func (c crashSignal) String() string { return "actor: chaos-induced crash for " + c.WorkflowID }

// executeWithChaos consults the fault injector (if wired) before
// validate/execute, per spec.md §4.3's "fault-injection hooks."
func (a *Actor) executeWithChaos(ctx context.Context, impl step.Step, state step.State) (step.State, string) {
	if a.deps.Injector != nil {
		if a.deps.Injector.ShouldFail(a.workflowID, chaos.FaultCrash) {
			panic(crashSignal{WorkflowID: a.workflowID})
		}
		// A trigger sets the one-shot flag chaosCompensator consumes on
		// the failure path.
		a.deps.Injector.ShouldFail(a.workflowID, chaos.FaultCompensationFail)
		if a.deps.Injector.ShouldFail(a.workflowID, chaos.FaultLatency) {
			select {
			case <-time.After(a.deps.Injector.Latency()):
			case <-ctx.Done():
			}
		}
		if a.deps.Injector.ShouldFail(a.workflowID, chaos.FaultTimeout) {
			return nil, "step_timeout"
		}
		if a.deps.Injector.ShouldFail(a.workflowID, chaos.FaultError) {
			return nil, "chaos_induced"
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, a.deps.StepTimeout)
	defer cancel()

	if err := impl.Validate(stepCtx, state); err != nil {
		return nil, err.Error()
	}
	result, err := impl.Execute(stepCtx, state)
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, "step_timeout"
		}
		return nil, err.Error()
	}
	return result, ""
}

// chaosCompensator wraps a real Compensator so the chaos monkey's
// one-shot compensation-fail flag (spec.md §4.9) can force the next
// compensation invocation to fail, per spec.md §4.3's fault-injection
// hooks extending into the failure path.
type chaosCompensator struct {
	inner      step.Compensator
	injector   *chaos.Monkey
	workflowID string
}

func (c chaosCompensator) Metadata() step.CompensationMetadata { return c.inner.Metadata() }

func (c chaosCompensator) Compensate(ctx context.Context, state step.State) error {
	if c.injector != nil && c.injector.ConsumeCompensationFail(c.workflowID) {
		return errors.New("chaos_induced_compensation_failure")
	}
	return c.inner.Compensate(ctx, state)
}

func (a *Actor) recordCompletedForSaga(stepID string, impl step.Step, ctxState step.State) {
	comp, ok := impl.(step.Compensator)
	if !ok {
		return
	}
	var wrapped step.Compensator = comp
	if a.deps.Injector != nil {
		wrapped = chaosCompensator{inner: comp, injector: a.deps.Injector, workflowID: a.workflowID}
	}
	a.completed = append(a.completed, saga.CompletedStep{StepID: stepID, Compensator: wrapped, Context: ctxState})
}

// rehydrateCompleted rebuilds a.completed from the idempotency ledger so
// a workflow resumed after a crash still compensates steps that
// completed in a prior process lifetime, per spec.md §4.3's crash-resume
// contract combined with the saga's "recorded context" requirement.
func (a *Actor) rehydrateCompleted(ctx context.Context) error {
	entries, err := a.deps.Store.Idempotency().ScanByStatus(ctx, store.IdempotencyCompleted)
	if err != nil {
		return err
	}
	prefix := a.workflowID + ":"
	type hit struct {
		stepID      string
		completedAt time.Time
		result      step.State
	}
	var hits []hit
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.Key, prefix)
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if _, err := strconv.Atoi(parts[1]); err != nil {
			continue
		}
		ts := e.StartedAt
		if e.CompletedAt != nil {
			ts = *e.CompletedAt
		}
		hits = append(hits, hit{stepID: parts[0], completedAt: ts, result: e.Result})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].completedAt.Before(hits[j].completedAt) })

	for _, h := range hits {
		impl, err := a.def.Steps.Get(h.stepID)
		if err != nil {
			continue
		}
		a.recordCompletedForSaga(h.stepID, impl, h.result)
	}
	return nil
}

func (a *Actor) onCompensationEvent(stepID, eventType, detail string) {
	var evtType store.EventType
	switch eventType {
	case "compensation_started":
		evtType = store.EventCompensationStarted
	case "compensation_completed":
		evtType = store.EventCompensationComplete
	case "compensation_failed":
		evtType = store.EventCompensationFailed
	default:
		return
	}
	a.publishEvent(evtType, map[string]interface{}{"step_id": stepID, "detail": detail})
}

// runFailurePath implements spec.md §4.3's failure path: compensate in
// reverse, then mark the workflow failed with a DLQ entry.
func (a *Actor) runFailurePath(ctx context.Context, wf *store.Workflow, reason string) {
	wf.Status = store.WorkflowCompensating
	_ = a.putWorkflow(ctx, *wf)

	res := a.saga.Run(ctx, a.workflowID, a.completed)
	for _, f := range res.Failures {
		outcome := "failed"
		if f.Critical {
			outcome = "critical_failed"
			entry := dlq.Enqueue(dlq.EnqueueParams{
				Type:           store.DLQCompensationFailed,
				WorkflowID:     a.workflowID,
				WorkflowModule: a.def.ID,
				FailedStep:     f.StepID,
				Reason:         f.Err.Error(),
				Context:        wf.State,
				OriginalParams: wf.State,
				BaseRetryDelay: a.deps.DLQBaseRetryDelay,
				MaxRetryDelay:  a.deps.DLQMaxRetryDelay,
				Now:            time.Now(),
			})
			_ = a.putDeadLetter(ctx, entry)
			a.deps.Metrics.IncDLQEnqueue(string(entry.Type), entry.ErrorClass)
			a.publishDLQUpdate(entry)
		}
		a.deps.Metrics.IncCompensation(f.StepID, outcome)
	}
	for _, id := range res.Completed {
		a.deps.Metrics.IncCompensation(id, "completed")
	}

	now := time.Now()
	wf.Status = store.WorkflowFailed
	wf.CompletedAt = &now
	wf.Error = reason
	_ = a.putWorkflow(ctx, *wf)
	a.publishEvent(store.EventWorkflowFailed, map[string]interface{}{"error": reason})

	entry := dlq.Enqueue(dlq.EnqueueParams{
		Type:           store.DLQWorkflowFailed,
		WorkflowID:     a.workflowID,
		WorkflowModule: a.def.ID,
		FailedStep:     wf.CurrentNodeID,
		Reason:         reason,
		Context:        wf.State,
		OriginalParams: wf.State,
		BaseRetryDelay: a.deps.DLQBaseRetryDelay,
		MaxRetryDelay:  a.deps.DLQMaxRetryDelay,
		Now:            now,
	})
	_ = a.putDeadLetter(ctx, entry)
	a.deps.Metrics.IncDLQEnqueue(string(entry.Type), entry.ErrorClass)
	a.publishDLQUpdate(entry)
}

func (a *Actor) complete(ctx context.Context, wf *store.Workflow) error {
	now := time.Now()
	wf.Status = store.WorkflowCompleted
	wf.CompletedAt = &now
	if err := a.putWorkflow(ctx, *wf); err != nil {
		return err
	}
	a.publishEvent(store.EventWorkflowCompleted, nil)
	return nil
}

// findAttempt implements the per-step attempt-resolution rule: walk
// attempts 1..max, returning the first that is Absent, Pending (the
// crash-resumable attempt), or Completed (cached). A run of Failed
// attempts all the way to max means the retry budget is exhausted.
func (a *Actor) findAttempt(ctx context.Context, stepID string, max int) (int, ledger.Check, error) {
	if max < 1 {
		max = 1
	}
	var last ledger.Check
	for attempt := 1; attempt <= max; attempt++ {
		tx, err := a.deps.Store.Begin(ctx)
		if err != nil {
			return 0, ledger.Check{}, ErrCrashed
		}
		check, err := a.ledger.CheckTx(ctx, tx, ledger.Key(a.workflowID, stepID, attempt))
		_ = tx.Abort(ctx)
		if err != nil {
			return 0, ledger.Check{}, err
		}
		last = check
		if check.Outcome != ledger.Failed {
			return attempt, check, nil
		}
	}
	return max, last, nil
}

func (a *Actor) getWorkflow(ctx context.Context) (store.Workflow, error) {
	return a.deps.Store.Workflows().Get(ctx, a.workflowID)
}

func (a *Actor) putWorkflow(ctx context.Context, wf store.Workflow) error {
	wf.UpdatedAt = time.Now()
	return a.withRetries(ctx, func() error {
		tx, err := a.deps.Store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := tx.PutWorkflow(ctx, wf); err != nil {
			_ = tx.Abort(ctx)
			return err
		}
		return tx.Commit(ctx)
	})
}

func (a *Actor) putDeadLetter(ctx context.Context, entry store.DeadLetterEntry) error {
	return a.withRetries(ctx, func() error {
		tx, err := a.deps.Store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := tx.PutDeadLetter(ctx, entry); err != nil {
			_ = tx.Abort(ctx)
			return err
		}
		return tx.Commit(ctx)
	})
}

func (a *Actor) withRetries(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < maxStorageRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *Actor) publishEvent(eventType store.EventType, data map[string]interface{}) {
	ev := store.Event{
		ID:         idgen.NewEventID(),
		WorkflowID: a.workflowID,
		EventType:  eventType,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := a.withRetries(context.Background(), func() error {
		tx, e := a.deps.Store.Begin(context.Background())
		if e != nil {
			return e
		}
		if e := tx.PutEvent(context.Background(), ev); e != nil {
			_ = tx.Abort(context.Background())
			return e
		}
		return tx.Commit(context.Background())
	}); err != nil {
		return
	}
	if a.deps.Bus != nil {
		a.deps.Bus.Publish(bus.WorkflowTopic(a.workflowID), ev)
	}
	if a.deps.Emitter != nil {
		stepID, _ := data["step_id"].(string)
		attempt, _ := data["attempt"].(int)
		a.deps.Emitter.Emit(emit.Event{
			WorkflowID: a.workflowID,
			EventType:  string(eventType),
			StepID:     stepID,
			Attempt:    attempt,
			Meta:       data,
		})
	}
}

func (a *Actor) publishDLQUpdate(entry store.DeadLetterEntry) {
	if a.deps.Bus != nil {
		a.deps.Bus.Publish(bus.TopicDLQUpdates, entry)
	}
}

func cloneState(s step.State) step.State {
	out := make(step.State, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}
