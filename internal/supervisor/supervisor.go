// Package supervisor implements the Workflow Supervisor + Registry of
// spec.md §4.4: start_workflow idempotency, a concurrent registry
// mapping workflow_id to a live actor handle, and a restart policy that
// respawns a crashed actor with state rehydrated from storage, moving a
// workflow to the DLQ as a critical_failure once restarts exceed a
// configured threshold within a window. Grounded on the teacher's
// graph/scheduler.go bounded-frontier/backpressure shape and on
// other_examples' zjrosen-perles supervisor.go allocate/spawn/shutdown
// lifecycle (ErrInvalidState, config-carrying constructor), retargeted
// from an HTTP/MCP-process lifecycle to a per-workflow actor lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beamflow/engine/internal/actor"
	"github.com/beamflow/engine/internal/bus"
	"github.com/beamflow/engine/internal/chaos"
	"github.com/beamflow/engine/internal/dlq"
	"github.com/beamflow/engine/internal/emit"
	"github.com/beamflow/engine/internal/graph"
	"github.com/beamflow/engine/internal/metrics"
	"github.com/beamflow/engine/internal/saga"
	"github.com/beamflow/engine/internal/store"
)

// ErrAtCapacity is returned by StartWorkflow when the configured
// max-concurrent-workflows cap is already reached, per spec.md §5's
// "start_workflow above the cap queues or fails with :at_capacity."
var ErrAtCapacity = errors.New("supervisor: at capacity")

// ErrUnknownDefinition is returned when definitionID has never been
// registered via RegisterDefinition.
var ErrUnknownDefinition = errors.New("supervisor: unknown definition")

// ErrInvalidState is returned by operations that require a workflow to
// be live (or not) and find the opposite, mirroring the teacher pack's
// ErrInvalidState convention for lifecycle operations.
var ErrInvalidState = errors.New("supervisor: invalid workflow state")

// Definition re-exports actor.Definition so callers need only import
// this package to register a workflow.
type Definition = actor.Definition

// Config carries the restart policy and backpressure settings of
// spec.md §6's supervisor options.
type Config struct {
	MaxConcurrentWorkflows int
	RestartWindow          time.Duration
	MaxRestarts            int
	DefaultStepTimeout     time.Duration
	DLQBaseRetryDelay      time.Duration
	DLQMaxRetryDelay       time.Duration
}

// Deps collects the supervisor's shared collaborators, handed down to
// every Actor it spawns.
type Deps struct {
	Store    store.Store
	Bus      *bus.Bus
	Emitter  emit.Emitter
	Metrics  *metrics.Metrics
	Recorder saga.Recorder
}

// Supervisor starts, restarts, and stops per-workflow actors, per
// spec.md §4.4/§4.9's Killer/Restarter contracts. It implements
// chaos.Killer and dlq.Restarter so the chaos monkey and the DLQ
// sweeper can drive it without importing each other.
type Supervisor struct {
	deps Deps
	cfg  Config

	registry *Registry
	sem      chan struct{}

	defsMu sync.RWMutex
	defs   map[string]Definition

	// injector, if set, receives fault-injection hooks forwarded into
	// every Actor this supervisor spawns (spec.md §4.3's "consulted only
	// when Chaos is enabled").
	injector *chaos.Monkey
}

// New constructs a Supervisor. cfg zero values fall back to
// config.Default()'s documented defaults.
func New(deps Deps, cfg Config) *Supervisor {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 1000
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 10 * time.Minute
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	return &Supervisor{
		deps:     deps,
		cfg:      cfg,
		registry: NewRegistry(),
		sem:      make(chan struct{}, cfg.MaxConcurrentWorkflows),
		defs:     make(map[string]Definition),
	}
}

// Registry exposes the live-workflow registry, e.g. to wire
// chaos.Monkey.Wire(sup.Registry(), sup).
func (s *Supervisor) Registry() *Registry { return s.registry }

// SetInjector wires the chaos fault injector forwarded to every spawned
// Actor. Must be called before any StartWorkflow if chaos is desired.
func (s *Supervisor) SetInjector(injector *chaos.Monkey) {
	s.injector = injector
}

// RegisterDefinition registers a validated graph plus its step registry
// and named retry policies under id, per spec.md §6's
// register_definition(id, graph, step_registry).
func (s *Supervisor) RegisterDefinition(id string, def Definition) {
	def.ID = id
	s.defsMu.Lock()
	defer s.defsMu.Unlock()
	s.defs[id] = def
}

func (s *Supervisor) lookupDefinition(id string) (Definition, bool) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()
	d, ok := s.defs[id]
	return d, ok
}

// StartWorkflow implements spec.md §6's start_workflow: idempotent on a
// live workflow_id, persists a new pending Workflow row otherwise, and
// spawns an actor goroutine to drive it. Returns ErrAtCapacity once
// MaxConcurrentWorkflows live actors are already running.
func (s *Supervisor) StartWorkflow(ctx context.Context, definitionID, workflowID string, params map[string]interface{}) error {
	if s.registry.Has(workflowID) {
		return nil // already live: idempotent per spec.md §4.4
	}

	def, ok := s.lookupDefinition(definitionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return ErrAtCapacity
	}

	now := time.Now()
	wf := store.Workflow{
		ID:            workflowID,
		DefinitionID:  definitionID,
		Status:        store.WorkflowPending,
		State:         params,
		CurrentNodeID: def.Graph.StartID(),
		TotalSteps:    countSteps(def),
		InsertedAt:    now,
		UpdatedAt:     now,
	}
	if err := s.putWorkflowIfAbsent(ctx, wf); err != nil {
		<-s.sem
		return err
	}

	h := newHandle(workflowID)
	s.registry.put(workflowID, h)
	go s.runLoop(h, def)
	return nil
}

// putWorkflowIfAbsent persists wf unless a row for wf.ID already
// exists (a prior process already created it and a restart is simply
// resuming it), per spec.md §4.4's "if an entry exists, return it
// idempotently."
func (s *Supervisor) putWorkflowIfAbsent(ctx context.Context, wf store.Workflow) error {
	if _, err := s.deps.Store.Workflows().Get(ctx, wf.ID); err == nil {
		return nil
	}
	tx, err := s.deps.Store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.PutWorkflow(ctx, wf); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// StopOptions configures StopWorkflow, mirroring spec.md §4.3's
// cancellation contract.
type StopOptions struct {
	// Compensate requests the failure/compensation path be run before
	// stopping, per spec.md §4.3's "no compensation unless requested
	// explicitly."
	Compensate bool
}

// StopWorkflow asks the live actor for workflowID to stop at its next
// suspension point and blocks until it has. A no-op if the workflow is
// not currently live.
func (s *Supervisor) StopWorkflow(workflowID string, opts StopOptions) error {
	h, ok := s.registry.get(workflowID)
	if !ok {
		return nil
	}
	a := h.getActor()
	if a == nil {
		return nil
	}
	a.Stop(opts.Compensate)
	return nil
}

// GetState implements spec.md §6's get_state(workflow_id) -> snapshot.
func (s *Supervisor) GetState(ctx context.Context, workflowID string) (store.Workflow, error) {
	return s.deps.Store.Workflows().Get(ctx, workflowID)
}

// Kill implements chaos.Killer: forces the live actor for workflowID to
// terminate abnormally, simulating a process crash, per spec.md §4.9's
// "target a random live workflow ... crash."
func (s *Supervisor) Kill(workflowID string, reason string) {
	h, ok := s.registry.get(workflowID)
	if !ok {
		return
	}
	h.requestKill()
}

// Restart implements dlq.Restarter: the DLQ sweeper asks the supervisor
// to resume a workflow at its last known node, per spec.md §4.7.
func (s *Supervisor) Restart(ctx context.Context, workflowID string) error {
	if s.registry.Has(workflowID) {
		return nil
	}
	wf, err := s.deps.Store.Workflows().Get(ctx, workflowID)
	if err != nil {
		return err
	}
	def, ok := s.lookupDefinition(wf.DefinitionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, wf.DefinitionID)
	}
	select {
	case s.sem <- struct{}{}:
	default:
		return ErrAtCapacity
	}
	h := newHandle(workflowID)
	s.registry.put(workflowID, h)
	go s.runLoop(h, def)
	return nil
}

// crashed is returned internally by runOnce to distinguish an abnormal
// exit (panic, ErrCrashed, or an operator-requested Kill) from a clean
// terminal or stop.
type crashed struct{ reason string }

func (c crashed) Error() string { return "supervisor: actor crashed: " + c.reason }

// runLoop owns one workflow's restart lifecycle: spawn an Actor, run it
// to completion or crash, and respawn on crash until the restart
// threshold of spec.md §4.4 is exceeded.
func (s *Supervisor) runLoop(h *handle, def Definition) {
	defer func() {
		s.registry.delete(h.workflowID)
		<-s.sem
	}()

	for {
		deps := actor.Deps{
			Store:             s.deps.Store,
			Bus:               s.deps.Bus,
			Emitter:           s.deps.Emitter,
			Metrics:           s.deps.Metrics,
			Recorder:          s.deps.Recorder,
			StepTimeout:       s.cfg.DefaultStepTimeout,
			DLQBaseRetryDelay: s.cfg.DLQBaseRetryDelay,
			DLQMaxRetryDelay:  s.cfg.DLQMaxRetryDelay,
		}
		if s.injector != nil {
			deps.Injector = s.injector
		}
		a := actor.New(h.workflowID, def, deps)
		h.setActor(a)

		err := s.runOnce(h, a)
		if err == nil {
			return // completed/failed/gracefully stopped terminal
		}

		var c crashed
		if !errors.As(err, &c) {
			return
		}

		if s.restartExceeded(h) {
			s.toDLQCritical(h.workflowID, def.ID, c.reason)
			return
		}
		s.deps.Metrics.IncRestart(h.workflowID)
		// loop: a fresh Actor.New rehydrates ledger/saga state from
		// storage and resumes at wf.CurrentNodeID, per spec.md §4.4.
	}
}

// runOnce drives a single Actor lifetime, recovering a chaos-induced
// panic at the goroutine boundary (the actor's own process has no
// equivalent of "the OS killed it," so a panic is how it signals one,
// per spec.md §4.3) and racing it against an operator-requested Kill.
func (s *Supervisor) runOnce(h *handle, a *actor.Actor) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- crashed{reason: fmt.Sprint(r)}
			}
		}()
		done <- a.Run(ctx)
	}()

	select {
	case err := <-done:
		if err == nil || errors.Is(err, actor.ErrStopped) {
			return nil
		}
		if errors.Is(err, actor.ErrCrashed) {
			return crashed{reason: err.Error()}
		}
		var c crashed
		if errors.As(err, &c) {
			return c
		}
		return nil
	case <-h.kill:
		// Go has no way to forcibly preempt a running goroutine the way a
		// real process kill would; cancel the context a well-behaved step
		// is expected to observe and move on without waiting for it. The
		// orphaned goroutine above may still write to storage after this
		// point — acceptable for a simulated fault, since a fresh Actor's
		// ledger/workflow reads are idempotent against a late, harmless
		// duplicate write from the goroutine it replaced.
		cancel()
		return crashed{reason: "killed"}
	}
}

// restartExceeded records this restart and reports whether the
// configured threshold within the configured window has been exceeded,
// per spec.md §4.4/§9: "restart-exhaustion threshold ... configurable
// and documented."
func (s *Supervisor) restartExceeded(h *handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UnixNano()
	cutoff := now - s.cfg.RestartWindow.Nanoseconds()
	kept := h.restartTimes[:0]
	for _, t := range h.restartTimes {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	h.restartTimes = kept
	return len(h.restartTimes) > s.cfg.MaxRestarts
}

func (s *Supervisor) toDLQCritical(workflowID, definitionID, reason string) {
	ctx := context.Background()
	wf, err := s.deps.Store.Workflows().Get(ctx, workflowID)
	if err != nil {
		wf = store.Workflow{ID: workflowID, DefinitionID: definitionID}
	}
	now := time.Now()
	wf.Status = store.WorkflowFailed
	wf.CompletedAt = &now
	wf.Error = "restart_exhausted: " + reason
	tx, err := s.deps.Store.Begin(ctx)
	if err == nil {
		_ = tx.PutWorkflow(ctx, wf)
		_ = tx.Commit(ctx)
	}

	entry := dlq.Enqueue(dlq.EnqueueParams{
		Type:           store.DLQCriticalFailure,
		WorkflowID:     workflowID,
		WorkflowModule: definitionID,
		FailedStep:     wf.CurrentNodeID,
		Reason:         "restart_exhausted: " + reason,
		Context:        wf.State,
		OriginalParams: wf.State,
		BaseRetryDelay: s.cfg.DLQBaseRetryDelay,
		MaxRetryDelay:  s.cfg.DLQMaxRetryDelay,
		Now:            now,
	})
	// A critical_failure always carries a policy.ClassTerminal-equivalent
	// archival: force it regardless of the reason string's classification
	// so a restart-storm never silently sits in "pending" forever.
	entry.Status = store.DLQArchived
	entry.NextRetryAt = nil

	if tx, err := s.deps.Store.Begin(ctx); err == nil {
		_ = tx.PutDeadLetter(ctx, entry)
		_ = tx.Commit(ctx)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.TopicDLQUpdates, entry)
	}
	s.deps.Metrics.IncDLQEnqueue(string(entry.Type), entry.ErrorClass)
}

func countSteps(def Definition) int {
	n := 0
	for _, id := range def.Graph.NodeIDs() {
		if node, ok := def.Graph.Node(id); ok && node.Kind == graph.KindStep {
			n++
		}
	}
	return n
}

// RehydrateRunning scans storage for workflows left `running` or `pending` by a
// prior process lifetime (e.g. a full-process restart, not just an
// actor crash) and respawns an actor for each, per spec.md §4.4's
// restart contract applied at supervisor startup rather than per-actor.
func (s *Supervisor) RehydrateRunning(ctx context.Context) error {
	running, err := s.deps.Store.Workflows().ScanByStatus(ctx, store.WorkflowRunning)
	if err != nil {
		return err
	}
	pending, err := s.deps.Store.Workflows().ScanByStatus(ctx, store.WorkflowPending)
	if err != nil {
		return err
	}
	for _, wf := range append(running, pending...) {
		if err := s.Restart(ctx, wf.ID); err != nil && !errors.Is(err, ErrAtCapacity) {
			return fmt.Errorf("rehydrate %s: %w", wf.ID, err)
		}
	}
	return nil
}
