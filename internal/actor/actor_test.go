package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beamflow/engine/internal/emit"
	"github.com/beamflow/engine/internal/graph"
	"github.com/beamflow/engine/internal/policy"
	"github.com/beamflow/engine/internal/step"
	"github.com/beamflow/engine/internal/store"
)

func newLinearDef(t *testing.T, stepID string, impl step.Step, policyName string) Definition {
	t.Helper()
	reg := step.NewRegistry()
	if err := reg.Register(stepID, impl, policyName); err != nil {
		t.Fatal(err)
	}
	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Step("s1", stepID))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "s1"))
	b.AddEdge(graph.Plain("s1", "end"))
	g, err := b.Build(reg)
	if err != nil {
		t.Fatal(err)
	}
	return Definition{
		ID:       "linear",
		Graph:    g,
		Steps:    reg,
		Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative, "aggressive": policy.Aggressive},
	}
}

func seedWorkflow(t *testing.T, s store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.PutWorkflow(ctx, store.Workflow{
		ID:           id,
		DefinitionID: "linear",
		Status:       store.WorkflowPending,
		State:        step.State{"n": 1},
		InsertedAt:   time.Now(),
		UpdatedAt:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRunHappyPathCompletesWorkflow(t *testing.T) {
	s := store.NewMemStore()
	seedWorkflow(t, s, "wf-1")

	impl := step.Func{Name: "double", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
		out := cloneState(st)
		out["n"] = st["n"].(int) * 2
		return out, nil
	}}
	def := newLinearDef(t, "double", impl, "conservative")
	a := New("wf-1", def, Deps{Store: s})

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	wf, err := s.Workflows().Get(context.Background(), "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != store.WorkflowCompleted {
		t.Fatalf("status = %v, want completed", wf.Status)
	}
	if wf.State["n"] != 2 {
		t.Fatalf("state[n] = %v, want 2", wf.State["n"])
	}
}

func TestRunTransientFailureRetriesThenSucceeds(t *testing.T) {
	s := store.NewMemStore()
	seedWorkflow(t, s, "wf-2")

	calls := 0
	impl := step.Func{Name: "flaky", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("timeout")
		}
		return cloneState(st), nil
	}}
	def := newLinearDef(t, "flaky", impl, "aggressive")
	// Speed the test up: override the aggressive policy's backoff floor.
	fast := policy.Aggressive
	fast.BaseDelay = time.Millisecond
	fast.MaxDelay = 2 * time.Millisecond
	def.Policies["aggressive"] = fast

	a := New("wf-2", def, Deps{Store: s})
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	wf, _ := s.Workflows().Get(context.Background(), "wf-2")
	if wf.Status != store.WorkflowCompleted {
		t.Fatalf("status = %v, want completed", wf.Status)
	}
}

type compensatingStep struct {
	step.Func
	compensated *bool
}

func (c compensatingStep) Compensate(ctx context.Context, state step.State) error {
	*c.compensated = true
	return nil
}

func (c compensatingStep) Metadata() step.CompensationMetadata {
	return step.CompensationMetadata{Timeout: 1000, Critical: false}
}

func TestRunPermanentFailureTriggersCompensationAndDLQ(t *testing.T) {
	s := store.NewMemStore()
	seedWorkflow(t, s, "wf-3")

	reg := step.NewRegistry()
	compensated := false
	ok := compensatingStep{
		Func:        step.Func{Name: "ok", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) { return cloneState(st), nil }},
		compensated: &compensated,
	}
	bad := step.Func{Name: "bad", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
		return nil, errors.New("fraud_detected")
	}}
	_ = reg.Register("ok", ok, "conservative")
	_ = reg.Register("bad", bad, "conservative")

	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Step("s1", "ok"))
	b.AddNode(graph.Step("s2", "bad"))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "s1"))
	b.AddEdge(graph.Plain("s1", "s2"))
	b.AddEdge(graph.Plain("s2", "end"))
	g, err := b.Build(reg)
	if err != nil {
		t.Fatal(err)
	}
	def := Definition{ID: "two-step", Graph: g, Steps: reg, Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative}}

	a := New("wf-3", def, Deps{Store: s})
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	if !compensated {
		t.Error("expected the completed step to be compensated")
	}
	wf, _ := s.Workflows().Get(context.Background(), "wf-3")
	if wf.Status != store.WorkflowFailed {
		t.Fatalf("status = %v, want failed", wf.Status)
	}

	entries, err := s.DeadLetters().ScanByWorkflow(context.Background(), "wf-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("expected a DLQ entry for the failed workflow")
	}
}

func TestRunBranchDefaultFallback(t *testing.T) {
	s := store.NewMemStore()
	seedWorkflow(t, s, "wf-4")

	reg := step.NewRegistry()
	noop := step.Func{Name: "noop", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) { return cloneState(st), nil }}
	_ = reg.Register("left", noop, "conservative")
	_ = reg.Register("right", noop, "conservative")

	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Branch("branch", func(st map[string]interface{}) interface{} { return "unmatched" }))
	b.AddNode(graph.Step("left", "left"))
	b.AddNode(graph.Step("right", "right"))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "branch"))
	b.AddEdge(graph.Case("branch", "left", "known"))
	b.AddEdge(graph.Default("branch", "right"))
	b.AddEdge(graph.Plain("left", "end"))
	b.AddEdge(graph.Plain("right", "end"))
	g, err := b.Build(reg)
	if err != nil {
		t.Fatal(err)
	}
	def := Definition{ID: "branchy", Graph: g, Steps: reg, Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative}}

	a := New("wf-4", def, Deps{Store: s})
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	events, err := s.Events().ScanByWorkflow(context.Background(), "wf-4")
	if err != nil {
		t.Fatal(err)
	}
	var branchEvents []store.Event
	for _, e := range events {
		if e.EventType == store.EventBranchTaken {
			branchEvents = append(branchEvents, e)
		}
	}
	// The branch node sits immediately after start. A prior bug resolved
	// it twice on the way in — once as an unevaluated peek with an empty
	// label, once for real — so this also guards against that
	// resurfacing rather than just checking the default fired.
	if len(branchEvents) != 1 {
		t.Fatalf("branch_taken events = %d, want exactly 1 (got %+v)", len(branchEvents), branchEvents)
	}
	if branchEvents[0].Data["label"] != graph.DefaultLabel {
		t.Errorf("branch_taken label = %v, want %q", branchEvents[0].Data["label"], graph.DefaultLabel)
	}
}

// TestRunStepAfterStartEntersOnce guards against a step immediately
// following start being resolved twice in one forward pass: once via an
// unevaluated peek anchored to start's own id, once again when
// traversal reaches the step under its own id. Both resolutions used to
// execute the step and publish step_completed, the second one hitting
// the ledger's cached-result short-circuit.
func TestRunStepAfterStartEntersOnce(t *testing.T) {
	s := store.NewMemStore()
	seedWorkflow(t, s, "wf-7")

	calls := 0
	impl := step.Func{Name: "once", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
		calls++
		return cloneState(st), nil
	}}
	def := newLinearDef(t, "once", impl, "conservative")

	emitter := emit.NewBufferedEmitter()
	a := New("wf-7", def, Deps{Store: s, Emitter: emitter})
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	if calls != 1 {
		t.Fatalf("step executed %d times, want 1", calls)
	}

	completed := emitter.GetHistoryWithFilter("wf-7", emit.HistoryFilter{EventType: string(store.EventStepCompleted)})
	if len(completed) != 1 {
		t.Fatalf("step_completed events = %d, want exactly 1 (got %+v)", len(completed), completed)
	}
	if cached, _ := completed[0].Meta["cached"].(bool); cached {
		t.Error("the single step_completed event should not be the cached-result replay")
	}
}

// TestRunCrashResumeRehydratesEarlierSteps simulates a process restart
// mid-workflow: step s1 completed in a lifetime the test never runs an
// actor for (it seeds the ledger/workflow rows directly, the way a real
// crash would leave them), and a brand new Actor instance resumes at
// s2. It asserts two things in one shot: s1's Execute is never invoked
// by the resuming actor (the ledger short-circuits it), and when s2
// later fails permanently, the saga still compensates s1 — proof that
// rehydrateCompleted reconstructed step1's compensation entry purely
// from store state.
func TestRunCrashResumeRehydratesEarlierSteps(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	reg := step.NewRegistry()
	s1Calls := 0
	compensated := false
	s1 := compensatingStep{
		Func: step.Func{Name: "s1", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
			s1Calls++
			return cloneState(st), nil
		}},
		compensated: &compensated,
	}
	s2 := step.Func{Name: "s2", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
		return nil, errors.New("fraud_detected")
	}}
	_ = reg.Register("s1", s1, "conservative")
	_ = reg.Register("s2", s2, "conservative")

	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Step("s1", "s1"))
	b.AddNode(graph.Step("s2", "s2"))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "s1"))
	b.AddEdge(graph.Plain("s1", "s2"))
	b.AddEdge(graph.Plain("s2", "end"))
	g, err := b.Build(reg)
	if err != nil {
		t.Fatal(err)
	}
	def := Definition{ID: "resumable", Graph: g, Steps: reg, Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative}}

	afterS1 := step.State{"n": 1}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.PutWorkflow(ctx, store.Workflow{
		ID: "wf-5", DefinitionID: "resumable", Status: store.WorkflowRunning,
		State: afterS1, CurrentNodeID: "s2", InsertedAt: time.Now(), UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	completedAt := time.Now()
	if err := tx.PutIdempotency(ctx, store.Idempotency{
		Key: "wf-5:s1:1", Status: store.IdempotencyCompleted, StartedAt: completedAt, CompletedAt: &completedAt, Result: afterS1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	a := New("wf-5", def, Deps{Store: s})
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if s1Calls != 0 {
		t.Fatalf("s1 Execute calls = %d, want 0 (resumed from ledger)", s1Calls)
	}
	if !compensated {
		t.Error("expected s1 to be compensated after s2's permanent failure, rehydrated from store state")
	}
	wf, _ := s.Workflows().Get(ctx, "wf-5")
	if wf.Status != store.WorkflowFailed {
		t.Fatalf("status = %v, want failed", wf.Status)
	}
}

func TestStopGracefullyHaltsWithoutCompensation(t *testing.T) {
	s := store.NewMemStore()
	seedWorkflow(t, s, "wf-6")

	block := make(chan struct{})
	impl := step.Func{Name: "slow", ReentrantSafe: true, Run: func(ctx context.Context, st step.State) (step.State, error) {
		<-block
		return cloneState(st), nil
	}}
	def := newLinearDef(t, "slow", impl, "conservative")
	a := New("wf-6", def, Deps{Store: s})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Let the actor enter the blocking step, then cancel the context
	// rather than unblocking it, exercising the ctx.Done() suspension path.
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(block)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) && err != nil {
			t.Fatalf("Run() = %v, want ErrStopped or nil", err)
		}
		wf, _ := s.Workflows().Get(context.Background(), "wf-6")
		if wf.Status == store.WorkflowFailed || wf.Status == store.WorkflowCompensating {
			t.Fatalf("status = %v, want no failure/compensation path after a graceful stop", wf.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
