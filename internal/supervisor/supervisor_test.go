package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beamflow/engine/internal/graph"
	"github.com/beamflow/engine/internal/policy"
	"github.com/beamflow/engine/internal/step"
	"github.com/beamflow/engine/internal/store"
)

func newLinearDef(t *testing.T, stepID string, impl step.Step) Definition {
	t.Helper()
	reg := step.NewRegistry()
	if err := reg.Register(stepID, impl, "conservative"); err != nil {
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
		Graph:    g,
		Steps:    reg,
		Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative},
	}
}

func waitForStatus(t *testing.T, s store.Store, id string, want store.WorkflowStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := s.Workflows().Get(context.Background(), id)
		if err == nil && wf.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached status %s", id, want)
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	s := store.NewMemStore()
	impl := step.Func{Name: "ok", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		return st, nil
	}}
	sup := New(Deps{Store: s}, Config{})
	sup.RegisterDefinition("linear", newLinearDef(t, "ok", impl))

	if err := sup.StartWorkflow(context.Background(), "linear", "wf-1", step.State{}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, s, "wf-1", store.WorkflowCompleted)
}

func TestStartWorkflowIsIdempotent(t *testing.T) {
	s := store.NewMemStore()
	block := make(chan struct{})
	impl := step.Func{Name: "block", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		<-block
		return st, nil
	}}
	sup := New(Deps{Store: s}, Config{})
	sup.RegisterDefinition("linear", newLinearDef(t, "block", impl))

	if err := sup.StartWorkflow(context.Background(), "linear", "wf-2", step.State{}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := sup.StartWorkflow(context.Background(), "linear", "wf-2", step.State{}); err != nil {
		t.Fatalf("second StartWorkflow: %v", err)
	}
	if sup.Registry().Len() != 1 {
		t.Fatalf("Registry().Len() = %d, want 1 (idempotent start)", sup.Registry().Len())
	}
	close(block)
	waitForStatus(t, s, "wf-2", store.WorkflowCompleted)
}

func TestStartWorkflowAtCapacity(t *testing.T) {
	s := store.NewMemStore()
	block := make(chan struct{})
	impl := step.Func{Name: "block", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		<-block
		return st, nil
	}}
	sup := New(Deps{Store: s}, Config{MaxConcurrentWorkflows: 1})
	sup.RegisterDefinition("linear", newLinearDef(t, "block", impl))

	if err := sup.StartWorkflow(context.Background(), "linear", "wf-3", step.State{}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	err := sup.StartWorkflow(context.Background(), "linear", "wf-4", step.State{})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("StartWorkflow() = %v, want ErrAtCapacity", err)
	}
	close(block)
}

// TestKillForcesRestart checks spec.md §4.4's restart contract: a
// workflow killed while a step's ledger entry is still `pending` gets a
// fresh actor that re-enters at the same node and re-executes that
// attempt, per the crash-resume scenario of spec.md §8 scenario 5. The
// first invocation's goroutine is deliberately left blocked forever
// (there is no way to forcibly preempt it, matching a real process
// crash) while a second Actor re-executes the same ledger attempt.
func TestKillForcesRestart(t *testing.T) {
	s := store.NewMemStore()
	stuck := make(chan struct{}) // never closed: call #1 blocks on it forever
	released := make(chan struct{})
	var attempts int
	impl := step.Func{Name: "holdonce", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		attempts++
		if attempts == 1 {
			close(released)
			<-stuck
		}
		return st, nil
	}}
	sup := New(Deps{Store: s}, Config{RestartWindow: time.Minute, MaxRestarts: 5})
	sup.RegisterDefinition("linear", newLinearDef(t, "holdonce", impl))

	if err := sup.StartWorkflow(context.Background(), "linear", "wf-5", step.State{}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	<-released
	sup.Kill("wf-5", "test-induced")

	waitForStatus(t, s, "wf-5", store.WorkflowCompleted)
	if attempts < 2 {
		t.Fatalf("attempts = %d, want >= 2 (crash-resume re-executed the step)", attempts)
	}
}

func TestRestartExhaustionMovesToDLQCritical(t *testing.T) {
	s := store.NewMemStore()
	var calls atomic.Int64
	impl := step.Func{Name: "neverreturns", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		calls.Add(1)
		select {} // blocks forever; only Kill ever ends this attempt
	}}
	sup := New(Deps{Store: s}, Config{RestartWindow: time.Minute, MaxRestarts: 1})
	sup.RegisterDefinition("linear", newLinearDef(t, "neverreturns", impl))

	if err := sup.StartWorkflow(context.Background(), "linear", "wf-6", step.State{}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	waitForCalls := func(n int64) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if calls.Load() >= n {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d step invocations, got %d", n, calls.Load())
	}

	// First crash is within the one-restart budget: the supervisor
	// respawns a fresh actor, which re-executes the pending attempt.
	waitForCalls(1)
	sup.Kill("wf-6", "test-induced")
	waitForCalls(2)
	// Second crash exceeds MaxRestarts=1 within the window: the
	// workflow is moved to DLQ as a critical_failure instead of
	// respawning a third actor.
	sup.Kill("wf-6", "test-induced")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sup.Registry().Has("wf-6") {
		time.Sleep(5 * time.Millisecond)
	}
	if sup.Registry().Has("wf-6") {
		t.Fatalf("wf-6 still live after restart exhaustion")
	}

	entries, err := s.DeadLetters().ScanByWorkflow(context.Background(), "wf-6")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Type == store.DLQCriticalFailure && e.Status == store.DLQArchived {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical_failure/archived DLQ entry, got %+v", entries)
	}
}

func newTwoStepDef(t *testing.T, step1ID string, impl1 step.Step, step2ID string, impl2 step.Step) Definition {
	t.Helper()
	reg := step.NewRegistry()
	if err := reg.Register(step1ID, impl1, "conservative"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(step2ID, impl2, "conservative"); err != nil {
		t.Fatal(err)
	}
	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Step("s1", step1ID))
	b.AddNode(graph.Step("s2", step2ID))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "s1"))
	b.AddEdge(graph.Plain("s1", "s2"))
	b.AddEdge(graph.Plain("s2", "end"))
	g, err := b.Build(reg)
	if err != nil {
		t.Fatal(err)
	}
	return Definition{
		Graph:    g,
		Steps:    reg,
		Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative},
	}
}

// TestStopWorkflowGraceful checks spec.md §4.3's cancellation contract:
// a Stop request is honored at the actor's next suspension point (here,
// the loop-top check between steps) without running the step that was
// about to start.
func TestStopWorkflowGraceful(t *testing.T) {
	s := store.NewMemStore()
	step1Started := make(chan struct{})
	proceed := make(chan struct{})
	var step2Ran bool

	step1 := step.Func{Name: "blockthenrelease", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		close(step1Started)
		<-proceed
		return st, nil
	}}
	step2 := step.Func{Name: "shouldneverrun", ReentrantSafe: true, Run: func(_ context.Context, st step.State) (step.State, error) {
		step2Ran = true
		return st, nil
	}}

	sup := New(Deps{Store: s}, Config{})
	sup.RegisterDefinition("two-step", newTwoStepDef(t, "blockthenrelease", step1, "shouldneverrun", step2))

	if err := sup.StartWorkflow(context.Background(), "two-step", "wf-7", step.State{}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	<-step1Started

	stopDone := make(chan error, 1)
	go func() { stopDone <- sup.StopWorkflow("wf-7", StopOptions{}) }()
	close(proceed)

	if err := <-stopDone; err != nil {
		t.Fatalf("StopWorkflow: %v", err)
	}
	if step2Ran {
		t.Fatalf("step2 ran after a graceful Stop request")
	}
}
