package chaos

import (
	"testing"
)

func TestShouldFailFalseWhenDisabled(t *testing.T) {
	m := New(nil)
	for _, f := range AllFaultTypes {
		if m.ShouldFail("wf-1", f) {
			t.Fatalf("fault %v triggered while disabled", f)
		}
	}
}

func TestEnableRefusesInProd(t *testing.T) {
	m := New(nil)
	if err := m.Enable(Aggressive, "prod"); err != ErrRefusedInProduction {
		t.Fatalf("Enable in prod = %v, want ErrRefusedInProduction", err)
	}
	if m.Enabled() {
		t.Fatal("monkey must remain disabled after a refused Enable")
	}
}

func TestEnableAllowsNonProd(t *testing.T) {
	m := New(nil)
	if err := m.Enable(Gentle, "dev"); err != nil {
		t.Fatalf("Enable(dev) = %v, want nil", err)
	}
	if !m.Enabled() {
		t.Fatal("expected monkey to be enabled")
	}
}

func TestCertainProbabilityAlwaysTriggers(t *testing.T) {
	m := New(nil)
	profile := Profile{
		Name:          "custom",
		Probabilities: map[FaultType]float64{FaultError: 1.0},
	}
	if err := m.Enable(profile, "test"); err != nil {
		t.Fatal(err)
	}
	if !m.ShouldFail("wf-1", FaultError) {
		t.Fatal("expected probability 1.0 to always trigger")
	}
}

func TestZeroProbabilityNeverTriggers(t *testing.T) {
	m := New(nil)
	profile := Profile{Name: "custom", Probabilities: map[FaultType]float64{FaultError: 0}}
	_ = m.Enable(profile, "test")
	for i := 0; i < 50; i++ {
		if m.ShouldFail("wf-1", FaultError) {
			t.Fatal("expected probability 0 to never trigger")
		}
	}
}

func TestCompensationFailIsOneShot(t *testing.T) {
	m := New(nil)
	profile := Profile{Name: "custom", Probabilities: map[FaultType]float64{FaultCompensationFail: 1.0}}
	_ = m.Enable(profile, "test")

	if !m.ShouldFail("wf-1", FaultCompensationFail) {
		t.Fatal("expected compensation_fail to trigger")
	}
	if !m.ConsumeCompensationFail("wf-1") {
		t.Fatal("expected the one-shot flag to be set")
	}
	if m.ConsumeCompensationFail("wf-1") {
		t.Fatal("expected the flag to be cleared after first consumption")
	}
}

func TestConsumeCompensationFailFalseWhenNeverSet(t *testing.T) {
	m := New(nil)
	if m.ConsumeCompensationFail("wf-unknown") {
		t.Fatal("expected false for a workflow with no flag set")
	}
}

func TestRecordRecoveryIncrementsCounter(t *testing.T) {
	m := New(nil)
	m.RecordRecovery("wf-1", "crash")
	m.RecordRecovery("wf-1", "timeout")
	if m.RecoveryCount() != 2 {
		t.Fatalf("RecoveryCount() = %d, want 2", m.RecoveryCount())
	}
}

type fakeRegistry struct{ id string }

func (f fakeRegistry) RandomWorkflowID() (string, bool) { return f.id, f.id != "" }

type fakeKiller struct{ killed []string }

func (f *fakeKiller) Kill(workflowID, reason string) { f.killed = append(f.killed, workflowID) }

func TestTickCrashesARandomWorkflowWhenCertain(t *testing.T) {
	m := New(nil)
	profile := Profile{
		Name:                 "custom",
		Probabilities:        map[FaultType]float64{FaultCrash: 1.0},
		MaxEventsPerInterval: 1,
	}
	_ = m.Enable(profile, "test")
	killer := &fakeKiller{}
	m.Wire(fakeRegistry{id: "wf-target"}, killer)

	m.Tick()

	if len(killer.killed) != 1 || killer.killed[0] != "wf-target" {
		t.Fatalf("killed = %v, want [wf-target]", killer.killed)
	}
}

func TestTickNoOpWhenDisabled(t *testing.T) {
	m := New(nil)
	killer := &fakeKiller{}
	m.Wire(fakeRegistry{id: "wf-target"}, killer)
	m.Tick()
	if len(killer.killed) != 0 {
		t.Fatal("disabled monkey must not crash workflows on tick")
	}
}
