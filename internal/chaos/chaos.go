// Package chaos implements the chaos monkey and fault injector of
// spec.md §4.9: a process-wide singleton with disabled/enabled(profile)
// states, a synchronous should_fail? query consulted by the actor at
// step-entry, a one-shot compensation-fail flag, and a periodic tick
// that targets random live workflows. Grounded on spec.md §4.9/§9
// directly ("atomic cells with explicit set/clear semantics, never
// hidden in global state beyond a single named service") and on the
// teacher's timeout.go context-cancellation idiom for the latency hook.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamflow/engine/internal/bus"
)

// ErrRefusedInProduction is returned by Enable when the environment is
// "prod", per spec.md §6's "Chaos MUST refuse to start in the prod
// environment."
var ErrRefusedInProduction = errors.New("chaos: refuses to start in the prod environment")

// FaultType enumerates the fault kinds spec.md §4.3's "Fault-injection
// hooks" paragraph names.
type FaultType string

const (
	FaultCrash            FaultType = "crash"
	FaultTimeout          FaultType = "timeout"
	FaultError            FaultType = "error"
	FaultLatency          FaultType = "latency"
	FaultCompensationFail FaultType = "compensation_fail"
)

// AllFaultTypes lists every fault the monkey's tick samples from.
var AllFaultTypes = []FaultType{FaultCrash, FaultTimeout, FaultError, FaultLatency, FaultCompensationFail}

// Profile is a named bundle of per-fault probabilities, a latency
// range, a tick interval, and a max-events-per-interval cap, per
// spec.md §4.9.
type Profile struct {
	Name                 string
	Probabilities        map[FaultType]float64
	LatencyMin           time.Duration
	LatencyMax           time.Duration
	TickInterval         time.Duration
	MaxEventsPerInterval int
}

func uniform(p float64) map[FaultType]float64 {
	m := make(map[FaultType]float64, len(AllFaultTypes))
	for _, f := range AllFaultTypes {
		m[f] = p
	}
	return m
}

// Named profiles, per spec.md §4.9/§6's gentle|moderate|aggressive|custom.
var (
	Gentle = Profile{
		Name:                 "gentle",
		Probabilities:        uniform(0.01),
		LatencyMin:           10 * time.Millisecond,
		LatencyMax:           100 * time.Millisecond,
		TickInterval:         30 * time.Second,
		MaxEventsPerInterval: 1,
	}
	Moderate = Profile{
		Name:                 "moderate",
		Probabilities:        uniform(0.05),
		LatencyMin:           50 * time.Millisecond,
		LatencyMax:           500 * time.Millisecond,
		TickInterval:         10 * time.Second,
		MaxEventsPerInterval: 3,
	}
	Aggressive = Profile{
		Name:                 "aggressive",
		Probabilities:        uniform(0.2),
		LatencyMin:           200 * time.Millisecond,
		LatencyMax:           2 * time.Second,
		TickInterval:         2 * time.Second,
		MaxEventsPerInterval: 8,
	}
)

// Registry is the subset of the supervisor registry the monkey needs to
// pick a tick target, per spec.md §4.9's "target a random live workflow
// from the registry."
type Registry interface {
	RandomWorkflowID() (string, bool)
}

// Killer receives the monkey's tick-selected crash fault, per spec.md
// §4.3's crash -> abnormal termination -> supervisor restart path.
type Killer interface {
	Kill(workflowID string, reason string)
}

// Monkey is the process-wide chaos singleton. Zero value is disabled
// and safe to query: ShouldFail always returns false with no lock
// contention until Enable is called, per spec.md §4.9's "when chaos is
// disabled, it always returns false with no state contention."
type Monkey struct {
	enabled atomic.Bool

	mu      sync.RWMutex
	profile Profile

	compFail sync.Map // workflowID -> *atomic.Bool, one-shot compensation-fail flags

	recoveries atomic.Int64

	bus      *bus.Bus
	registry Registry
	killer   Killer

	stop chan struct{}
	once sync.Once
}

// New returns a disabled Monkey publishing chaos events on b (may be
// nil to skip publication, e.g. in unit tests).
func New(b *bus.Bus) *Monkey {
	return &Monkey{bus: b}
}

// Wire attaches the registry/killer collaborators Tick needs. Called
// once at startup by the host (cmd/beamflow passes the supervisor's
// registry and the supervisor itself).
func (m *Monkey) Wire(registry Registry, killer Killer) {
	m.registry = registry
	m.killer = killer
}

// Enable turns the monkey on with profile, refusing when env == "prod".
func (m *Monkey) Enable(profile Profile, env string) error {
	if env == "prod" {
		return ErrRefusedInProduction
	}
	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()
	m.enabled.Store(true)
	m.publish("enabled", map[string]interface{}{"profile": profile.Name})
	return nil
}

// Disable turns the monkey off.
func (m *Monkey) Disable() {
	m.enabled.Store(false)
	m.publish("disabled", nil)
}

// Enabled reports whether the monkey is currently active.
func (m *Monkey) Enabled() bool {
	return m.enabled.Load()
}

// ShouldFail is the synchronous should_fail? query of spec.md §4.9,
// consulted by steps and the actor at step-entry. Returns false
// immediately (no locking) when disabled.
func (m *Monkey) ShouldFail(workflowID string, fault FaultType) bool {
	if !m.enabled.Load() {
		return false
	}
	m.mu.RLock()
	p := m.profile.Probabilities[fault]
	m.mu.RUnlock()

	triggered := p > 0 && rand.Float64() < p // #nosec G404 -- fault-injection sampling, not security
	if triggered {
		if fault == FaultCompensationFail {
			m.setCompensationFail(workflowID)
		}
		m.publish("fault_triggered", map[string]interface{}{
			"workflow_id": workflowID,
			"fault":       string(fault),
		})
	}
	return triggered
}

// Latency returns a random duration within the active profile's
// latency range, for the actor to sleep when ShouldFail(FaultLatency)
// returned true. Zero when disabled.
func (m *Monkey) Latency() time.Duration {
	if !m.enabled.Load() {
		return 0
	}
	m.mu.RLock()
	lo, hi := m.profile.LatencyMin, m.profile.LatencyMax
	m.mu.RUnlock()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo))) // #nosec G404 -- fault-injection timing, not security
}

func (m *Monkey) setCompensationFail(workflowID string) {
	flag := new(atomic.Bool)
	flag.Store(true)
	m.compFail.Store(workflowID, flag)
}

// ConsumeCompensationFail checks and clears the one-shot
// compensation-fail flag for workflowID, per spec.md §4.3's "a one-shot
// flag that causes the next compensation invocation to fail." Returns
// true exactly once per trigger.
func (m *Monkey) ConsumeCompensationFail(workflowID string) bool {
	v, ok := m.compFail.Load(workflowID)
	if !ok {
		return false
	}
	flag := v.(*atomic.Bool)
	return flag.CompareAndSwap(true, false)
}

// RecordRecovery implements spec.md §4.9's record_recovery: increments
// a process-wide counter and emits a recovery event on chaos:events.
func (m *Monkey) RecordRecovery(workflowID, kind string) {
	m.recoveries.Add(1)
	m.publish("recovery", map[string]interface{}{
		"workflow_id": workflowID,
		"kind":        kind,
	})
}

// RecoveryCount reports the cumulative recoveries recorded.
func (m *Monkey) RecoveryCount() int64 {
	return m.recoveries.Load()
}

func (m *Monkey) publish(kind string, detail map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicChaosEvents, map[string]interface{}{"event": kind, "detail": detail})
}

// Start launches the periodic tick loop described in spec.md §4.9: each
// interval, sample a bounded-random set of fault types (each subject to
// its probability) and target a random live workflow. Returns
// immediately; stops when ctx is cancelled or Stop is called.
func (m *Monkey) Start(ctx context.Context) {
	m.once.Do(func() { m.stop = make(chan struct{}) })
	go func() {
		for {
			m.mu.RLock()
			interval := m.profile.TickInterval
			m.mu.RUnlock()
			if interval <= 0 {
				interval = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-time.After(interval):
				m.Tick()
			}
		}
	}()
}

// Stop halts the tick loop started by Start.
func (m *Monkey) Stop() {
	m.once.Do(func() { m.stop = make(chan struct{}) })
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Tick runs one sampling pass synchronously: useful directly from
// tests as well as from the Start loop.
func (m *Monkey) Tick() {
	if !m.enabled.Load() || m.registry == nil || m.killer == nil {
		return
	}
	m.mu.RLock()
	p := m.profile
	m.mu.RUnlock()

	events := 0
	for _, fault := range AllFaultTypes {
		if events >= p.MaxEventsPerInterval {
			break
		}
		if p.Probabilities[fault] <= 0 || rand.Float64() >= p.Probabilities[fault] { // #nosec G404
			continue
		}
		wfID, ok := m.registry.RandomWorkflowID()
		if !ok {
			continue
		}
		if fault == FaultCrash {
			m.killer.Kill(wfID, "chaos_induced_crash")
			events++
			m.publish("crash_induced", map[string]interface{}{"workflow_id": wfID})
		}
	}
}
