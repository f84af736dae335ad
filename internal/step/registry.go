package step

import (
	"errors"
	"sync"
)

// ErrNotRegistered is returned when a step ref has no registered entry.
var ErrNotRegistered = errors.New("step: not registered")

// ErrAlreadyRegistered guards against accidental double-registration of
// the same step id, which would silently change a live definition's
// semantics.
var ErrAlreadyRegistered = errors.New("step: already registered")

// entry binds a Step implementation to a named retry policy (spec.md
// §4.2: "a step may declare a named policy").
type entry struct {
	step       Step
	policyName string
}

// Registry is a thread-safe, string-keyed catalog of steps, looked up by
// the graph's StepRef during traversal. Using a concurrent map here
// (rather than the teacher's compile-time Node[S] references) keeps
// definitions serializable, per spec.md §9's "replace dynamic route
// loaders with a typed RouteTable fronted by a reader-favored concurrent
// map."
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a step under id, bound to the named retry policy.
func (r *Registry) Register(id string, s Step, policyName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return ErrAlreadyRegistered
	}
	r.entries[id] = entry{step: s, policyName: policyName}
	return nil
}

// Get returns the step registered under id.
func (r *Registry) Get(id string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotRegistered
	}
	return e.step, nil
}

// PolicyName returns the retry policy name a step was registered with.
func (r *Registry) PolicyName(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", ErrNotRegistered
	}
	return e.policyName, nil
}

// Resolve implements graph.StepResolver: it reports whether id is
// registered and, if so, whether the step declares itself safe to
// re-execute against a pending ledger entry.
func (r *Registry) Resolve(id string) (reentrantSafe bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[id]
	if !exists {
		return false, false
	}
	return e.step.Contract().ReentrantSafe, true
}
