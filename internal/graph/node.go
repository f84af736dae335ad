// Package graph provides the workflow graph model: an immutable directed
// graph of start/step/branch/join/end nodes connected by plain and
// branch_case edges, a builder, a validation pass, and the deterministic
// traversal contract the workflow actor drives.
package graph

// Kind identifies the role a Node plays in a workflow graph.
type Kind string

const (
	KindStart  Kind = "start"
	KindStep   Kind = "step"
	KindBranch Kind = "branch"
	KindJoin   Kind = "join"
	KindEnd    Kind = "end"
)

// Selector evaluates workflow state to produce the label used to pick an
// outgoing branch_case edge. It must be deterministic: the same state
// always yields the same label.
type Selector func(state map[string]interface{}) interface{}

// DefaultLabel is the sentinel edge label every branch node must carry.
// Unknown or unmatched selector values always resolve to this edge.
const DefaultLabel = "default"

// Node is one vertex of a workflow graph.
//
// StepRef is only meaningful for Kind == KindStep and names an entry in a
// step registry (resolved at validation time, not held as a live
// reference) — this mirrors the teacher's NodeFunc adapter idea but keeps
// the graph itself serializable, per spec.md's requirement that
// definitions remain string-addressable.
type Node struct {
	ID      string
	Kind    Kind
	StepRef string
	Select  Selector
}

// Start returns a start node. A graph must have exactly one.
func Start(id string) Node {
	return Node{ID: id, Kind: KindStart}
}

// End returns an end (terminal) node. A graph must have at least one.
func End(id string) Node {
	return Node{ID: id, Kind: KindEnd}
}

// Step returns a step node bound to a step registry entry.
func Step(id, stepRef string) Node {
	return Node{ID: id, Kind: KindStep, StepRef: stepRef}
}

// Branch returns a branch node that routes on the given selector.
func Branch(id string, selector Selector) Node {
	return Node{ID: id, Kind: KindBranch, Select: selector}
}

// Join returns a join node that merges branch paths back into one.
func Join(id string) Node {
	return Node{ID: id, Kind: KindJoin}
}
