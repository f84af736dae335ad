package graph

import "fmt"

// StepKind tags the kind of traversal decision Next returns, mirroring
// spec.md §4.1's `{:step, ...} | {:branch, ...} | {:join, ...} | :terminal`
// tagged-variant contract.
type StepKind string

const (
	NextStep     StepKind = "step"
	NextBranch   StepKind = "branch"
	NextJoin     StepKind = "join"
	NextTerminal StepKind = "terminal"
)

// Decision is the result of one traversal step: what kind of node was
// just resolved, what comes next, and (for branches) which label the
// selector produced.
type Decision struct {
	Kind StepKind

	// StepRef is set when Kind == NextStep.
	StepRef string

	// Label is the branch label that was matched, set when
	// Kind == NextBranch. Equal to DefaultLabel when the selector's
	// value matched no declared case.
	Label string

	// NextID is the id of the node traversal should land on next.
	// Empty when Kind == NextTerminal.
	NextID string
}

// Next implements the traversal contract of spec.md §4.1:
//
//	next(graph, current_id, state) -> {:step, step_ref, next_id}
//	                                 | {:branch, evaluated_label, next_id}
//	                                 | {:join, next_id}
//	                                 | :terminal
//
// Branch evaluation applies the node's selector to state, looks up an
// edge whose Label equals the produced value (edges compared in
// declaration order), and falls back to the default edge when nothing
// matches or the value is not comparable.
func Next(g *Graph, currentID string, state map[string]interface{}) (Decision, error) {
	n, ok := g.Node(currentID)
	if !ok {
		return Decision{}, ErrUnknownNode
	}

	switch n.Kind {
	case KindEnd:
		return Decision{Kind: NextTerminal}, nil

	// Start and Join are both pure pass-through nodes: a single outgoing
	// edge, no work of their own. Advancing currentID to that edge's
	// target and letting the next traversal call resolve *that* node's
	// own kind directly is what lets a step node be entered exactly
	// once per forward pass — peeking ahead and pre-resolving the
	// target's kind here (as an earlier version did) would hand the
	// caller a step/branch decision still anchored to this node's id,
	// so the target node would then be resolved a second time under its
	// own id, re-running a step already marked complete in the ledger.
	case KindStart, KindJoin:
		edges := g.OutEdges(currentID)
		if len(edges) == 0 {
			return Decision{Kind: NextTerminal}, nil
		}
		return Decision{Kind: NextJoin, NextID: edges[0].To}, nil

	case KindStep:
		edges := g.OutEdges(currentID)
		if len(edges) == 0 {
			return Decision{}, ErrDanglingEdge
		}
		return Decision{Kind: NextStep, StepRef: n.StepRef, NextID: edges[0].To}, nil

	case KindBranch:
		return evaluateBranch(g, n, currentID, state)

	default:
		return Decision{}, ErrUnknownNode
	}
}

// evaluateBranch applies the branch's selector to state and resolves the
// matching edge, falling back to default. Ties and unknown labels are
// broken by edge declaration order, per spec.md §4.1.
func evaluateBranch(g *Graph, n Node, currentID string, state map[string]interface{}) (Decision, error) {
	value := n.Select(state)

	edges := g.OutEdges(currentID)
	var defaultEdge *Edge
	for i := range edges {
		e := &edges[i]
		if e.Label == DefaultLabel {
			defaultEdge = e
			continue
		}
		if labelsEqual(e.Label, value) {
			return Decision{Kind: NextBranch, Label: e.Label, NextID: e.To}, nil
		}
	}
	if defaultEdge == nil {
		return Decision{}, ErrBranchNoDefault
	}
	return Decision{Kind: NextBranch, Label: DefaultLabel, NextID: defaultEdge.To}, nil
}

// labelsEqual compares a declared string edge label against an arbitrary
// selector-produced value. Non-string comparable values are matched via
// their default string formatting, so selectors may return ints, bools,
// or custom stringer types as well as strings.
func labelsEqual(label string, value interface{}) bool {
	if value == nil {
		return false
	}
	if s, ok := value.(string); ok {
		return s == label
	}
	if s, ok := value.(fmt.Stringer); ok {
		return s.String() == label
	}
	return fmt.Sprint(value) == label
}
