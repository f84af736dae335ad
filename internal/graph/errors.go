package graph

import "errors"

// Construction-time errors, returned by Builder.Build. These mirror the
// teacher's package-level sentinel-error style (graph/errors.go) rather
// than ad hoc fmt.Errorf, since callers branch on them.
var (
	ErrNoStart            = errors.New("graph: exactly one start node is required")
	ErrMultipleStart      = errors.New("graph: more than one start node declared")
	ErrNoEnd              = errors.New("graph: at least one end node is required")
	ErrUnreachableNode    = errors.New("graph: node is unreachable from start")
	ErrDeadEndNode        = errors.New("graph: node cannot reach any end node")
	ErrDanglingEdge       = errors.New("graph: edge references an undeclared node")
	ErrBranchTooFewEdges  = errors.New("graph: branch node needs at least two outgoing edges")
	ErrBranchNoDefault    = errors.New("graph: branch node is missing its default edge")
	ErrBranchNoSelector   = errors.New("graph: branch node has no selector")
	ErrDuplicateNodeID    = errors.New("graph: duplicate node id")
	ErrUnresolvedStepRef  = errors.New("graph: step node references an unregistered step")
	ErrCycleDetected      = errors.New("graph: cycle detected; graphs must be acyclic")
	ErrNonReentrantUnsafe = errors.New("graph: step behind a branch/join is not declared reentrant-safe")
)

// ErrUnknownNode is returned by traversal helpers when asked about a node
// id the graph does not declare.
var ErrUnknownNode = errors.New("graph: unknown node id")
