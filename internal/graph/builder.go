package graph

// Builder assembles nodes and edges into a Graph. It does not validate;
// call Build to run the validation pass described in spec.md §4.1.
//
// Example:
//
//	b := graph.NewBuilder()
//	b.AddNode(graph.Start("start"))
//	b.AddNode(graph.Step("s1", "debit_account"))
//	b.AddNode(graph.End("end"))
//	b.AddEdge(graph.Plain("start", "s1"))
//	b.AddEdge(graph.Plain("s1", "end"))
//	g, err := b.Build(resolver)
type Builder struct {
	nodes []Node
	edges []Edge
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddNode appends a node declaration.
func (b *Builder) AddNode(n Node) *Builder {
	b.nodes = append(b.nodes, n)
	return b
}

// AddEdge appends an edge declaration.
func (b *Builder) AddEdge(e Edge) *Builder {
	b.edges = append(b.edges, e)
	return b
}

// StepResolver is consulted during Build to check that every step node's
// StepRef names a step registered elsewhere, and to fetch the declared
// idempotency contract for the reentrancy check in spec.md §9's Open
// Question. Kept as an interface here (rather than importing package
// step) to avoid a dependency cycle between graph and step.
type StepResolver interface {
	// Resolve reports whether ref names a registered step, and whether
	// that step declares itself safe to re-execute against a pending
	// ledger entry.
	Resolve(ref string) (reentrantSafe bool, ok bool)
}

// Build assembles the declared nodes/edges into a Graph and runs the
// validation pass. resolver may be nil only if the graph contains no
// step nodes (rare, but valid for a pure branch/join skeleton under
// test).
func (b *Builder) Build(resolver StepResolver) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]Node, len(b.nodes)),
		out:   make(map[string][]Edge, len(b.nodes)),
	}
	for _, n := range b.nodes {
		if _, exists := g.nodes[n.ID]; exists {
			return nil, ErrDuplicateNodeID
		}
		g.nodes[n.ID] = n
	}
	for _, e := range b.edges {
		g.out[e.From] = append(g.out[e.From], e)
		g.edges = append(g.edges, e)
	}
	if err := validate(g, resolver); err != nil {
		return nil, err
	}
	return g, nil
}
