package graph

// validate implements the construction rules of spec.md §4.1:
//   - Exactly one start, at least one end.
//   - Every node reachable from start; every node reaches some end.
//   - Every branch node has >= 2 outgoing edges and a default edge.
//   - No dangling edges (From/To must reference declared nodes).
//   - Step references resolve in the step registry.
//   - Graphs are acyclic.
//   - A step node whose immediate predecessor is a branch/join and that
//     is not ReentrantSafe fails validation, whether or not it declares
//     a compensation (spec.md §9 Open Question, resolved in DESIGN.md).
func validate(g *Graph, resolver StepResolver) error {
	if err := findStartAndEnds(g); err != nil {
		return err
	}
	if err := checkDanglingEdges(g); err != nil {
		return err
	}
	if err := checkBranches(g); err != nil {
		return err
	}
	if err := checkReachability(g); err != nil {
		return err
	}
	if err := checkReachesEnd(g); err != nil {
		return err
	}
	if err := checkAcyclic(g); err != nil {
		return err
	}
	if err := checkStepRefs(g, resolver); err != nil {
		return err
	}
	return nil
}

func findStartAndEnds(g *Graph) error {
	g.endIDs = make(map[string]struct{})
	found := false
	for id, n := range g.nodes {
		switch n.Kind {
		case KindStart:
			if found {
				return ErrMultipleStart
			}
			found = true
			g.startID = id
		case KindEnd:
			g.endIDs[id] = struct{}{}
		}
	}
	if !found {
		return ErrNoStart
	}
	if len(g.endIDs) == 0 {
		return ErrNoEnd
	}
	return nil
}

func checkDanglingEdges(g *Graph) error {
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return ErrDanglingEdge
		}
		if _, ok := g.nodes[e.To]; !ok {
			return ErrDanglingEdge
		}
	}
	return nil
}

func checkBranches(g *Graph) error {
	for id, n := range g.nodes {
		if n.Kind != KindBranch {
			continue
		}
		if n.Select == nil {
			return ErrBranchNoSelector
		}
		edges := g.out[id]
		if len(edges) < 2 {
			return ErrBranchTooFewEdges
		}
		hasDefault := false
		for _, e := range edges {
			if e.Label == DefaultLabel {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			return ErrBranchNoDefault
		}
	}
	return nil
}

func checkReachability(g *Graph) error {
	visited := map[string]struct{}{g.startID: {}}
	queue := []string{g.startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if _, ok := visited[e.To]; ok {
				continue
			}
			visited[e.To] = struct{}{}
			queue = append(queue, e.To)
		}
	}
	for id := range g.nodes {
		if _, ok := visited[id]; !ok {
			return ErrUnreachableNode
		}
	}
	return nil
}

func checkReachesEnd(g *Graph) error {
	// Build reverse adjacency and walk backwards from every end node.
	in := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		in[e.To] = append(in[e.To], e.From)
	}
	reaches := make(map[string]struct{}, len(g.endIDs))
	var queue []string
	for id := range g.endIDs {
		reaches[id] = struct{}{}
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, pred := range in[cur] {
			if _, ok := reaches[pred]; ok {
				continue
			}
			reaches[pred] = struct{}{}
			queue = append(queue, pred)
		}
	}
	for id := range g.nodes {
		if _, ok := reaches[id]; !ok {
			return ErrDeadEndNode
		}
	}
	return nil
}

func checkAcyclic(g *Graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range g.out[id] {
			switch color[e.To] {
			case gray:
				return ErrCycleDetected
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkStepRefs(g *Graph, resolver StepResolver) error {
	for id, n := range g.nodes {
		if n.Kind != KindStep {
			continue
		}
		if resolver == nil {
			return ErrUnresolvedStepRef
		}
		reentrantSafe, ok := resolver.Resolve(n.StepRef)
		if !ok {
			return ErrUnresolvedStepRef
		}
		if !reentrantSafe && isBehindBranchOrJoin(g, id) {
			return ErrNonReentrantUnsafe
		}
	}
	return nil
}

// isBehindBranchOrJoin reports whether any predecessor of id is a branch
// or join node, i.e. id may be re-entered along a different path or
// re-attempted after a branch re-evaluation.
func isBehindBranchOrJoin(g *Graph, id string) bool {
	for _, e := range g.edges {
		if e.To != id {
			continue
		}
		if n, ok := g.nodes[e.From]; ok && (n.Kind == KindBranch || n.Kind == KindJoin) {
			return true
		}
	}
	return false
}
