package graph

// staticEdge is an unconditional builder-declared transition, tried in
// builder-insertion order when a task has no routing override and no router
//.
type staticEdge struct {
	From string
	To   string
}

// RouterResult is what a RouterFunc returns: either "fall through to this
// node's static edges" or an explicit, unsorted list of next node IDs
//.
type RouterResult struct {
	useGraphEdges bool
	Nodes         []string
}

// UseGraphEdges returns a RouterResult that defers to the node's static
// edges in builder-insertion order.
func UseGraphEdges() RouterResult {
	return RouterResult{useGraphEdges: true}
}

// RouteTo returns a RouterResult that routes explicitly to the given nodes,
// in the given order, bypassing static edges.
func RouteTo(nodeIDs ...string) RouterResult {
	return RouterResult{Nodes: nodeIDs}
}

// RouterFunc evaluates the fresh-read view built after a task's own writes
// have been reduced to decide that task's successors.
type RouterFunc func(view *View) (RouterResult, error)

// joinEdgeSpec is the builder's pre-canonicalization declaration of a join:
// an unordered, possibly-unsorted parent list and a target node. Compile
// sorts and deduplicates Parents and computes the canonical join ID.
type joinEdgeSpec struct {
	Parents []string
	Target  string
}
