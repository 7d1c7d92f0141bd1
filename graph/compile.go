package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Projection selects what a run's output contains: either the full store or
// an explicit subset of global channels, normalized to a sorted, deduplicated
// list.
type Projection struct {
	full       bool
	channelIDs []string
}

// FullStoreProjection returns a Projection that surfaces every global
// channel.
func FullStoreProjection() Projection {
	return Projection{full: true}
}

// ChannelProjection returns a Projection over an explicit set of global
// channel IDs. Order does not matter: the compiled projection is normalized
// to a sorted, deduplicated list.
func ChannelProjection(channelIDs ...string) Projection {
	return Projection{channelIDs: channelIDs}
}

// Builder assembles a schema and graph, validating and versioning them on
// Compile. A Builder is single-use: call Compile once.
type Builder struct {
	channels    []ChannelSpec
	nodeIDs     []string // insertion order, may contain duplicates pre-validation
	nodes       map[string]Node
	start       []string
	edges       []staticEdge
	routerOrder []string // insertion order of Router() calls
	routers     map[string]RouterFunc
	joins       []joinEdgeSpec
	projection  Projection
	retries     map[string]RetryPolicy
}

// NewBuilder returns an empty Builder with a full-store default projection.
func NewBuilder() *Builder {
	return &Builder{
		nodes:      make(map[string]Node),
		routers:    make(map[string]RouterFunc),
		projection: FullStoreProjection(),
		retries:    make(map[string]RetryPolicy),
	}
}

// NodeRetryPolicy declares the retry policy governing repeated invocation of
// one node's task. Nodes without a declared policy get noRetry (a single
// attempt). Policies are validated at the start of every attempt, not at
// compile time, so that a policy can be swapped between attempts via a
// fresh Builder without recompiling callers that only hold a CompiledGraph.
func (b *Builder) NodeRetryPolicy(nodeID string, p RetryPolicy) *Builder {
	b.retries[nodeID] = p
	return b
}

// Channel declares one channel spec.
func (b *Builder) Channel(spec ChannelSpec) *Builder {
	b.channels = append(b.channels, spec)
	return b
}

// Node declares a node implementation under id.
func (b *Builder) Node(id string, n Node) *Builder {
	b.nodeIDs = append(b.nodeIDs, id)
	b.nodes[id] = n
	return b
}

// Start declares the ordered, non-empty start-list seeded at attempt
// preamble when a thread has no existing frontier.
func (b *Builder) Start(nodeIDs ...string) *Builder {
	b.start = append(b.start, nodeIDs...)
	return b
}

// Edge declares a static, unconditional edge, tried in insertion order when
// a task has no routing override and no router.
func (b *Builder) Edge(from, to string) *Builder {
	b.edges = append(b.edges, staticEdge{From: from, To: to})
	return b
}

// Router declares the (at most one) router evaluated for a node's output
// when it does not set an explicit Next.
func (b *Builder) Router(nodeID string, r RouterFunc) *Builder {
	b.routerOrder = append(b.routerOrder, nodeID)
	b.routers[nodeID] = r
	return b
}

// Join declares a many-to-one barrier: target is scheduled once every
// parent has routed to it. A parent counts in a step where it executes and
// its resolved successors (explicit Next, router or static edges) include
// target; a parent that executes without routing to target does not
// advance the barrier. Parent order does not matter; duplicates and a
// parent equal to target are compile errors.
func (b *Builder) Join(target string, parents ...string) *Builder {
	b.joins = append(b.joins, joinEdgeSpec{Parents: parents, Target: target})
	return b
}

// Output sets the run output projection. Defaults to FullStoreProjection.
func (b *Builder) Output(p Projection) *Builder {
	b.projection = p
	return b
}

// CompiledGraph is the immutable result of a successful Compile.
type CompiledGraph struct {
	Registry *Registry
	Nodes    map[string]Node

	Start   []string
	Edges   []staticEdge
	Routers map[string]RouterFunc
	Joins   []CompiledJoin

	// joinsByParent indexes compiled joins by parent node ID, preserving
	// join insertion order, for step-12 join scheduling.
	joinsByParent map[string][]CompiledJoin

	Projection Projection

	RetryPolicies map[string]RetryPolicy

	SchemaVersion string
	GraphVersion  string
}

// Compile validates the builder's declarations in a fixed order (first
// failure wins) and, on success, returns an immutable compiled graph plus
// its schema and graph version hashes.
func (b *Builder) Compile() (*CompiledGraph, error) {
	reg, err := NewRegistry(b.channels)
	if err != nil {
		return nil, err
	}

	if err := b.validateStructure(); err != nil {
		return nil, err
	}

	compiledJoins, err := b.compileJoins()
	if err != nil {
		return nil, err
	}

	if err := b.validateProjection(reg); err != nil {
		return nil, err
	}

	joinsByParent := make(map[string][]CompiledJoin)
	for _, j := range compiledJoins {
		for _, p := range j.Parents {
			joinsByParent[p] = append(joinsByParent[p], j)
		}
	}

	cg := &CompiledGraph{
		Registry:      reg,
		Nodes:         b.nodes,
		Start:         append([]string(nil), b.start...),
		Edges:         append([]staticEdge(nil), b.edges...),
		Routers:       b.routers,
		Joins:         compiledJoins,
		joinsByParent: joinsByParent,
		Projection:    b.normalizedProjection(),
		RetryPolicies: b.retries,
	}
	cg.SchemaVersion = hex.EncodeToString(hashHSV1(reg))
	cg.GraphVersion = hex.EncodeToString(hashHGV1(b, compiledJoins))
	return cg, nil
}

func (b *Builder) normalizedProjection() Projection {
	if b.projection.full {
		return FullStoreProjection()
	}
	return Projection{channelIDs: sortStrings(dedupeStrings(b.projection.channelIDs))}
}

func dedupeStrings(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// validateStructure checks: duplicate node IDs; reserved '+'/':' in node
// IDs; empty/duplicate/unknown start; unknown edge endpoints; duplicate
// router; unknown router source.
func (b *Builder) validateStructure() error {
	seen := make(map[string]bool, len(b.nodeIDs))
	var dupNodeIDs []string
	for _, id := range b.nodeIDs {
		if seen[id] {
			dupNodeIDs = append(dupNodeIDs, id)
			continue
		}
		seen[id] = true
	}
	if len(dupNodeIDs) > 0 {
		sort.Strings(dupNodeIDs)
		return &CompileError{Code: CodeDuplicateNodeID, ID: dupNodeIDs[0], Message: "duplicate node ID"}
	}

	for _, id := range b.nodeIDs {
		if strings.ContainsAny(id, "+:") {
			return &CompileError{Code: CodeReservedNodeChar, ID: id, Message: "node ID contains reserved character '+' or ':'"}
		}
	}

	if len(b.start) == 0 {
		return &CompileError{Code: CodeEmptyStartList, Message: "start list must be non-empty"}
	}

	startSeen := make(map[string]bool, len(b.start))
	var dupStart []string
	for _, id := range b.start {
		if startSeen[id] {
			dupStart = append(dupStart, id)
			continue
		}
		startSeen[id] = true
	}
	if len(dupStart) > 0 {
		sort.Strings(dupStart)
		return &CompileError{Code: CodeDuplicateStart, ID: dupStart[0], Message: "duplicate start node"}
	}

	for _, id := range b.start {
		if _, ok := b.nodes[id]; !ok {
			return &CompileError{Code: CodeUnknownStart, ID: id, Message: "start references unknown node"}
		}
	}

	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			return &CompileError{Code: CodeUnknownEdgeEndpoint, ID: e.From, Message: "edge source is not a declared node"}
		}
		if _, ok := b.nodes[e.To]; !ok {
			return &CompileError{Code: CodeUnknownEdgeEndpoint, ID: e.To, Message: "edge target is not a declared node"}
		}
	}

	routerCounts := make(map[string]int, len(b.routerOrder))
	for _, id := range b.routerOrder {
		routerCounts[id]++
	}
	var dupRouters []string
	for id, n := range routerCounts {
		if n > 1 {
			dupRouters = append(dupRouters, id)
		}
	}
	if len(dupRouters) > 0 {
		sort.Strings(dupRouters)
		return &CompileError{Code: CodeDuplicateRouter, ID: dupRouters[0], Message: "node already has a router"}
	}

	for _, id := range b.routerOrder {
		if _, ok := b.nodes[id]; !ok {
			return &CompileError{Code: CodeUnknownRouterSource, ID: id, Message: "router references unknown node"}
		}
	}

	return nil
}

// compileJoins validates join declarations and returns canonicalized,
// compiled joins in builder-insertion order.
func (b *Builder) compileJoins() ([]CompiledJoin, error) {
	out := make([]CompiledJoin, 0, len(b.joins))
	canonSeen := make(map[string]bool, len(b.joins))
	var dupCanon []string

	for _, j := range b.joins {
		if len(j.Parents) == 0 {
			return nil, &CompileError{Code: CodeInvalidJoinParents, ID: j.Target, Message: "join has no parents"}
		}
		parentSeen := make(map[string]bool, len(j.Parents))
		for _, p := range j.Parents {
			if parentSeen[p] {
				return nil, &CompileError{Code: CodeInvalidJoinParents, ID: j.Target, Message: "join has duplicate parent " + p}
			}
			parentSeen[p] = true
			if p == j.Target {
				return nil, &CompileError{Code: CodeInvalidJoinParents, ID: j.Target, Message: "join parent equals target " + p}
			}
		}
		for _, p := range j.Parents {
			if _, ok := b.nodes[p]; !ok {
				return nil, &CompileError{Code: CodeUnknownJoinEndpoint, ID: p, Message: "join parent is not a declared node"}
			}
		}
		if _, ok := b.nodes[j.Target]; !ok {
			return nil, &CompileError{Code: CodeUnknownJoinEndpoint, ID: j.Target, Message: "join target is not a declared node"}
		}

		sortedParents := sortStrings(j.Parents)
		id := canonicalJoinID(sortedParents, j.Target)
		if canonSeen[id] {
			dupCanon = append(dupCanon, id)
			continue
		}
		canonSeen[id] = true
		out = append(out, CompiledJoin{ID: id, Parents: sortedParents, Target: j.Target})
	}

	if len(dupCanon) > 0 {
		sort.Strings(dupCanon)
		return nil, &CompileError{Code: CodeDuplicateJoinID, ID: dupCanon[0], Message: "duplicate canonical join ID"}
	}

	return out, nil
}

// validateProjection checks that a non-full projection names only known,
// global channels.
func (b *Builder) validateProjection(reg *Registry) error {
	if b.projection.full {
		return nil
	}
	var unknown, taskLocal []string
	for _, id := range b.projection.channelIDs {
		spec, ok := reg.Spec(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		if spec.Scope == ScopeTaskLocal {
			taskLocal = append(taskLocal, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &CompileError{Code: CodeUnknownProjectionID, ID: unknown[0], Message: "projection references unknown channel"}
	}
	if len(taskLocal) > 0 {
		sort.Strings(taskLocal)
		return &CompileError{Code: CodeTaskLocalInProjection, ID: taskLocal[0], Message: "projection may not reference task-local channels"}
	}
	return nil
}

// hashHSV1 computes the schema-version hash.
func hashHSV1(reg *Registry) []byte {
	specs := reg.SortedSpecs()
	buf := make([]byte, 0, 64)
	buf = append(buf, 'H', 'S', 'V', '1', 'C')
	buf = putBE32(buf, len(specs))
	for _, s := range specs {
		buf = appendLenPrefixed(buf, []byte(s.ID))
		buf = append(buf, byte(s.Scope), byte(s.Persistence), byte(s.Policy))
		codecID := ""
		if s.Codec != nil {
			codecID = s.Codec.ID()
		}
		buf = appendLenPrefixed(buf, []byte(codecID))
	}
	sum := sha256.Sum256(buf)
	return sum[:]
}

// hashHGV1 computes the graph-version hash.
func hashHGV1(b *Builder, joins []CompiledJoin) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, 'H', 'G', 'V', '1')

	buf = append(buf, 'S')
	buf = putBE32(buf, len(b.start))
	for _, id := range b.start {
		buf = appendLenPrefixed(buf, []byte(id))
	}

	sortedNodeIDs := sortStrings(dedupeStrings(b.nodeIDs))
	buf = append(buf, 'N')
	buf = putBE32(buf, len(sortedNodeIDs))
	for _, id := range sortedNodeIDs {
		buf = appendLenPrefixed(buf, []byte(id))
	}

	sortedRouterIDs := sortStrings(dedupeStrings(b.routerOrder))
	buf = append(buf, 'R')
	buf = putBE32(buf, len(sortedRouterIDs))
	for _, id := range sortedRouterIDs {
		buf = appendLenPrefixed(buf, []byte(id))
	}

	buf = append(buf, 'E')
	buf = putBE32(buf, len(b.edges))
	for _, e := range b.edges {
		buf = appendLenPrefixed(buf, []byte(e.From))
		buf = appendLenPrefixed(buf, []byte(e.To))
	}

	buf = append(buf, 'J')
	buf = putBE32(buf, len(joins))
	for _, j := range joins {
		buf = appendLenPrefixed(buf, []byte(j.Target))
		buf = putBE32(buf, len(j.Parents))
		for _, p := range j.Parents {
			buf = appendLenPrefixed(buf, []byte(p))
		}
	}

	buf = append(buf, 'O')
	if b.projection.full {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		ids := sortStrings(dedupeStrings(b.projection.channelIDs))
		buf = putBE32(buf, len(ids))
		for _, id := range ids {
			buf = appendLenPrefixed(buf, []byte(id))
		}
	}

	sum := sha256.Sum256(buf)
	return sum[:]
}
