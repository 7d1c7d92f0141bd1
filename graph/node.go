package graph

import "context"

// Node is the unit of compute scheduled onto the frontier each superstep. A
// node reads the composed view for its task and returns writes, optional
// spawned children, an optional routing override, and an optional interrupt
// request.
//
// Implementations MUST be side-effect-free with respect to other tasks in
// the same step: the view they receive reflects only pre-step global state
// plus their own task-local overlay.
type Node interface {
	Execute(ctx context.Context, view *View, sink Sink) (Output, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, view *View, sink Sink) (Output, error)

// Execute implements Node for NodeFunc.
func (f NodeFunc) Execute(ctx context.Context, view *View, sink Sink) (Output, error) {
	return f(ctx, view, sink)
}

// Write is a single proposed channel update emitted by a task. Writes to
// global channels are merged across tasks by the channel's reducer; writes
// to task-local channels are scoped to the emitting task.
type Write struct {
	Channel string
	Value   any
}

// NextSpec overrides graph/router-based routing for one task. A nil *NextSpec
// on Output means "no override" (fall through to router/static edges); a
// non-nil NextSpec with an empty Nodes list means "end" (Next([]) is
// normalized to end rather than treated as a no-op).
type NextSpec struct {
	Nodes []string
}

// End returns a NextSpec that terminates this task's routing (no successor
// nodes scheduled).
func End() *NextSpec {
	return &NextSpec{Nodes: nil}
}

// GotoNodes returns a NextSpec that routes explicitly to the given nodes,
// preserving order, overriding any router or static edges.
func GotoNodes(nodeIDs ...string) *NextSpec {
	return &NextSpec{Nodes: nodeIDs}
}

// InterruptRequest asks the engine to suspend the run at the current step
// boundary, carrying an opaque payload surfaced to the eventual Resume call.
// Interrupts are requested via Output, never thrown mid-node.
type InterruptRequest struct {
	Payload any
}

// Output is the result of one task's execution.
type Output struct {
	Writes    []Write
	Spawn     []FrontierTask
	Next      *NextSpec
	Interrupt *InterruptRequest
}

// Sink is the channel-scoped interface nodes use to emit stream events
//.
// Implementations attribute every call to the emitting task's (step_index,
// task_ordinal) and route it through the engine's event stream or, under
// deterministic-token mode, a per-task buffer.
type Sink interface {
	Token(text string)
	Debug(meta map[string]string)
	ModelInvocationStarted(meta map[string]string)
	ModelInvocationFinished(meta map[string]string)
	ToolInvocationStarted(meta map[string]string)
	ToolInvocationFinished(meta map[string]string)
}
