package tool

import (
	"context"
	"fmt"

	"github.com/hiverun/hive/graph"
	"github.com/hiverun/hive/graph/model"
)

// CallNode is a graph.Node that executes every model.ToolCall found on
// CallChannel against a name-keyed tool registry, reporting each
// invocation's lifecycle through Sink.ToolInvocationStarted/Finished and
// writing the results to ResultChannel as []Result.
type CallNode struct {
	Tools         map[string]Tool
	CallChannel   string
	ResultChannel string
}

// Result is one tool call's outcome, written alongside its sibling calls so
// a routing node can fold them back into the conversation.
type Result struct {
	Name   string
	Output map[string]interface{}
	Err    string
}

// Execute implements graph.Node.
func (n *CallNode) Execute(ctx context.Context, view *graph.View, sink graph.Sink) (graph.Output, error) {
	raw, err := view.Get(n.CallChannel)
	if err != nil {
		return graph.Output{}, err
	}
	calls, _ := raw.([]model.ToolCall)

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		sink.ToolInvocationStarted(map[string]string{"tool": call.Name})

		t, ok := n.Tools[call.Name]
		if !ok {
			msg := fmt.Sprintf("unknown tool %q", call.Name)
			sink.ToolInvocationFinished(map[string]string{"tool": call.Name, "error": msg})
			results = append(results, Result{Name: call.Name, Err: msg})
			continue
		}

		out, err := t.Call(ctx, call.Input)
		meta := map[string]string{"tool": call.Name}
		if err != nil {
			meta["error"] = err.Error()
			sink.ToolInvocationFinished(meta)
			results = append(results, Result{Name: call.Name, Err: err.Error()})
			continue
		}
		sink.ToolInvocationFinished(meta)
		results = append(results, Result{Name: call.Name, Output: out})
	}

	return graph.Output{Writes: []graph.Write{{Channel: n.ResultChannel, Value: results}}}, nil
}
