package tool_test

import (
	"context"
	"testing"

	"github.com/hiverun/hive/graph"
	"github.com/hiverun/hive/graph/model"
	"github.com/hiverun/hive/graph/tool"
)

type fakeSink struct{}

func (fakeSink) Token(string)                          {}
func (fakeSink) Debug(map[string]string)                {}
func (fakeSink) ModelInvocationStarted(map[string]string)  {}
func (fakeSink) ModelInvocationFinished(map[string]string) {}
func (fakeSink) ToolInvocationStarted(map[string]string)  {}
func (fakeSink) ToolInvocationFinished(map[string]string) {}

func TestCallNodeInvokesKnownToolsAndReportsUnknown(t *testing.T) {
	weather := &tool.MockTool{
		ToolName:  "get_weather",
		Responses: []map[string]interface{}{{"temperature": 72.5}},
	}
	node := &tool.CallNode{
		Tools:         map[string]tool.Tool{"get_weather": weather},
		CallChannel:   "calls",
		ResultChannel: "results",
	}

	reg, err := graph.NewRegistry([]graph.ChannelSpec{
		{ID: "calls", Persistence: graph.PersistenceUntracked, Initial: func() any { return []model.ToolCall{} }},
		{ID: "results", Persistence: graph.PersistenceUntracked, Initial: func() any { return []tool.Result{} }},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	view := graph.NewView(reg, graph.GlobalSnapshot{
		"calls": []model.ToolCall{
			{Name: "get_weather", Input: map[string]interface{}{"location": "SF"}},
			{Name: "nonexistent", Input: nil},
		},
	}, nil)

	out, err := node.Execute(context.Background(), view, fakeSink{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(out.Writes))
	}
	results, ok := out.Writes[0].Value.([]tool.Result)
	if !ok || len(results) != 2 {
		t.Fatalf("results = %v, want 2 tool.Result", out.Writes[0].Value)
	}
	if results[0].Err != "" || results[0].Output["temperature"] != 72.5 {
		t.Fatalf("weather result = %+v", results[0])
	}
	if results[1].Err == "" {
		t.Fatal("expected an error for the unknown tool")
	}
}
