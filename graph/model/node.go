package model

import (
	"context"
	"strconv"

	"github.com/hiverun/hive/graph"
)

// ChatNode is a graph.Node that calls a ChatModel, reporting the call's
// lifecycle through Sink.ModelInvocationStarted/Finished (feeding cost
// tracking and observability) and writing the result to OutputChannel.
//
// History is built from a task-local or global channel (HistoryChannel) that
// must already hold []Message; the model's reply is appended and written
// back to HistoryChannel alongside the raw text written to OutputChannel.
type ChatNode struct {
	Model           ChatModel
	ModelName       string
	HistoryChannel  string
	OutputChannel   string
	Tools           []ToolSpec
	ToolCallChannel string // optional; written only when the model returns tool calls
}

// Execute implements graph.Node.
func (n *ChatNode) Execute(ctx context.Context, view *graph.View, sink graph.Sink) (graph.Output, error) {
	history, err := view.Get(n.HistoryChannel)
	if err != nil {
		return graph.Output{}, err
	}
	messages, _ := history.([]Message)

	sink.ModelInvocationStarted(map[string]string{"model": n.ModelName})

	out, err := n.Model.Chat(ctx, messages, n.Tools)

	meta := map[string]string{
		"model":         n.ModelName,
		"input_tokens":  strconv.Itoa(out.Usage.InputTokens),
		"output_tokens": strconv.Itoa(out.Usage.OutputTokens),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	sink.ModelInvocationFinished(meta)

	if err != nil {
		return graph.Output{}, err
	}

	writes := []graph.Write{
		{Channel: n.OutputChannel, Value: out.Text},
		{Channel: n.HistoryChannel, Value: append(messages, Message{Role: RoleAssistant, Content: out.Text})},
	}
	if len(out.ToolCalls) > 0 && n.ToolCallChannel != "" {
		writes = append(writes, graph.Write{Channel: n.ToolCallChannel, Value: out.ToolCalls})
	}

	return graph.Output{Writes: writes}, nil
}
