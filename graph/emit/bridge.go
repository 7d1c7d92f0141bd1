package emit

import (
	"context"
	"strconv"

	"github.com/hiverun/hive/graph"
)

// Bridge drains a graph.EventStream and forwards each event to an Emitter,
// translating the engine's structured Event into this package's flat,
// emitter-facing Event shape. It lets any Emitter (LogEmitter,
// BufferedEmitter, OTelEmitter, a NullEmitter in tests) observe a running
// attempt without the core engine importing this package.
type Bridge struct {
	stream  *graph.EventStream
	emitter Emitter
}

// NewBridge creates a Bridge over stream, forwarding to emitter.
func NewBridge(stream *graph.EventStream, emitter Emitter) *Bridge {
	return &Bridge{stream: stream, emitter: emitter}
}

// Run drains stream until it closes or ctx is cancelled, emitting each event
// as it arrives. Call it in its own goroutine alongside Attempt.Wait.
func (b *Bridge) Run(ctx context.Context) {
	for {
		ev, ok := b.stream.Next(ctx)
		if !ok {
			return
		}
		b.emitter.Emit(translate(ev))
	}
}

func translate(ev graph.Event) Event {
	meta := make(map[string]interface{}, len(ev.Meta)+4)
	for k, v := range ev.Meta {
		meta[k] = v
	}
	if ev.ChannelID != "" {
		meta["channel_id"] = ev.ChannelID
	}
	if ev.PayloadHash != "" {
		meta["payload_hash"] = ev.PayloadHash
	}
	if ev.CheckpointID != "" {
		meta["checkpoint_id"] = ev.CheckpointID
	}
	if ev.InterruptID != "" {
		meta["interrupt_id"] = ev.InterruptID
	}
	if ev.DroppedTokens != 0 {
		meta["dropped_tokens"] = ev.DroppedTokens
	}
	if ev.DroppedDebug != 0 {
		meta["dropped_debug"] = ev.DroppedDebug
	}
	if ev.Text != "" {
		meta["text"] = ev.Text
	}
	if ev.Err != nil {
		meta["error"] = ev.Err.Error()
	}

	step := 0
	if ev.ID.StepIndex != nil {
		step = *ev.ID.StepIndex
	}

	return Event{
		RunID:  ev.ID.RunID.String() + ":" + strconv.FormatUint(ev.ID.EventIndex, 10),
		Step:   step,
		NodeID: ev.NodeID,
		Msg:    ev.Kind.String(),
		Meta:   meta,
	}
}
