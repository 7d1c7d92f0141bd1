package emit_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hiverun/hive/graph"
	"github.com/hiverun/hive/graph/emit"
)

func TestBridgeForwardsTranslatedEvents(t *testing.T) {
	stream := graph.NewEventStream(8)
	buf := emit.NewBufferedEmitter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		emit.NewBridge(stream, buf).Run(ctx)
		close(done)
	}()

	runID := uuid.New()
	step := 2
	ev := graph.Event{
		ID:     graph.EventID{RunID: runID, EventIndex: 1, StepIndex: &step},
		Kind:   graph.EventStepFinished,
		NodeID: "summarize",
	}
	if err := stream.PushBlocking(context.Background(), ev); err != nil {
		t.Fatalf("PushBlocking: %v", err)
	}

	wantRunID := runID.String() + ":1"
	deadline := time.After(time.Second)
	for {
		if len(buf.GetHistory(wantRunID)) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bridged event")
		case <-time.After(time.Millisecond):
		}
	}

	got := buf.GetHistory(wantRunID)[0]
	if got.Msg != "stepFinished" {
		t.Fatalf("Msg = %q, want stepFinished", got.Msg)
	}
	if got.NodeID != "summarize" {
		t.Fatalf("NodeID = %q, want summarize", got.NodeID)
	}
	if got.Step != 2 {
		t.Fatalf("Step = %d, want 2", got.Step)
	}

	stream.Close()
	<-done
}
