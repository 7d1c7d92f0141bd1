package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/hiverun/hive/graph"
)

// checkpointStore is the subset of graph.CheckpointStore exercised by
// testCheckpointStoreContract, satisfied by every backend in this package.
type checkpointStore interface {
	Save(ctx context.Context, cp *graph.Checkpoint) error
	LoadLatest(ctx context.Context, threadID string) (*graph.Checkpoint, bool, error)
}

func newCheckpoint(threadID string, step int) *graph.Checkpoint {
	return &graph.Checkpoint{
		ID:            "cp-" + threadID + "-" + uuid.NewString(),
		ThreadID:      threadID,
		RunID:         uuid.New(),
		StepIndex:     step,
		SchemaVersion: "hsv1:test",
		GraphVersion:  "hgv1:test",
		Global:        map[string][]byte{"count": []byte("1")},
		JoinSeen:      map[string][]string{},
	}
}

// testCheckpointStoreContract exercises the graph.CheckpointStore contract
// every backend in this package must satisfy: LoadLatest on an empty thread
// reports ok=false, and the checkpoint with the greatest step index wins
// after several saves, independent of save order.
func testCheckpointStoreContract(t *testing.T, s checkpointStore) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.LoadLatest(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("LoadLatest on empty thread: %v", err)
	}
	if ok {
		t.Fatal("LoadLatest on empty thread reported ok=true")
	}

	threadID := "thread-" + uuid.NewString()
	cp1 := newCheckpoint(threadID, 1)
	cp3 := newCheckpoint(threadID, 3)
	cp2 := newCheckpoint(threadID, 2)

	for _, cp := range []*graph.Checkpoint{cp1, cp3, cp2} {
		if err := s.Save(ctx, cp); err != nil {
			t.Fatalf("Save step %d: %v", cp.StepIndex, err)
		}
	}

	got, ok, err := s.LoadLatest(ctx, threadID)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if !ok {
		t.Fatal("LoadLatest reported ok=false after saves")
	}
	if got.StepIndex != 3 {
		t.Fatalf("LoadLatest step index = %d, want 3", got.StepIndex)
	}
	if got.ID != cp3.ID {
		t.Fatalf("LoadLatest id = %q, want %q", got.ID, cp3.ID)
	}

	other := "thread-" + uuid.NewString()
	if err := s.Save(ctx, newCheckpoint(other, 99)); err != nil {
		t.Fatalf("Save on other thread: %v", err)
	}
	got, ok, err = s.LoadLatest(ctx, threadID)
	if err != nil || !ok || got.StepIndex != 3 {
		t.Fatalf("LoadLatest for threadID was affected by an unrelated thread's save")
	}
}
