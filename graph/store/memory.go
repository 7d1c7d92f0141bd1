package store

import (
	"context"
	"sync"

	"github.com/hiverun/hive/graph"
)

// MemoryStore is an in-memory graph.CheckpointStore. Designed for testing,
// development, and single-process workflows where persistence across
// restarts is not required.
//
// Safe for concurrent use across distinct thread IDs and linearizable per
// thread ID, per the graph.CheckpointStore contract.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string][]*Checkpoint // threadID -> checkpoints in save order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]*Checkpoint)}
}

// Save appends cp to its thread's history. A later Save for the same thread
// with a lower or equal StepIndex is still retained; LoadLatest resolves the
// maximum.
func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ThreadID] = append(s.byID[cp.ThreadID], cp)
	return nil
}

// LoadLatest returns the checkpoint with the maximum StepIndex for threadID,
// ties broken by the lexicographically greatest checkpoint ID.
func (s *MemoryStore) LoadLatest(_ context.Context, threadID string) (*Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.byID[threadID]
	if len(history) == 0 {
		return nil, false, nil
	}

	best := history[0]
	for _, cp := range history[1:] {
		if cp.StepIndex > best.StepIndex || (cp.StepIndex == best.StepIndex && cp.ID > best.ID) {
			best = cp
		}
	}
	return best, true, nil
}

var _ graph.CheckpointStore = (*MemoryStore)(nil)
