package graph

import (
	"context"

	"github.com/google/uuid"
)

// CheckpointStore is the persistence collaborator contract. Save must be atomic and return success only once the
// checkpoint is durable; LoadLatest returns the checkpoint with the maximum
// step index for a thread (ties broken by the lexicographically greatest
// checkpoint ID), or ok=false if none exists. The store must be safe under
// concurrent calls across distinct thread IDs and linearizable per thread ID:
// once Save(c) returns, LoadLatest(thread) must return c or a checkpoint
// with a strictly greater step index.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	LoadLatest(ctx context.Context, threadID string) (cp *Checkpoint, ok bool, err error)
}

// PendingInterruption is the persisted record of a run awaiting Resume.
type PendingInterruption struct {
	ID      string
	TaskID  string
	Payload []byte
}

// CheckpointTask is one frontier entry as persisted: provenance, node ID,
// task-local fingerprint, and the task's overlay encoded per channel.
type CheckpointTask struct {
	Provenance  Provenance
	NodeID      string
	Fingerprint [32]byte
	Overlay     map[string][]byte // channel ID -> codec.Encode(value), only explicitly-set entries
}

// Checkpoint is the persistable snapshot of a thread: run identity, the
// step to execute next, schema/graph version for compatibility checking,
// encoded global channel values, the pending frontier, join-barrier
// progress, and an optional pending interruption.
type Checkpoint struct {
	ID            string
	ThreadID      string
	RunID         uuid.UUID
	StepIndex     int // the next step to execute, not the step just committed
	SchemaVersion string
	GraphVersion  string

	Global   map[string][]byte // checkpointed global channel ID -> encoded bytes
	Frontier []CheckpointTask
	JoinSeen map[string][]string // join ID -> sorted, deduplicated seen-parent node IDs

	Interruption *PendingInterruption
}

// buildCheckpoint encodes the committed post-step state: checkpointed
// global channels scanned in ascending ID order (first encode failure
// aborts with CheckpointEncodeFailed), each frontier task's overlay
// encoded in ascending channel order, join progress keyed by every
// compiled join ID, and the selected interruption if any.
func buildCheckpoint(
	id string,
	threadID string,
	runID uuid.UUID,
	stepIndex int,
	schemaVersion, graphVersion string,
	reg *Registry,
	global GlobalSnapshot,
	frontier []FrontierTask,
	joins []CompiledJoin,
	jp *joinProgress,
	interruption *PendingInterruption,
) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:            id,
		ThreadID:      threadID,
		RunID:         runID,
		StepIndex:     stepIndex,
		SchemaVersion: schemaVersion,
		GraphVersion:  graphVersion,
		Global:        make(map[string][]byte),
		JoinSeen:      jp.snapshot(joins),
		Interruption:  interruption,
	}

	for _, id := range reg.globalIDsSorted() {
		spec := reg.MustSpec(id)
		if spec.Persistence != PersistenceCheckpointed {
			continue
		}
		val, present := global[id]
		if !present {
			val = reg.Initial(id)
		}
		encoded, err := spec.Codec.Encode(val)
		if err != nil {
			return nil, &CheckpointError{Code: CodeCheckpointEncodeFailed, Field: id, Message: err.Error(), Cause: err}
		}
		cp.Global[id] = encoded
	}

	for _, ft := range frontier {
		ct := CheckpointTask{
			Provenance:  ft.Provenance,
			NodeID:      ft.NodeID,
			Overlay:     make(map[string][]byte, len(ft.Overlay)),
		}
		fp, err := taskLocalFingerprint(reg, ft.Overlay)
		if err != nil {
			return nil, err
		}
		ct.Fingerprint = fp

		for _, chID := range overlayKeysSorted(ft.Overlay) {
			spec, ok := reg.Spec(chID)
			if !ok {
				return nil, &CheckpointError{Code: CodeCheckpointEncodeFailed, Field: chID, Message: "overlay references unknown channel"}
			}
			encoded, err := spec.Codec.Encode(ft.Overlay[chID])
			if err != nil {
				return nil, &CheckpointError{Code: CodeCheckpointEncodeFailed, Field: chID, Message: err.Error(), Cause: err}
			}
			ct.Overlay[chID] = encoded
		}
		cp.Frontier = append(cp.Frontier, ct)
	}

	return cp, nil
}

func overlayKeysSorted(overlay map[string]any) []string {
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	return sortStrings(keys)
}

// decodeGlobal decodes a checkpoint's encoded global channels back into a
// snapshot, starting from the registry's initial-value cache for any
// channel absent from the checkpoint (untracked channels are never
// persisted and so always restore to initial).
func (cp *Checkpoint) decodeGlobal(reg *Registry) (GlobalSnapshot, error) {
	out := make(GlobalSnapshot, len(reg.SortedIDs()))
	for _, id := range reg.globalIDsSorted() {
		spec := reg.MustSpec(id)
		encoded, present := cp.Global[id]
		if !present {
			out[id] = reg.Initial(id)
			continue
		}
		val, err := spec.Codec.Decode(encoded)
		if err != nil {
			return nil, &CheckpointError{Code: CodeCheckpointDecodeFailed, Field: id, Message: err.Error(), Cause: err}
		}
		out[id] = val
	}
	return out, nil
}

// decodeFrontier decodes a checkpoint's frontier back into FrontierTasks.
func (cp *Checkpoint) decodeFrontier(reg *Registry) ([]FrontierTask, error) {
	out := make([]FrontierTask, 0, len(cp.Frontier))
	for _, ct := range cp.Frontier {
		overlay := make(map[string]any, len(ct.Overlay))
		for chID, encoded := range ct.Overlay {
			spec, ok := reg.Spec(chID)
			if !ok {
				return nil, &CheckpointError{Code: CodeCheckpointCorrupt, Field: chID, Message: "frontier overlay references unknown channel"}
			}
			val, err := spec.Codec.Decode(encoded)
			if err != nil {
				return nil, &CheckpointError{Code: CodeCheckpointDecodeFailed, Field: chID, Message: err.Error(), Cause: err}
			}
			overlay[chID] = val
		}
		out = append(out, FrontierTask{NodeID: ct.NodeID, Overlay: overlay, Provenance: ct.Provenance})
	}
	return out, nil
}

// validateStructure checks the decode-time structural invariants required
// before a loaded checkpoint may seed a thread: every global entry names a
// declared, checkpointed global channel; every join ID is one of the
// compiled joins; join-seen parent lists are sorted and deduplicated.
func (cp *Checkpoint) validateStructure(reg *Registry, joins []CompiledJoin) error {
	for id := range cp.Global {
		spec, ok := reg.Spec(id)
		if !ok {
			return &CheckpointError{Code: CodeCheckpointCorrupt, Field: id, Message: "unknown global channel in checkpoint"}
		}
		if spec.Scope != ScopeGlobal || spec.Persistence != PersistenceCheckpointed {
			return &CheckpointError{Code: CodeCheckpointCorrupt, Field: id, Message: "checkpointed entry for non-checkpointed-global channel"}
		}
	}

	joinIDs := make(map[string]bool, len(joins))
	for _, j := range joins {
		joinIDs[j.ID] = true
	}
	for id, parents := range cp.JoinSeen {
		if !joinIDs[id] {
			return &CheckpointError{Code: CodeCheckpointCorrupt, Field: id, Message: "unknown join ID in checkpoint"}
		}
		seen := make(map[string]bool, len(parents))
		for i, p := range parents {
			if seen[p] {
				return &CheckpointError{Code: CodeCheckpointCorrupt, Field: id, Message: "duplicate seen-parent " + p}
			}
			seen[p] = true
			if i > 0 && parents[i-1] > p {
				return &CheckpointError{Code: CodeCheckpointCorrupt, Field: id, Message: "seen-parents not sorted ascending"}
			}
		}
	}

	for _, ct := range cp.Frontier {
		for id := range ct.Overlay {
			spec, ok := reg.Spec(id)
			if !ok || spec.Scope != ScopeTaskLocal {
				return &CheckpointError{Code: CodeCheckpointCorrupt, Field: id, Message: "frontier overlay references non-task-local or unknown channel"}
			}
		}
	}

	return nil
}
