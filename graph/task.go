package graph

import "github.com/google/uuid"

// Provenance records why a frontier task exists: because the compiled graph
// routed to it, or because another task spawned it explicitly.
type Provenance uint8

const (
	ProvenanceGraph Provenance = iota
	ProvenanceSpawn
)

func (p Provenance) String() string {
	if p == ProvenanceSpawn {
		return "spawn"
	}
	return "graph"
}

// FrontierTask is a scheduled unit of work: a node to execute, an explicit
// task-local overlay (nil/empty except on spawned tasks), and its
// provenance. The frontier is an ordered sequence of these; its index at
// step start is the task ordinal.
type FrontierTask struct {
	NodeID     string
	Overlay    map[string]any
	Provenance Provenance
}

// scheduledTask is a FrontierTask bound to its step-start ordinal, task ID,
// and task-local fingerprint — the form the compute phase actually dispatches.
type scheduledTask struct {
	FrontierTask
	Ordinal     int
	ID          string
	Fingerprint [32]byte
}

// scheduleFrontier computes the ordinal, fingerprint, and task ID for every
// task in frontier, in order. Fingerprint computation requires the registry
// to resolve each task-local channel's effective value through the task's
// overlay.
func scheduleFrontier(reg *Registry, runID uuid.UUID, stepIndex int, frontier []FrontierTask) ([]scheduledTask, error) {
	out := make([]scheduledTask, 0, len(frontier))
	for ordinal, ft := range frontier {
		fp, err := taskLocalFingerprint(reg, ft.Overlay)
		if err != nil {
			return nil, err
		}
		id := taskID(runID, stepIndex, ft.NodeID, ordinal, fp)
		out = append(out, scheduledTask{
			FrontierTask: ft,
			Ordinal:      ordinal,
			ID:           id,
			Fingerprint:  fp,
		})
	}
	return out, nil
}
