package graph

import (
	"context"
	"reflect"
	"time"
)

// commitResult is the fully-computed, not-yet-published outcome of one
// step's commit. Nothing in a threadState is mutated until commitStep
// returns successfully, so a failed commit leaves the thread exactly where
// it was before the step started.
type commitResult struct {
	newGlobal            GlobalSnapshot
	newFrontier          []FrontierTask
	newJoinSnapshot      map[string][]string
	writeAppliedChannels []string // ascending channel ID
	payloadHashes        map[string]string
	checkpoint           *Checkpoint
	interrupt            *PendingInterruption
}

type pendingWrite struct {
	ordinal       int
	emissionIndex int
	value         any
}

// commitStep applies one step's task results atomically: write validation,
// single-policy enforcement, global and task-local reduction, routing and
// join resolution, ephemeral reset, and (if required) checkpoint
// persistence. The first violation encountered aborts the whole commit; no
// partial state is visible to the caller on error.
func (e *Engine) commitStep(reg *Registry, threadID string, ts *threadState, stepIndex int, scheduled []scheduledTask, results []taskResult, opts RunOptions) (*commitResult, error) {
	globalWrites := make(map[string][]pendingWrite)
	taskLocalWrites := make(map[int]map[string][]pendingWrite) // ordinal -> channel -> writes

	for _, tr := range results {
		if tr.err != nil {
			continue
		}
		for emissionIndex, w := range tr.output.Writes {
			spec, ok := reg.Spec(w.Channel)
			if !ok {
				return nil, &CommitError{Code: CodeUnknownChannelID, Channel: w.Channel, Message: "write references unknown channel"}
			}
			if spec.Type != nil && w.Value != nil && reflect.TypeOf(w.Value) != spec.Type {
				return nil, &CommitError{Code: CodeChannelTypeMismatch, Channel: w.Channel, Message: "write value type does not match channel type"}
			}
			pw := pendingWrite{ordinal: tr.task.Ordinal, emissionIndex: emissionIndex, value: w.Value}
			if spec.Scope == ScopeGlobal {
				globalWrites[w.Channel] = append(globalWrites[w.Channel], pw)
				continue
			}
			byChannel, ok := taskLocalWrites[tr.task.Ordinal]
			if !ok {
				byChannel = make(map[string][]pendingWrite)
				taskLocalWrites[tr.task.Ordinal] = byChannel
			}
			byChannel[w.Channel] = append(byChannel[w.Channel], pw)
		}
	}

	// Step: single-update-policy enforcement, global channels.
	for chID, writes := range globalWrites {
		spec := reg.MustSpec(chID)
		if spec.Policy == PolicySingle && len(writes) > 1 {
			return nil, &CommitError{Code: CodeUpdatePolicyViolation, Channel: chID, Policy: spec.Policy, Count: len(writes), Message: "single-update channel received more than one write in this step"}
		}
	}
	// Single-update-policy enforcement, task-local channels (scoped per task).
	for _, byChannel := range taskLocalWrites {
		for chID, writes := range byChannel {
			spec := reg.MustSpec(chID)
			if spec.Policy == PolicySingle && len(writes) > 1 {
				return nil, &CommitError{Code: CodeUpdatePolicyViolation, Channel: chID, Policy: spec.Policy, Count: len(writes), Message: "single-update task-local channel received more than one write from the same task"}
			}
		}
	}

	// Step: global reduction, ordered by (ordinal asc, emission_index asc).
	newGlobal := ts.global.clone()
	payloadHashes := make(map[string]string)
	var writeAppliedChannels []string
	for _, chID := range sortStrings(mapKeys(globalWrites)) {
		spec := reg.MustSpec(chID)
		writes := orderWrites(globalWrites[chID])
		current, present := newGlobal[chID]
		if !present {
			current = reg.Initial(chID)
		}
		var err error
		for _, w := range writes {
			current, err = spec.Reducer(current, w.value)
			if err != nil {
				return nil, &CommitError{Code: CodeUpdatePolicyViolation, Channel: chID, Message: err.Error(), Cause: err}
			}
		}
		newGlobal[chID] = current
		writeAppliedChannels = append(writeAppliedChannels, chID)
		payloadHashes[chID] = payloadHash(spec.Codec, current, spec.ID)
	}

	// Step: per-task local overlay (used only to build that task's own
	// fresh-read view for routing; never persisted beyond this task).
	localOverlay := make(map[int]map[string]any, len(taskLocalWrites))
	for ordinal, byChannel := range taskLocalWrites {
		var overlaySource map[string]any
		for _, st := range scheduled {
			if st.Ordinal == ordinal {
				overlaySource = st.Overlay
				break
			}
		}
		out := make(map[string]any, len(byChannel))
		for chID, writes := range byChannel {
			spec := reg.MustSpec(chID)
			current, err := reg.effectiveTaskLocal(chID, overlaySource)
			if err != nil {
				return nil, err
			}
			for _, w := range orderWrites(writes) {
				current, err = spec.Reducer(current, w.value)
				if err != nil {
					return nil, &CommitError{Code: CodeUpdatePolicyViolation, Channel: chID, Message: err.Error(), Cause: err}
				}
			}
			out[chID] = current
		}
		localOverlay[ordinal] = out
	}

	// Clone join progress: mutated only on a path that fully succeeds.
	jp := newJoinProgress()
	jp.restore(ts.join.snapshot(e.graph.Joins))

	var newFrontier []FrontierTask
	seenFrontierSeeds := make(map[string]bool)
	var interrupt *PendingInterruption

	for _, tr := range results {
		if tr.err != nil {
			continue
		}
		task := tr.task

		if tr.output.Interrupt != nil && interrupt == nil {
			payload, _ := stableJSON(tr.output.Interrupt.Payload)
			interrupt = &PendingInterruption{ID: interruptID(task.ID), TaskID: task.ID, Payload: payload}
		}

		for _, spawned := range tr.output.Spawn {
			if _, ok := e.graph.Nodes[spawned.NodeID]; !ok {
				return nil, &CommitError{Code: CodeUnknownNextSeedNodeID, Channel: spawned.NodeID, Message: "spawned task references unknown node"}
			}
			newFrontier = append(newFrontier, FrontierTask{NodeID: spawned.NodeID, Overlay: spawned.Overlay, Provenance: ProvenanceSpawn})
		}

		successors, err := e.resolveSuccessors(task, tr.output, newGlobal, localOverlay[task.Ordinal])
		if err != nil {
			return nil, err
		}

		for _, succ := range successors {
			if join, ok := e.matchingJoin(task.NodeID, succ); ok {
				if jp.mark(join, task.NodeID) {
					jp.clear(join.ID)
					if !seenFrontierSeeds[join.Target] {
						seenFrontierSeeds[join.Target] = true
						newFrontier = append(newFrontier, FrontierTask{NodeID: join.Target, Provenance: ProvenanceGraph})
					}
				}
				continue
			}
			key := "n:" + succ
			if seenFrontierSeeds[key] {
				continue
			}
			seenFrontierSeeds[key] = true
			newFrontier = append(newFrontier, FrontierTask{NodeID: succ, Provenance: ProvenanceGraph})
		}
	}

	// Step: ephemeral reset.
	for _, id := range reg.globalIDsSorted() {
		spec := reg.MustSpec(id)
		if spec.Persistence == PersistenceEphemeral {
			newGlobal[id] = reg.Initial(id)
		}
	}

	newStepIndex := stepIndex + 1
	forced := interrupt != nil
	required := forced || opts.CheckpointPolicy.shouldSaveOnStep(newStepIndex)

	var checkpoint *Checkpoint
	if required {
		if opts.Store == nil {
			return nil, ErrCheckpointStoreMissing
		}
		cp, err := buildCheckpoint(checkpointID(ts.runID, newStepIndex), threadID, ts.runID, newStepIndex, e.graph.SchemaVersion, e.graph.GraphVersion, reg, newGlobal, newFrontier, e.graph.Joins, jp, interrupt)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		if err := opts.Store.Save(context.Background(), cp); err != nil {
			return nil, &CheckpointError{Code: CodeCheckpointEncodeFailed, Message: "checkpoint save failed: " + err.Error(), Cause: err}
		}
		if opts.Metrics != nil {
			opts.Metrics.RecordCheckpointSaveLatency(ts.runID.String(), time.Since(start))
		}
		checkpoint = cp
	}

	return &commitResult{
		newGlobal:            newGlobal,
		newFrontier:          newFrontier,
		newJoinSnapshot:      jp.snapshot(e.graph.Joins),
		writeAppliedChannels: sortStrings(writeAppliedChannels),
		payloadHashes:        payloadHashes,
		checkpoint:           checkpoint,
		interrupt:            interrupt,
	}, nil
}

func orderWrites(ws []pendingWrite) []pendingWrite {
	out := make([]pendingWrite, len(ws))
	copy(out, ws)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b pendingWrite) bool {
	if a.ordinal != b.ordinal {
		return a.ordinal < b.ordinal
	}
	return a.emissionIndex < b.emissionIndex
}

// resolveSuccessors determines one task's successor node IDs: an explicit
// Next override wins; otherwise a declared router is evaluated against the
// fresh-read view (this task's own writes only, reduced, layered over
// pre-step global, plus this task's post-commit local overlay); otherwise
// static edges from this node are tried in builder-insertion order.
func (e *Engine) resolveSuccessors(task scheduledTask, out Output, postStepGlobal GlobalSnapshot, localOverlay map[string]any) ([]string, error) {
	if out.Next != nil {
		for _, id := range out.Next.Nodes {
			if _, ok := e.graph.Nodes[id]; !ok {
				return nil, &CommitError{Code: CodeUnknownNextSeedNodeID, Channel: id, Message: "explicit routing override references unknown node"}
			}
		}
		return out.Next.Nodes, nil
	}

	if router, ok := e.graph.Routers[task.NodeID]; ok {
		overlay := localOverlay
		if overlay == nil {
			overlay = task.Overlay
		}
		view := newView(e.graph.Registry, postStepGlobal, overlay)
		result, err := router(view)
		if err != nil {
			return nil, &NodeError{NodeID: task.NodeID, Message: "router failed", Cause: err}
		}
		if !result.useGraphEdges {
			for _, id := range result.Nodes {
				if _, ok := e.graph.Nodes[id]; !ok {
					return nil, &CommitError{Code: CodeUnknownNextSeedNodeID, Channel: id, Message: "router result references unknown node"}
				}
			}
			return result.Nodes, nil
		}
	}

	var out2 []string
	for _, edge := range e.graph.Edges {
		if edge.From == task.NodeID {
			out2 = append(out2, edge.To)
		}
	}
	return out2, nil
}

// matchingJoin reports whether the edge (from, to) is a join edge: to is the
// target of a compiled join that lists from among its parents.
func (e *Engine) matchingJoin(from, to string) (CompiledJoin, bool) {
	for _, j := range e.graph.joinsByParent[from] {
		if j.Target == to {
			return j, true
		}
	}
	return CompiledJoin{}, false
}

// applyExternalWritesStep performs the one-shot synthetic committed step
// described for ApplyExternalWrites: no frontier is scheduled or executed,
// a single batch of global writes is validated and reduced exactly like a
// normal commit's global-reduction phase, and a checkpoint is saved whenever a
// store is configured. The step index advances by one, as after any commit.
func (e *Engine) applyExternalWritesStep(ctx context.Context, threadID string, ts *threadState, writes map[string]any, opts RunOptions, em *emitter) (Outcome, error) {
	reg := e.graph.Registry

	newGlobal, err := applySyntheticWrites(reg, ts.global, writes)
	if err != nil {
		return Outcome{}, err
	}
	for _, id := range reg.globalIDsSorted() {
		spec := reg.MustSpec(id)
		if spec.Persistence == PersistenceEphemeral {
			newGlobal[id] = reg.Initial(id)
		}
	}

	newStepIndex := ts.stepIndex + 1
	latestCheckpointID := ts.latestCheckpointID
	var cp *Checkpoint
	if opts.Store != nil {
		cp, err = buildCheckpoint(checkpointID(ts.runID, newStepIndex), threadID, ts.runID, newStepIndex, e.graph.SchemaVersion, e.graph.GraphVersion, reg, newGlobal, ts.frontier, e.graph.Joins, ts.join, ts.pending)
		if err != nil {
			return Outcome{}, err
		}
		start := time.Now()
		if err := opts.Store.Save(ctx, cp); err != nil {
			return Outcome{}, &CheckpointError{Code: CodeCheckpointEncodeFailed, Message: "checkpoint save failed: " + err.Error(), Cause: err}
		}
		if opts.Metrics != nil {
			opts.Metrics.RecordCheckpointSaveLatency(ts.runID.String(), time.Since(start))
		}
		latestCheckpointID = cp.ID
	}

	for _, id := range sortStrings(mapKeys(writes)) {
		spec := reg.MustSpec(id)
		hash := payloadHash(spec.Codec, newGlobal[id], id)
		if err := em.emitStep(ctx, EventWriteApplied, ts.stepIndex, func(ev *Event) { ev.ChannelID = id; ev.PayloadHash = hash }); err != nil {
			return Outcome{}, err
		}
	}
	if cp != nil {
		if err := em.emitStep(ctx, EventCheckpointSaved, ts.stepIndex, func(ev *Event) { ev.CheckpointID = cp.ID }); err != nil {
			return Outcome{}, err
		}
	}

	ts.global = newGlobal
	ts.stepIndex = newStepIndex
	ts.latestCheckpointID = latestCheckpointID
	e.setThread(threadID, ts)

	if err := em.emitLifecycle(ctx, EventRunFinished, nil); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeFinished, Output: e.projectOutput(newGlobal, opts), LatestCheckpointID: latestCheckpointID}, nil
}
