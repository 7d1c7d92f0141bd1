package graph

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutcomeKind is the exclusive sum of terminal results a Run/Resume/
// ApplyExternalWrites call may produce.
type OutcomeKind uint8

const (
	OutcomeFinished OutcomeKind = iota
	OutcomeInterrupted
	OutcomeCancelled
	OutcomeOutOfSteps
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeOutOfSteps:
		return "outOfSteps"
	default:
		return "finished"
	}
}

// Outcome is the terminal result of one attempt.
type Outcome struct {
	Kind                OutcomeKind
	Output              map[string]any
	LatestCheckpointID  string
	InterruptID         string // set only when Kind == OutcomeInterrupted
	InterruptPayload    []byte
	MaxStepsAtOutOfSteps int // set only when Kind == OutcomeOutOfSteps
}

// threadState is the mutable per-thread state the engine owns in-memory
//.
type threadState struct {
	runID               uuid.UUID
	stepIndex           int
	global              GlobalSnapshot
	frontier            []FrontierTask
	join                *joinProgress
	pending             *PendingInterruption
	latestCheckpointID  string
}

// Engine runs one compiled graph across any number of threads, serializing
// operations per thread ID while allowing distinct threads to run in
// parallel.
type Engine struct {
	graph   *CompiledGraph
	queue   *threadQueue
	mu      sync.Mutex
	threads map[string]*threadState
}

// NewEngine returns an Engine bound to a compiled graph.
func NewEngine(cg *CompiledGraph) *Engine {
	return &Engine{
		graph:   cg,
		queue:   newThreadQueue(),
		threads: make(map[string]*threadState),
	}
}

func (e *Engine) getThread(threadID string) (*threadState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.threads[threadID]
	return ts, ok
}

func (e *Engine) setThread(threadID string, ts *threadState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads[threadID] = ts
}

// Attempt is a handle to one in-flight Run/Resume/ApplyExternalWrites call:
// its event stream may be drained concurrently with Wait.
type Attempt struct {
	Events *EventStream

	done    chan struct{}
	outcome Outcome
	err     error
}

// Wait blocks until the attempt terminates, returning its outcome or error.
func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
		return a.outcome, a.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type attemptMode uint8

const (
	modeRun attemptMode = iota
	modeResume
	modeApplyExternalWrites
)

// Run starts a fresh-or-resumed attempt from whatever baseline the thread
// currently has (in-memory state, else the latest checkpoint, else fresh),
// seeding the frontier from the compiled start list if empty.
func (e *Engine) Run(ctx context.Context, threadID string, input map[string]any, opts ...Option) (*Attempt, error) {
	return e.start(ctx, threadID, modeRun, input, "", nil, opts)
}

// Resume delivers a resume payload to a thread with a pending interruption.
// interruptID must match the thread's pending interruption exactly.
func (e *Engine) Resume(ctx context.Context, threadID string, interruptID string, payload map[string]any, opts ...Option) (*Attempt, error) {
	return e.start(ctx, threadID, modeResume, payload, interruptID, nil, opts)
}

// ApplyExternalWrites performs a one-shot synthetic committed step with an
// empty frontier.
func (e *Engine) ApplyExternalWrites(ctx context.Context, threadID string, writes map[string]any, opts ...Option) (*Attempt, error) {
	return e.start(ctx, threadID, modeApplyExternalWrites, writes, "", nil, opts)
}

func (e *Engine) start(ctx context.Context, threadID string, mode attemptMode, payload map[string]any, interruptID string, _ []byte, optFns []Option) (*Attempt, error) {
	opts, err := Resolve(optFns...)
	if err != nil {
		return nil, err
	}

	attempt := &Attempt{
		Events: NewEventStream(opts.EventBufferCapacity),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(attempt.done)
		defer attempt.Events.Close()

		err := e.queue.Do(ctx, threadID, func() error {
			outcome, runErr := e.runAttempt(ctx, threadID, mode, payload, interruptID, opts, attempt.Events)
			attempt.outcome = outcome
			return runErr
		})
		attempt.err = err
	}()

	return attempt, nil
}

// emitter assigns monotonic event indices and routes an attempt's events to
// its stream, applying the deterministic/droppable admission rules.
type emitter struct {
	stream    *EventStream
	runID     uuid.UUID
	attemptID uuid.UUID

	mu        sync.Mutex
	nextIndex uint64
}

func newEmitter(stream *EventStream, runID uuid.UUID) *emitter {
	return &emitter{stream: stream, runID: runID, attemptID: newUUID()}
}

func (em *emitter) nextEventID(stepIndex, taskOrdinal *int) EventID {
	em.mu.Lock()
	idx := em.nextIndex
	em.nextIndex++
	em.mu.Unlock()
	return EventID{RunID: em.runID, AttemptID: em.attemptID, EventIndex: idx, StepIndex: stepIndex, TaskOrdinal: taskOrdinal}
}

func (em *emitter) emitLifecycle(ctx context.Context, kind EventKind, configure func(*Event)) error {
	ev := Event{ID: em.nextEventID(nil, nil), Kind: kind}
	if configure != nil {
		configure(&ev)
	}
	return em.stream.PushBlocking(ctx, ev)
}

func (em *emitter) emitStep(ctx context.Context, kind EventKind, stepIndex int, configure func(*Event)) error {
	si := stepIndex
	ev := Event{ID: em.nextEventID(&si, nil), Kind: kind}
	if configure != nil {
		configure(&ev)
	}
	return em.stream.PushBlocking(ctx, ev)
}

func (em *emitter) emitTask(ctx context.Context, kind EventKind, stepIndex, ordinal int, configure func(*Event)) error {
	si, ord := stepIndex, ordinal
	ev := Event{ID: em.nextEventID(&si, &ord), Kind: kind}
	if configure != nil {
		configure(&ev)
	}
	return em.stream.PushBlocking(ctx, ev)
}

// taskSink implements Sink for one task's execution, either forwarding
// directly to the shared stream or buffering per attempt under
// deterministic-token mode.
type taskSink struct {
	em        *emitter
	ctx       context.Context
	stepIndex int
	ordinal   int
	nodeID    string
	cost      *CostTracker // nil unless RunOptions.Cost was supplied
	buffer    *taskEventBuffer // non-nil under deterministic-token mode
	bufferErr error
}

func (s *taskSink) build(kind EventKind) Event {
	si, ord := s.stepIndex, s.ordinal
	return Event{ID: s.em.nextEventID(&si, &ord), Kind: kind}
}

func (s *taskSink) dispatch(ev Event) {
	if s.buffer != nil {
		if err := s.buffer.append(ev); err != nil && s.bufferErr == nil {
			s.bufferErr = err
		}
		return
	}
	if ev.Kind.droppable() {
		s.em.stream.PushDroppable(ev)
		return
	}
	_ = s.em.stream.PushBlocking(s.ctx, ev)
}

func (s *taskSink) Token(text string) {
	ev := s.build(EventModelToken)
	ev.Text = text
	s.dispatch(ev)
}

func (s *taskSink) Debug(meta map[string]string) {
	ev := s.build(EventCustomDebug)
	ev.Meta = meta
	s.dispatch(ev)
}

func (s *taskSink) ModelInvocationStarted(meta map[string]string) {
	ev := s.build(EventModelInvocationStarted)
	ev.Meta = meta
	s.dispatch(ev)
}

func (s *taskSink) ModelInvocationFinished(meta map[string]string) {
	ev := s.build(EventModelInvocationFinished)
	ev.Meta = meta
	s.dispatch(ev)
	if s.cost != nil {
		model := meta["model"]
		in, _ := strconv.Atoi(meta["input_tokens"])
		out, _ := strconv.Atoi(meta["output_tokens"])
		if model != "" {
			s.cost.RecordLLMCall(model, in, out, s.nodeID)
		}
	}
}

func (s *taskSink) ToolInvocationStarted(meta map[string]string) {
	ev := s.build(EventToolInvocationStarted)
	ev.Meta = meta
	s.dispatch(ev)
}

func (s *taskSink) ToolInvocationFinished(meta map[string]string) {
	ev := s.build(EventToolInvocationFinished)
	ev.Meta = meta
	s.dispatch(ev)
}

// runAttempt implements the attempt preamble, step loop, and (for
// ApplyExternalWrites) the one-shot synthetic-step path.
func (e *Engine) runAttempt(ctx context.Context, threadID string, mode attemptMode, payload map[string]any, interruptID string, opts RunOptions, stream *EventStream) (Outcome, error) {
	reg := e.graph.Registry

	ts, existed := e.getThread(threadID)
	if !existed {
		restored, err := e.resolveBaseline(ctx, threadID, opts)
		if err != nil {
			return Outcome{}, err
		}
		ts = restored
	}
	em := newEmitter(stream, ts.runID)

	if err := em.emitLifecycle(ctx, EventRunStarted, nil); err != nil {
		return Outcome{}, err
	}

	if ts.pending != nil && mode != modeResume {
		return Outcome{}, ErrInterruptPending
	}
	if mode == modeResume {
		if !existed && ts.latestCheckpointID == "" {
			return Outcome{}, ErrNoCheckpointToResume
		}
		if ts.pending == nil {
			return Outcome{}, ErrNoInterruptToResume
		}
		if ts.pending.ID != interruptID {
			return Outcome{}, ErrResumeInterruptMismatch
		}
		if err := em.emitLifecycle(ctx, EventRunResumed, nil); err != nil {
			return Outcome{}, err
		}
	}

	if len(ts.frontier) == 0 && mode != modeApplyExternalWrites {
		for _, nodeID := range e.graph.Start {
			ts.frontier = append(ts.frontier, FrontierTask{NodeID: nodeID, Provenance: ProvenanceGraph})
		}
	}

	if err := e.validateRetryPolicies(); err != nil {
		return Outcome{}, err
	}

	if mode == modeApplyExternalWrites {
		return e.applyExternalWritesStep(ctx, threadID, ts, payload, opts, em)
	}

	if len(payload) > 0 {
		global, err := applySyntheticWrites(reg, ts.global, payload)
		if err != nil {
			return Outcome{}, err
		}
		ts.global = global
	}

	stepsExecuted := 0
	for {
		if ctx.Err() != nil {
			return e.finishCancelledBetweenSteps(ctx, ts, em)
		}

		if len(ts.frontier) == 0 {
			if err := em.emitLifecycle(ctx, EventRunFinished, nil); err != nil {
				return Outcome{}, err
			}
			e.setThread(threadID, ts)
			return Outcome{Kind: OutcomeFinished, Output: e.projectOutput(ts.global, opts), LatestCheckpointID: ts.latestCheckpointID}, nil
		}

		if stepsExecuted == opts.MaxSteps {
			e.setThread(threadID, ts)
			return Outcome{Kind: OutcomeOutOfSteps, MaxStepsAtOutOfSteps: opts.MaxSteps, Output: e.projectOutput(ts.global, opts), LatestCheckpointID: ts.latestCheckpointID}, nil
		}

		stepIndex := ts.stepIndex
		if err := em.emitStep(ctx, EventStepStarted, stepIndex, func(ev *Event) { ev.FrontierCount = len(ts.frontier) }); err != nil {
			return Outcome{}, err
		}

		scheduled, err := scheduleFrontier(reg, ts.runID, stepIndex, ts.frontier)
		if err != nil {
			return Outcome{}, err
		}
		if opts.Metrics != nil {
			opts.Metrics.SetFrontierSize(ts.runID.String(), len(scheduled))
		}

		results, cancelled := e.runComputePhase(ctx, em, stepIndex, scheduled, ts.global, opts)
		if cancelled {
			return e.finishCancelledDuringStep(ctx, em, stepIndex, scheduled, ts, results)
		}

		for _, tr := range results {
			if tr.err != nil {
				if err := em.emitTask(ctx, EventTaskFailed, stepIndex, tr.task.Ordinal, func(ev *Event) { ev.NodeID = tr.task.NodeID; ev.Err = tr.err }); err != nil {
					return Outcome{}, err
				}
			} else {
				if err := em.emitTask(ctx, EventTaskFinished, stepIndex, tr.task.Ordinal, func(ev *Event) { ev.NodeID = tr.task.NodeID }); err != nil {
					return Outcome{}, err
				}
			}
		}

		cr, commitErr := e.commitStep(reg, threadID, ts, stepIndex, scheduled, results, opts)
		if commitErr != nil {
			return Outcome{}, commitErr
		}

		for _, chID := range cr.writeAppliedChannels {
			hash := cr.payloadHashes[chID]
			if err := em.emitStep(ctx, EventWriteApplied, stepIndex, func(ev *Event) { ev.ChannelID = chID; ev.PayloadHash = hash }); err != nil {
				return Outcome{}, err
			}
		}
		if cr.checkpoint != nil {
			if err := em.emitStep(ctx, EventCheckpointSaved, stepIndex, func(ev *Event) { ev.CheckpointID = cr.checkpoint.ID }); err != nil {
				return Outcome{}, err
			}
		}
		droppedTokens, droppedDebug := stream.DrainDropped()
		if droppedTokens > 0 || droppedDebug > 0 {
			if opts.Metrics != nil {
				opts.Metrics.AddDroppedEvents(ts.runID.String(), droppedTokens, droppedDebug)
			}
			if err := em.emitStep(ctx, EventStreamBackpressure, stepIndex, func(ev *Event) { ev.DroppedTokens = droppedTokens; ev.DroppedDebug = droppedDebug }); err != nil {
				return Outcome{}, err
			}
		}
		if err := em.emitStep(ctx, EventStepFinished, stepIndex, func(ev *Event) { ev.FrontierCount = len(cr.newFrontier) }); err != nil {
			return Outcome{}, err
		}

		ts.global = cr.newGlobal
		ts.frontier = cr.newFrontier
		ts.join.restore(cr.newJoinSnapshot)
		ts.stepIndex = stepIndex + 1
		ts.pending = cr.interrupt
		if cr.checkpoint != nil {
			ts.latestCheckpointID = cr.checkpoint.ID
		}
		stepsExecuted++
		if opts.Metrics != nil {
			opts.Metrics.IncrementSteps(ts.runID.String())
		}
		e.setThread(threadID, ts)

		if cr.interrupt != nil {
			if err := em.emitLifecycle(ctx, EventRunInterrupted, func(ev *Event) { ev.InterruptID = cr.interrupt.ID }); err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: OutcomeInterrupted, InterruptID: cr.interrupt.ID, InterruptPayload: cr.interrupt.Payload, Output: e.projectOutput(ts.global, opts), LatestCheckpointID: ts.latestCheckpointID}, nil
		}
	}
}

func (e *Engine) validateRetryPolicies() error {
	ids := sortStrings(mapKeys(e.graph.RetryPolicies))
	for _, id := range ids {
		if err := e.graph.RetryPolicies[id].validate(); err != nil {
			return &LifecycleError{Code: CodeInvalidRetryPolicy, Message: "invalid retry policy for node " + id}
		}
	}
	return nil
}

func mapKeys[K comparable, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (e *Engine) resolveBaseline(ctx context.Context, threadID string, opts RunOptions) (*threadState, error) {
	reg := e.graph.Registry
	if opts.Store == nil {
		return &threadState{runID: newUUID(), global: GlobalSnapshot{}, join: newJoinProgress()}, nil
	}
	cp, ok, err := opts.Store.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &threadState{runID: newUUID(), global: GlobalSnapshot{}, join: newJoinProgress()}, nil
	}
	if cp.SchemaVersion != e.graph.SchemaVersion || cp.GraphVersion != e.graph.GraphVersion {
		return nil, &CheckpointError{Code: CodeCheckpointVersionMismatch, Message: "checkpoint schema/graph version does not match compiled graph"}
	}
	if err := cp.validateStructure(reg, e.graph.Joins); err != nil {
		return nil, err
	}
	global, err := cp.decodeGlobal(reg)
	if err != nil {
		return nil, err
	}
	frontier, err := cp.decodeFrontier(reg)
	if err != nil {
		return nil, err
	}
	jp := newJoinProgress()
	jp.restore(cp.JoinSeen)
	return &threadState{
		runID:              cp.RunID,
		stepIndex:          cp.StepIndex,
		global:             global,
		frontier:           frontier,
		join:               jp,
		pending:            cp.Interruption,
		latestCheckpointID: cp.ID,
	}, nil
}

// applySyntheticWrites validates and reduces a one-shot batch of global
// writes against the current global snapshot.
func applySyntheticWrites(reg *Registry, global GlobalSnapshot, writes map[string]any) (GlobalSnapshot, error) {
	out := global.clone()
	for _, chID := range sortStrings(mapKeys(writes)) {
		spec, ok := reg.Spec(chID)
		if !ok {
			return nil, &ChannelError{Code: CodeUnknownChannelID, ChannelID: chID, Message: "unknown channel in input writes"}
		}
		if spec.Scope == ScopeTaskLocal {
			return nil, &CommitError{Code: CodeTaskLocalWriteDenied, Channel: chID, Message: "task-local channel cannot receive synthetic writes"}
		}
		val := writes[chID]
		if spec.Type != nil && val != nil && reflect.TypeOf(val) != spec.Type {
			return nil, &ChannelError{Code: CodeChannelTypeMismatch, ChannelID: chID, Expected: spec.Type.String(), Actual: reflect.TypeOf(val).String()}
		}
		current, present := out[chID]
		if !present {
			current = reg.Initial(chID)
		}
		reduced, err := spec.Reducer(current, val)
		if err != nil {
			return nil, &CommitError{Code: CodeUpdatePolicyViolation, Channel: chID, Message: err.Error(), Cause: err}
		}
		out[chID] = reduced
	}
	return out, nil
}

func (e *Engine) projectOutput(global GlobalSnapshot, opts RunOptions) map[string]any {
	proj := e.graph.Projection
	if opts.OutputProjectionOverride != nil {
		proj = *opts.OutputProjectionOverride
	}
	reg := e.graph.Registry
	out := make(map[string]any)
	if proj.full {
		for _, id := range reg.globalIDsSorted() {
			if val, ok := global[id]; ok {
				out[id] = val
			} else {
				out[id] = reg.Initial(id)
			}
		}
		return out
	}
	for _, id := range proj.channelIDs {
		if val, ok := global[id]; ok {
			out[id] = val
		} else {
			out[id] = reg.Initial(id)
		}
	}
	return out
}

func (e *Engine) finishCancelledBetweenSteps(ctx context.Context, ts *threadState, em *emitter) (Outcome, error) {
	bg := context.Background()
	_ = em.emitLifecycle(bg, EventRunCancelled, nil)
	return Outcome{Kind: OutcomeCancelled, LatestCheckpointID: ts.latestCheckpointID}, nil
}

func (e *Engine) finishCancelledDuringStep(ctx context.Context, em *emitter, stepIndex int, scheduled []scheduledTask, ts *threadState, results []taskResult) (Outcome, error) {
	bg := context.Background()
	for _, t := range scheduled {
		_ = em.emitTask(bg, EventTaskFailed, stepIndex, t.Ordinal, func(ev *Event) {
			ev.NodeID = t.NodeID
			ev.Err = context.Canceled
		})
	}
	_ = em.emitLifecycle(bg, EventRunCancelled, nil)
	return Outcome{Kind: OutcomeCancelled, LatestCheckpointID: ts.latestCheckpointID}, nil
}

// taskResult is the outcome of one scheduled task's (possibly retried)
// execution.
type taskResult struct {
	task   scheduledTask
	output Output
	err    error
}

// runComputePhase launches every scheduled task, bounded by
// opts.MaxConcurrentTasks, applying each task's retry policy. It returns
// per-task results in ordinal order, and whether ctx was cancelled mid-step.
func (e *Engine) runComputePhase(ctx context.Context, em *emitter, stepIndex int, scheduled []scheduledTask, preStepGlobal GlobalSnapshot, opts RunOptions) ([]taskResult, bool) {
	reg := e.graph.Registry
	results := make([]taskResult, len(scheduled))
	sem := make(chan struct{}, opts.MaxConcurrentTasks)
	var wg sync.WaitGroup

	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}

	for i, st := range scheduled {
		wg.Add(1)
		go func(i int, st scheduledTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_ = em.emitTask(ctx, EventTaskStarted, stepIndex, st.Ordinal, func(ev *Event) { ev.NodeID = st.NodeID })

			node, ok := e.graph.Nodes[st.NodeID]
			if !ok {
				results[i] = taskResult{task: st, err: &NodeError{NodeID: st.NodeID, Message: "node not found in compiled graph"}}
				return
			}
			policy := e.graph.RetryPolicies[st.NodeID]
			if policy.MaxAttempts == 0 {
				policy = noRetry()
			}

			view := newView(reg, preStepGlobal, st.Overlay)
			var sink *taskSink
			var buf *taskEventBuffer

			var out Output
			var lastErr error
			start := time.Now()
			for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
				if ctx.Err() != nil {
					lastErr = ctx.Err()
					break
				}
				if attempt > 1 {
					if opts.Metrics != nil {
						opts.Metrics.IncrementRetries(em.runID.String(), st.NodeID)
					}
					if err := clock.Sleep(ctx, policy.backoffNanos(attempt-1)); err != nil {
						lastErr = err
						break
					}
				}
				if opts.DeterministicTokens {
					buf = newTaskEventBuffer(opts.EventBufferCapacity)
				}
				sink = &taskSink{em: em, ctx: ctx, stepIndex: stepIndex, ordinal: st.Ordinal, nodeID: st.NodeID, cost: opts.Cost, buffer: buf}
				var execErr error
				out, execErr = node.Execute(ctx, view, sink)
				if execErr == nil && sink.bufferErr == nil {
					lastErr = nil
					break
				}
				if execErr == nil {
					execErr = sink.bufferErr
				}
				lastErr = execErr
			}
			if opts.Metrics != nil {
				status := "success"
				if lastErr != nil {
					status = "failed"
				}
				opts.Metrics.RecordTaskLatency(em.runID.String(), st.NodeID, time.Since(start), status)
			}
			if lastErr != nil {
				results[i] = taskResult{task: st, err: lastErr}
				return
			}
			if buf != nil {
				for _, ev := range buf.drain() {
					if ev.Kind.droppable() {
						em.stream.PushDroppable(ev)
					} else {
						_ = em.stream.PushBlocking(ctx, ev)
					}
				}
			}
			results[i] = taskResult{task: st, output: out}
		}(i, st)
	}
	wg.Wait()

	return results, ctx.Err() != nil
}
