package graph

import "github.com/google/uuid"

// EventKind classifies an Event into one of three delivery classes:
// deterministic lifecycle events (never dropped), non-droppable stream
// events, and droppable stream events.
type EventKind uint8

const (
	EventRunStarted EventKind = iota
	EventCheckpointLoaded
	EventRunResumed
	EventStepStarted
	EventTaskStarted
	EventTaskFinished
	EventTaskFailed
	EventWriteApplied
	EventCheckpointSaved
	EventStreamBackpressure
	EventStepFinished
	EventRunFinished
	EventRunInterrupted
	EventRunCancelled

	// Stream (droppable) events.
	EventModelToken
	EventCustomDebug

	// Stream (non-droppable) events.
	EventModelInvocationStarted
	EventModelInvocationFinished
	EventToolInvocationStarted
	EventToolInvocationFinished
)

func (k EventKind) String() string {
	switch k {
	case EventRunStarted:
		return "runStarted"
	case EventCheckpointLoaded:
		return "checkpointLoaded"
	case EventRunResumed:
		return "runResumed"
	case EventStepStarted:
		return "stepStarted"
	case EventTaskStarted:
		return "taskStarted"
	case EventTaskFinished:
		return "taskFinished"
	case EventTaskFailed:
		return "taskFailed"
	case EventWriteApplied:
		return "writeApplied"
	case EventCheckpointSaved:
		return "checkpointSaved"
	case EventStreamBackpressure:
		return "streamBackpressure"
	case EventStepFinished:
		return "stepFinished"
	case EventRunFinished:
		return "runFinished"
	case EventRunInterrupted:
		return "runInterrupted"
	case EventRunCancelled:
		return "runCancelled"
	case EventModelToken:
		return "modelToken"
	case EventCustomDebug:
		return "customDebug"
	case EventModelInvocationStarted:
		return "modelInvocationStarted"
	case EventModelInvocationFinished:
		return "modelInvocationFinished"
	case EventToolInvocationStarted:
		return "toolInvocationStarted"
	case EventToolInvocationFinished:
		return "toolInvocationFinished"
	default:
		return "unknown"
	}
}

// droppable reports whether this kind belongs to the droppable stream class
//.
func (k EventKind) droppable() bool {
	return k == EventModelToken || k == EventCustomDebug
}

// deterministic reports whether this kind belongs to the non-droppable
// deterministic lifecycle class (as opposed to the non-droppable stream
// class, which covers model/tool invocation start/finish).
func (k EventKind) deterministic() bool {
	switch k {
	case EventModelToken, EventCustomDebug,
		EventModelInvocationStarted, EventModelInvocationFinished,
		EventToolInvocationStarted, EventToolInvocationFinished:
		return false
	default:
		return true
	}
}

// EventID uniquely and totally orders an event within an attempt.
type EventID struct {
	RunID       uuid.UUID
	AttemptID   uuid.UUID
	EventIndex  uint64
	StepIndex   *int
	TaskOrdinal *int
}

// Event is a single observability event produced by the superstep engine.
// Only the fields relevant to Kind are populated; the rest are zero values.
type Event struct {
	ID   EventID
	Kind EventKind

	NodeID        string
	FrontierCount int

	ChannelID   string
	PayloadHash string

	CheckpointID string

	DroppedTokens int
	DroppedDebug  int

	InterruptID string

	Text string            // modelToken text payload (post-coalescing)
	Meta map[string]string // customDebug / error metadata

	Err error
}
