package graph

import (
	"context"
	"sync"
)

// EventStream is a bounded, backpressure-aware event ring buffer.
// Deterministic events (run/step/task lifecycle, writeApplied,
// checkpointSaved/Loaded, streamBackpressure) are never dropped: producers
// suspend when the buffer has no room. Droppable stream events (modelToken,
// customDebug) are dropped or coalesced instead of blocking. Non-droppable
// stream events (model/tool invocation start/finish) behave like
// deterministic events for buffer-admission purposes.
type EventStream struct {
	mu       sync.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond

	capacity int
	q        []Event
	closed   bool

	droppedTokens int
	droppedDebug  int
}

// NewEventStream creates a stream with the given capacity.
func NewEventStream(capacity int) *EventStream {
	if capacity < 1 {
		capacity = 1
	}
	s := &EventStream{capacity: capacity, q: make([]Event, 0, capacity)}
	s.notFull.L = &s.mu
	s.notEmpty.L = &s.mu
	return s
}

// PushBlocking enqueues a non-droppable event, suspending the caller while the
// buffer is full. Returns ctx.Err() if ctx is cancelled before room is
// available; if the stream is closed it returns nil without enqueueing.
func (s *EventStream) PushBlocking(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.q) >= s.capacity && !s.closed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// sync.Cond has no context-aware wait; poll via a watcher goroutine
		// woken either by capacity freeing up or context cancellation.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.notFull.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
		s.notFull.Wait()
		close(done)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if s.closed {
		return nil
	}
	s.q = append(s.q, ev)
	s.notEmpty.Broadcast()
	return nil
}

// PushDroppable enqueues a droppable stream event (modelToken/customDebug),
// applying the coalesce-or-drop rule when the buffer is full. When there is
// room, the event simply takes a slot like any other event.
func (s *EventStream) PushDroppable(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.q) < s.capacity {
		s.q = append(s.q, ev)
		s.notEmpty.Broadcast()
		return
	}

	// Buffer full: coalesce tokens against the last enqueued event when it
	// matches (step_index, task_ordinal) and is itself a token; otherwise
	// drop, incrementing the appropriate counter.
	if ev.Kind == EventModelToken && len(s.q) > 0 {
		last := &s.q[len(s.q)-1]
		if last.Kind == EventModelToken && samePos(last.ID, ev.ID) {
			last.Text += ev.Text
			return
		}
	}

	switch ev.Kind {
	case EventModelToken:
		s.droppedTokens++
	case EventCustomDebug:
		s.droppedDebug++
	}
}

func samePos(a, b EventID) bool {
	if (a.StepIndex == nil) != (b.StepIndex == nil) {
		return false
	}
	if a.StepIndex != nil && *a.StepIndex != *b.StepIndex {
		return false
	}
	if (a.TaskOrdinal == nil) != (b.TaskOrdinal == nil) {
		return false
	}
	if a.TaskOrdinal != nil && *a.TaskOrdinal != *b.TaskOrdinal {
		return false
	}
	return true
}

// DrainDropped atomically reads and resets the dropped-token/dropped-debug
// counters, used to build a streamBackpressure event immediately before
// stepFinished.
func (s *EventStream) DrainDropped() (tokens, debug int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, debug = s.droppedTokens, s.droppedDebug
	s.droppedTokens, s.droppedDebug = 0, 0
	return tokens, debug
}

// Next blocks until an event is available, the stream is closed and drained,
// or ctx is cancelled. The boolean result is false only once the stream is
// closed and empty.
func (s *EventStream) Next(ctx context.Context) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.q) == 0 && !s.closed {
		if ctx.Err() != nil {
			return Event{}, false
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.notEmpty.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
		s.notEmpty.Wait()
		close(done)
		if ctx.Err() != nil {
			return Event{}, false
		}
	}
	if len(s.q) == 0 {
		return Event{}, false
	}
	ev := s.q[0]
	s.q = s.q[1:]
	s.notFull.Broadcast()
	return ev, true
}

// Close marks the stream closed, waking any blocked producers/consumers.
// Safe to call multiple times.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.notFull.Broadcast()
	s.notEmpty.Broadcast()
}

// taskEventBuffer accumulates stream events for one task attempt under
// deterministic-token mode: buffered
// per attempt, bounded by a per-task capacity, discarded on a failed attempt,
// flushed in taskOrdinal order only for the final successful attempt.
type taskEventBuffer struct {
	capacity int
	events   []Event
}

func newTaskEventBuffer(capacity int) *taskEventBuffer {
	return &taskEventBuffer{capacity: capacity}
}

// append adds an event to the buffer, coalescing consecutive tokens the same
// way the shared stream would once the bound is reached. Returns
// ErrModelStreamInvalid if a non-droppable event would exceed the bound.
func (b *taskEventBuffer) append(ev Event) error {
	if len(b.events) < b.capacity {
		b.events = append(b.events, ev)
		return nil
	}
	if ev.Kind == EventModelToken && len(b.events) > 0 {
		last := &b.events[len(b.events)-1]
		if last.Kind == EventModelToken {
			last.Text += ev.Text
			return nil
		}
	}
	if ev.Kind.droppable() {
		return nil // silently drop, matching shared-stream semantics
	}
	return ErrModelStreamInvalid
}

func (b *taskEventBuffer) drain() []Event {
	out := b.events
	b.events = nil
	return out
}
