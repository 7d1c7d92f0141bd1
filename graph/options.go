package graph

import (
	"context"
	"time"
)

// Clock is the injected source of monotonic time and cancellable sleep used
// for retry backoff. A real clock wraps time.Now/time.Sleep;
// tests substitute a virtual clock for deterministic backoff timing.
type Clock interface {
	NowNanoseconds() int64
	Sleep(ctx context.Context, nanoseconds int64) error
}

// Logger is the minimal three-severity logging collaborator. Implementations adapt this to whatever structured logger the
// host application already uses.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// CheckpointPolicyKind enumerates when a committed step forces a checkpoint
// save.
type CheckpointPolicyKind uint8

const (
	CheckpointDisabledKind CheckpointPolicyKind = iota
	CheckpointEveryStepKind
	CheckpointEveryKKind
	CheckpointOnInterruptKind
)

// CheckpointPolicy selects when the engine saves a checkpoint outside of the
// unconditional cases (synthetic external-write steps, interrupt boundaries).
type CheckpointPolicy struct {
	Kind CheckpointPolicyKind
	K    int // only meaningful when Kind == CheckpointEveryKKind, must be >= 1
}

func CheckpointDisabled() CheckpointPolicy  { return CheckpointPolicy{Kind: CheckpointDisabledKind} }
func CheckpointEveryStep() CheckpointPolicy { return CheckpointPolicy{Kind: CheckpointEveryStepKind} }
func CheckpointEveryK(k int) CheckpointPolicy {
	return CheckpointPolicy{Kind: CheckpointEveryKKind, K: k}
}
func CheckpointOnInterrupt() CheckpointPolicy {
	return CheckpointPolicy{Kind: CheckpointOnInterruptKind}
}

// shouldSaveOnStep reports whether policy alone (independent of synthetic
// writes or interrupt boundaries) requires a checkpoint at newStepIndex.
func (p CheckpointPolicy) shouldSaveOnStep(newStepIndex int) bool {
	switch p.Kind {
	case CheckpointEveryStepKind:
		return true
	case CheckpointEveryKKind:
		if p.K < 1 {
			return false
		}
		return newStepIndex%p.K == 0
	default:
		return false
	}
}

// RunOptions configures one Run/Resume/ApplyExternalWrites call. The zero
// value is not valid on its own — use DefaultRunOptions or apply Options via
// With* functions, which fill in
// defaults for any field left at its zero value.
type RunOptions struct {
	MaxSteps              int
	MaxConcurrentTasks       int
	EventBufferCapacity      int
	CheckpointPolicy         CheckpointPolicy
	DebugPayloads            bool
	DeterministicTokens      bool
	OutputProjectionOverride *Projection

	Store   CheckpointStore
	Clock   Clock
	Logger  Logger
	Metrics *PrometheusMetrics
	Cost    *CostTracker
}

// DefaultRunOptions returns the documented defaults: max_steps=100,
// max_concurrent_tasks=8, event_buffer_capacity=4096, checkpoint policy
// disabled.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		MaxSteps:            100,
		MaxConcurrentTasks:  8,
		EventBufferCapacity: 4096,
		CheckpointPolicy:    CheckpointDisabled(),
	}
}

// Option is a functional option applied over DefaultRunOptions.
type Option func(*RunOptions) error

func WithMaxSteps(n int) Option {
	return func(o *RunOptions) error { o.MaxSteps = n; return nil }
}

func WithMaxConcurrentTasks(n int) Option {
	return func(o *RunOptions) error { o.MaxConcurrentTasks = n; return nil }
}

func WithEventBufferCapacity(n int) Option {
	return func(o *RunOptions) error { o.EventBufferCapacity = n; return nil }
}

func WithCheckpointPolicy(p CheckpointPolicy) Option {
	return func(o *RunOptions) error { o.CheckpointPolicy = p; return nil }
}

func WithDebugPayloads(enabled bool) Option {
	return func(o *RunOptions) error { o.DebugPayloads = enabled; return nil }
}

func WithDeterministicTokenStreaming(enabled bool) Option {
	return func(o *RunOptions) error { o.DeterministicTokens = enabled; return nil }
}

func WithOutputProjectionOverride(p Projection) Option {
	return func(o *RunOptions) error { o.OutputProjectionOverride = &p; return nil }
}

func WithCheckpointStore(store CheckpointStore) Option {
	return func(o *RunOptions) error { o.Store = store; return nil }
}

func WithClock(c Clock) Option {
	return func(o *RunOptions) error { o.Clock = c; return nil }
}

func WithLogger(l Logger) Option {
	return func(o *RunOptions) error { o.Logger = l; return nil }
}

func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *RunOptions) error { o.Metrics = m; return nil }
}

func WithCostTracker(c *CostTracker) Option {
	return func(o *RunOptions) error { o.Cost = c; return nil }
}

// Resolve applies opts over DefaultRunOptions and validates the result,
// failing with InvalidRunOptions on any out-of-range field.
func Resolve(opts ...Option) (RunOptions, error) {
	o := DefaultRunOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return RunOptions{}, &LifecycleError{Code: CodeInvalidRunOptions, Message: err.Error()}
		}
	}
	if err := o.validate(); err != nil {
		return RunOptions{}, err
	}
	return o, nil
}

func (o RunOptions) validate() error {
	if o.MaxSteps < 0 {
		return &LifecycleError{Code: CodeInvalidRunOptions, Message: "max_steps must be >= 0"}
	}
	if o.MaxConcurrentTasks < 1 {
		return &LifecycleError{Code: CodeInvalidRunOptions, Message: "max_concurrent_tasks must be >= 1"}
	}
	if o.EventBufferCapacity < 1 {
		return &LifecycleError{Code: CodeInvalidRunOptions, Message: "event_buffer_capacity must be >= 1"}
	}
	if o.CheckpointPolicy.Kind == CheckpointEveryKKind && o.CheckpointPolicy.K < 1 {
		return &LifecycleError{Code: CodeInvalidRunOptions, Message: "checkpoint policy every(k) requires k >= 1"}
	}
	return nil
}

// realClock wraps time.Now/time.Sleep as the default Clock when none is
// injected.
type realClock struct{}

func (realClock) NowNanoseconds() int64 { return time.Now().UnixNano() }

func (realClock) Sleep(ctx context.Context, nanoseconds int64) error {
	if nanoseconds <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(nanoseconds))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
