package graph

import "math"

// RetryPolicy governs repeated invocation of a single task: exponential backoff with no jitter, driven by the
// injected Clock rather than a wall-clock sleep, so that replays and tests
// can substitute a virtual clock.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of invocations, including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// InitialNS is the backoff before the second attempt, in nanoseconds.
	InitialNS int64

	// Factor multiplies the backoff for each subsequent attempt.
	Factor float64

	// MaxNS caps the computed backoff.
	MaxNS int64
}

// noRetry is the default policy: a single attempt, no backoff.
func noRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// validate checks the structural invariants a retry policy must satisfy
// before a task using it may execute.
func (rp RetryPolicy) validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.InitialNS < 0 || rp.MaxNS < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxAttempts > 1 && rp.Factor < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxNS > 0 && rp.InitialNS > rp.MaxNS {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// ErrInvalidRetryPolicy is returned when a node's retry policy fails
// validation.
var ErrInvalidRetryPolicy = &LifecycleError{Code: CodeInvalidRetryPolicy, Message: "invalid retry policy"}

// backoffNanos computes the delay before the given 1-based attempt number
// (attempt 1 is the delay before the second invocation):
// min(max_ns, floor(initial_ns * factor^(attempt-1))).
func (rp RetryPolicy) backoffNanos(attempt int) int64 {
	delay := float64(rp.InitialNS) * math.Pow(rp.Factor, float64(attempt-1))
	if rp.MaxNS > 0 && delay > float64(rp.MaxNS) {
		delay = float64(rp.MaxNS)
	}
	return int64(math.Floor(delay))
}
