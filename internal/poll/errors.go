package poll

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("deadline exceeded")

// ErrExplicitFailure is matched by every *FailureError.
var ErrExplicitFailure = errors.New("explicit failure")

// TimeoutError is returned when no success or failure was observed before
// the deadline.
type TimeoutError struct {
	Elapsed   time.Duration
	Deadline  time.Duration
	LastState string
	Attempts  int
}

func (e *TimeoutError) Error() string {
	if e.LastState == "" {
		return fmt.Sprintf("deadline of %s exceeded after %s (%d attempts)", e.Deadline, e.Elapsed, e.Attempts)
	}
	return fmt.Sprintf("deadline of %s exceeded after %s (%d attempts), last state: %s", e.Deadline, e.Elapsed, e.Attempts, e.LastState)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// FailureError wraps the error a condition used to signal a definitive
// failure state.
type FailureError struct {
	Err      error
	Elapsed  time.Duration
	Attempts int
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("failure observed after %s: %v", e.Elapsed, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

func (e *FailureError) Is(target error) bool { return target == ErrExplicitFailure }

// notReadyError marks a condition result as "keep polling".
type notReadyError struct {
	state string
	cause error
}

func (e *notReadyError) Error() string { return e.state }

func (e *notReadyError) Unwrap() error { return e.cause }

// NotReady reports that the condition is not satisfied yet. The formatted
// message is kept as the last observed state for timeout diagnostics.
func NotReady(format string, args ...any) error {
	return &notReadyError{state: fmt.Sprintf(format, args...)}
}

// Retry turns err into a "not yet" result, e.g. for a connection refused
// while a server is still booting.
func Retry(err error) error {
	if err == nil {
		return NotReady("not ready")
	}
	return &notReadyError{state: err.Error(), cause: err}
}
