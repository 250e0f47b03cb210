// Package poll implements the bounded polling loop used for every
// readiness and completion wait in flowtest.
//
// A Condition is evaluated immediately and then once per interval until it
// succeeds, reports an explicit failure or the deadline passes:
//
//	rec, err := poll.Until(ctx, poll.Spec{Interval: 2 * time.Second, Deadline: 10 * time.Minute},
//		func(ctx context.Context) (resultset.Record, error) {
//			rs, err := runner.Query(ctx, q)
//			if err != nil {
//				return nil, err // explicit failure, stop now
//			}
//			if rec, ok := rs.FirstRecordWhere("status", "complete"); ok {
//				return rec, nil // success
//			}
//			return nil, poll.NotReady("status is %q", rs.Records()[0]["status"])
//		})
//
// Sleeping goes through an injectable k8s.io/utils/clock.Clock so tests can
// drive time with a fake clock.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultInterval = time.Second
	DefaultDeadline = 30 * time.Second
)

// Spec describes one wait. The zero value polls every DefaultInterval for
// DefaultDeadline using the wall clock.
type Spec struct {
	Interval time.Duration
	Deadline time.Duration
	Clock    clock.Clock
}

func (s Spec) withDefaults() Spec {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Deadline <= 0 {
		s.Deadline = DefaultDeadline
	}
	if s.Clock == nil {
		s.Clock = clock.RealClock{}
	}
	return s
}

// Condition is evaluated once per attempt. A nil error means success. An
// error built with NotReady or Retry means "not yet". Any other error is an
// explicit failure and stops polling immediately. The context passed in
// expires with the deadline, so a hung attempt ends as a timeout.
type Condition[T any] func(ctx context.Context) (T, error)

// Until polls cond according to spec.
//
// It returns the value of the first successful evaluation, a *FailureError
// when cond reports an explicit failure, a *TimeoutError once the deadline
// has elapsed, or the context error when ctx is cancelled.
func Until[T any](ctx context.Context, spec Spec, cond Condition[T]) (T, error) {
	spec = spec.withDefaults()
	clk := spec.Clock

	var zero T
	start := clk.Now()
	lastState := ""
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("polling aborted after %d attempts: %w", attempts, err)
		}

		attempts++
		value, cut, err := attempt(ctx, spec.attemptBudget(clk.Since(start)), cond)
		if err == nil {
			return value, nil
		}

		var pending *notReadyError
		switch {
		case errors.As(err, &pending):
			lastState = pending.Error()
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return zero, fmt.Errorf("polling aborted after %d attempts: %w", attempts, err)
		case cut:
			lastState = err.Error()
		default:
			return zero, &FailureError{Err: err, Elapsed: clk.Since(start), Attempts: attempts}
		}

		elapsed := clk.Since(start)
		if cut || elapsed >= spec.Deadline {
			return zero, &TimeoutError{Elapsed: elapsed, Deadline: spec.Deadline, LastState: lastState, Attempts: attempts}
		}

		wait := spec.Interval
		if remaining := spec.Deadline - elapsed; remaining < wait {
			wait = remaining
		}

		timer := clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("polling aborted after %d attempts (last state: %s): %w", attempts, lastState, ctx.Err())
		case <-timer.C():
		}
	}
}

// attemptBudget is how long one evaluation may run. An attempt never runs
// past the deadline, except the last one which gets a single interval.
func (s Spec) attemptBudget(elapsed time.Duration) time.Duration {
	if remaining := s.Deadline - elapsed; remaining > 0 {
		return remaining
	}
	return s.Interval
}

// attempt evaluates cond with a context bounded by budget. cut reports
// whether the budget, not the caller, ended the attempt.
func attempt[T any](ctx context.Context, budget time.Duration, cond Condition[T]) (T, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	value, err := cond(attemptCtx)
	cut := err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	return value, cut, err
}
