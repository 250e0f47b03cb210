package containers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowtest/internal/poll"
	"flowtest/pkg/logging"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"
)

// ErrReadinessTimeout is returned when a container did not log its ready
// marker often enough before the deadline.
var ErrReadinessTimeout = errors.New("container readiness timed out")

const (
	DefaultReadyInterval = 500 * time.Millisecond
	DefaultReadyTimeout  = 30 * time.Second
)

// StartRequest describes a dependency container and how to tell it is
// ready.
type StartRequest struct {
	Spec Spec
	// Marker is the log line fragment signalling readiness.
	Marker string
	// Occurrences is how often Marker must appear. Images that restart
	// their server during first-time initialisation need 2.
	Occurrences int
	Interval    time.Duration
	Timeout     time.Duration
}

// Lifecycle starts containers and waits for them to become ready.
type Lifecycle struct {
	runtime Runtime
	clock   clock.Clock
}

// NewLifecycle returns a Lifecycle backed by rt. A nil clk uses the wall
// clock.
func NewLifecycle(rt Runtime, clk clock.Clock) *Lifecycle {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Lifecycle{runtime: rt, clock: clk}
}

// Start runs the container described by req and blocks until its logs
// contain the marker the requested number of times.
//
// Any failure after the container was created kills and removes it before
// the error is returned, so a failed Start never leaks a container.
func (l *Lifecycle) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if req.Spec.Image == "" {
		return nil, errors.New("container image is empty")
	}
	occurrences := req.Occurrences
	if occurrences <= 0 {
		occurrences = 1
	}
	interval := req.Interval
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	logging.Info("Containers", "Starting %s", req.Spec.Image)
	id, err := l.runtime.Start(ctx, req.Spec)
	if err != nil {
		if id != "" {
			err = multierr.Append(err, l.discard(ctx, id))
		}
		return nil, fmt.Errorf("failed to start %s: %w", req.Spec.Image, err)
	}
	h := &Handle{id: id, image: req.Spec.Image, runtime: l.runtime}

	if req.Marker != "" {
		logging.Debug("Containers", "Waiting for %q x%d in %s logs", req.Marker, occurrences, shortID(id))
		spec := poll.Spec{Interval: interval, Deadline: timeout, Clock: l.clock}
		_, err = poll.Until(ctx, spec, func(ctx context.Context) (struct{}, error) {
			logs, err := l.runtime.Logs(ctx, id)
			if err != nil {
				return struct{}{}, poll.Retry(err)
			}
			seen := bytes.Count(logs, []byte(req.Marker))
			if seen >= occurrences {
				return struct{}{}, nil
			}
			return struct{}{}, poll.NotReady("marker seen %d/%d times", seen, occurrences)
		})
		if err != nil {
			var timeoutErr *poll.TimeoutError
			if errors.As(err, &timeoutErr) {
				err = fmt.Errorf("%w: %s (%s): %w", ErrReadinessTimeout, req.Spec.Image, shortID(id), timeoutErr)
			} else {
				err = fmt.Errorf("waiting for %s (%s): %w", req.Spec.Image, shortID(id), err)
			}
			logging.Error("Containers", err, "Container %s did not become ready", shortID(id))
			return nil, multierr.Append(err, h.Stop(ctx))
		}
	}

	logging.Info("Containers", "Container %s (%s) is ready", shortID(id), req.Spec.Image)
	return h, nil
}

// discard kills and removes a container that must not outlive a failed
// start. It runs even when ctx is already cancelled.
func (l *Lifecycle) discard(ctx context.Context, id string) error {
	cleanupCtx := context.WithoutCancel(ctx)
	return multierr.Append(l.runtime.Kill(cleanupCtx, id), l.runtime.Remove(cleanupCtx, id))
}

// Handle is a running dependency container.
type Handle struct {
	id      string
	image   string
	runtime Runtime

	once    sync.Once
	stopErr error
}

// ID is the container ID.
func (h *Handle) ID() string { return h.id }

// Image the container was started from.
func (h *Handle) Image() string { return h.image }

// Logs returns the container output so far.
func (h *Handle) Logs(ctx context.Context) ([]byte, error) {
	return h.runtime.Logs(ctx, h.id)
}

// Stop kills and removes the container. Only the first call does any work.
func (h *Handle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		logging.Info("Containers", "Removing container %s (%s)", shortID(h.id), h.image)
		cleanupCtx := context.WithoutCancel(ctx)
		h.stopErr = multierr.Append(
			h.runtime.Kill(cleanupCtx, h.id),
			h.runtime.Remove(cleanupCtx, h.id),
		)
		if h.stopErr != nil {
			logging.Error("Containers", h.stopErr, "Failed to remove container %s", shortID(h.id))
		}
	})
	return h.stopErr
}
