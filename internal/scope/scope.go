// Package scope collects finalizers for everything a flow acquires and runs
// them exactly once when the flow ends, however it ends.
package scope

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"flowtest/pkg/logging"

	"go.uber.org/multierr"
)

// Finalizer releases one acquisition.
type Finalizer func(ctx context.Context) error

type entry struct {
	name string
	fn   Finalizer
}

// Scope runs registered finalizers in reverse registration order on Close.
type Scope struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// New returns an empty scope.
func New() *Scope {
	return &Scope{}
}

// ForTest returns a scope closed by t.Cleanup.
func ForTest(t testing.TB) *Scope {
	t.Helper()
	s := New()
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("cleanup failed: %v", err)
		}
	})
	return s
}

// Defer registers fn under name. Registering on a closed scope runs fn
// immediately so the acquisition is not leaked.
func (s *Scope) Defer(name string, fn Finalizer) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logging.Warn("Scope", "Scope already closed, releasing %s immediately", name)
		if err := fn(context.Background()); err != nil {
			logging.Error("Scope", err, "Failed to release %s", name)
		}
		return
	}
	s.entries = append(s.entries, entry{name: name, fn: fn})
	s.mu.Unlock()
}

// Len returns the number of pending finalizers.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close runs every pending finalizer, newest first, and aggregates their
// errors. A failing finalizer does not stop the rest. Later calls return nil.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		logging.Debug("Scope", "Releasing %s", e.name)
		if err := runFinalizer(ctx, e); err != nil {
			logging.Error("Scope", err, "Failed to release %s", e.name)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

func runFinalizer(ctx context.Context, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx)
}
