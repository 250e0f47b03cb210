// Package containerstest provides an in-memory containers.Runtime.
package containerstest

import (
	"context"
	"fmt"
	"sync"

	"flowtest/internal/containers"
)

// Container is the fake's view of one started container.
type Container struct {
	ID      string
	Spec    containers.Spec
	Logs    []byte
	Killed  bool
	Removed bool
}

// Runtime records every call and serves scripted results.
type Runtime struct {
	mu sync.Mutex

	// StartErr fails Start. With StartLeaksID the ID is still returned.
	StartErr     error
	StartLeaksID bool
	// LogsFunc produces the logs for the n-th Logs call on a container.
	// Defaults to returning Container.Logs.
	LogsFunc func(c *Container, call int) []byte
	// RunFunc handles Run. Defaults to an empty successful result.
	RunFunc func(spec containers.Spec) (containers.RunResult, error)

	Containers []*Container
	Runs       []containers.Spec
	logCalls   map[string]int
	seq        int
}

var _ containers.Runtime = (*Runtime)(nil)

func (r *Runtime) Start(ctx context.Context, spec containers.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	c := &Container{ID: fmt.Sprintf("fake%012d", r.seq), Spec: spec}
	r.Containers = append(r.Containers, c)

	if r.StartErr != nil {
		if r.StartLeaksID {
			return c.ID, r.StartErr
		}
		c.Removed = true
		return "", r.StartErr
	}
	return c.ID, nil
}

func (r *Runtime) find(id string) (*Container, error) {
	for _, c := range r.Containers {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no such container: %s", id)
}

func (r *Runtime) Logs(ctx context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.find(id)
	if err != nil {
		return nil, err
	}
	if r.logCalls == nil {
		r.logCalls = map[string]int{}
	}
	r.logCalls[id]++
	if r.LogsFunc != nil {
		return r.LogsFunc(c, r.logCalls[id]), nil
	}
	return c.Logs, nil
}

func (r *Runtime) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, err := r.find(id); err == nil {
		c.Killed = true
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, err := r.find(id); err == nil {
		c.Removed = true
	}
	return nil
}

func (r *Runtime) Run(ctx context.Context, spec containers.Spec) (containers.RunResult, error) {
	r.mu.Lock()
	r.Runs = append(r.Runs, spec)
	fn := r.RunFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(spec)
	}
	return containers.RunResult{}, nil
}

// Live returns containers that were started and not removed.
func (r *Runtime) Live() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Container
	for _, c := range r.Containers {
		if !c.Removed {
			out = append(out, c)
		}
	}
	return out
}

// LogCalls returns how often Logs was called for id.
func (r *Runtime) LogCalls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logCalls[id]
}
