// Package processtest provides an in-memory process.Manager.
package processtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"flowtest/internal/process"
)

// Process is a fake child that exits on SIGTERM or Kill.
type Process struct {
	pid int

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
	err     error
	done    chan struct{}
	once    sync.Once
}

var _ process.Process = (*Process)(nil)

// NewProcess returns a running fake with the given pid.
func NewProcess(pid int) *Process {
	return &Process{pid: pid, done: make(chan struct{})}
}

// Exit ends the process with err.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM {
		p.Exit(nil)
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Manager hands out fake processes and records every command.
type Manager struct {
	mu sync.Mutex

	StartErr error
	Started  []process.Command
	Procs    []*Process
}

var _ process.Manager = (*Manager)(nil)

func (m *Manager) Start(ctx context.Context, c process.Command) (process.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.Started = append(m.Started, c)
	p := NewProcess(1000 + len(m.Procs))
	m.Procs = append(m.Procs, p)
	if c.Stdout != nil {
		fmt.Fprintf(c.Stdout, "started %s\n", c.Path)
	}
	return p, nil
}

// Last returns the most recently started process and its command.
func (m *Manager) Last() (*Process, process.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Procs) == 0 {
		return nil, process.Command{}
	}
	return m.Procs[len(m.Procs)-1], m.Started[len(m.Started)-1]
}
