package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	// Env entries are appended to the current environment.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running child process.
type Process interface {
	Pid() int
	// Signal delivers sig to the process group.
	Signal(sig os.Signal) error
	// Kill sends SIGKILL to the process group.
	Kill() error
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Err is the exit error once Done is closed.
	Err() error
}

// Manager spawns processes.
type Manager interface {
	Start(ctx context.Context, c Command) (Process, error)
}

// pipeWaitDelay bounds how long Wait keeps copying output after the
// process itself has exited.
const pipeWaitDelay = 5 * time.Second

// execCommand is swapped out in tests.
var execCommand = exec.Command

// ExecManager starts real processes, each in its own process group so the
// whole tree can be signalled at once.
type ExecManager struct{}

// NewExecManager returns the os/exec backed Manager.
func NewExecManager() *ExecManager {
	return &ExecManager{}
}

func (m *ExecManager) Start(ctx context.Context, c Command) (Process, error) {
	if c.Path == "" {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := execCommand(c.Path, c.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	// a descendant that left the group can keep the pipes open
	cmd.WaitDelay = pipeWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	if err := syscall.Kill(-p.Pid(), sysSig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		// group may be gone while the leader still exists
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

func (p *execProcess) Kill() error { return p.Signal(syscall.SIGKILL) }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
