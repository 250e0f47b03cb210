// Package process supervises the server under test: it launches the server
// as a child process, waits until its HTTP readiness probe answers and makes
// sure the process tree is gone when the run ends.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"flowtest/internal/poll"
	"flowtest/pkg/logging"

	"github.com/hashicorp/go-cleanhttp"
	"k8s.io/utils/clock"
)

// ErrStartupTimeout is returned when the readiness probe did not succeed
// before the deadline.
var ErrStartupTimeout = errors.New("server startup timed out")

const (
	DefaultReadyInterval = time.Second
	DefaultReadyTimeout  = 30 * time.Second
	DefaultStopTimeout   = 10 * time.Second
	DefaultKillTimeout   = 5 * time.Second

	probeTimeout = 2 * time.Second

	// maxOutputBytes is how much of the server's output is retained.
	maxOutputBytes = 64 << 10
	// diagnosticLines is how many trailing output lines are attached to a
	// readiness error.
	diagnosticLines = 20
)

// Options configures a Supervisor. Zero fields take defaults. KillTimeout
// bounds the wait for the process to be reaped after SIGKILL.
type Options struct {
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration
	KillTimeout   time.Duration
	Clock         clock.Clock
	HTTPClient    *http.Client
	Manager       Manager
}

// StartRequest describes one server launch.
type StartRequest struct {
	// Name labels log output. Defaults to "Server".
	Name string
	// Command is the full argv, e.g. python3 -m mindsdb --api=http,mysql --config=/x/config.json.
	Command []string
	Env     []string
	Dir     string
	// ReadinessURL is polled with GET until it answers 2xx.
	ReadinessURL string
}

// Supervisor starts and awaits server processes.
type Supervisor struct {
	opts Options
}

// NewSupervisor applies defaults to opts.
func NewSupervisor(opts Options) *Supervisor {
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = DefaultReadyInterval
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultClient()
	}
	if opts.Manager == nil {
		opts.Manager = NewExecManager()
	}
	return &Supervisor{opts: opts}
}

// Start launches the server and waits for it to become ready.
//
// On a readiness failure the handle is still returned alongside the error:
// the process may be running and the caller must Stop it.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	h, err := s.Launch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.AwaitReady(ctx, h, req.ReadinessURL); err != nil {
		return h, err
	}
	return h, nil
}

// Launch spawns the process without waiting for readiness.
func (s *Supervisor) Launch(ctx context.Context, req StartRequest) (*Handle, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("server command is empty")
	}
	name := req.Name
	if name == "" {
		name = "Server"
	}

	output := &outputBuffer{}
	stdout := logging.NewLineWriter(logging.LevelDebug, name)
	stderr := logging.NewLineWriter(logging.LevelDebug, name)

	logging.Info("Supervisor", "Starting %s: %s", name, strings.Join(req.Command, " "))
	proc, err := s.opts.Manager.Start(ctx, Command{
		Path:   req.Command[0],
		Args:   req.Command[1:],
		Env:    req.Env,
		Dir:    req.Dir,
		Stdout: io.MultiWriter(stdout, output),
		Stderr: io.MultiWriter(stderr, output),
	})
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to launch %s: %w", name, err)
	}
	logging.Debug("Supervisor", "%s running with PID %d", name, proc.Pid())

	return &Handle{
		name:        name,
		proc:        proc,
		output:      output,
		writers:     []io.Closer{stdout, stderr},
		stopTimeout: s.opts.StopTimeout,
		killTimeout: s.opts.KillTimeout,
		clock:       s.opts.Clock,
	}, nil
}

// AwaitReady polls url until it answers 2xx. A process that exits while
// being polled fails the wait immediately.
func (s *Supervisor) AwaitReady(ctx context.Context, h *Handle, url string) error {
	if url == "" {
		return errors.New("readiness URL is empty")
	}
	logging.Info("Supervisor", "Waiting for %s at %s (timeout %s)", h.name, url, s.opts.ReadyTimeout)

	spec := poll.Spec{Interval: s.opts.ReadyInterval, Deadline: s.opts.ReadyTimeout, Clock: s.opts.Clock}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (struct{}, error) {
		select {
		case <-h.proc.Done():
			return struct{}{}, fmt.Errorf("%s exited before becoming ready: %v%s", h.name, h.proc.Err(), h.outputTail())
		default:
		}
		return struct{}{}, s.probe(ctx, url)
	})
	if err != nil {
		var timeoutErr *poll.TimeoutError
		if errors.As(err, &timeoutErr) {
			return fmt.Errorf("%w: %s not ready at %s: %w%s", ErrStartupTimeout, h.name, url, timeoutErr, h.outputTail())
		}
		return err
	}

	logging.Info("Supervisor", "%s is ready", h.name)
	return nil
}

func (s *Supervisor) probe(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return poll.Retry(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return poll.NotReady("probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Handle is a launched server process.
type Handle struct {
	name        string
	proc        Process
	output      *outputBuffer
	writers     []io.Closer
	stopTimeout time.Duration
	killTimeout time.Duration
	clock       clock.Clock

	stopOnce sync.Once
	stopErr  error
}

// Pid of the process group leader.
func (h *Handle) Pid() int { return h.proc.Pid() }

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.proc.Done() }

// Exited reports whether the process has already terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.proc.Done():
		return true
	default:
		return false
	}
}

// Output returns the most recent output of the process, at most
// maxOutputBytes of it.
func (h *Handle) Output() string { return h.output.String() }

// outputTail formats the last lines of output for an error message.
func (h *Handle) outputTail() string {
	lines := h.output.Tail(diagnosticLines)
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("\nlast output of %s:\n  %s", h.name, strings.Join(lines, "\n  "))
}

// Stop sends SIGTERM to the process group, waits up to the stop timeout and
// then kills the group. Only the first call does any work.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(ctx)
		for _, w := range h.writers {
			w.Close()
		}
	})
	return h.stopErr
}

func (h *Handle) stop(ctx context.Context) error {
	if h.Exited() {
		logging.Debug("Supervisor", "%s already exited", h.name)
		return nil
	}

	logging.Info("Supervisor", "Stopping %s (PID %d)", h.name, h.proc.Pid())
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-h.proc.Done()
			return nil
		}
		logging.Warn("Supervisor", "SIGTERM failed for %s, using SIGKILL: %v", h.name, err)
		return h.kill(ctx)
	}

	timer := h.clock.NewTimer(h.stopTimeout)
	defer timer.Stop()

	select {
	case <-h.proc.Done():
		logging.Debug("Supervisor", "%s exited gracefully", h.name)
		return nil
	case <-timer.C():
		logging.Warn("Supervisor", "Graceful shutdown timeout for %s, forcing kill", h.name)
	case <-ctx.Done():
		logging.Warn("Supervisor", "Stop of %s cancelled, forcing kill", h.name)
	}
	return h.kill(ctx)
}

func (h *Handle) kill(ctx context.Context) error {
	if err := h.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", h.name, err)
	}
	timer := h.clock.NewTimer(h.killTimeout)
	defer timer.Stop()

	select {
	case <-h.proc.Done():
		return nil
	case <-timer.C():
		return fmt.Errorf("%s did not exit within %s after kill", h.name, h.killTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s did not exit after kill: %w", h.name, ctx.Err())
	}
}

// outputBuffer keeps the last maxOutputBytes of process output for
// diagnostics.
type outputBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - maxOutputBytes; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Tail returns up to n trailing non-empty lines.
func (b *outputBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	for _, line := range bytes.Split(bytes.TrimRight(b.buf, "\n"), []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, string(line))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
