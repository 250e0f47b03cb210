package containers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"flowtest/pkg/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestcontainersRuntime runs containers through testcontainers-go, which
// adds its reaper so containers are removed even if the harness crashes.
type TestcontainersRuntime struct {
	mu         sync.Mutex
	containers map[string]testcontainers.Container
	docker     *testcontainers.DockerClient
}

// NewTestcontainersRuntime prepares a runtime. The Docker connection is
// established by testcontainers on first use.
func NewTestcontainersRuntime(ctx context.Context) (*TestcontainersRuntime, error) {
	cli, err := testcontainers.NewDockerClientWithOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create testcontainers docker client: %w", err)
	}
	return &TestcontainersRuntime{
		containers: make(map[string]testcontainers.Container),
		docker:     cli,
	}, nil
}

func (r *TestcontainersRuntime) request(spec Spec) testcontainers.ContainerRequest {
	exposed := make([]string, 0, len(spec.Ports))
	for containerPort := range spec.Ports {
		exposed = append(exposed, containerPort)
	}

	return testcontainers.ContainerRequest{
		Name:         spec.Name,
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
		HostConfigModifier: func(hc *container.HostConfig) {
			// fixed host ports, testcontainers would otherwise pick random ones
			if _, bindings, err := portBindings(spec.Ports); err == nil && bindings != nil {
				hc.PortBindings = bindings
			}
			hc.Mounts = append(hc.Mounts, bindMounts(spec.Mounts)...)
		},
	}
}

func (r *TestcontainersRuntime) Start(ctx context.Context, spec Spec) (string, error) {
	if _, _, err := portBindings(spec.Ports); err != nil {
		return "", err
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: r.request(spec),
		Started:          true,
	})
	if c != nil {
		r.track(c)
	}
	if err != nil {
		id := ""
		if c != nil {
			id = c.GetContainerID()
		}
		return id, fmt.Errorf("failed to start container from %s: %w", spec.Image, err)
	}
	logging.Debug("Testcontainers", "Started container %s from %s", shortID(c.GetContainerID()), spec.Image)
	return c.GetContainerID(), nil
}

func (r *TestcontainersRuntime) track(c testcontainers.Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[c.GetContainerID()] = c
}

func (r *TestcontainersRuntime) lookup(id string) (testcontainers.Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return c, ok
}

func (r *TestcontainersRuntime) Logs(ctx context.Context, id string) ([]byte, error) {
	c, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown container %s", shortID(id))
	}
	rc, err := c.Logs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", shortID(id), err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *TestcontainersRuntime) Kill(ctx context.Context, id string) error {
	c, ok := r.lookup(id)
	if !ok {
		return nil
	}
	noGrace := time.Duration(0)
	if err := c.Stop(ctx, &noGrace); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", shortID(id), err)
	}
	return nil
}

func (r *TestcontainersRuntime) Remove(ctx context.Context, id string) error {
	c, ok := r.lookup(id)
	if !ok {
		return nil
	}
	if err := c.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
	return nil
}

func (r *TestcontainersRuntime) Run(ctx context.Context, spec Spec) (RunResult, error) {
	req := r.request(spec)
	req.WaitingFor = wait.ForExit()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if c != nil {
		defer func() {
			if err := c.Terminate(context.WithoutCancel(ctx)); err != nil {
				logging.Warn("Testcontainers", "Failed to remove one-shot container: %v", err)
			}
		}()
	}
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to run container from %s: %w", spec.Image, err)
	}

	state, err := c.State(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to inspect container %s: %w", shortID(c.GetContainerID()), err)
	}

	// testcontainers merges both streams; split them through the engine API
	rc, err := r.docker.ContainerLogs(ctx, c.GetContainerID(), container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to read logs of %s: %w", shortID(c.GetContainerID()), err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return RunResult{}, fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	return RunResult{ExitCode: state.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// Close terminates containers still tracked and closes the client.
func (r *TestcontainersRuntime) Close() error {
	r.mu.Lock()
	pending := make([]string, 0, len(r.containers))
	for id := range r.containers {
		pending = append(pending, id)
	}
	r.mu.Unlock()

	for _, id := range pending {
		if err := r.Remove(context.Background(), id); err != nil {
			logging.Warn("Testcontainers", "%v", err)
		}
	}
	return r.docker.Close()
}
