package containers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"flowtest/pkg/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

const (
	labelManaged = "io.flowtest.managed"
	labelRun     = "io.flowtest.run"
)

// DockerRuntime talks to the Docker Engine API.
type DockerRuntime struct {
	cli   client.APIClient
	runID string
}

// NewDockerRuntime connects using the standard DOCKER_* environment.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRuntime(cli), nil
}

func newDockerRuntime(cli client.APIClient) *DockerRuntime {
	return &DockerRuntime{cli: cli, runID: uuid.NewString()}
}

// RunID labels every container created by this runtime.
func (d *DockerRuntime) RunID() string { return d.runID }

// Close releases the client connection.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Start(ctx context.Context, spec Spec) (string, error) {
	id, err := d.create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return id, fmt.Errorf("failed to start container %s: %w", shortID(id), err)
	}
	logging.Debug("Docker", "Started container %s from %s", shortID(id), spec.Image)
	return id, nil
}

func (d *DockerRuntime) create(ctx context.Context, spec Spec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return "", err
	}

	labels := map[string]string{labelManaged: "true", labelRun: d.runID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Cmd:          spec.Cmd,
		ExposedPorts: exposed,
		Labels:       labels,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       bindMounts(spec.Mounts),
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container from %s: %w", spec.Image, err)
	}
	for _, w := range resp.Warnings {
		logging.Warn("Docker", "%s: %s", shortID(resp.ID), w)
	}
	return resp.ID, nil
}

// ensureImage pulls ref unless it is already present locally.
func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	logging.Info("Docker", "Pulling image %s", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, id string) ([]byte, error) {
	var combined bytes.Buffer
	if err := d.copyLogs(ctx, id, &combined, &combined); err != nil {
		return nil, err
	}
	return combined.Bytes(), nil
}

func (d *DockerRuntime) copyLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("failed to read logs of %s: %w", shortID(id), err)
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return fmt.Errorf("failed to demultiplex logs of %s: %w", shortID(id), err)
	}
	return nil
}

func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	err := d.cli.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to kill container %s: %w", shortID(id), err)
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
}

func (d *DockerRuntime) Run(ctx context.Context, spec Spec) (RunResult, error) {
	id, err := d.create(ctx, spec)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		if err := d.Remove(context.WithoutCancel(ctx), id); err != nil {
			logging.Warn("Docker", "Failed to remove one-shot container: %v", err)
		}
	}()

	// subscribe before starting so a fast exit is not missed
	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("failed to start container %s: %w", shortID(id), err)
	}

	var exitCode int
	select {
	case resp := <-waitCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return RunResult{}, fmt.Errorf("waiting for container %s: %s", shortID(id), resp.Error.Message)
		}
		exitCode = int(resp.StatusCode)
	case err := <-errCh:
		return RunResult{}, fmt.Errorf("waiting for container %s: %w", shortID(id), err)
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}

	var stdout, stderr bytes.Buffer
	if err := d.copyLogs(ctx, id, &stdout, &stderr); err != nil {
		return RunResult{}, err
	}
	return RunResult{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// BridgeGateway returns the gateway address of the default bridge network.
func (d *DockerRuntime) BridgeGateway(ctx context.Context) (string, error) {
	resp, err := d.cli.NetworkInspect(ctx, "bridge", network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect bridge network: %w", err)
	}
	for _, cfg := range resp.IPAM.Config {
		if cfg.Gateway != "" && !strings.Contains(cfg.Gateway, ":") {
			return cfg.Gateway, nil
		}
	}
	return "", errors.New("bridge network has no IPv4 gateway")
}

func portBindings(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		proto, port := nat.SplitProtoPort(containerPort)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: hostPort}}
	}
	return exposed, bindings, nil
}

func bindMounts(mounts []Mount) []mount.Mount {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   expandPath(m.Source),
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}
