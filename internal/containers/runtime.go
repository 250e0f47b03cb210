// Package containers runs the ephemeral service containers a flow depends
// on and the throwaway client containers queries are executed in.
package containers

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes a container to create.
type Spec struct {
	// Name is optional; runtimes generate one when empty.
	Name  string
	Image string
	Env   map[string]string
	// Ports maps a container port ("5432/tcp") to a fixed host port ("15432").
	Ports  map[string]string
	Cmd    []string
	Mounts []Mount
	Labels map[string]string
}

// RunResult is the outcome of a one-shot container.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the narrow set of container operations flowtest needs.
type Runtime interface {
	// Start creates and starts a detached container and returns its ID.
	// On error a non-empty ID means a container was created and must be
	// removed by the caller.
	Start(ctx context.Context, spec Spec) (string, error)
	// Logs returns everything the container has written so far, stdout
	// and stderr combined.
	Logs(ctx context.Context, id string) ([]byte, error)
	// Kill stops the container immediately. Killing a stopped or missing
	// container is not an error.
	Kill(ctx context.Context, id string) error
	// Remove deletes the container. Removing a missing container is not an
	// error.
	Remove(ctx context.Context, id string) error
	// Run starts a container, waits for it to exit, collects its output and
	// removes it.
	Run(ctx context.Context, spec Spec) (RunResult, error)
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
