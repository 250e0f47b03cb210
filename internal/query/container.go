package query

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flowtest/internal/containers"
	"flowtest/pkg/logging"
)

const (
	DefaultClientImage = "mysql"

	mountPoint    = "/temp"
	queryFileName = "query.sql"
)

// ScratchSpace hands out per-call directories. *workspace.Workspace
// implements it.
type ScratchSpace interface {
	NewScratchDir(prefix string) (string, error)
}

// ContainerExecutor runs every query in a fresh mysql client container.
//
// Queries are passed through a file rather than the command line: the
// statement is written to a scratch directory that is bind-mounted
// read-only and fed to the client on stdin, which avoids any quoting of
// the SQL text.
type ContainerExecutor struct {
	runtime containers.Runtime
	scratch ScratchSpace
	image   string
	target  Target
}

// NewContainerExecutor builds an executor for target. An empty image uses
// DefaultClientImage.
func NewContainerExecutor(rt containers.Runtime, scratch ScratchSpace, image string, target Target) *ContainerExecutor {
	if image == "" {
		image = DefaultClientImage
	}
	return &ContainerExecutor{runtime: rt, scratch: scratch, image: image, target: target}
}

func (e *ContainerExecutor) Execute(ctx context.Context, q string) (RawOutput, error) {
	dir, err := e.scratch.NewScratchDir("query")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, queryFileName), []byte(q), 0644); err != nil {
		return nil, fmt.Errorf("failed to write query file: %w", err)
	}

	res, err := e.runtime.Run(ctx, containers.Spec{
		Image:  e.image,
		Cmd:    []string{"sh", "-c", e.clientCommand()},
		Env:    map[string]string{"MYSQL_PWD": e.target.Password},
		Mounts: []containers.Mount{{Source: dir, Target: mountPoint, ReadOnly: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run query client: %w", err)
	}
	if len(res.Stderr) > 0 {
		logging.Debug("QueryRunner", "client stderr: %s", strings.TrimSpace(string(res.Stderr)))
	}
	if res.ExitCode != 0 {
		return nil, &ExecutionError{Query: q, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
	}
	return res.Stdout, nil
}

func (e *ContainerExecutor) clientCommand() string {
	args := []string{
		"mysql",
		"--host=" + e.target.Host,
		"--port=" + e.target.Port,
		"--user=" + e.target.User,
	}
	if e.target.Database != "" {
		args = append(args, "--database="+e.target.Database)
	}
	for i, a := range args {
		args[i] = shellQuote(a)
	}
	return strings.Join(args, " ") + " < " + mountPoint + "/" + queryFileName
}

// shellQuote leaves plain words alone and single-quotes everything else.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_=./:@,+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
