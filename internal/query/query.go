// Package query sends SQL to the server under test and returns its output
// as parsed result sets.
package query

import (
	"context"
	"fmt"
	"strings"

	"flowtest/internal/resultset"
	"flowtest/pkg/logging"
)

// RawOutput is the text a batch client printed for one query.
type RawOutput []byte

// Executor runs one query and returns the client's standard output.
type Executor interface {
	Execute(ctx context.Context, query string) (RawOutput, error)
}

// Target is the MySQL endpoint of the server under test.
type Target struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// Address is host:port.
func (t Target) Address() string { return t.Host + ":" + t.Port }

// ExecutionError is returned when the client reports a failed query.
type ExecutionError struct {
	Query    string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("query failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("query failed with exit code %d: %s", e.ExitCode, stderr)
}

// Runner executes queries and parses their output.
type Runner struct {
	executor Executor
}

// NewRunner wraps e.
func NewRunner(e Executor) *Runner {
	return &Runner{executor: e}
}

// Raw executes q and returns the unparsed output.
func (r *Runner) Raw(ctx context.Context, q string) (RawOutput, error) {
	logging.Info("QueryRunner", "Executing query: %s", q)
	out, err := r.executor.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	logging.Debug("QueryRunner", "Query returned %d bytes", len(out))
	return out, nil
}

// Query executes q and parses the output into a result set.
func (r *Runner) Query(ctx context.Context, q string) (*resultset.ResultSet, error) {
	out, err := r.Raw(ctx, q)
	if err != nil {
		return nil, err
	}
	rs, err := resultset.Parse(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse output of %q: %w", q, err)
	}
	return rs, nil
}

// Exec executes q and discards any output.
func (r *Runner) Exec(ctx context.Context, q string) error {
	_, err := r.Raw(ctx, q)
	return err
}
