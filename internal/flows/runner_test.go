package flows

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flowtest/internal/resultset"
	"flowtest/internal/serverapi"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fakeEnv answers queries from a table of raw tab-separated outputs keyed
// by query prefix.
type fakeEnv struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	queries   []string

	provisioned  []string
	provisionErr error
	closed       bool
	closeErr     error

	client *serverapi.Client
}

func newFakeEnv(httpRoot string) *fakeEnv {
	e := &fakeEnv{responses: map[string][]string{}, errs: map[string]error{}}
	e.client = serverapi.New(serverapi.Options{
		Querier:           e,
		HTTPRoot:          httpRoot,
		FileInterval:      time.Millisecond,
		FileTimeout:       50 * time.Millisecond,
		PredictorInterval: time.Millisecond,
		PredictorTimeout:  50 * time.Millisecond,
	})
	return e
}

// respond queues outputs for queries starting with prefix. The last output
// repeats.
func (e *fakeEnv) respond(prefix string, outputs ...string) { e.responses[prefix] = outputs }

func (e *fakeEnv) Query(_ context.Context, q string) (*resultset.ResultSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries = append(e.queries, q)
	for prefix, err := range e.errs {
		if strings.HasPrefix(q, prefix) {
			return nil, err
		}
	}
	for prefix, outputs := range e.responses {
		if strings.HasPrefix(q, prefix) {
			out := outputs[0]
			if len(outputs) > 1 {
				e.responses[prefix] = outputs[1:]
			}
			return resultset.Parse([]byte(out))
		}
	}
	return resultset.Empty(), nil
}

func (e *fakeEnv) Client() *serverapi.Client { return e.client }

func (e *fakeEnv) Provision(_ context.Context, dependency string) (serverapi.Datasource, error) {
	if e.provisionErr != nil {
		return serverapi.Datasource{}, e.provisionErr
	}
	e.provisioned = append(e.provisioned, dependency)
	return serverapi.Datasource{Type: dependency, ConnectionData: map[string]any{"host": "172.17.0.1"}}, nil
}

func (e *fakeEnv) Close(context.Context) error {
	e.closed = true
	return e.closeErr
}

// recorder captures reporter calls.
type recorder struct {
	started []string
	steps   []StepResult
	flows   []FlowResult
	suite   *SuiteResult
}

func (r *recorder) ReportStart([]Flow, RunOptions)  {}
func (r *recorder) ReportFlowStart(f Flow)          { r.started = append(r.started, f.Name) }
func (r *recorder) ReportStepResult(s StepResult)   { r.steps = append(r.steps, s) }
func (r *recorder) ReportFlowResult(f FlowResult)   { r.flows = append(r.flows, f) }
func (r *recorder) ReportSuiteResult(s SuiteResult) { r.suite = &s }

func openWith(envs map[string]*fakeEnv) Opener {
	return func(_ context.Context, f Flow) (Environment, error) {
		env, ok := envs[f.Name]
		if !ok {
			return nil, errors.New("server exited early")
		}
		return env, nil
	}
}

func intPtr(n int) *int { return &n }

func TestRun_DatasourceFlow(t *testing.T) {
	env := newFakeEnv("")
	env.respond("SELECT * FROM mindsdb.datasources", "name\tengine\nPOSTGRES\tpostgres\n")
	env.respond("SELECT * FROM postgres.test_data", "id\tvalue\n1\ta\n2\tb\n3\tc\n")

	flows, err := Load("testdata/flows/postgres.yaml")
	require.NoError(t, err)

	rec := &recorder{}
	result, err := NewRunner(openWith(map[string]*fakeEnv{"postgres-datasource": env}), rec).Run(context.Background(), flows, RunOptions{})
	require.NoError(t, err)

	assert.True(t, result.OK())
	assert.Equal(t, 1, result.Passed)
	require.Len(t, result.Flows, 1)
	assert.Equal(t, ResultPassed, result.Flows[0].Result, result.Flows[0].Error)
	assert.Len(t, rec.steps, 3)
	assert.Equal(t, []string{"postgres"}, env.provisioned, "dependency is provisioned once")
	assert.True(t, env.closed)

	require.Len(t, env.queries, 3)
	assert.True(t, strings.HasPrefix(env.queries[0], "CREATE DATASOURCE"), env.queries[0])
	assert.Contains(t, rec.steps[2].Output, "id\tvalue")
}

func TestRun_FailedExpectation(t *testing.T) {
	env := newFakeEnv("")
	env.respond("SELECT", "id\n1\n")
	flow := Flow{Name: "count", Steps: []Step{
		{Name: "two rows", Query: "SELECT id FROM t;", Expect: Expectation{Rows: intPtr(2), Columns: []string{"id", "name"}}},
		{Name: "never", Query: "SELECT 1;"},
	}}

	rec := &recorder{}
	result, err := NewRunner(openWith(map[string]*fakeEnv{"count": env}), rec).Run(context.Background(), []Flow{flow}, RunOptions{})
	require.NoError(t, err)

	assert.False(t, result.OK())
	assert.Equal(t, 1, result.Failed)
	fr := result.Flows[0]
	assert.Equal(t, ResultFailed, fr.Result)
	assert.Contains(t, fr.Error, "expected 2 rows, got 1")
	assert.Contains(t, fr.Error, "missing columns name")
	assert.Len(t, fr.Steps, 1, "later steps are not run")
	assert.True(t, env.closed)
}

func TestRun_ExpectedError(t *testing.T) {
	env := newFakeEnv("")
	env.errs["DROP"] = errors.New("ERROR 1149 (42000): datasource not found")
	flow := Flow{Name: "drop", Steps: []Step{
		{Name: "drop missing", Query: "DROP DATASOURCE nope;", Expect: Expectation{ErrorContains: []string{"not found"}}},
	}}

	result, err := NewRunner(openWith(map[string]*fakeEnv{"drop": env}), nil).Run(context.Background(), []Flow{flow}, RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestRun_EnvironmentErrorAndFailFast(t *testing.T) {
	ok := newFakeEnv("")
	flows := []Flow{
		{Name: "broken", Steps: []Step{{Name: "q", Query: "SELECT 1;"}}},
		{Name: "fine", Steps: []Step{{Name: "q", Query: "SELECT 1;"}}},
	}

	rec := &recorder{}
	result, err := NewRunner(openWith(map[string]*fakeEnv{"fine": ok}), rec).Run(context.Background(), flows, RunOptions{FailFast: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, ResultError, result.Flows[0].Result)
	assert.Contains(t, result.Flows[0].Error, "server exited early")
	assert.Equal(t, ResultSkipped, result.Flows[1].Result)
	assert.Equal(t, []string{"broken"}, rec.started)
	assert.False(t, ok.closed, "skipped flow never opens an environment")
	require.NotNil(t, rec.suite)
	assert.Equal(t, 2, rec.suite.Total)
}

func TestRun_ProvisionFailure(t *testing.T) {
	env := newFakeEnv("")
	env.provisionErr = errors.New("port 15432 already allocated")
	flow := Flow{Name: "pg", Dependencies: []string{"postgres"}, Steps: []Step{{Name: "q", Query: "SELECT 1;"}}}

	result, err := NewRunner(openWith(map[string]*fakeEnv{"pg": env}), nil).Run(context.Background(), []Flow{flow}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResultError, result.Flows[0].Result)
	assert.Contains(t, result.Flows[0].Error, "already allocated")
	assert.True(t, env.closed, "environment is closed after a provisioning failure")
}

func TestRun_CleanupFailure(t *testing.T) {
	env := newFakeEnv("")
	env.closeErr = errors.New("container still running")
	flow := Flow{Name: "q", Steps: []Step{{Name: "q", Query: "SELECT 1;"}}}

	result, err := NewRunner(openWith(map[string]*fakeEnv{"q": env}), nil).Run(context.Background(), []Flow{flow}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResultError, result.Flows[0].Result)
	assert.Contains(t, result.Flows[0].Error, "cleanup failed")
}

func TestRun_UploadAndPredictor(t *testing.T) {
	var mu sync.Mutex
	uploads := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		part, err := multipart.NewReader(r.Body, params["boundary"]).NextPart()
		require.NoError(t, err)
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		mu.Lock()
		uploads[strings.TrimPrefix(r.URL.Path, "/api/files/")] = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newFakeEnv(srv.URL + "/api")
	env.respond("USE files", "Tables_in_files\n", "Tables_in_files\nrentals\n")
	env.respond("SELECT status, error FROM predictors", "status\terror\ntraining\t\n", "status\terror\ncomplete\t\n")

	flows, err := Load("testdata/flows/files.yml")
	require.NoError(t, err)

	runner := NewRunner(openWith(map[string]*fakeEnv{"file-upload": env, "predictor": env}), nil)
	result, err := runner.Run(context.Background(), flows, RunOptions{})
	require.NoError(t, err)
	for _, fr := range result.Flows {
		assert.Equal(t, ResultPassed, fr.Result, "%s: %s", fr.Flow.Name, fr.Error)
	}

	assert.Contains(t, uploads["rentals"], "917,3901")
	var created bool
	for _, q := range env.queries {
		if strings.HasPrefix(q, "CREATE PREDICTOR rentals_model") {
			created = true
		}
	}
	assert.True(t, created, "queries: %v", env.queries)
}

func TestRun_Await(t *testing.T) {
	env := newFakeEnv("")
	env.respond("SELECT status", "status\terror\npending\t\n", "status\terror\nready\t\n")
	env.respond("SELECT phase", "phase\treason\nfailed\tdisk full\n")

	flow := Flow{Name: "await", Steps: []Step{
		{Name: "ready", Await: &AwaitSpec{
			Query: "SELECT status, error FROM jobs;", Interval: time.Millisecond, Timeout: time.Second,
			Success: Match{Column: "status", Value: "ready"},
		}, Expect: Expectation{Records: []map[string]string{{"status": "ready"}}}},
		{Name: "fails", Await: &AwaitSpec{
			Query: "SELECT phase, reason FROM jobs;", Interval: time.Millisecond, Timeout: time.Second,
			Success: Match{Column: "phase", Value: "done"},
			Failure: &Match{Column: "phase", Value: "failed", MessageColumn: "reason"},
		}, Expect: Expectation{ErrorContains: []string{"disk full"}}},
		{Name: "times out", Await: &AwaitSpec{
			Query: "SELECT other FROM jobs;", Interval: time.Millisecond, Timeout: 20 * time.Millisecond,
			Success: Match{Column: "other", Value: "x"},
		}, Expect: Expectation{ErrorContains: []string{"exceeded"}}},
	}}

	rec := &recorder{}
	result, err := NewRunner(openWith(map[string]*fakeEnv{"await": env}), rec).Run(context.Background(), []Flow{flow}, RunOptions{})
	require.NoError(t, err)
	for _, s := range rec.steps {
		assert.Equal(t, ResultPassed, s.Result, "%s: %s", s.Step.Name, s.Error)
	}
	assert.True(t, result.OK())
}

func TestRun_WritesReport(t *testing.T) {
	env := newFakeEnv("")
	dir := filepath.Join(t.TempDir(), "reports")
	flow := Flow{Name: "q", Steps: []Step{{Name: "q", Query: "SELECT 1;"}}}

	result, err := NewRunner(openWith(map[string]*fakeEnv{"q": env}), nil).Run(context.Background(), []Flow{flow}, RunOptions{ReportPath: dir})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "flowtest-report-"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, result.Total, decoded["total_flows"])
}

func TestExpectationCheck(t *testing.T) {
	rs := resultset.MustParse("name\tengine\nPOSTGRES\tpostgres\nFILES\tfiles\n")
	out := ResultOutcome(rs)

	assert.NoError(t, Expectation{Columns: []string{"engine"}, Rows: intPtr(2)}.Check(out, nil))
	assert.NoError(t, Expectation{Records: []map[string]string{{"name": "FILES"}}}.Check(out, nil))
	assert.Error(t, Expectation{Records: []map[string]string{{"name": "FILES", "engine": "postgres"}}}.Check(out, nil))
	assert.Error(t, Expectation{Empty: true}.Check(out, nil))
	assert.NoError(t, Expectation{Empty: true}.Check(ResultOutcome(resultset.Empty()), nil))
	assert.Error(t, Expectation{Error: true}.Check(out, nil))
	assert.Error(t, Expectation{}.Check(Outcome{}, errors.New("boom")))
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf, true)
	f := Flow{Name: "pg", Description: "datasource", Dependencies: []string{"postgres"}}
	r.ReportStart([]Flow{f}, RunOptions{Tags: []string{"postgres"}})
	r.ReportFlowStart(f)
	r.ReportStepResult(StepResult{Step: Step{Name: "q", Query: "SELECT 1;"}, Result: ResultFailed, Error: "expected 2 rows, got 1", Output: "id\n1"})
	r.ReportFlowResult(FlowResult{Flow: f, Result: ResultFailed, Error: "step q: expected 2 rows, got 1"})
	r.ReportSuiteResult(SuiteResult{Total: 1, Failed: 1})

	out := buf.String()
	assert.Contains(t, out, "Running 1 flows")
	assert.Contains(t, out, "Tags: postgres")
	assert.Contains(t, out, "query q")
	assert.Contains(t, out, "expected 2 rows, got 1")
	assert.Contains(t, out, "Some flows failed")

	buf.Reset()
	q := NewQuietReporter(&buf)
	q.ReportFlowResult(FlowResult{Flow: f, Result: ResultPassed})
	q.ReportFlowResult(FlowResult{Flow: f, Result: ResultError, Error: "no docker"})
	q.ReportSuiteResult(SuiteResult{Total: 2, Passed: 1, Errors: 1})
	assert.Equal(t, "💥  pg: no docker\n1/2 flows failed\n", buf.String())
}
