package flows

import (
	"context"
	"time"

	"flowtest/internal/resultset"
	"flowtest/internal/serverapi"
)

// Result is the outcome of a step or flow.
type Result string

const (
	// ResultPassed indicates every expectation held
	ResultPassed Result = "PASSED"
	// ResultFailed indicates an expectation did not hold
	ResultFailed Result = "FAILED"
	// ResultSkipped indicates the flow was not run
	ResultSkipped Result = "SKIPPED"
	// ResultError indicates the environment could not be brought up
	ResultError Result = "ERROR"
)

// Flow is one declarative integration flow, loaded from a YAML file.
type Flow struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// APIs the server is started with. Empty uses the settings.
	APIs []string `yaml:"apis,omitempty" json:"apis,omitempty"`
	// OverrideConfig is merged into the server config for this flow.
	OverrideConfig map[string]any `yaml:"override_config,omitempty" json:"override_config,omitempty"`
	// Dependencies are provisioned before the first step, e.g. "postgres".
	Dependencies []string      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Steps        []Step        `yaml:"steps" json:"steps"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Tags         []string      `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Path is the file the flow was loaded from.
	Path string `yaml:"-" json:"path,omitempty"`
}

// Step performs exactly one action.
type Step struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Query              string           `yaml:"query,omitempty" json:"query,omitempty"`
	CreateDatasource   string           `yaml:"create_datasource,omitempty" json:"create_datasource,omitempty"`
	ValidateDatasource string           `yaml:"validate_datasource,omitempty" json:"validate_datasource,omitempty"`
	DropDatasource     string           `yaml:"drop_datasource,omitempty" json:"drop_datasource,omitempty"`
	Upload             *Upload          `yaml:"upload,omitempty" json:"upload,omitempty"`
	AwaitFile          string           `yaml:"await_file,omitempty" json:"await_file,omitempty"`
	CreatePredictor    *PredictorSpec   `yaml:"create_predictor,omitempty" json:"create_predictor,omitempty"`
	AwaitPredictor     string           `yaml:"await_predictor,omitempty" json:"await_predictor,omitempty"`
	Await              *AwaitSpec       `yaml:"await,omitempty" json:"await,omitempty"`

	Expect  Expectation   `yaml:"expect,omitempty" json:"expect,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Upload sends a CSV file datasource. Either File or Header and Rows are
// set; a relative File is resolved against the flow file's directory.
type Upload struct {
	Name   string     `yaml:"name" json:"name"`
	File   string     `yaml:"file,omitempty" json:"file,omitempty"`
	Header []string   `yaml:"header,omitempty" json:"header,omitempty"`
	Rows   [][]string `yaml:"rows,omitempty" json:"rows,omitempty"`
}

// PredictorSpec describes a CREATE PREDICTOR statement.
type PredictorSpec struct {
	Name    string `yaml:"name" json:"name"`
	From    string `yaml:"from" json:"from"`
	Select  string `yaml:"select" json:"select"`
	Predict string `yaml:"predict" json:"predict"`
	Options string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Predictor converts the spec for the server API client.
func (p PredictorSpec) Predictor() serverapi.Predictor {
	return serverapi.Predictor{Name: p.Name, From: p.From, Select: p.Select, Predict: p.Predict, Options: p.Options}
}

// AwaitSpec polls Query until a record matches Success. A record matching
// Failure ends the wait at once.
type AwaitSpec struct {
	Query    string        `yaml:"query" json:"query"`
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Success  Match         `yaml:"success" json:"success"`
	Failure  *Match        `yaml:"failure,omitempty" json:"failure,omitempty"`
}

// Match selects the first record whose Column equals Value.
type Match struct {
	Column string `yaml:"column" json:"column"`
	Value  string `yaml:"value" json:"value"`
	// MessageColumn names the column reported when a failure matches.
	MessageColumn string `yaml:"message_column,omitempty" json:"message_column,omitempty"`
}

// Expectation is checked against a step's outcome.
type Expectation struct {
	// Error expects the action to fail.
	Error         bool     `yaml:"error,omitempty" json:"error,omitempty"`
	ErrorContains []string `yaml:"error_contains,omitempty" json:"error_contains,omitempty"`
	// Columns must all be present in the result.
	Columns []string `yaml:"columns,omitempty" json:"columns,omitempty"`
	// Rows is the exact record count.
	Rows  *int `yaml:"rows,omitempty" json:"rows,omitempty"`
	Empty bool `yaml:"empty,omitempty" json:"empty,omitempty"`
	// Records must each match some result record on every listed column.
	Records []map[string]string `yaml:"records,omitempty" json:"records,omitempty"`
}

// RunOptions controls a run.
type RunOptions struct {
	// Names and Tags filter the flows to run. Empty runs everything.
	Names    []string
	Tags     []string
	FailFast bool
	// ReportPath is a directory a JSON report is written to.
	ReportPath string
	Verbose    bool
}

// SuiteResult is the outcome of a run.
type SuiteResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Total   int `json:"total_flows"`
	Passed  int `json:"passed_flows"`
	Failed  int `json:"failed_flows"`
	Skipped int `json:"skipped_flows"`
	Errors  int `json:"error_flows"`

	Flows []FlowResult `json:"flow_results"`
}

// OK reports whether no flow failed or errored.
func (s *SuiteResult) OK() bool { return s.Failed == 0 && s.Errors == 0 }

// FlowResult is the outcome of one flow.
type FlowResult struct {
	Flow      Flow          `json:"flow"`
	Result    Result        `json:"result"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"step_results"`
	Error     string        `json:"error,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step      Step          `json:"step"`
	Result    Result        `json:"result"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	// Output is the result set or record the step produced, rendered as
	// tab-separated text.
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Environment is what a flow runs against. *harness.Environment
// implements it.
type Environment interface {
	Query(ctx context.Context, q string) (*resultset.ResultSet, error)
	Client() *serverapi.Client
	Provision(ctx context.Context, dependency string) (serverapi.Datasource, error)
	Close(ctx context.Context) error
}

// Opener brings up an environment for f.
type Opener func(ctx context.Context, f Flow) (Environment, error)

// Reporter is told about progress as a run proceeds.
type Reporter interface {
	ReportStart(flows []Flow, opts RunOptions)
	ReportFlowStart(f Flow)
	ReportStepResult(r StepResult)
	ReportFlowResult(r FlowResult)
	ReportSuiteResult(r SuiteResult)
}
