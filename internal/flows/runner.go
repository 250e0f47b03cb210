package flows

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flowtest/internal/poll"
	"flowtest/internal/resultset"
	"flowtest/internal/serverapi"
	"flowtest/pkg/logging"

	"k8s.io/utils/clock"
)

// closeTimeout bounds how long tearing down a flow's environment may take.
const closeTimeout = 2 * time.Minute

// Runner executes flows one after another, each against its own
// environment.
type Runner struct {
	open     Opener
	reporter Reporter
	clock    clock.Clock
}

// NewRunner creates a runner. A nil reporter discards progress.
func NewRunner(open Opener, reporter Reporter) *Runner {
	if reporter == nil {
		reporter = NewQuietReporter(nil)
	}
	return &Runner{open: open, reporter: reporter, clock: clock.RealClock{}}
}

// WithClock replaces the clock used for timestamps and await polling.
func (r *Runner) WithClock(clk clock.Clock) *Runner {
	r.clock = clk
	return r
}

// Run executes the flows selected by opts. With FailFast set, the flows
// after the first failure are reported as skipped. The returned error is
// only set when the report could not be written.
func (r *Runner) Run(ctx context.Context, flows []Flow, opts RunOptions) (*SuiteResult, error) {
	selected := Filter(flows, opts.Names, opts.Tags)
	result := &SuiteResult{
		StartTime: r.clock.Now(),
		Total:     len(selected),
		Flows:     make([]FlowResult, 0, len(selected)),
	}
	r.reporter.ReportStart(selected, opts)

	stop := false
	for _, f := range selected {
		var fr FlowResult
		if stop || ctx.Err() != nil {
			fr = FlowResult{Flow: f, Result: ResultSkipped, StartTime: r.clock.Now()}
			fr.EndTime = fr.StartTime
		} else {
			r.reporter.ReportFlowStart(f)
			fr = r.runFlow(ctx, f)
		}
		result.Flows = append(result.Flows, fr)
		result.count(fr.Result)
		r.reporter.ReportFlowResult(fr)

		if opts.FailFast && (fr.Result == ResultFailed || fr.Result == ResultError) {
			stop = true
		}
	}

	result.EndTime = r.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	r.reporter.ReportSuiteResult(*result)

	if opts.ReportPath != "" {
		path, err := WriteReport(opts.ReportPath, result)
		if err != nil {
			return result, err
		}
		logging.Info("FlowRunner", "Report written to %s", path)
	}
	return result, nil
}

func (s *SuiteResult) count(r Result) {
	switch r {
	case ResultPassed:
		s.Passed++
	case ResultFailed:
		s.Failed++
	case ResultSkipped:
		s.Skipped++
	case ResultError:
		s.Errors++
	}
}

// flowRun is the state of one flow's execution.
type flowRun struct {
	flow        Flow
	env         Environment
	datasources map[string]serverapi.Datasource
	clock       clock.Clock
}

func (r *Runner) runFlow(ctx context.Context, f Flow) (result FlowResult) {
	result = FlowResult{Flow: f, Result: ResultPassed, StartTime: r.clock.Now()}
	defer func() {
		result.EndTime = r.clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	logging.Info("FlowRunner", "Starting environment for flow %s", f.Name)
	env, err := r.open(ctx, f)
	if err != nil {
		result.Result = ResultError
		result.Error = fmt.Sprintf("failed to start environment: %v", err)
		return result
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := env.Close(closeCtx); err != nil {
			logging.Error("FlowRunner", err, "Cleanup of flow %s failed", f.Name)
			if result.Result == ResultPassed {
				result.Result = ResultError
				result.Error = fmt.Sprintf("cleanup failed: %v", err)
			}
		}
	}()

	run := &flowRun{flow: f, env: env, datasources: map[string]serverapi.Datasource{}, clock: r.clock}
	for _, dep := range f.Dependencies {
		if _, err := run.datasource(ctx, dep); err != nil {
			result.Result = ResultError
			result.Error = fmt.Sprintf("failed to provision %s: %v", dep, err)
			return result
		}
	}

	for _, step := range f.Steps {
		sr := r.runStep(ctx, run, step)
		result.Steps = append(result.Steps, sr)
		r.reporter.ReportStepResult(sr)
		if sr.Result != ResultPassed {
			result.Result = sr.Result
			result.Error = fmt.Sprintf("step %s: %s", step.Name, sr.Error)
			break
		}
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, run *flowRun, step Step) StepResult {
	result := StepResult{Step: step, Result: ResultPassed, StartTime: r.clock.Now()}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	logging.Debug("FlowRunner", "Flow %s: running %s step %s", run.flow.Name, step.Action(), step.Name)
	out, err := run.perform(stepCtx, step)
	result.Output = out.String()
	if checkErr := step.Expect.Check(out, err); checkErr != nil {
		result.Result = ResultFailed
		result.Error = checkErr.Error()
	}

	result.EndTime = r.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

// datasource provisions dependency once per flow.
func (run *flowRun) datasource(ctx context.Context, dependency string) (serverapi.Datasource, error) {
	if ds, ok := run.datasources[dependency]; ok {
		return ds, nil
	}
	ds, err := run.env.Provision(ctx, dependency)
	if err != nil {
		return serverapi.Datasource{}, err
	}
	run.datasources[dependency] = ds
	return ds, nil
}

func (run *flowRun) perform(ctx context.Context, step Step) (Outcome, error) {
	client := run.env.Client()
	switch {
	case step.Query != "":
		rs, err := run.env.Query(ctx, step.Query)
		return ResultOutcome(rs), err

	case step.CreateDatasource != "":
		ds, err := run.datasource(ctx, step.CreateDatasource)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{}, client.CreateDatasource(ctx, ds)

	case step.ValidateDatasource != "":
		ds, err := run.datasource(ctx, step.ValidateDatasource)
		if err != nil {
			return Outcome{}, err
		}
		rec, err := client.ValidateDatasource(ctx, ds)
		return RecordOutcome(rec), err

	case step.DropDatasource != "":
		name := step.DropDatasource
		if ds, ok := run.datasources[name]; ok {
			name = ds.Name()
		}
		return Outcome{}, client.DropDatasource(ctx, name)

	case step.Upload != nil:
		return Outcome{}, run.upload(ctx, client, *step.Upload)

	case step.AwaitFile != "":
		return Outcome{}, client.AwaitFileDatasource(ctx, step.AwaitFile)

	case step.CreatePredictor != nil:
		return Outcome{}, client.CreatePredictor(ctx, step.CreatePredictor.Predictor())

	case step.AwaitPredictor != "":
		rec, err := client.AwaitPredictor(ctx, step.AwaitPredictor)
		return RecordOutcome(rec), err

	case step.Await != nil:
		rec, err := run.await(ctx, *step.Await)
		return RecordOutcome(rec), err
	}
	return Outcome{}, errors.New("step has no action")
}

func (run *flowRun) upload(ctx context.Context, client *serverapi.Client, u Upload) error {
	if u.File == "" {
		return client.UploadCSV(ctx, u.Name, u.Header, u.Rows)
	}
	path := u.File
	if !filepath.IsAbs(path) && run.flow.Path != "" {
		path = filepath.Join(filepath.Dir(run.flow.Path), path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return client.UploadFile(ctx, u.Name, filepath.Base(path), f)
}

// await polls the spec's query until the success match appears.
func (run *flowRun) await(ctx context.Context, spec AwaitSpec) (resultset.Record, error) {
	p := poll.Spec{Interval: spec.Interval, Deadline: spec.Timeout, Clock: run.clock}
	return poll.Until(ctx, p, func(ctx context.Context) (resultset.Record, error) {
		rs, err := run.env.Query(ctx, spec.Query)
		if err != nil {
			return nil, err
		}
		if rec, ok := rs.FirstRecordWhere(spec.Success.Column, spec.Success.Value); ok {
			return rec, nil
		}
		if spec.Failure != nil {
			if rec, ok := rs.FirstRecordWhere(spec.Failure.Column, spec.Failure.Value); ok {
				msg := fmt.Sprintf("%s is %q", spec.Failure.Column, spec.Failure.Value)
				if spec.Failure.MessageColumn != "" {
					msg += ": " + rec[spec.Failure.MessageColumn]
				}
				return nil, errors.New(msg)
			}
		}
		return nil, poll.NotReady("%s", rs)
	})
}

// Outcome is what a step produced: a result set or a single record.
type Outcome struct {
	Columns []string
	Records []resultset.Record

	rs *resultset.ResultSet
}

// ResultOutcome wraps a query result.
func ResultOutcome(rs *resultset.ResultSet) Outcome {
	if rs == nil {
		return Outcome{}
	}
	return Outcome{Columns: rs.Columns(), Records: rs.Records(), rs: rs}
}

// RecordOutcome wraps a single record.
func RecordOutcome(rec resultset.Record) Outcome {
	if rec == nil {
		return Outcome{}
	}
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return Outcome{Columns: cols, Records: []resultset.Record{rec}}
}

// String renders the outcome as tab-separated text.
func (o Outcome) String() string {
	if o.rs != nil {
		var buf bytes.Buffer
		if err := resultset.Render(&buf, o.rs, resultset.FormatTSV); err == nil {
			return strings.TrimRight(buf.String(), "\n")
		}
	}
	if len(o.Columns) == 0 {
		return ""
	}
	lines := []string{strings.Join(o.Columns, "\t")}
	for _, rec := range o.Records {
		fields := make([]string, len(o.Columns))
		for i, c := range o.Columns {
			fields[i] = rec[c]
		}
		lines = append(lines, strings.Join(fields, "\t"))
	}
	return strings.Join(lines, "\n")
}
