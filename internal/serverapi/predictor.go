package serverapi

import (
	"context"
	"fmt"

	"flowtest/internal/poll"
	"flowtest/internal/resultset"
	"flowtest/pkg/logging"
)

// Predictor describes a model to train.
type Predictor struct {
	Name string
	// From is the integration the training data is read from, e.g. "files".
	From string
	// Select is the training data query.
	Select  string
	Predict string
	// Options is appended verbatim, e.g. "ORDER BY order WINDOW 10 HORIZON 1".
	Options string
}

// Statement renders the CREATE PREDICTOR statement.
func (p Predictor) Statement() string {
	stmt := fmt.Sprintf("CREATE PREDICTOR %s from %s (%s) predict %s", p.Name, p.From, p.Select, p.Predict)
	if p.Options != "" {
		stmt += " " + p.Options
	}
	return stmt + ";"
}

// PredictorError carries the error a predictor reported while training.
type PredictorError struct {
	Name    string
	Message string
}

func (e *PredictorError) Error() string {
	return fmt.Sprintf("predictor %s failed: %s", e.Name, e.Message)
}

// CreatePredictor starts training p. Use AwaitPredictor to wait for it.
func (c *Client) CreatePredictor(ctx context.Context, p Predictor) error {
	logging.Info("ServerAPI", "Creating predictor %s", p.Name)
	if _, err := c.q.Query(ctx, p.Statement()); err != nil {
		return fmt.Errorf("failed to create predictor %s: %w", p.Name, err)
	}
	return nil
}

// AwaitPredictor polls the predictors table until name is complete. A
// predictor in status "error" stops the wait with a *PredictorError.
func (c *Client) AwaitPredictor(ctx context.Context, name string) (resultset.Record, error) {
	q := fmt.Sprintf("SELECT status, error FROM predictors WHERE name='%s';", name)
	spec := poll.Spec{Interval: c.predictorInterval, Deadline: c.predictorTimeout, Clock: c.clock}

	rec, err := poll.Until(ctx, spec, func(ctx context.Context) (resultset.Record, error) {
		rs, err := c.q.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		if !rs.HasColumn("status") {
			return nil, poll.NotReady("predictor %s not listed", name)
		}
		if rec, ok := rs.FirstRecordWhere("status", "complete"); ok {
			return rec, nil
		}
		if rec, ok := rs.FirstRecordWhere("status", "error"); ok {
			return nil, &PredictorError{Name: name, Message: rec["error"]}
		}
		first, _ := rs.Record(0)
		return nil, poll.NotReady("predictor %s status %q", name, first["status"])
	})
	if err != nil {
		return nil, fmt.Errorf("predictor %s is not complete: %w", name, err)
	}
	logging.Info("ServerAPI", "Predictor %s is complete", name)
	return rec, nil
}
