package serverapi

import (
	"context"
	"fmt"
	"strings"

	"flowtest/internal/resultset"
	"flowtest/pkg/logging"

	"github.com/goccy/go-json"
)

// Datasource is an external database registered with the server.
type Datasource struct {
	// Type is the engine name, e.g. "postgres". The datasource is named
	// after the upper-cased type.
	Type           string
	ConnectionData map[string]any
}

// Name is the datasource name used in SQL.
func (d Datasource) Name() string { return strings.ToUpper(d.Type) }

// CreateStatement renders the CREATE DATASOURCE statement for d.
func (d Datasource) CreateStatement() (string, error) {
	params, err := json.Marshal(d.ConnectionData)
	if err != nil {
		return "", fmt.Errorf("failed to encode connection data: %w", err)
	}
	return fmt.Sprintf("CREATE DATASOURCE %s WITH ENGINE = '%s', PARAMETERS = %s;", d.Name(), d.Type, params), nil
}

// dropRecreateEngines lists engines whose datasources are dropped and
// created a second time to exercise DROP DATASOURCE.
var dropRecreateEngines = map[string]bool{"mysql": true}

// CreateDatasource registers ds with the server.
func (c *Client) CreateDatasource(ctx context.Context, ds Datasource) error {
	stmt, err := ds.CreateStatement()
	if err != nil {
		return err
	}
	logging.Info("ServerAPI", "Creating datasource %s (%s)", ds.Name(), ds.Type)
	if _, err := c.q.Query(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create datasource %s: %w", ds.Name(), err)
	}

	if dropRecreateEngines[ds.Type] {
		if err := c.DropDatasource(ctx, ds.Type); err != nil {
			return err
		}
		if _, err := c.q.Query(ctx, stmt); err != nil {
			return fmt.Errorf("failed to recreate datasource %s: %w", ds.Name(), err)
		}
	}
	return nil
}

// DropDatasource removes a datasource.
func (c *Client) DropDatasource(ctx context.Context, name string) error {
	logging.Info("ServerAPI", "Dropping datasource %s", name)
	if _, err := c.q.Query(ctx, fmt.Sprintf("drop datasource %s;", name)); err != nil {
		return fmt.Errorf("failed to drop datasource %s: %w", name, err)
	}
	return nil
}

// DatasourceNotFoundError is returned when a created datasource is not
// listed by the server.
type DatasourceNotFoundError struct {
	Name   string
	Result *resultset.ResultSet
}

func (e *DatasourceNotFoundError) Error() string {
	return fmt.Sprintf("expected datasource is not found after creation - %s: %s", e.Name, e.Result)
}

// ValidateDatasource checks that ds is listed in mindsdb.datasources and
// returns its record.
func (c *Client) ValidateDatasource(ctx context.Context, ds Datasource) (resultset.Record, error) {
	rs, err := c.q.Query(ctx, fmt.Sprintf("SELECT * FROM mindsdb.datasources WHERE name='%s';", ds.Name()))
	if err != nil {
		return nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	rec, ok := rs.FirstRecordWhere("name", ds.Name())
	if !ok {
		return nil, &DatasourceNotFoundError{Name: ds.Name(), Result: rs}
	}
	return rec, nil
}
