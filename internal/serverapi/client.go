// Package serverapi wraps the server operations integration flows perform:
// managing datasources, uploading files and training predictors. SQL goes
// through a query runner, file uploads through the HTTP API.
package serverapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"flowtest/internal/resultset"

	"github.com/hashicorp/go-cleanhttp"
	"k8s.io/utils/clock"
)

const (
	DefaultFileInterval      = 500 * time.Millisecond
	DefaultFileTimeout       = 5 * time.Second
	DefaultPredictorInterval = 2 * time.Second
	DefaultPredictorTimeout  = 10 * time.Minute
)

// Querier runs SQL against the server. *query.Runner implements it.
type Querier interface {
	Query(ctx context.Context, q string) (*resultset.ResultSet, error)
}

// Options configures a Client. Zero durations take defaults.
type Options struct {
	Querier Querier
	// HTTPRoot is the API base URL, e.g. http://172.17.0.1:47334/api.
	HTTPRoot   string
	HTTPClient *http.Client
	Clock      clock.Clock

	FileInterval      time.Duration
	FileTimeout       time.Duration
	PredictorInterval time.Duration
	PredictorTimeout  time.Duration
}

// Client performs server operations.
type Client struct {
	q        Querier
	httpRoot string
	http     *http.Client
	clock    clock.Clock

	fileInterval      time.Duration
	fileTimeout       time.Duration
	predictorInterval time.Duration
	predictorTimeout  time.Duration
}

// New returns a Client.
func New(opts Options) *Client {
	c := &Client{
		q:                 opts.Querier,
		httpRoot:          strings.TrimRight(opts.HTTPRoot, "/"),
		http:              opts.HTTPClient,
		clock:             opts.Clock,
		fileInterval:      opts.FileInterval,
		fileTimeout:       opts.FileTimeout,
		predictorInterval: opts.PredictorInterval,
		predictorTimeout:  opts.PredictorTimeout,
	}
	if c.http == nil {
		c.http = cleanhttp.DefaultClient()
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.fileInterval <= 0 {
		c.fileInterval = DefaultFileInterval
	}
	if c.fileTimeout <= 0 {
		c.fileTimeout = DefaultFileTimeout
	}
	if c.predictorInterval <= 0 {
		c.predictorInterval = DefaultPredictorInterval
	}
	if c.predictorTimeout <= 0 {
		c.predictorTimeout = DefaultPredictorTimeout
	}
	return c
}

// HTTPRoot is the API base URL.
func (c *Client) HTTPRoot() string { return c.httpRoot }

// Query passes q to the underlying runner.
func (c *Client) Query(ctx context.Context, q string) (*resultset.ResultSet, error) {
	return c.q.Query(ctx, q)
}
