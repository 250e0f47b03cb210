// Package dependency provisions the databases flows register as datasources.
package dependency

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"flowtest/internal/containers"
	"flowtest/internal/poll"
	"flowtest/internal/serverapi"
	"flowtest/pkg/logging"

	"github.com/jackc/pgx/v5"
	"k8s.io/utils/clock"
)

const (
	DefaultPostgresImage       = "mindsdb/postgres-handler-test"
	DefaultPostgresHostPort    = "15432"
	DefaultPostgresUser        = "postgres"
	DefaultPostgresPassword    = "supersecret"
	DefaultPostgresDatabase    = "test"
	DefaultPostgresReadyMarker = "database system is ready to accept connections"
	// The image initialises its data directory on first start and restarts
	// the server once, so the marker is logged twice before it is usable.
	DefaultPostgresOccurrences  = 2
	DefaultPostgresReadyTimeout = 30 * time.Second

	postgresContainerPort = "5432/tcp"
	verifyInterval        = 500 * time.Millisecond
	verifyTimeout         = 10 * time.Second
)

// PostgresOptions configures ProvisionPostgres. Zero fields take defaults,
// except Host which is required.
type PostgresOptions struct {
	Image    string
	HostPort string
	User     string
	Password string
	Database string

	ReadyMarker      string
	ReadyOccurrences int
	ReadyTimeout     time.Duration

	// Host is the address the server under test reaches the database
	// under, usually the bridge address.
	Host string
	// VerifyHost is where Verify connects from this process. Defaults to
	// 127.0.0.1.
	VerifyHost string
	Clock      clock.Clock
}

func (o PostgresOptions) withDefaults() PostgresOptions {
	if o.Image == "" {
		o.Image = DefaultPostgresImage
	}
	if o.HostPort == "" {
		o.HostPort = DefaultPostgresHostPort
	}
	if o.User == "" {
		o.User = DefaultPostgresUser
	}
	if o.Password == "" {
		o.Password = DefaultPostgresPassword
	}
	if o.Database == "" {
		o.Database = DefaultPostgresDatabase
	}
	if o.ReadyMarker == "" {
		o.ReadyMarker = DefaultPostgresReadyMarker
	}
	if o.ReadyOccurrences <= 0 {
		o.ReadyOccurrences = DefaultPostgresOccurrences
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultPostgresReadyTimeout
	}
	if o.VerifyHost == "" {
		o.VerifyHost = "127.0.0.1"
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// Postgres is a running dependency database.
type Postgres struct {
	opts   PostgresOptions
	handle *containers.Handle
}

// ProvisionPostgres starts the database container and waits for it to log
// its ready marker. A failed provision leaves no container behind.
func ProvisionPostgres(ctx context.Context, lc *containers.Lifecycle, opts PostgresOptions) (*Postgres, error) {
	opts = opts.withDefaults()
	if opts.Host == "" {
		return nil, fmt.Errorf("postgres: host is required")
	}

	logging.Info("Dependency", "Provisioning postgres from %s on port %s", opts.Image, opts.HostPort)
	h, err := lc.Start(ctx, containers.StartRequest{
		Spec: containers.Spec{
			Image: opts.Image,
			Env:   map[string]string{"POSTGRES_PASSWORD": opts.Password},
			Ports: map[string]string{postgresContainerPort: opts.HostPort},
		},
		Marker:      opts.ReadyMarker,
		Occurrences: opts.ReadyOccurrences,
		Timeout:     opts.ReadyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision postgres: %w", err)
	}
	return &Postgres{opts: opts, handle: h}, nil
}

// ConnectionData is what the server needs to connect to the database.
func (p *Postgres) ConnectionData() map[string]any {
	return map[string]any{
		"host":     p.opts.Host,
		"port":     p.opts.HostPort,
		"user":     p.opts.User,
		"password": p.opts.Password,
		"database": p.opts.Database,
	}
}

// Datasource describes the database as a server datasource.
func (p *Postgres) Datasource() serverapi.Datasource {
	return serverapi.Datasource{Type: "postgres", ConnectionData: p.ConnectionData()}
}

// DSN is the connection URL Verify uses.
func (p *Postgres) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.opts.User, p.opts.Password),
		Host:     net.JoinHostPort(p.opts.VerifyHost, p.opts.HostPort),
		Path:     "/" + p.opts.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type pgConn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// connect is replaced in tests.
var connect = func(ctx context.Context, dsn string) (pgConn, error) {
	return pgx.Connect(ctx, dsn)
}

// Verify connects to the database from this process. The ready marker can
// appear shortly before connections are accepted, so connection errors are
// retried for a few seconds.
func (p *Postgres) Verify(ctx context.Context) error {
	spec := poll.Spec{Interval: verifyInterval, Deadline: verifyTimeout, Clock: p.opts.Clock}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (struct{}, error) {
		conn, err := connect(ctx, p.DSN())
		if err != nil {
			return struct{}{}, poll.Retry(err)
		}
		defer conn.Close(context.WithoutCancel(ctx))
		if err := conn.Ping(ctx); err != nil {
			return struct{}{}, poll.Retry(err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("postgres on port %s is not accepting connections: %w", p.opts.HostPort, err)
	}
	logging.Debug("Dependency", "Verified postgres on %s:%s", p.opts.VerifyHost, p.opts.HostPort)
	return nil
}

// Stop kills and removes the container. It is safe to call more than once.
func (p *Postgres) Stop(ctx context.Context) error {
	return p.handle.Stop(ctx)
}
