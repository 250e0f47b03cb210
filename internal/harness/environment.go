// Package harness brings up everything a flow runs against: a workspace,
// the effective server config, the supervised server, a query runner and
// the server API client. Every acquisition is registered in one scope and
// released when the environment closes.
package harness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"flowtest/internal/config"
	"flowtest/internal/containers"
	"flowtest/internal/dependency"
	"flowtest/internal/overlay"
	"flowtest/internal/process"
	"flowtest/internal/query"
	"flowtest/internal/resultset"
	"flowtest/internal/scope"
	"flowtest/internal/serverapi"
	"flowtest/internal/workspace"
	"flowtest/pkg/logging"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"
)

// Options configures Start. Nil collaborators are built from Settings.
type Options struct {
	Settings config.Settings
	// APIs replaces Settings.Server.APIs when set.
	APIs []string
	// Override is merged into the server config after everything else.
	Override overlay.Tree

	Runtime    containers.Runtime
	Manager    process.Manager
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Environment is a running server and the clients to drive it.
type Environment struct {
	Settings     config.Settings
	Workspace    *workspace.Workspace
	BridgeHost   string
	ServerConfig overlay.Tree
	Server       *process.Handle
	Runtime      containers.Runtime
	Lifecycle    *containers.Lifecycle
	Runner       *query.Runner
	API          *serverapi.Client

	scope *scope.Scope
	clock clock.Clock
}

// newRuntime builds the configured container runtime.
var newRuntime = func(ctx context.Context, name string) (containers.Runtime, io.Closer, error) {
	switch name {
	case config.RuntimeTestcontainers:
		rt, err := containers.NewTestcontainersRuntime(ctx)
		if err != nil {
			return nil, nil, err
		}
		return rt, rt, nil
	default:
		rt, err := containers.NewDockerRuntime()
		if err != nil {
			return nil, nil, err
		}
		return rt, rt, nil
	}
}

// Start brings the environment up. If any step fails, everything acquired
// so far is released before the error is returned.
func Start(ctx context.Context, opts Options) (env *Environment, err error) {
	s := opts.Settings
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	env = &Environment{Settings: s, scope: scope.New(), clock: clk}
	defer func() {
		if err != nil {
			cleanupErr := env.scope.Close(context.WithoutCancel(ctx))
			err = multierr.Append(err, cleanupErr)
			env = nil
		}
	}()

	env.Workspace, err = workspace.New(workspace.Options{BaseDir: s.Workspace.BaseDir, Persistent: s.Workspace.Persistent})
	if err != nil {
		return env, err
	}
	env.scope.Defer("workspace", func(context.Context) error { return env.Workspace.Close() })
	logging.Info("Harness", "Workspace at %s", env.Workspace.Root())

	env.Runtime = opts.Runtime
	if env.Runtime == nil {
		rt, closer, err := newRuntime(ctx, s.Containers.Runtime)
		if err != nil {
			return env, fmt.Errorf("failed to connect to container runtime: %w", err)
		}
		env.Runtime = rt
		env.scope.Defer("container runtime", func(context.Context) error { return closer.Close() })
	}
	env.Lifecycle = containers.NewLifecycle(env.Runtime, clk)

	bridge := containers.BridgeOptions{Override: s.Containers.BridgeHost, Interface: s.Containers.BridgeInterface}
	if inspector, ok := env.Runtime.(containers.GatewayInspector); ok {
		bridge.Inspector = inspector
	}
	env.BridgeHost, err = containers.BridgeAddress(ctx, bridge)
	if err != nil {
		return env, err
	}

	base, err := BaseServerConfig(s.Server)
	if err != nil {
		return env, err
	}
	env.ServerConfig = EffectiveServerConfig(base, env.Workspace, env.BridgeHost, s.Server.Override, opts.Override)
	if err = overlay.WriteFile(env.Workspace.ConfigPath(), env.ServerConfig); err != nil {
		return env, err
	}

	readinessURL, err := ReadinessURL(env.ServerConfig)
	if err != nil {
		return env, err
	}
	supervisor := process.NewSupervisor(process.Options{
		ReadyInterval: s.Server.ReadyInterval,
		ReadyTimeout:  s.Server.ReadyTimeout,
		StopTimeout:   s.Server.StopTimeout,
		Clock:         clk,
		HTTPClient:    opts.HTTPClient,
		Manager:       opts.Manager,
	})
	h, startErr := supervisor.Start(ctx, process.StartRequest{
		Command:      ServerCommand(s.Server, opts.APIs, env.Workspace.ConfigPath()),
		Env:          ServerEnv(s.Server.Env),
		Dir:          s.Server.Dir,
		ReadinessURL: readinessURL,
	})
	if h != nil {
		env.Server = h
		env.scope.Defer("server", h.Stop)
	}
	if startErr != nil {
		return env, startErr
	}

	if err = env.wireClients(opts.HTTPClient); err != nil {
		return env, err
	}
	logging.Info("Harness", "Server ready (pid %d)", h.Pid())
	return env, nil
}

func (e *Environment) wireClients(httpClient *http.Client) error {
	s := e.Settings
	target, err := MySQLTarget(e.ServerConfig, s.Query.Database)
	if err != nil {
		return err
	}

	var executor query.Executor
	switch s.Query.Mode {
	case config.QueryModeDirect:
		direct, err := query.OpenDirect(target)
		if err != nil {
			return err
		}
		e.scope.Defer("mysql connection", func(context.Context) error { return direct.Close() })
		executor = direct
	default:
		executor = query.NewContainerExecutor(e.Runtime, e.Workspace, s.Query.ClientImage, target)
	}
	e.Runner = query.NewRunner(executor)

	httpRoot, err := HTTPRoot(e.ServerConfig)
	if err != nil {
		return err
	}
	e.API = serverapi.New(serverapi.Options{
		Querier:           e.Runner,
		HTTPRoot:          httpRoot,
		HTTPClient:        httpClient,
		Clock:             e.clock,
		FileInterval:      s.Poll.FileInterval,
		FileTimeout:       s.Poll.FileTimeout,
		PredictorInterval: s.Poll.PredictorInterval,
		PredictorTimeout:  s.Poll.PredictorTimeout,
	})
	return nil
}

// ForTest starts an environment that is closed when t finishes.
func ForTest(t testing.TB, opts Options) *Environment {
	t.Helper()
	env, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("failed to start environment: %v", err)
	}
	t.Cleanup(func() {
		if err := env.Close(context.Background()); err != nil {
			t.Errorf("environment cleanup failed: %v", err)
		}
	})
	return env
}

// Query runs q through the environment's query runner.
func (e *Environment) Query(ctx context.Context, q string) (*resultset.ResultSet, error) {
	return e.Runner.Query(ctx, q)
}

// Client is the server API client.
func (e *Environment) Client() *serverapi.Client { return e.API }

// Defer registers fn to run when the environment closes.
func (e *Environment) Defer(name string, fn scope.Finalizer) {
	e.scope.Defer(name, fn)
}

// ProvisionPostgres starts the postgres dependency and stops it when the
// environment closes.
func (e *Environment) ProvisionPostgres(ctx context.Context) (*dependency.Postgres, error) {
	p := e.Settings.Postgres
	pg, err := dependency.ProvisionPostgres(ctx, e.Lifecycle, dependency.PostgresOptions{
		Image:            p.Image,
		HostPort:         p.HostPort,
		User:             p.User,
		Password:         p.Password,
		Database:         p.Database,
		ReadyMarker:      p.ReadyMarker,
		ReadyOccurrences: p.ReadyOccurrences,
		ReadyTimeout:     p.ReadyTimeout,
		Host:             e.BridgeHost,
		Clock:            e.clock,
	})
	if err != nil {
		return nil, err
	}
	e.scope.Defer("postgres", pg.Stop)

	if p.Verify {
		if err := pg.Verify(ctx); err != nil {
			return nil, err
		}
	}
	return pg, nil
}

// Provision starts the named dependency and returns it as a datasource.
func (e *Environment) Provision(ctx context.Context, name string) (serverapi.Datasource, error) {
	switch name {
	case "postgres":
		pg, err := e.ProvisionPostgres(ctx)
		if err != nil {
			return serverapi.Datasource{}, err
		}
		return pg.Datasource(), nil
	default:
		return serverapi.Datasource{}, fmt.Errorf("unknown dependency %q", name)
	}
}

// Close releases everything in reverse acquisition order. Later calls are
// no-ops.
func (e *Environment) Close(ctx context.Context) error {
	return e.scope.Close(ctx)
}
