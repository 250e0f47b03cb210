package harness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flowtest/internal/config"
	"flowtest/internal/containers"
	"flowtest/internal/containers/containerstest"
	"flowtest/internal/dependency"
	"flowtest/internal/overlay"
	"flowtest/internal/process"
	"flowtest/internal/process/processtest"
	"flowtest/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pingServer answers the readiness probe once ready is set.
func pingServer(t *testing.T, ready *atomic.Bool) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/util/ping" && ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, u.Port()
}

func testSettings(t *testing.T, httpPort string) config.Settings {
	t.Helper()
	s, err := config.Defaults()
	require.NoError(t, err)
	s.Workspace.BaseDir = t.TempDir()
	s.Containers.BridgeHost = "127.0.0.1"
	s.Server.ReadyInterval = 10 * time.Millisecond
	s.Server.ReadyTimeout = 300 * time.Millisecond
	s.Server.StopTimeout = 100 * time.Millisecond
	s.Server.Override = map[string]any{"api": map[string]any{"http": map[string]any{"port": httpPort}}}
	s.Postgres.ReadyTimeout = 200 * time.Millisecond
	return s
}

func TestStart(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	_, port := pingServer(t, &ready)

	manager := &processtest.Manager{}
	rt := &containerstest.Runtime{
		RunFunc: func(spec containers.Spec) (containers.RunResult, error) {
			return containers.RunResult{Stdout: []byte("name\tengine\nPOSTGRES\tpostgres\n")}, nil
		},
	}

	env, err := Start(context.Background(), Options{
		Settings: testSettings(t, port),
		Override: overlay.Tree{"integrations": overlay.Tree{"files": overlay.Tree{"enabled": true}}},
		Runtime:  rt,
		Manager:  manager,
	})
	require.NoError(t, err)

	proc, cmd := manager.Last()
	require.NotNil(t, proc)
	assert.Equal(t, "python3", cmd.Path)
	assert.Equal(t, []string{"-m", "mindsdb", "--api=http,mysql", "--config=" + env.Workspace.ConfigPath(), "--verbose"}, cmd.Args)
	assert.Contains(t, cmd.Env, "CHECK_FOR_UPDATES=0")

	written, err := overlay.LoadFile(env.Workspace.ConfigPath())
	require.NoError(t, err)
	host, _ := overlay.String(written, "api.mysql.host")
	assert.Equal(t, "127.0.0.1", host)
	httpPort, _ := overlay.String(written, "api.http.port")
	assert.Equal(t, port, httpPort)
	storageDir, _ := overlay.String(written, "storage_dir")
	assert.Equal(t, env.Workspace.StorageDir(), storageDir)
	enabled, _ := overlay.Lookup(written, "integrations.files.enabled")
	assert.Equal(t, true, enabled)

	rs, err := env.Runner.Query(context.Background(), "SELECT * FROM mindsdb.datasources WHERE name='POSTGRES';")
	require.NoError(t, err)
	assert.True(t, rs.HasColumn("engine"))
	require.Len(t, rt.Runs, 1)
	assert.Equal(t, "mysql", rt.Runs[0].Image)
	assert.Equal(t, "http://127.0.0.1:"+port+"/api", env.API.HTTPRoot())

	root := env.Workspace.Root()
	require.NoError(t, env.Close(context.Background()))
	require.NoError(t, env.Close(context.Background()))
	assert.True(t, proc.Exited())
	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStart_ReadinessTimeoutReleasesEverything(t *testing.T) {
	var ready atomic.Bool
	_, port := pingServer(t, &ready)

	s := testSettings(t, port)
	manager := &processtest.Manager{}

	env, err := Start(context.Background(), Options{Settings: s, Runtime: &containerstest.Runtime{}, Manager: manager})
	require.Error(t, err)
	assert.Nil(t, env)
	assert.ErrorIs(t, err, process.ErrStartupTimeout)

	proc, _ := manager.Last()
	require.NotNil(t, proc)
	assert.True(t, proc.Exited(), "server is stopped")

	entries, err := os.ReadDir(s.Workspace.BaseDir + "/temp")
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace is removed")
}

func TestStart_InvalidSettings(t *testing.T) {
	s := testSettings(t, "1")
	s.Server.Command = nil
	manager := &processtest.Manager{}

	_, err := Start(context.Background(), Options{Settings: s, Runtime: &containerstest.Runtime{}, Manager: manager})
	require.Error(t, err)
	assert.Empty(t, manager.Started)
}

func TestProvisionPostgres(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	_, port := pingServer(t, &ready)

	rt := &containerstest.Runtime{
		LogsFunc: func(c *containerstest.Container, call int) []byte {
			return []byte(strings.Repeat(dependency.DefaultPostgresReadyMarker+"\n", 2))
		},
	}
	env := ForTest(t, Options{Settings: testSettings(t, port), Runtime: rt, Manager: &processtest.Manager{}})

	ds, err := env.Provision(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, "POSTGRES", ds.Name())
	assert.Equal(t, "127.0.0.1", ds.ConnectionData["host"])
	assert.Equal(t, "15432", ds.ConnectionData["port"])
	require.Len(t, rt.Live(), 1)

	_, err = env.Provision(context.Background(), "oracle")
	assert.Error(t, err)

	require.NoError(t, env.Close(context.Background()))
	assert.Empty(t, rt.Live())
}

func newTestWorkspace(t *testing.T, base string) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(workspace.Options{BaseDir: base})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestEffectiveServerConfig(t *testing.T) {
	s := testSettings(t, "47334")
	ws := newTestWorkspace(t, s.Workspace.BaseDir)

	base := config.DefaultServerConfig()
	base["integrations"] = map[string]any{"default_mariadb": map[string]any{"enabled": true}}
	override := overlay.Tree{"api": overlay.Tree{"mysql": overlay.Tree{"port": "47336"}}}

	cfg := EffectiveServerConfig(base, ws, "172.17.0.1", override)

	assert.Equal(t, overlay.Tree{}, cfg["integrations"], "integrations are reset")
	assert.Equal(t, ws.StorageDB(), cfg["storage_db"])
	for _, api := range []string{"http", "mysql"} {
		host, _ := overlay.String(cfg, "api."+api+".host")
		assert.Equal(t, "172.17.0.1", host, api)
	}
	port, _ := overlay.String(cfg, "api.mysql.port")
	assert.Equal(t, "47336", port)
	user, _ := overlay.String(cfg, "api.mysql.user")
	assert.Equal(t, "mindsdb", user, "unrelated keys survive")

	baseHost, _ := overlay.String(base, "api.http.host")
	assert.Equal(t, "127.0.0.1", baseHost, "base is not modified")
	_, hasStorage := base["storage_dir"]
	assert.False(t, hasStorage)
}

func TestServerCommand(t *testing.T) {
	s := config.ServerSettings{Command: []string{"python3", "-m", "mindsdb"}, APIs: []string{"http", "mysql"}}
	assert.Equal(t,
		[]string{"python3", "-m", "mindsdb", "--api=http", "--config=/w/config.json"},
		ServerCommand(s, []string{"http"}, "/w/config.json"))
}

func TestMySQLTarget(t *testing.T) {
	cfg := config.DefaultServerConfig()
	target, err := MySQLTarget(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:47335", target.Address())
	assert.Equal(t, "mindsdb", target.User)
	assert.Equal(t, "mindsdb", target.Database)

	_, err = MySQLTarget(overlay.Tree{}, "mindsdb")
	assert.Error(t, err)

	_, err = ReadinessURL(overlay.Tree{"api": overlay.Tree{"http": overlay.Tree{"host": "h"}}})
	assert.Error(t, err)
}

func TestBaseServerConfig(t *testing.T) {
	cfg, err := BaseServerConfig(config.ServerSettings{})
	require.NoError(t, err)
	port, _ := overlay.String(cfg, "api.http.port")
	assert.Equal(t, "47334", port)

	path := t.TempDir() + "/base.json"
	require.NoError(t, overlay.WriteFile(path, overlay.Tree{"api": overlay.Tree{"http": overlay.Tree{"port": "8080"}}}))
	cfg, err = BaseServerConfig(config.ServerSettings{BaseConfig: path})
	require.NoError(t, err)
	port, _ = overlay.String(cfg, "api.http.port")
	assert.Equal(t, "8080", port)

	_, err = BaseServerConfig(config.ServerSettings{BaseConfig: path + ".missing"})
	assert.Error(t, err)
}
