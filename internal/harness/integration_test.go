//go:build integration

package harness

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"flowtest/internal/config"
	"flowtest/internal/overlay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server and Docker. The server command comes from the
// usual settings layers, e.g. FLOWTEST_SERVER__COMMAND.
func TestPostgresDatasourceFlow(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
	if os.Getenv("FLOWTEST_SERVER__COMMAND") == "" {
		t.Skip("FLOWTEST_SERVER__COMMAND not set")
	}

	s, err := config.Load("", nil)
	require.NoError(t, err)

	env := ForTest(t, Options{
		Settings: s,
		APIs:     []string{"http", "mysql"},
		Override: overlay.Tree{"integrations": overlay.Tree{}},
	})
	ctx := context.Background()

	require.NoError(t, env.API.Ping(ctx))

	pg, err := env.ProvisionPostgres(ctx)
	require.NoError(t, err)
	require.NoError(t, pg.Verify(ctx))

	ds := pg.Datasource()
	require.NoError(t, env.API.CreateDatasource(ctx, ds))

	rec, err := env.API.ValidateDatasource(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, "POSTGRES", rec["name"])
}
