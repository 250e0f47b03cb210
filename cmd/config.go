package cmd

import (
	"fmt"

	"flowtest/internal/containers"
	"flowtest/internal/harness"
	"flowtest/internal/workspace"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configShowSettings bool

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the server config a run would use",
		Long: `Config prints the effective server config: the base config with the
workspace storage paths, the bridge host and the settings overrides applied.
With --settings it prints the loaded flowtest settings instead.

The workspace is created to resolve its paths and removed again.`,
		Args: cobra.NoArgs,
		RunE: runConfig,
	}
	cmd.Flags().BoolVar(&configShowSettings, "settings", false, "Print the loaded settings as YAML")
	return cmd
}

func runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if configShowSettings {
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(settings)
	}

	base, err := harness.BaseServerConfig(settings.Server)
	if err != nil {
		return err
	}
	bridgeHost, err := containers.BridgeAddress(cmd.Context(), containers.BridgeOptions{
		Override:  settings.Containers.BridgeHost,
		Interface: settings.Containers.BridgeInterface,
	})
	if err != nil {
		return err
	}

	ws, err := workspace.New(workspace.Options{BaseDir: settings.Workspace.BaseDir, Persistent: settings.Workspace.Persistent})
	if err != nil {
		return err
	}
	defer ws.Close()

	cfg := harness.EffectiveServerConfig(base, ws, bridgeHost, settings.Server.Override)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode server config: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
