package cmd

import (
	"os"

	"flowtest/internal/color"
	"flowtest/internal/config"
	"flowtest/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	settings config.Settings
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowtest",
	Short: "Run integration flows against a freshly started server",
	Long: `flowtest starts the server under test with a generated config in a
disposable workspace, provisions dependency containers such as the postgres
handler database, and drives the server over its SQL and HTTP APIs.

Settings are read from ~/.config/flowtest/config.yaml, .flowtest/config.yaml,
the file named by --config, FLOWTEST_ environment variables and flags, each
layer overriding the previous one.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. failed flows, unreachable server)
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		settings = s
		color.Initialize(os.Getenv("FLOWTEST_THEME") != "light")
		logging.InitForCLI(logging.ParseLevel(s.Log.Level), cmd.ErrOrStderr())
		return nil
	},
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "flowtest version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (YAML)")
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newConfigCmd())
}
