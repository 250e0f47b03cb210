package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowtest/internal/flows"
	"flowtest/internal/harness"

	"github.com/spf13/cobra"
)

var (
	runNames      []string
	runTags       []string
	runFailFast   bool
	runReportPath string
	runVerbose    bool
	runQuiet      bool
	runTimeout    time.Duration
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flow files or directories...]",
		Short: "Run declarative integration flows",
		Long: `Run loads YAML flows and runs each against its own environment: a
fresh workspace, the server started with the flow's APIs and config
overrides, and the dependencies the flow names. The environment is torn
down when the flow ends, whatever its outcome.

Example usage:
  flowtest run flows/                      # Run every flow below flows/
  flowtest run flows/ --tag postgres       # Run flows tagged postgres
  flowtest run flows/ --name file-upload   # Run a single flow
  flowtest run flows/ --fail-fast          # Stop after the first failure
  flowtest run flows/ --report reports/    # Also write a JSON report`,
		Args: cobra.MinimumNArgs(1),
		RunE: runFlows,
	}

	cmd.Flags().StringSliceVar(&runNames, "name", nil, "Run only flows with these names")
	cmd.Flags().StringSliceVar(&runTags, "tag", nil, "Run only flows with any of these tags")
	cmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Skip remaining flows after the first failure")
	cmd.Flags().StringVar(&runReportPath, "report", "", "Directory to save a detailed JSON report in")
	cmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print every step and its output")
	cmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print failures and a summary")
	cmd.Flags().DurationVar(&runTimeout, "timeout", time.Hour, "Overall run timeout")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	_ = cmd.RegisterFlagCompletionFunc("name", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		loaded, err := flows.Load(args...)
		if err != nil {
			return nil, cobra.ShellCompDirectiveDefault
		}
		names := make([]string, 0, len(loaded))
		for _, f := range loaded {
			names = append(names, f.Name)
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

// openEnvironment starts a harness environment for f.
func openEnvironment(ctx context.Context, f flows.Flow) (flows.Environment, error) {
	env, err := harness.Start(ctx, harness.Options{
		Settings: settings,
		APIs:     f.APIs,
		Override: f.OverrideConfig,
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func runFlows(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	loaded, err := flows.Load(args...)
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	var reporter flows.Reporter = flows.NewConsoleReporter(cmd.OutOrStdout(), runVerbose)
	if runQuiet {
		reporter = flows.NewQuietReporter(cmd.OutOrStdout())
	}

	result, err := flows.NewRunner(openEnvironment, reporter).Run(ctx, loaded, flows.RunOptions{
		Names:      runNames,
		Tags:       runTags,
		FailFast:   runFailFast,
		ReportPath: runReportPath,
		Verbose:    runVerbose,
	})
	if err != nil {
		return err
	}
	if result.Total == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No flows matched in %v\n", args)
		return nil
	}
	if !result.OK() {
		return fmt.Errorf("%d of %d flows did not pass", result.Failed+result.Errors, result.Total)
	}
	return nil
}
