package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"flowtest/internal/harness"
	"flowtest/internal/resultset"
	"flowtest/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	queryFormat string
	queryAPIs   []string
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Start the server and run one SQL statement against it",
		Long: `Query starts an environment, sends the statement over the MySQL API
and prints the result. The environment is torn down afterwards.

Example usage:
  flowtest query "SHOW DATABASES;"
  flowtest query --format json "SELECT * FROM mindsdb.datasources;"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runQuery,
	}
	cmd.Flags().StringVarP(&queryFormat, "format", "o", string(resultset.FormatTable), "Output format (table, tsv, json)")
	cmd.Flags().StringSliceVar(&queryAPIs, "api", nil, "APIs to start the server with (default from settings)")
	_ = cmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"table", "tsv", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) (err error) {
	format, err := resultset.ParseFormat(queryFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := harness.Start(ctx, harness.Options{Settings: settings, APIs: queryAPIs})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := env.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logging.Error("Query", closeErr, "Cleanup failed")
			if err == nil {
				err = closeErr
			}
		}
	}()

	rs, err := env.Query(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return resultset.Render(cmd.OutOrStdout(), rs, format)
}
