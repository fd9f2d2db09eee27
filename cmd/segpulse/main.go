package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/cmd/segpulse/commands"
	"github.com/teranos/segpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "segpulse",
	Short: "segpulse - bounded-retry segment job processor",
	Long: `segpulse - bounded-retry segment job processor.

segpulse creates Klaviyo segments in batches. Each job carries a list of
segment definition ids; failed items are retried after a delay until the
retry budget runs out, and a completion notice fires once per job.

Available commands:
  serve  - Run workers, retry sweeper, job poller and the HTTP/WebSocket API
  jobs   - Submit, inspect, cancel and watch segment jobs
  db     - Migrate and clean up the job database
  am     - Show and edit configuration ("I am")

Examples:
  segpulse serve                      # Start everything with am.toml settings
  segpulse jobs submit vip lapsed     # Queue a job for two definitions
  segpulse jobs ls --active           # List jobs still in flight
  segpulse jobs watch                 # Follow jobs until Ctrl+C
  segpulse am show                    # Show the effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
			logger.SetVerbosity(verbosity)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")
	commands.AddDatabaseFlag(rootCmd)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
