package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/cmd/pulsed/commands"
	"github.com/teranos/pulsed/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulsed",
	Short: "pulsed - distributed job scheduler",
	Long: `pulsed - distributed job scheduler

Runs HTTP, sink and in-process jobs on point-in-time, interval and cron
schedules. Replicas share a job store and elect one leader to fire timers.

Available commands:
  serve  - Run the scheduler and admin API
  jobs   - List, create and cancel jobs
  am     - Show and initialize configuration
  db     - Apply database migrations
  version

Examples:
  pulsed serve                       # Run with pulsed.toml from the usual places
  pulsed jobs ls --status SCHEDULED  # Jobs waiting to fire
  pulsed jobs create --file job.toml # Schedule through a running instance
  pulsed am show --format json       # Effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Printing commands keep stdout clean
		switch cmd.Name() {
		case "show", "version", "init":
			return nil
		}

		cfg, err := am.Load()
		if err != nil {
			return err
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if verbosity == 0 {
			verbosity = cfg.Log.Verbosity
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs || cfg.Log.JSON, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
