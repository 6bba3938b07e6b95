package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Detach  bool
	PidFile string
	LogFile string
}

// buildRoot creates the root command and attaches all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(cmd),
		createServeCommand(cmd),
		createStatusCommand(cmd),
		createDownCommand(cmd),
		createLogsCommand(cmd),
		createDiagCommand(cmd),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidekeep",
		Short: "Sidecar supervision and state synchronization tool",
		Long: `Sidekeep supervises a local sidecar process: it spawns or adopts the
process, exchanges the rotating credential, healthchecks it, and keeps
connection and session state synchronized across concurrently running
windows.

Examples:
  sidekeep up --config=sidekeep.toml      # Acquire a healthy sidecar once
  sidekeep serve --config=sidekeep.toml   # Resident supervision + status API
  sidekeep status                         # Show sidecar and supervisor state
  sidekeep down                           # Terminate the recorded sidecar`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createUpCommand creates the up subcommand.
func createUpCommand(cmd command) *cobra.Command {
	var timeout time.Duration
	up := &cobra.Command{
		Use:   "up",
		Short: "Acquire a healthy sidecar once",
		Long: `Run one supervisory attempt: spawn or adopt the sidecar, exchange the
rotating credential, healthcheck it and connect the event channel. Prints the
resulting handle as JSON.

Examples:
  sidekeep up
  sidekeep up --config=sidekeep.toml --timeout=1m`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Up(timeout)
		},
	}
	up.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall acquire deadline")
	return up
}

// createServeCommand creates the serve subcommand.
func createServeCommand(cmd command) *cobra.Command {
	serveFlags := &ServeFlags{}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run resident supervision",
		Long: `Keep the sidecar supervised until interrupted: one acquire attempt up
front, self-healing on channel disconnects, and the loopback status API when
[server] is enabled in the config.

Examples:
  sidekeep serve --config=sidekeep.toml
  sidekeep serve --config=sidekeep.toml --detach`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Serve(serveFlags)
		},
	}
	serve.Flags().BoolVar(&serveFlags.Detach, "detach", false, "run in the background, detached from the terminal")
	serve.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "where --detach records the daemon pid (default StateDir/sidekeep.pid)")
	serve.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect the detached daemon's stdout/stderr to a file")
	return serve
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(cmd command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sidecar and supervisor state",
		Long: `Report the resident daemon's view when its status API answers, falling
back to the recorded process handle.

Examples:
  sidekeep status
  sidekeep status --config=sidekeep.toml`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Status()
		},
	}
}

// createDownCommand creates the down subcommand.
func createDownCommand(cmd command) *cobra.Command {
	var timeout time.Duration
	down := &cobra.Command{
		Use:   "down",
		Short: "Terminate the recorded sidecar",
		Long: `Terminate the sidecar recorded in the handle file: a soft signal first,
escalating to a hard kill if it refuses to exit.

Examples:
  sidekeep down
  sidekeep down --timeout=10s`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Down(timeout)
		},
	}
	down.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall termination deadline")
	return down
}

// createLogsCommand creates the logs subcommand.
func createLogsCommand(cmd command) *cobra.Command {
	var follow bool
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Print the sidecar's log file",
		Long: `Print the sidecar's own log file, optionally following appended output
until interrupted.

Examples:
  sidekeep logs
  sidekeep logs -f`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Logs(follow)
		},
	}
	logs.Flags().BoolVarP(&follow, "follow", "f", false, "follow appended output")
	return logs
}

// createDiagCommand creates the diag subcommand.
func createDiagCommand(cmd command) *cobra.Command {
	var limit int
	diag := &cobra.Command{
		Use:   "diag",
		Short: "Show recent diagnostic records",
		Long: `Print the most recent diagnostic records (lifecycle transitions, fatal
supervision failures, captured sidecar log lines). Requires the sqlite diag
backend.

Examples:
  sidekeep diag
  sidekeep diag -n 50`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Diag(limit)
		},
	}
	diag.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return diag
}

// createVersionCommand creates the version subcommand.
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sidekeep version",
		RunE: func(c *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
