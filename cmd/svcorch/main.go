package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr, os.Args[1:])
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out, errOut io.Writer, args []string) *cobra.Command {
	globalFlags := &GlobalFlags{}
	svcCommand := &command{global: globalFlags, out: out, err: errOut, args: args}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(args)

	root.AddCommand(
		createServeCommand(svcCommand, globalFlags),
		createUpCommand(svcCommand, globalFlags),
		createValidateCommand(svcCommand, globalFlags),
		createStatusCommand(svcCommand),
		createOperationCommand(svcCommand, "start", "Start a service and wait until it is ready"),
		createOperationCommand(svcCommand, "stop", "Stop a running service"),
		createOperationCommand(svcCommand, "force-stop", "Terminate a service and free its port"),
		createStartAllCommand(svcCommand),
		createStopAllCommand(svcCommand),
		createLogsCommand(svcCommand),
		createPortCommand(svcCommand),
		createHistoryCommand(svcCommand),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svcorch",
		Short: "Local service orchestrator",
		Long: `svcorch starts a fixed set of local services, waits for them to become
healthy and keeps a journal of everything they print.

Examples:
  svcorch up svcorch.toml             # run in the foreground, start everything
  svcorch serve svcorch.toml -d       # run as a background daemon
  svcorch status
  svcorch start rag-server
  svcorch logs rag-server --follow
  svcorch status --api-url=http://remote:7070/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from the config server section or http://127.0.0.1:7070/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "request timeout; starts wait for readiness")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of text")

	return root
}

// configArg resolves the config path from a positional argument or --config.
func configArg(global *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return global.ConfigPath
}

func addServeFlags(cmd *cobra.Command, f *ServeFlags) {
	cmd.Flags().BoolVarP(&f.Daemonize, "daemonize", "d", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	cmd.Flags().DurationVar(&f.Grace, "grace", 30*time.Second, "time allowed to stop services on shutdown")
}

// createServeCommand creates the serve subcommand
func createServeCommand(c *command, global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the orchestrator daemon with its HTTP API",
		Long: `Run the orchestrator daemon. Services are registered from the config file
and started on request through the API, or all at once with --start-all.

Examples:
  svcorch serve svcorch.toml
  svcorch serve --config=svcorch.toml --start-all
  svcorch serve svcorch.toml --daemonize --pidfile=/tmp/svcorch.pid --logfile=/tmp/svcorch.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = configArg(global, args)
			return c.Serve(cmd.Context(), *f, false)
		},
	}
	cmd.Flags().BoolVar(&f.StartAll, "start-all", false, "start every service in order after the API is up")
	addServeFlags(cmd, f)
	return cmd
}

// createUpCommand creates the up subcommand: serve, start everything, and
// print the journal to stdout.
func createUpCommand(c *command, global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{StartAll: true}
	cmd := &cobra.Command{
		Use:   "up [config]",
		Short: "Start every service and follow the journal in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = configArg(global, args)
			return c.Serve(cmd.Context(), *f, true)
		},
	}
	cmd.Flags().DurationVar(&f.Grace, "grace", 30*time.Second, "time allowed to stop services on shutdown")
	return cmd
}

func createValidateCommand(c *command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a config file without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate(configArg(global, args))
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show the status of one or all services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd.Context(), name)
		},
	}
}

// createOperationCommand creates start, stop and force-stop.
func createOperationCommand(c *command, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Operate(cmd.Context(), verb, args[0])
		},
	}
}

func createStartAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start every service in order; stops the started ones on failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartAll(cmd.Context())
		},
	}
}

func createStopAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every service in reverse order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context())
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print the journal of a service",
		Long: `Print the journal of a service.

Examples:
  svcorch logs rag-server
  svcorch logs rag-server --since=120 --follow
  svcorch logs rag-server --clear`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().Uint64Var(&f.Since, "since", 0, "only entries with a sequence number above this")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep streaming new entries")
	cmd.Flags().BoolVar(&f.Clear, "clear", false, "clear the journal of the service instead of printing it")
	return cmd
}

func createPortCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "port <name>",
		Short: "Check whether the port of a service is in use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Port(cmd.Context(), args[0])
		},
	}
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show recorded lifecycle events of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of events")
	return cmd
}
