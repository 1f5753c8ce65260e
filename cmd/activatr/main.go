package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands writing to stdout
// and stderr.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{global: globalFlags, stdout: stdout, stderr: stderr}

	root := createRootCommand(globalFlags)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		createStartOrAttachCommand(cmd),
		createSetReadyCommand(cmd),
		createAttachCommand(cmd),
		createDetachCommand(cmd),
		createListCommand(cmd),
		createPruneCommand(cmd),
		createStateDirCommand(cmd),
		createServeCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "activatr",
		Short: "Coordinate concurrent activations of an environment",
		Long: `Activatr makes sure exactly one process performs the startup work of an
environment build while every other caller waits for it and attaches.

Examples:
  eval "$(activatr start-or-attach --env ./myenv --store-path /nix/store/abc-env)"
  activatr set-ready --env ./myenv --id "$ACTIVATION_ID"
  activatr list --env ./myenv
  activatr serve                    # read-only inspection API`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

func createStartOrAttachCommand(c command) *cobra.Command {
	f := &StartOrAttachFlags{}
	cmd := &cobra.Command{
		Use:   "start-or-attach",
		Short: "Start a new activation or attach to a running one",
		Long: `Start a new activation of the build or attach to an existing one and print
shell assignments (ATTACHED, ACTIVATION_STATE_DIR, ACTIVATION_ID,
ACTIVE_ENVIRONMENTS) for the caller to eval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.StartOrAttach(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", os.Getppid(), "pid of the activating process (defaults to the parent)")
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	cmd.Flags().StringVar(&f.StorePath, "store-path", "", "build identity of the environment")
	return cmd
}

func createSetReadyCommand(c command) *cobra.Command {
	f := &RecordFlags{}
	cmd := &cobra.Command{
		Use:   "set-ready",
		Short: "Mark an activation's startup work as complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.SetReady(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	cmd.Flags().StringVar(&f.ID, "id", "", "activation id")
	return cmd
}

func createAttachCommand(c command) *cobra.Command {
	f := &RecordFlags{}
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a process to an activation by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Attach(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	cmd.Flags().StringVar(&f.ID, "id", "", "activation id")
	cmd.Flags().IntVar(&f.PID, "pid", os.Getppid(), "pid to attach (defaults to the parent)")
	return cmd
}

func createDetachCommand(c command) *cobra.Command {
	f := &RecordFlags{}
	cmd := &cobra.Command{
		Use:   "detach",
		Short: "Detach a process from an activation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Detach(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	cmd.Flags().StringVar(&f.ID, "id", "", "activation id")
	cmd.Flags().IntVar(&f.PID, "pid", os.Getppid(), "pid to detach (defaults to the parent)")
	return cmd
}

func createListCommand(c command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the activations of an environment as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "query a running 'activatr serve' instead of the local registry (e.g. http://127.0.0.1:8089/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an HTTPS API")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	return cmd
}

func createPruneCommand(c command) *cobra.Command {
	f := &EnvFlags{}
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove activations whose processes are all gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Prune(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	return cmd
}

func createStateDirCommand(c command) *cobra.Command {
	f := &RecordFlags{}
	cmd := &cobra.Command{
		Use:   "state-dir",
		Short: "Print the state directory of an activation",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.StateDir(*f)
		},
	}
	cmd.Flags().StringVar(&f.Env, "env", "", "environment path")
	cmd.Flags().StringVar(&f.ID, "id", "", "activation id")
	return cmd
}

func createServeCommand(c command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only activation inspection API",
		Long: `Serve the read-only HTTP API for inspecting activations.
Listen address and base path default to the [server] section of the config.

Examples:
  activatr serve
  activatr serve --listen 127.0.0.1:9000 --metrics-listen :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "separate /metrics listen address (overrides metrics.listen)")
	cmd.Flags().DurationVar(&f.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful shutdown timeout")
	return cmd
}
