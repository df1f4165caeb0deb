package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mongovisr/internal/driver/mongodriver"
	"github.com/loykin/mongovisr/pkg/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConnectOnly bool
}

// APIFlags holds flags for commands that talk to a running daemon.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Wait       time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, &ServeFlags{}),
		createStatusCommand(apiFlags),
		createShutdownCommand(apiFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mongovisr",
		Short: "mongod supervisor and connection manager",
		Long: `Mongovisr launches a local mongod, keeps a connection to it and
shuts it down cleanly when the application ends.

Examples:
  mongovisr serve config.toml               # launch mongod and connect
  mongovisr serve --connect-only config.toml
  mongovisr status --api-url=http://127.0.0.1:8080/api
  mongovisr shutdown`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Launch mongod, connect and serve the admin API",
		Long: `Launch mongod from the [mongod] table, connect to it and serve the
admin API until SIGINT or SIGTERM. On exit the database is shut down.

With --connect-only no process is launched; the configured url is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.ConnectOnly, "connect-only", false, "connect to an existing mongod instead of launching one")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultConfig().BaseURL, "admin API base URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "admin API request timeout")
}

func newAPIClient(f *APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

func createStatusCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection and process status of a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newAPIClient(f).Status(cmd.Context(), true)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createShutdownCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Shut mongod down through a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newAPIClient(f).Shutdown(cmd.Context(), f.Wait); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "mongod shut down")
			return nil
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "how long the daemon waits for mongod to exit")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mongovisr %s (mongo-driver %s)\n", version, mongodriver.Version())
		},
	}
}
