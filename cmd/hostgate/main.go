// Command hostgate runs the host-control MCP server behind its confirmation
// gate and security policy, and carries the operator tooling around it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "hostgate",
		Short: "Host-control MCP server with a confirmation gate",
		Long: `hostgate exposes file, process, network and desktop tools to MCP
clients. Destructive tools return a one-time token that must be confirmed
before anything happens, and every path, URL and launch target is checked
against a security policy first.

Running hostgate without a subcommand is the same as 'hostgate serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "hostgate.json", "Path to the config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCheckCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newAuditCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newServiceCmd(opts))
	root.AddCommand(newVersionCmd(opts))
	return root
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.stdout, "hostgate %s (built %s)\n", version, buildTime)
		},
	}
}
