// Package main implements the phaseflow CLI: the orchestration server plus
// client commands that talk to it over HTTP.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phaseflow/internal/monitor"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	serverURL  string
	configPath string
}

func (o *rootOptions) client() *monitor.Client {
	return monitor.NewClient(o.serverURL)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "phaseflow",
		Short: "Multi-phase task orchestration",
		Long: `phaseflow runs pipelines of task phases. Each phase fans out to workers or
walks its tasks in order with remediation, and hands an immutable artifact to
the phases that depend on it.

Run "phaseflow serve" to start the engine, then use the other commands to
submit and inspect runs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:9090", "phaseflow server URL")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/phaseflow/config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newValidateCmd(),
		newPipelinesCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newArtifactCmd(opts),
		newPendingCmd(opts),
		newAckCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "phaseflow by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
