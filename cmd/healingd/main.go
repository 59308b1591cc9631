// Healingd is a self-healing incident remediation orchestrator.
//
// It accepts failure signals from GitHub and monitoring systems, asks a
// model for a fix, validates the fix in a container sandbox, ships it as a
// pull request and verifies that the problem cleared.
//
// Usage:
//
//	# Run the orchestrator
//	healingd serve --config /etc/healingd/config.yaml
//
//	# Run the durable deployment worker (temporal.enabled: true)
//	healingd worker
//
//	# Inspect a running instance
//	healingd sessions list
//	healingd reports list --outcome escalated
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the YAML configuration file. Empty uses the default.
	configPath string
	// serverURL is the base URL of a running healingd for the read commands.
	serverURL string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "healingd",
		Short: "Self-healing incident remediation orchestrator",
		Long: `healingd turns CI, deployment and monitoring failures into validated,
reviewed fixes. Signals are correlated into healing sessions that reason,
validate in a sandbox, deploy through a pull request and verify.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/healingd/config.yaml)")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "healingd server URL")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newReportsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "healingd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
