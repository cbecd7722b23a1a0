// Command edge-ban-sync runs the decision-feed-to-edge-surface bouncer
// daemon, grounded on internal/command/command.go's cobra subcommand
// registration style (the teacher wraps cobra through Caddy's caddycmd;
// this binary has no host framework to wrap, so it drives cobra directly).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/version"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "edge-ban-sync",
		Short:   "Projects CrowdSec decisions onto CDN, edge-WAF, and Fastly surfaces",
		Version: version.Current(),
		RunE:    cmdRun,
	}

	root.PersistentFlags().StringP("config", "c", "", "Configuration file to load")
	root.PersistentFlags().Bool("dryrun", false, "Run preflight checks and initial hydration, then exit without ticking")

	root.AddCommand(newStatusCommand())
	root.AddCommand(newHealthCommand())
	root.AddCommand(newCheckCommand())
	root.AddCommand(newGenerateFastlyConfigCommand())
	root.AddCommand(newCleanupCommand())
	root.AddCommand(newRunCommand())

	return root
}
