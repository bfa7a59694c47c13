// Package cmd provides the gtwatch CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "gtwatch",
	Short:   "Gas Town fleet watcher",
	Version: Version,
	Long: `gtwatch observes a Gas Town workspace: it polls rig, agent, bead,
and hook state, tails event feeds and logs, and serves the dashboard
over HTTP and WebSocket.`,
}

// Execute runs the root command and returns an exit code. The caller
// (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		// Errors already printed by cobra.
		return 1
	}
	return 0
}
