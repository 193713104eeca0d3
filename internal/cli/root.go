// Package cli implements the aster command line interface. It is the
// stand-in for a browser page: it renders the conversation and observes
// the turn engine, but the engine never depends on it.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aster",
	Short: "aster - chat client for the clinical AI assistant",
	Long: `aster is a terminal client for the clinical AI assistant backend.

Running aster without arguments starts an interactive chat. A conversation
survives restarts: the current session is remembered, and a reply that was
still being generated when you left is picked up again on the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
