// Package cli holds the engine's command line entrypoints.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Helpdesk ticket lifecycle and SLA engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newSLACommand())
	root.AddCommand(newTokenCommand())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
