package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the rvm-cloud command tree. Serving is the default action.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "rvm-cloud",
		Short:         "RVM webhook ingestion and device state service",
		Long:          "rvm-cloud receives Tomra reverse vending machine notifications, logs every delivery and keeps the current state of each machine.",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newReplayCommand())
	root.AddCommand(newTokenCommand())
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
