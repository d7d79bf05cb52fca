package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the hotmod application
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hotmod",
		Short: "Hotmod - dynamic module orchestrator with hot-swap and remote sync",
		Long: `Hotmod hosts a dynamic module registry with dependency-ordered loading,
live hot-swapping, durable module state, and a duplex sync channel for
remote controllers.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hotmod v%s (commit: %s, built on: %s)\n", Version, Commit, Date)
		},
	}
}
