package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for aibuddy
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aibuddy",
		Short: "Plan, apply and verify code changes for a task",
		Long: `aibuddy turns a task description into a reviewed plan of file and
command steps, applies it to a project with per-step validation, and rolls
every change back when a step cannot be completed.

Configuration is loaded from <project>/.ai-buddy/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewImplementCommand())
	cmd.AddCommand(NewValidatePlanCommand())
	cmd.AddCommand(NewRollbackCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
