package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/aibuddy/internal/planner"
)

// NewValidatePlanCommand creates and returns the validate-plan subcommand
func NewValidatePlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-plan <plan-file>",
		Short: "Check a JSON plan for structural errors",
		Long: `Parse a JSON implementation plan and check it for:
  - Missing step ids, titles or types
  - Unknown step types
  - Duplicate step ids
  - Dependencies on unknown steps or on the step itself
  - Dependency cycles

The execution order is printed for valid plans.

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report := planner.ValidatePlan(plan)
			if !report.Valid {
				fmt.Fprintf(out, "Plan %s is invalid:\n", args[0])
				for _, issue := range report.Issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
				return fmt.Errorf("plan has %d issue(s)", len(report.Issues))
			}

			fmt.Fprintf(out, "Plan %s is valid.\n", args[0])
			renderPlan(out, plan)
			return nil
		},
	}

	return cmd
}
