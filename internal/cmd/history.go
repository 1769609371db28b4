package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/aibuddy/internal/history"
	"github.com/harrison/aibuddy/internal/models"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List finished runs or show one run in detail",
		Long: `Without arguments, list recent runs recorded in the project's run history
(newest first). With a run id, show that run's plan and every step attempt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().String("project", "", "Project directory (default: current directory)")
	cmd.Flags().String("config", "", "Path to config file (default: <project>/.ai-buddy/config.yaml)")
	cmd.Flags().String("task", "", "Only show runs of this task id")
	cmd.Flags().String("status", "", "Only show runs with this status")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 = all)")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	projectPath, err := resolveProject(cmd, "")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, projectPath)
	if err != nil {
		return err
	}
	store, err := openHistory(cfg, projectPath)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		run, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRun(out, run)
		return nil
	}

	taskID, _ := cmd.Flags().GetString("task")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.ListRuns(cmd.Context(), history.ListOptions{
		TaskID: taskID,
		Status: models.RunStatus(status),
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTASK\tSTATUS\tSTEPS\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			r.RunID, r.TaskID, r.Status, r.CompletedSteps, r.TotalSteps,
			r.FinishedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *models.RunRecord) {
	fmt.Fprintf(w, "Run:      %s\n", run.RunID)
	fmt.Fprintf(w, "Task:     %s", run.TaskID)
	if run.Title != "" {
		fmt.Fprintf(w, " (%s)", run.Title)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Project:  %s\n", run.ProjectPath)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Steps:    %d total, %d completed, %d failed\n", run.TotalSteps, run.CompletedSteps, run.FailedSteps)
	fmt.Fprintf(w, "Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.Error)
	}

	renderPlan(w, run.Plan)

	if len(run.Results) == 0 {
		return
	}
	fmt.Fprintln(w, "Attempts:")
	for _, r := range run.Results {
		fmt.Fprintf(w, "  %s #%d: %s (%s)\n", r.StepID, r.Attempt, r.Status, r.Duration.Round(time.Millisecond))
		for _, c := range r.Changes {
			fmt.Fprintf(w, "    %s %s\n", c.ChangeType, c.Path)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", r.Error)
		}
	}
}
