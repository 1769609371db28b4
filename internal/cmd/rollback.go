package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/aibuddy/internal/config"
	"github.com/harrison/aibuddy/internal/filelock"
	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/rollback"
)

// NewRollbackCommand creates the rollback command
func NewRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback --task <task-id>",
		Short: "Reverse the changes a failed run left behind",
		Long: `Restore the files changed by a run that could not roll itself back
(status failed_unrecoverable) or was interrupted. Changes are read from
<project>/.ai-buddy/backups/<task-id>/changes.json and reversed newest first.`,
		Args: cobra.NoArgs,
		RunE: runRollback,
	}

	cmd.Flags().String("task", "", "Task id whose changes should be reversed (required)")
	cmd.Flags().String("project", "", "Project directory (default: current directory)")
	cmd.Flags().String("config", "", "Path to config file (default: <project>/.ai-buddy/config.yaml)")
	cmd.Flags().Bool("list", false, "Only list the pending changes")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func runRollback(cmd *cobra.Command, args []string) error {
	taskID, _ := cmd.Flags().GetString("task")
	listOnly, _ := cmd.Flags().GetBool("list")

	projectPath, err := resolveProject(cmd, "")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, projectPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	log := logger.NewConsoleLogger(out, cfg.LogLevel)

	mgr, err := rollback.Load(fsys.NewOS(), projectPath, config.StateDirName, taskID, log)
	if err != nil {
		if fsys.IsNotFound(err) {
			fmt.Fprintf(out, "No pending changes for task %s.\n", taskID)
			return nil
		}
		return err
	}

	changes := mgr.Changes()
	if listOnly {
		fmt.Fprintf(out, "%d pending change(s) for task %s:\n", len(changes), taskID)
		for _, c := range changes {
			fmt.Fprintf(out, "  %-6s %s\n", c.ChangeType, c.Path)
		}
		return nil
	}

	if cfg.LockProject {
		lock := filelock.NewProjectLock(projectPath, config.StateDirName)
		if err := lock.TryAcquire(); err != nil {
			if errors.Is(err, filelock.ErrLocked) {
				return fmt.Errorf("another run holds the project lock: %w", err)
			}
			return err
		}
		defer lock.Release()
	}

	if err := mgr.RollbackAll(); err != nil {
		return fmt.Errorf("rollback of task %s incomplete: %w", taskID, err)
	}
	mgr.Cleanup()
	fmt.Fprintf(out, "Rolled back %d change(s) for task %s.\n", len(changes), taskID)
	return nil
}
