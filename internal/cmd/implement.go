package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harrison/aibuddy/internal/claude"
	"github.com/harrison/aibuddy/internal/config"
	"github.com/harrison/aibuddy/internal/engine"
	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/oracle"
	"github.com/harrison/aibuddy/internal/planner"
	"github.com/harrison/aibuddy/internal/process"
	"github.com/harrison/aibuddy/internal/vcs"
)

// NewImplementCommand creates the implement command
func NewImplementCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "implement <task-file>",
		Short: "Plan and apply a task to a project",
		Long: `Generate an implementation plan for the task described in a YAML file,
show it for review and apply it step by step. Every file change is backed up
and reversed if a step fails after its retries or the final tests fail.

The task file holds task_id, title, description, project_path and optional
acceptance_criteria, tech_stack, existing_files and related_files.

Examples:
  aibuddy implement task.yaml                  # review the plan interactively
  aibuddy implement task.yaml --yes            # apply without review
  aibuddy implement task.yaml --plan plan.json # use a prepared plan
  aibuddy implement task.yaml --dry-run        # report what would change`,
		Args: cobra.ExactArgs(1),
		RunE: runImplement,
	}

	cmd.Flags().String("config", "", "Path to config file (default: <project>/.ai-buddy/config.yaml)")
	cmd.Flags().String("project", "", "Project directory (default: project_path from the task file)")
	cmd.Flags().String("plan", "", "Use the plan in this JSON file instead of asking the oracle")
	cmd.Flags().BoolP("yes", "y", false, "Approve the plan without review")
	cmd.Flags().Bool("dry-run", false, "Report what each step would do without changing anything")
	cmd.Flags().Int("max-retries", 0, "Retries per failed step (default from config)")
	cmd.Flags().Bool("no-tests", false, "Skip the final project test run")
	cmd.Flags().Bool("commit", false, "Commit the changes when the run completes")
	cmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.Flags().String("log-dir", "", "Directory for run logs")
	cmd.Flags().String("nats-url", "", "Publish run events to this NATS server")

	return cmd
}

func runImplement(cmd *cobra.Command, args []string) error {
	tc, err := models.LoadTaskContext(args[0])
	if err != nil {
		return err
	}
	projectPath, err := resolveProject(cmd, tc.ProjectPath)
	if err != nil {
		return err
	}
	tc.ProjectPath = projectPath
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("invalid task file %s: %w", args[0], err)
	}

	cfg, err := loadConfig(cmd, projectPath)
	if err != nil {
		return err
	}
	cfg.MergeWithFlags(implementOverrides(cmd))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	sess := openSession(ctx, cfg, projectPath, out)
	defer sess.Close()

	orc := oracle.WithTimeout(claude.NewOracle(&claude.Invoker{
		ClaudePath: cfg.Oracle.ClaudePath,
		Model:      cfg.Oracle.Model,
	}), cfg.OracleTimeout)

	var pl engine.Planner = planner.New(orc, sess.log)
	if planPath, _ := cmd.Flags().GetString("plan"); planPath != "" {
		plan, err := loadPlanFile(planPath)
		if err != nil {
			return err
		}
		pl = &staticPlanner{plan: plan, refiner: pl}
	}

	eng := engine.New(engine.Dependencies{
		Planner: pl,
		Oracle:  orc,
		Runner:  process.NewShellRunner(),
		FS:      fsys.NewOS(),
		VCS:     vcs.NewGit(projectPath, config.StateDirName),
		History: sess.recorder(),
	}, cfg.EngineOptions(), sess.log, sess.observers...)

	stopSignals := cancelOnSignal(eng, sess.log.Warnf)
	defer stopSignals()

	p, err := eng.Implement(ctx, tc)
	if err == nil && p.Status == models.RunReviewing {
		p, err = reviewPlan(ctx, eng, cmd.InOrStdin(), out)
	}
	return runError(p, err)
}

func implementOverrides(cmd *cobra.Command) config.FlagOverrides {
	var f config.FlagOverrides
	flags := cmd.Flags()
	if flags.Changed("yes") {
		v, _ := flags.GetBool("yes")
		f.AutoApprove = &v
	}
	if flags.Changed("dry-run") {
		v, _ := flags.GetBool("dry-run")
		f.DryRun = &v
	}
	if flags.Changed("max-retries") {
		v, _ := flags.GetInt("max-retries")
		f.MaxRetries = &v
	}
	if flags.Changed("no-tests") {
		v, _ := flags.GetBool("no-tests")
		v = !v
		f.RunTests = &v
	}
	if flags.Changed("commit") {
		v, _ := flags.GetBool("commit")
		f.AutoCommit = &v
	}
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		f.LogLevel = &v
	}
	if flags.Changed("log-dir") {
		v, _ := flags.GetString("log-dir")
		f.LogDir = &v
	}
	if flags.Changed("nats-url") {
		v, _ := flags.GetString("nats-url")
		f.NATSURL = &v
	}
	return f
}

// cancelOnSignal cancels the engine on SIGINT/SIGTERM until the returned
// stop function is called.
func cancelOnSignal(eng *engine.Engine, warnf func(string, ...interface{})) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			warnf("Received %s, cancelling and rolling back", sig)
			eng.Cancel()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// reviewPlan shows the plan and asks for approval. Any other answer is sent
// to the planner as refinement feedback.
func reviewPlan(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer) (models.ImplementationProgress, error) {
	if !isInteractive(in) {
		renderPlan(out, eng.Progress().Plan)
		eng.Cancel()
		return eng.Progress(), errors.New("plan review needs an interactive terminal; re-run with --yes to approve automatically")
	}

	reader := bufio.NewReader(in)
	for {
		p := eng.Progress()
		if p.Status != models.RunReviewing {
			return p, nil
		}
		renderPlan(out, p.Plan)
		fmt.Fprint(out, "Approve plan? [y]es, [n]o, or type feedback to refine: ")

		line, readErr := reader.ReadString('\n')
		answer := strings.TrimSpace(line)
		if readErr != nil && answer == "" {
			fmt.Fprintln(out)
			eng.Cancel()
			return eng.Progress(), errors.New("no answer; plan not approved")
		}

		switch strings.ToLower(answer) {
		case "y", "yes":
			return eng.ApprovePlan(ctx)
		case "n", "no", "q", "quit":
			eng.Cancel()
			fmt.Fprintln(out, "Plan rejected; nothing was changed.")
			return eng.Progress(), nil
		case "":
			continue
		default:
			if _, err := eng.RefinePlan(ctx, answer); err != nil {
				fmt.Fprintf(out, "Refined plan rejected: %v\n", err)
			}
		}
	}
}

// isInteractive reports whether in is a terminal. Non-file readers are
// scripted answers and count as interactive.
func isInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// runError turns a finished run into the command's error. A cancelled run
// is not an error unless it left changes behind that still need a rollback.
func runError(p models.ImplementationProgress, err error) error {
	switch p.Status {
	case models.RunCancelled:
		if p.CanRollback {
			return fmt.Errorf("implementation cancelled with changes left to roll back: %s", p.Error)
		}
		return nil
	case models.RunCompleted:
		if err == nil {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("implementation %s: %w", p.Status, err)
	}
	return fmt.Errorf("implementation %s: %s", p.Status, p.Error)
}
