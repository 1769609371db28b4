package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/aibuddy/internal/executor"
	"github.com/harrison/aibuddy/internal/filelock"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/project"
	"github.com/harrison/aibuddy/internal/rollback"
	"github.com/harrison/aibuddy/internal/validator"
)

// execute runs the scheduled plan. It is entered from Implement with
// AutoApprove or from ApprovePlan.
func (e *Engine) execute(parent context.Context) (models.ImplementationProgress, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	e.setCancelFunc(cancel)
	defer e.setCancelFunc(nil)

	e.mu.Lock()
	tc := e.tc
	order := e.order
	e.mu.Unlock()

	if e.opts.LockProject {
		lock := filelock.NewProjectLock(tc.ProjectPath, e.opts.StateDir)
		if err := lock.TryAcquire(); err != nil {
			code := models.CodeProjectLocked
			if !errors.Is(err, filelock.ErrLocked) {
				code = models.CodeFileIO
			}
			return e.failRun(parent, models.NewImplementationError(code, "cannot lock project", false, err), false)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				e.logger.Warnf("Failed to release project lock: %v", err)
			}
		}()
	}

	if e.Progress().Status != models.RunExecuting {
		e.setStatus(models.RunExecuting, "Executing plan")
	}

	rb := rollback.NewManager(e.deps.FS, tc.ProjectPath, e.opts.StateDir, tc.TaskID, e.logger)
	if err := rb.Initialize(); err != nil {
		return e.failRun(parent, models.NewImplementationError(models.CodeRollbackInitFailed, "failed to initialize rollback", false, err), false)
	}
	e.mu.Lock()
	e.rb = rb
	e.mu.Unlock()

	e.snapshot(ctx, tc)

	tooling := project.Detect(tc.ProjectPath, e.opts.Tooling)
	v := validator.New(validator.Options{
		ProjectPath:    tc.ProjectPath,
		Tooling:        tooling,
		CommandTimeout: e.opts.CommandTimeout,
		TestTimeout:    e.opts.TestTimeout,
	}, e.deps.FS, e.deps.Runner, e.logger)
	exec := executor.New(executor.Config{
		ProjectPath:        tc.ProjectPath,
		DryRun:             e.opts.DryRun,
		CommandTimeout:     e.opts.CommandTimeout,
		TestTimeout:        e.opts.TestTimeout,
		DefaultTestCommand: tooling.TestCommand,
	}, e.deps.Oracle, e.deps.Runner, e.deps.FS, rb, v, e.logger)

	for pos, idx := range order {
		if e.cancelRequested(ctx) {
			return e.finishCancelled(parent)
		}

		step := e.stepAt(idx)
		e.update(func(p *models.ImplementationProgress) { p.CurrentStep = pos + 1 })

		// The scheduled order and stop-on-failure keep this from firing for
		// plans that went through Schedule; it guards any other order.
		if missing := e.unmetDependencies(step); len(missing) > 0 {
			e.skipStep(idx, step, missing)
			continue
		}

		if err := e.runStep(ctx, exec, idx, step, tc); err != nil {
			if e.cancelRequested(ctx) {
				return e.finishCancelled(parent)
			}
			return e.failRun(parent, err, true)
		}
	}

	if e.cancelRequested(ctx) {
		return e.finishCancelled(parent)
	}
	if err := e.finalValidation(ctx, v); err != nil {
		if e.cancelRequested(ctx) {
			return e.finishCancelled(parent)
		}
		return e.failRun(parent, err, true)
	}

	e.commit(ctx, tc, rb)
	rb.Cleanup()
	return e.finish(parent, models.RunCompleted, "Implementation completed", "")
}

func (e *Engine) stepAt(idx int) models.ImplementationStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.Plan.Clone().Steps[idx]
}

// snapshot takes the best-effort version control safety net.
func (e *Engine) snapshot(ctx context.Context, tc *models.TaskContext) {
	if !e.opts.Snapshot || e.deps.VCS == nil || e.opts.DryRun {
		return
	}
	ok, err := e.deps.VCS.Snapshot(ctx, tc.TaskID)
	switch {
	case err != nil:
		e.publishLog("warn", "Version control snapshot failed, continuing without it: %v", err)
	case !ok:
		e.publishLog("info", "No version control snapshot taken (not a git repository or no commits)")
	default:
		e.publishLog("info", "Version control snapshot created for %s", tc.TaskID)
	}
}

// unmetDependencies lists dependency ids whose latest result is not completed.
func (e *Engine) unmetDependencies(step models.ImplementationStep) []string {
	e.mu.Lock()
	latest := models.LatestResults(e.progress.Results)
	e.mu.Unlock()

	var missing []string
	for _, dep := range step.Dependencies {
		if r, ok := latest[dep]; !ok || r.Status != models.StepCompleted {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (e *Engine) skipStep(idx int, step models.ImplementationStep, missing []string) {
	result := models.ExecutionResult{
		StepID: step.ID,
		Status: models.StepSkipped,
		Output: fmt.Sprintf("skipped: dependencies not completed: %s", strings.Join(missing, ", ")),
	}
	ev := e.newEvent(models.EventStepCompleted, step.ID, result.Output)
	ev.StepType = step.Type
	ev.Result = &result
	e.update(func(p *models.ImplementationProgress) {
		p.Plan.Steps[idx].Status = models.StepSkipped
		p.Results = append(p.Results, result)
	}, ev)
}

// runStep executes step with retries. Each attempt appends one result.
func (e *Engine) runStep(ctx context.Context, exec *executor.StepExecutor, idx int, step models.ImplementationStep, tc *models.TaskContext) error {
	attempts := 1 + e.opts.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && e.cancelRequested(ctx) {
			return lastErr
		}

		started := e.newEvent(models.EventStepStarted, step.ID, fmt.Sprintf("%s (attempt %d/%d)", step.Title, attempt, attempts))
		started.StepType = step.Type
		e.update(func(p *models.ImplementationProgress) {
			p.Plan.Steps[idx].Status = models.StepInProgress
		}, started)

		result, err := exec.Execute(ctx, step, tc)
		result.Attempt = attempt
		final := err == nil || attempt == attempts

		evType := models.EventStepCompleted
		if err != nil {
			evType = models.EventStepFailed
		}
		done := e.newEvent(evType, step.ID, result.Error)
		done.StepType = step.Type
		done.Result = result

		e.update(func(p *models.ImplementationProgress) {
			p.Results = append(p.Results, *result)
			switch {
			case err == nil:
				p.Plan.Steps[idx].Status = models.StepCompleted
			case final:
				p.Plan.Steps[idx].Status = models.StepFailed
			}
			recount(p)
			p.CanRollback = e.rb != nil && e.rb.HasChanges()
		}, done)

		if err == nil {
			return nil
		}
		lastErr = err
		if !final {
			e.publishLog("warn", "Step %s failed (attempt %d/%d), retrying: %v", step.ID, attempt, attempts, err)
		}
	}
	return lastErr
}

// recount derives step counters from the latest result of each step.
func recount(p *models.ImplementationProgress) {
	p.CompletedSteps, p.FailedSteps = 0, 0
	for _, r := range models.LatestResults(p.Results) {
		switch r.Status {
		case models.StepCompleted:
			p.CompletedSteps++
		case models.StepFailed:
			p.FailedSteps++
		}
	}
}

// finalValidation runs the project tests once every step has completed.
func (e *Engine) finalValidation(ctx context.Context, v *validator.Validator) error {
	e.update(func(p *models.ImplementationProgress) {
		p.Status = models.RunValidating
		p.Message = "Running final validation"
	},
		e.newEvent(models.EventStatusChange, "", "Running final validation"),
		e.newEvent(models.EventValidationStarted, "", ""),
	)

	passed := true
	message := "skipped"
	var output string
	if e.opts.RunTests && !e.opts.DryRun {
		res := v.RunProjectTests(ctx)
		passed = res.Passed
		output = res.Output
		message = "passed"
		if res.Message != "" {
			message = res.Message
		}
		if !passed {
			message = "failed: " + message
		}
	}

	ev := e.newEvent(models.EventValidationCompleted, "", message)
	ev.Passed = &passed
	e.update(nil, ev)

	if passed {
		return nil
	}
	ie := models.NewImplementationError(models.CodeFinalValidationFailed, "final test run failed", false, nil)
	if output != "" {
		ie.Details = []string{lastLines(output, 20)}
	}
	return ie
}

// commit creates the optional best-effort commit of the run's changes.
func (e *Engine) commit(ctx context.Context, tc *models.TaskContext, rb *rollback.Manager) {
	if !e.opts.AutoCommit || e.deps.VCS == nil || e.opts.DryRun || !rb.HasChanges() {
		return
	}
	title := tc.Title
	if title == "" {
		title = tc.TaskID
	}
	res, err := e.deps.VCS.Commit(ctx, fmt.Sprintf("ai-buddy: %s\n\nTask: %s", title, tc.TaskID))
	switch {
	case err != nil:
		e.publishLog("warn", "Commit failed: %v", err)
	case res.Committed:
		e.publishLog("info", "Committed changes as %s", res.Hash)
	}
}

// failRun ends the run as failed. With rollbackChanges the recorded changes
// are reversed first; a partial rollback makes the run failed_unrecoverable
// but cause stays the reported error.
func (e *Engine) failRun(ctx context.Context, cause error, rollbackChanges bool) (models.ImplementationProgress, error) {
	status := models.RunFailed
	if rollbackChanges && e.rollbackAll() != nil {
		status = models.RunFailedUnrecoverable
	}
	return e.finish(ctx, status, "Implementation failed", cause.Error(), cause)
}

// finishCancelled rolls back recorded changes and ends the run as cancelled.
func (e *Engine) finishCancelled(ctx context.Context) (models.ImplementationProgress, error) {
	msg := "implementation cancelled"
	if err := e.rollbackAll(); err != nil {
		msg += "; " + err.Error()
	}
	cause := models.NewImplementationError(models.CodeCancelled, "implementation cancelled", false, ctx.Err())
	return e.finish(ctx, models.RunCancelled, "Implementation cancelled", msg, cause)
}

// rollbackAll reverses the current run's changes. Backups are removed only
// when nothing is left to reverse.
func (e *Engine) rollbackAll() error {
	e.mu.Lock()
	rb := e.rb
	e.mu.Unlock()
	if rb == nil {
		return nil
	}
	if !rb.HasChanges() {
		rb.Cleanup()
		return nil
	}

	n := len(rb.Changes())
	if err := rb.RollbackAll(); err != nil {
		e.publishEvent(models.EventError, "", fmt.Sprintf("Rollback incomplete: %v", err))
		return err
	}
	e.publishLog("info", "Rolled back %d change(s)", n)
	rb.Cleanup()
	return nil
}

// finish moves to a terminal status, marks unexecuted steps skipped and
// records the run. errMsg is the progress error string; an optional cause is
// returned as the error.
func (e *Engine) finish(ctx context.Context, status models.RunStatus, message, errMsg string, cause ...error) (models.ImplementationProgress, error) {
	events := []models.ImplementationEvent{e.newEvent(models.EventStatusChange, "", message)}
	if errMsg != "" && status != models.RunCancelled {
		events = append(events, e.newEvent(models.EventError, "", errMsg))
	}

	e.update(func(p *models.ImplementationProgress) {
		p.Status = status
		p.Message = message
		p.Error = errMsg
		if p.Plan != nil && status != models.RunCompleted {
			for i := range p.Plan.Steps {
				if s := p.Plan.Steps[i].Status; s == models.StepPending || s == models.StepInProgress {
					p.Plan.Steps[i].Status = models.StepSkipped
				}
			}
		}
		p.CanRollback = e.rb != nil && e.rb.HasChanges()
	}, events...)

	e.recordHistory(ctx)

	var err error
	if len(cause) > 0 {
		err = cause[0]
	}
	return e.Progress(), err
}

// recordHistory stores the run. Failures are logged only.
func (e *Engine) recordHistory(ctx context.Context) {
	if e.deps.History == nil {
		return
	}

	e.mu.Lock()
	p := e.progress.Clone()
	record := models.RunRecord{
		RunID:          p.RunID,
		TaskID:         p.TaskID,
		Status:         p.Status,
		Error:          p.Error,
		TotalSteps:     p.TotalSteps,
		CompletedSteps: p.CompletedSteps,
		FailedSteps:    p.FailedSteps,
		StartedAt:      e.startedAt,
		FinishedAt:     time.Now(),
		Plan:           p.Plan,
		Results:        p.Results,
	}
	if e.tc != nil {
		record.ProjectPath = e.tc.ProjectPath
		record.Title = e.tc.Title
	}
	e.mu.Unlock()

	if err := e.deps.History.RecordRun(context.WithoutCancel(ctx), record); err != nil {
		e.publishLog("warn", "Failed to record run history: %v", err)
	}
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
