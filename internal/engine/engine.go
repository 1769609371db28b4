// Package engine drives an implementation run through planning, review,
// execution and final validation, and publishes its progress to observers.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/oracle"
	"github.com/harrison/aibuddy/internal/planner"
	"github.com/harrison/aibuddy/internal/process"
	"github.com/harrison/aibuddy/internal/project"
	"github.com/harrison/aibuddy/internal/rollback"
	"github.com/harrison/aibuddy/internal/vcs"
)

// DefaultStateDir holds backups and the project lock.
const DefaultStateDir = ".ai-buddy"

// Planner produces and revises plans. planner.Planner implements it.
type Planner interface {
	GeneratePlan(ctx context.Context, tc *models.TaskContext) (*models.ImplementationPlan, error)
	RefinePlan(ctx context.Context, plan *models.ImplementationPlan, feedback string, tc *models.TaskContext) *models.ImplementationPlan
}

// HistoryRecorder stores finished runs. history.Store implements it.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, run models.RunRecord) error
}

// Options controls a run.
type Options struct {
	AutoApprove    bool
	DryRun         bool
	MaxRetries     int // additional attempts after the first
	RunTests       bool
	AutoCommit     bool
	Snapshot       bool
	LockProject    bool
	CommandTimeout time.Duration
	TestTimeout    time.Duration
	StateDir       string
	Tooling        project.Tooling // overrides for detected tooling
}

// Dependencies are the collaborators of an Engine. VCS and History are optional.
type Dependencies struct {
	Planner Planner
	Oracle  oracle.CodeOracle
	Runner  process.Runner
	FS      fsys.FileSystem
	VCS     vcs.VersionControl
	History HistoryRecorder
}

// Engine runs one task at a time. A finished engine can start a new run.
type Engine struct {
	deps      Dependencies
	opts      Options
	logger    logger.Logger
	observers []Observer

	mu        sync.Mutex
	progress  models.ImplementationProgress
	tc        *models.TaskContext
	order     []int
	rb        *rollback.Manager
	startedAt time.Time
	cancelRun context.CancelFunc

	// notifyMu is taken before mu is released so observers see
	// notifications in mutation order.
	notifyMu sync.Mutex

	cancelled atomic.Bool
}

// New creates an Engine.
func New(deps Dependencies, opts Options, log logger.Logger, observers ...Observer) *Engine {
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if deps.FS == nil {
		deps.FS = fsys.NewOS()
	}
	if deps.Runner == nil {
		deps.Runner = process.NewShellRunner()
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Engine{
		deps:      deps,
		opts:      opts,
		logger:    log,
		observers: observers,
		progress:  models.ImplementationProgress{Status: models.RunPending},
	}
}

// Progress returns a snapshot of the current run.
func (e *Engine) Progress() models.ImplementationProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.Clone()
}

// Implement plans tc and, with AutoApprove, executes the plan. Without
// AutoApprove it returns in the reviewing state and waits for ApprovePlan.
func (e *Engine) Implement(ctx context.Context, tc *models.TaskContext) (models.ImplementationProgress, error) {
	if tc == nil {
		return e.Progress(), models.NewImplementationError(models.CodeInvalidState, "task context is required", false, nil)
	}
	if err := tc.Validate(); err != nil {
		return e.Progress(), models.NewImplementationError(models.CodeInvalidState, "invalid task context", false, err)
	}

	planCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := e.begin(tc, cancel)
	if !started {
		status := e.Progress().Status
		return e.Progress(), models.NewImplementationError(models.CodeInvalidState,
			fmt.Sprintf("cannot start a run while status is %s", status), false, nil)
	}
	defer e.setCancelFunc(nil)

	plan, err := e.deps.Planner.GeneratePlan(planCtx, tc)
	if e.cancelRequested(planCtx) {
		return e.finishCancelled(ctx)
	}
	if err != nil {
		return e.failRun(ctx, models.NewImplementationError(models.CodePlanGenerationFailed, "failed to generate plan", false, err), false)
	}

	if planErr := e.acceptPlan(plan); planErr != nil {
		return e.failRun(ctx, planErr, false)
	}
	if e.cancelRequested(planCtx) {
		return e.finishCancelled(ctx)
	}

	if !e.opts.AutoApprove {
		e.setStatus(models.RunReviewing, "Plan ready for review")
		return e.Progress(), nil
	}
	e.setCancelFunc(nil)
	return e.execute(ctx)
}

// ApprovePlan executes the plan of a run waiting in the reviewing state.
func (e *Engine) ApprovePlan(ctx context.Context) (models.ImplementationProgress, error) {
	if !e.transition(models.RunReviewing, models.RunExecuting, "Plan approved") {
		return e.Progress(), e.invalidState("approve the plan")
	}
	return e.execute(ctx)
}

// RefinePlan revises the plan under review with feedback. The plan is only
// replaced when the revision passes validation.
func (e *Engine) RefinePlan(ctx context.Context, feedback string) (models.ImplementationProgress, error) {
	e.mu.Lock()
	if e.progress.Status != models.RunReviewing {
		e.mu.Unlock()
		return e.Progress(), e.invalidState("refine the plan")
	}
	current := e.progress.Plan.Clone()
	tc := e.tc
	e.mu.Unlock()

	refined := e.deps.Planner.RefinePlan(ctx, current, feedback, tc)
	if err := e.acceptPlan(refined); err != nil {
		e.publishLog("warn", "Refined plan rejected, keeping the current plan: %v", err)
		return e.Progress(), err
	}
	return e.Progress(), nil
}

// Cancel requests cancellation. A run under review is cancelled at once; an
// executing run stops before its next step and rolls back.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)

	e.mu.Lock()
	cancel := e.cancelRun
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if e.transition(models.RunReviewing, models.RunCancelled, "Implementation cancelled") {
		e.recordHistory(context.Background())
	}
}

// Rollback retries reversing the changes left behind by a run that ended
// failed_unrecoverable or cancelled.
func (e *Engine) Rollback(ctx context.Context) (models.ImplementationProgress, error) {
	e.mu.Lock()
	status := e.progress.Status
	rb := e.rb
	e.mu.Unlock()

	if status != models.RunFailedUnrecoverable && status != models.RunCancelled && status != models.RunFailed {
		return e.Progress(), e.invalidState("roll back")
	}
	if rb == nil || !rb.HasChanges() {
		return e.Progress(), nil
	}

	if err := rb.RollbackAll(); err != nil {
		e.publishEvent(models.EventError, "", fmt.Sprintf("Rollback incomplete: %v", err))
		e.update(func(p *models.ImplementationProgress) { p.CanRollback = rb.HasChanges() })
		return e.Progress(), err
	}
	rb.Cleanup()

	next := status
	if status == models.RunFailedUnrecoverable {
		next = models.RunFailed
	}
	e.update(func(p *models.ImplementationProgress) {
		p.CanRollback = false
		p.Status = next
		p.Message = "All changes rolled back"
	}, e.newEvent(models.EventStatusChange, "", "All changes rolled back"))
	e.recordHistory(ctx)
	return e.Progress(), nil
}

// begin resets state for a new run. It fails when a run is in flight or
// under review.
func (e *Engine) begin(tc *models.TaskContext, cancel context.CancelFunc) bool {
	e.mu.Lock()
	status := e.progress.Status
	if status != models.RunPending && !status.IsTerminal() {
		e.mu.Unlock()
		return false
	}

	e.cancelled.Store(false)
	copied := *tc
	e.tc = &copied
	e.order = nil
	e.rb = nil
	e.startedAt = time.Now()
	e.cancelRun = cancel
	e.progress = models.ImplementationProgress{
		RunID:   uuid.NewString(),
		TaskID:  tc.TaskID,
		Status:  models.RunPlanning,
		Message: "Generating plan",
	}
	e.notify(true, e.newEventLocked(models.EventStatusChange, "", "Generating plan"))
	return true
}

// acceptPlan validates and schedules plan, then installs it.
func (e *Engine) acceptPlan(plan *models.ImplementationPlan) *models.ImplementationError {
	report := planner.ValidatePlan(plan)
	if !report.Valid {
		ie := models.NewImplementationError(models.CodeInvalidPlan, "plan failed validation", false, nil)
		ie.Details = report.Issues
		return ie
	}
	order, err := planner.Schedule(plan)
	if err != nil {
		return models.NewImplementationError(models.CodeInvalidPlan, "plan cannot be scheduled", false, err)
	}

	for i := range plan.Steps {
		plan.Steps[i].Status = models.StepPending
	}
	msg := fmt.Sprintf("Plan generated with %d steps", len(plan.Steps))
	e.update(func(p *models.ImplementationProgress) {
		p.Plan = plan
		p.TotalSteps = len(plan.Steps)
		p.Message = msg
	}, e.newEvent(models.EventPlanGenerated, "", msg))

	e.mu.Lock()
	e.order = order
	e.mu.Unlock()
	return nil
}

func (e *Engine) invalidState(action string) error {
	status := e.Progress().Status
	return models.NewImplementationError(models.CodeInvalidState,
		fmt.Sprintf("cannot %s while status is %s", action, status), false, nil)
}

func (e *Engine) setCancelFunc(cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancelRun = cancel
	e.mu.Unlock()
}

// cancelRequested is the cancellation token: Cancel or a done context.
func (e *Engine) cancelRequested(ctx context.Context) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// setStatus transitions unconditionally and publishes status_change.
func (e *Engine) setStatus(status models.RunStatus, message string) {
	e.update(func(p *models.ImplementationProgress) {
		p.Status = status
		p.Message = message
	}, e.newEvent(models.EventStatusChange, "", message))
}

// transition moves from one status to another atomically.
func (e *Engine) transition(from, to models.RunStatus, message string) bool {
	e.mu.Lock()
	if e.progress.Status != from {
		e.mu.Unlock()
		return false
	}
	e.progress.Status = to
	e.progress.Message = message
	e.notify(true, e.newEventLocked(models.EventStatusChange, "", message))
	return true
}

// update applies fn to the progress and publishes the snapshot followed by
// events. A nil fn publishes the events only.
func (e *Engine) update(fn func(p *models.ImplementationProgress), events ...models.ImplementationEvent) {
	e.mu.Lock()
	if fn != nil {
		fn(&e.progress)
	}
	for i := range events {
		e.fillEvent(&events[i])
	}
	e.notify(fn != nil, events...)
}

// notify must be called with mu held; it releases mu.
func (e *Engine) notify(withProgress bool, events ...models.ImplementationEvent) {
	var snapshot models.ImplementationProgress
	if withProgress {
		snapshot = e.progress.Clone()
	}
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()

	if withProgress {
		for _, o := range e.observers {
			o.OnProgress(snapshot)
		}
	}
	for _, ev := range events {
		for _, o := range e.observers {
			o.OnEvent(ev)
		}
	}
}

func (e *Engine) newEvent(typ models.EventType, stepID, message string) models.ImplementationEvent {
	return models.ImplementationEvent{Type: typ, StepID: stepID, Message: message}
}

// newEventLocked must be called with mu held.
func (e *Engine) newEventLocked(typ models.EventType, stepID, message string) models.ImplementationEvent {
	ev := e.newEvent(typ, stepID, message)
	e.fillEvent(&ev)
	return ev
}

// fillEvent must be called with mu held.
func (e *Engine) fillEvent(ev *models.ImplementationEvent) {
	ev.RunID = e.progress.RunID
	ev.TaskID = e.progress.TaskID
	if ev.Type == models.EventStatusChange && ev.Status == "" {
		ev.Status = e.progress.Status
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
}

// publishEvent publishes an event without a progress change.
func (e *Engine) publishEvent(typ models.EventType, stepID, message string) {
	e.update(nil, e.newEvent(typ, stepID, message))
}

// publishLog publishes a log event at level.
func (e *Engine) publishLog(level, format string, args ...interface{}) {
	ev := e.newEvent(models.EventLog, "", fmt.Sprintf(format, args...))
	ev.Level = strings.ToLower(level)
	e.update(nil, ev)
}
