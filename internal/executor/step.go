// Package executor runs single plan steps: file mutations, shell commands
// and test invocations, followed by the step's validation rules.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/oracle"
	"github.com/harrison/aibuddy/internal/parser"
	"github.com/harrison/aibuddy/internal/process"
)

// Default step timeouts.
const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultTestTimeout    = 120 * time.Second
)

const dryRunPrefix = "[DRY RUN]"

// ChangeRecorder receives every file mutation a step performs.
// rollback.Manager implements it.
type ChangeRecorder interface {
	RecordChange(change models.FileChange) error
}

// StepValidator runs a step's validation rules. validator.Validator implements it.
type StepValidator interface {
	Validate(ctx context.Context, stepID string, rules []models.ValidationRule, filePath string) ([]models.ValidationResult, error)
}

// Config controls step execution.
type Config struct {
	ProjectPath        string
	DryRun             bool
	CommandTimeout     time.Duration
	TestTimeout        time.Duration
	DefaultTestCommand string // used by test steps without a command
}

// StepExecutor dispatches a step on its type.
type StepExecutor struct {
	cfg       Config
	oracle    oracle.CodeOracle
	runner    process.Runner
	fs        fsys.FileSystem
	recorder  ChangeRecorder
	validator StepValidator
	logger    logger.Logger
}

// New creates a StepExecutor. recorder and validator may be nil; zero
// timeouts use the defaults.
func New(cfg Config, o oracle.CodeOracle, runner process.Runner, fs fsys.FileSystem, recorder ChangeRecorder, v StepValidator, log logger.Logger) *StepExecutor {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &StepExecutor{
		cfg:       cfg,
		oracle:    o,
		runner:    runner,
		fs:        fs,
		recorder:  recorder,
		validator: v,
		logger:    log,
	}
}

// outcome is what a step handler produced before validation.
type outcome struct {
	output   string
	changes  []models.FileChange
	filePath string // absolute path handed to validation
}

// Execute runs one attempt of step. The returned error is non-nil exactly
// when the result status is failed; the result is never nil.
func (e *StepExecutor) Execute(ctx context.Context, step models.ImplementationStep, tc *models.TaskContext) (*models.ExecutionResult, error) {
	start := time.Now()
	result := &models.ExecutionResult{StepID: step.ID, Attempt: 1}

	out, err := e.dispatch(ctx, step, tc)
	if err == nil && !e.cfg.DryRun && len(step.Validation) > 0 && e.validator != nil {
		result.Validations, err = e.validator.Validate(ctx, step.ID, step.Validation, out.filePath)
	}

	result.Output = out.output
	result.Changes = out.changes
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = models.StepFailed
		result.Error = err.Error()
		return result, err
	}
	result.Status = models.StepCompleted
	return result, nil
}

func (e *StepExecutor) dispatch(ctx context.Context, step models.ImplementationStep, tc *models.TaskContext) (outcome, error) {
	switch step.Type {
	case models.StepCreateFile:
		return e.createFile(ctx, step, tc)
	case models.StepModifyFile:
		return e.modifyFile(ctx, step, tc)
	case models.StepDeleteFile:
		return e.deleteFile(step)
	case models.StepRunCommand:
		return e.runCommand(ctx, step)
	case models.StepTest:
		return e.runTest(ctx, step)
	default:
		return outcome{}, models.NewStepError(step.ID, models.CodeUnknownStepType, fmt.Sprintf("unknown step type %q", step.Type), nil)
	}
}

// resolveTarget returns the absolute and project-relative forms of a file
// target. Targets outside the project root are rejected.
func (e *StepExecutor) resolveTarget(step models.ImplementationStep) (abs, rel string, err error) {
	target := strings.TrimSpace(step.Target)
	if target == "" {
		return "", "", models.NewStepError(step.ID, models.CodeInvalidTarget, "step has no target path", nil)
	}

	root, err := filepath.Abs(e.cfg.ProjectPath)
	if err != nil {
		return "", "", models.NewStepError(step.ID, models.CodeInvalidTarget, "cannot resolve project path", err)
	}
	if filepath.IsAbs(target) {
		abs = filepath.Clean(target)
	} else {
		abs = filepath.Join(root, target)
	}

	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", models.NewStepError(step.ID, models.CodeInvalidTarget, fmt.Sprintf("target %q is outside the project", step.Target), err)
	}
	return abs, rel, nil
}

func (e *StepExecutor) createFile(ctx context.Context, step models.ImplementationStep, tc *models.TaskContext) (outcome, error) {
	abs, rel, err := e.resolveTarget(step)
	if err != nil {
		return outcome{}, err
	}
	if e.cfg.DryRun {
		return outcome{output: fmt.Sprintf("%s Would create file %s", dryRunPrefix, rel)}, nil
	}

	exists, err := e.fs.Exists(abs)
	if err != nil {
		return outcome{}, models.NewStepError(step.ID, models.CodeFileIO, "cannot check target", err)
	}
	if exists {
		return outcome{}, models.NewStepError(step.ID, models.CodeFileExists, fmt.Sprintf("file %s already exists", rel), nil)
	}

	content, err := e.content(ctx, step, tc, rel, nil)
	if err != nil {
		return outcome{}, err
	}
	if err := e.fs.WriteFile(abs, []byte(content)); err != nil {
		return outcome{}, models.NewStepError(step.ID, models.CodeFileIO, fmt.Sprintf("failed to write %s", rel), err)
	}

	change := models.FileChange{
		Path:       rel,
		ChangeType: models.ChangeCreate,
		NewContent: models.StringPtr(content),
		Timestamp:  time.Now(),
	}
	e.record(change)
	return outcome{
		output:   fmt.Sprintf("Created %s (%d bytes)", rel, len(content)),
		changes:  []models.FileChange{change},
		filePath: abs,
	}, nil
}

func (e *StepExecutor) modifyFile(ctx context.Context, step models.ImplementationStep, tc *models.TaskContext) (outcome, error) {
	abs, rel, err := e.resolveTarget(step)
	if err != nil {
		return outcome{}, err
	}
	if e.cfg.DryRun {
		return outcome{output: fmt.Sprintf("%s Would modify file %s", dryRunPrefix, rel)}, nil
	}

	data, err := e.fs.ReadFile(abs)
	if err != nil {
		if fsys.IsNotFound(err) {
			return outcome{}, models.NewStepError(step.ID, models.CodeFileNotFound, fmt.Sprintf("file %s does not exist", rel), err)
		}
		return outcome{}, models.NewStepError(step.ID, models.CodeFileIO, fmt.Sprintf("failed to read %s", rel), err)
	}
	original := string(data)

	content, err := e.content(ctx, step, tc, rel, &original)
	if err != nil {
		return outcome{}, err
	}
	if err := e.fs.WriteFile(abs, []byte(content)); err != nil {
		return outcome{}, models.NewStepError(step.ID, models.CodeFileIO, fmt.Sprintf("failed to write %s", rel), err)
	}

	change := models.FileChange{
		Path:            rel,
		ChangeType:      models.ChangeModify,
		OriginalContent: models.StringPtr(original),
		NewContent:      models.StringPtr(content),
		Timestamp:       time.Now(),
	}
	e.record(change)
	return outcome{
		output:   fmt.Sprintf("Modified %s (%d -> %d bytes)", rel, len(original), len(content)),
		changes:  []models.FileChange{change},
		filePath: abs,
	}, nil
}

func (e *StepExecutor) deleteFile(step models.ImplementationStep) (outcome, error) {
	abs, rel, err := e.resolveTarget(step)
	if err != nil {
		return outcome{}, err
	}
	if e.cfg.DryRun {
		return outcome{output: fmt.Sprintf("%s Would delete file %s", dryRunPrefix, rel)}, nil
	}

	data, err := e.fs.ReadFile(abs)
	if err != nil {
		if fsys.IsNotFound(err) {
			return outcome{output: fmt.Sprintf("%s already absent", rel)}, nil
		}
		return outcome{}, models.NewStepError(step.ID, models.CodeFileIO, fmt.Sprintf("failed to read %s", rel), err)
	}
	if err := e.fs.Remove(abs); err != nil {
		if fsys.IsNotFound(err) {
			return outcome{output: fmt.Sprintf("%s already absent", rel)}, nil
		}
		return outcome{}, models.NewStepError(step.ID, models.CodeFileIO, fmt.Sprintf("failed to delete %s", rel), err)
	}

	change := models.FileChange{
		Path:            rel,
		ChangeType:      models.ChangeDelete,
		OriginalContent: models.StringPtr(string(data)),
		Timestamp:       time.Now(),
	}
	e.record(change)
	return outcome{
		output:  fmt.Sprintf("Deleted %s", rel),
		changes: []models.FileChange{change},
	}, nil
}

func (e *StepExecutor) runCommand(ctx context.Context, step models.ImplementationStep) (outcome, error) {
	command := strings.TrimSpace(step.Target)
	if command == "" {
		return outcome{}, models.NewStepError(step.ID, models.CodeInvalidTarget, "step has no command", nil)
	}
	if e.cfg.DryRun {
		return outcome{output: fmt.Sprintf("%s Would run: %s", dryRunPrefix, command)}, nil
	}

	e.logger.Debugf("Step %s: running %q", step.ID, command)
	res, err := e.runner.Run(ctx, command, e.cfg.ProjectPath, e.cfg.CommandTimeout)
	out := outcome{output: res.Combined()}
	if err != nil {
		return out, models.NewStepError(step.ID, models.CodeCommandFailed, fmt.Sprintf("command %q failed", command), err)
	}
	if res.ExitCode != 0 {
		return out, models.NewStepError(step.ID, models.CodeCommandFailed, fmt.Sprintf("command %q exited with code %d", command, res.ExitCode), nil)
	}
	return out, nil
}

var (
	failToken  = regexp.MustCompile(`\bFAIL(ED)?\b`)
	failedWord = regexp.MustCompile(`(?i)(\b\d+\s+)?\bfailed\b`)
)

// outputIndicatesFailure looks for test runner failure markers. Summaries
// like "0 failed" do not count.
func outputIndicatesFailure(output string) bool {
	if failToken.MatchString(output) {
		return true
	}
	for _, m := range failedWord.FindAllStringSubmatch(output, -1) {
		if strings.TrimSpace(m[1]) != "0" {
			return true
		}
	}
	return false
}

// runTest runs the step's test command, or the project default. The step
// fails on a runner error, on a non-zero exit code, and on output that
// reports failures even when the command exits 0.
func (e *StepExecutor) runTest(ctx context.Context, step models.ImplementationStep) (outcome, error) {
	command := strings.TrimSpace(step.Target)
	if command == "" {
		command = e.cfg.DefaultTestCommand
	}
	if e.cfg.DryRun {
		return outcome{output: fmt.Sprintf("%s Would run tests: %s", dryRunPrefix, command)}, nil
	}
	if command == "" {
		return outcome{output: "no test command configured; skipped"}, nil
	}

	e.logger.Debugf("Step %s: running tests %q", step.ID, command)
	res, err := e.runner.Run(ctx, command, e.cfg.ProjectPath, e.cfg.TestTimeout)
	out := outcome{output: res.Combined()}
	switch {
	case err != nil:
		return out, models.NewStepError(step.ID, models.CodeTestsFailed, fmt.Sprintf("test command %q failed", command), err)
	case res.ExitCode != 0:
		return out, models.NewStepError(step.ID, models.CodeTestsFailed, fmt.Sprintf("test command %q exited with code %d", command, res.ExitCode), nil)
	case outputIndicatesFailure(out.output):
		return out, models.NewStepError(step.ID, models.CodeTestsFailed, "test output reports failures", nil)
	}
	return out, nil
}

// content returns the step's literal content or asks the oracle for it.
func (e *StepExecutor) content(ctx context.Context, step models.ImplementationStep, tc *models.TaskContext, rel string, original *string) (string, error) {
	if step.Content != nil {
		return *step.Content, nil
	}
	if e.oracle == nil {
		return "", models.NewStepError(step.ID, models.CodeOracleFailed, "no content and no oracle configured", nil)
	}

	resp, err := e.oracle.GenerateContent(ctx, buildContentPrompt(step, tc, rel, original))
	if err != nil {
		return "", models.NewStepError(step.ID, models.CodeOracleFailed, "content generation failed", err)
	}
	content := parser.ExtractCode(resp)
	if strings.TrimSpace(content) == "" {
		return "", models.NewStepError(step.ID, models.CodeOracleFailed, "oracle returned empty content", nil)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content, nil
}

// record hands the change to the recorder. The recorder keeps the change in
// memory even when persisting its backup fails, so that is only a warning.
func (e *StepExecutor) record(change models.FileChange) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordChange(change); err != nil {
		e.logger.Warnf("Failed to persist backup for %s: %v", change.Path, err)
	}
}
