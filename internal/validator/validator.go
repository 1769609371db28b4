// Package validator runs the validation rules attached to plan steps and
// the final project test pass.
package validator

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
	"github.com/harrison/aibuddy/internal/process"
	"github.com/harrison/aibuddy/internal/project"
)

// Default rule timeouts.
const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultTestTimeout    = 120 * time.Second
)

// exitCommandNotFound is the shell's exit status for a missing executable.
const exitCommandNotFound = 127

// Options configures a Validator.
type Options struct {
	ProjectPath    string
	Tooling        project.Tooling
	CommandTimeout time.Duration // syntax, type_check, lint, custom
	TestTimeout    time.Duration // test rules and the final test pass
}

// Validator checks files and runs project tooling.
type Validator struct {
	opts   Options
	fs     fsys.FileSystem
	runner process.Runner
	logger logger.Logger
}

// New creates a Validator. Zero timeouts use the defaults.
func New(opts Options, fs fsys.FileSystem, runner process.Runner, log logger.Logger) *Validator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Validator{opts: opts, fs: fs, runner: runner, logger: log}
}

// Validate runs every rule and returns all results. When any rule fails the
// error is a *models.ValidationError carrying the same results. filePath is
// the absolute path of the step's file, or "" for command steps.
func (v *Validator) Validate(ctx context.Context, stepID string, rules []models.ValidationRule, filePath string) ([]models.ValidationResult, error) {
	results := make([]models.ValidationResult, 0, len(rules))
	failed := false

	for _, rule := range rules {
		var res models.ValidationResult
		switch rule.Type {
		case models.RuleSyntax:
			res = v.checkSyntax(ctx, rule, filePath)
		case models.RuleTypeCheck:
			res = v.runTool(ctx, rule, v.opts.Tooling.TypeCheckCommand, v.opts.CommandTimeout)
		case models.RuleLint:
			res = v.runTool(ctx, rule, v.opts.Tooling.LintCommand, v.opts.CommandTimeout)
		case models.RuleTest:
			res = v.runTool(ctx, rule, v.opts.Tooling.TestCommand, v.opts.TestTimeout)
		case models.RuleCustom:
			res = v.runCustom(ctx, rule)
		default:
			res = models.ValidationResult{Rule: rule, Passed: false, Message: fmt.Sprintf("unknown validation rule type %q", rule.Type)}
		}

		v.logger.Debugf("Step %s: %s validation passed=%t %s", stepID, rule.Type, res.Passed, res.Message)
		if !res.Passed {
			failed = true
		}
		results = append(results, res)
	}

	if failed {
		return results, models.NewValidationError(stepID, results)
	}
	return results, nil
}

// RunProjectTests runs the project test command for the final validation
// pass. A project without a test command passes with a message.
func (v *Validator) RunProjectTests(ctx context.Context) models.ValidationResult {
	return v.runTool(ctx, models.ValidationRule{Type: models.RuleTest}, v.opts.Tooling.TestCommand, v.opts.TestTimeout)
}

func (v *Validator) checkSyntax(ctx context.Context, rule models.ValidationRule, filePath string) models.ValidationResult {
	res := models.ValidationResult{Rule: rule}
	if filePath == "" {
		res.Passed = true
		res.Message = "no file to check"
		return res
	}

	data, err := v.fs.ReadFile(filePath)
	if err != nil {
		if fsys.IsNotFound(err) {
			// delete_file steps leave nothing to check
			res.Passed = true
			res.Message = "file does not exist"
			return res
		}
		res.Message = fmt.Sprintf("failed to read file: %v", err)
		return res
	}

	var checkErr error
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".json":
		checkErr = checkJSON(data)
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".mts", ".cts":
		// JSX is allowed everywhere but plain TypeScript, where <T> is a type
		checkErr = checkBalance(data, ext != ".ts" && ext != ".mts" && ext != ".cts")
		if checkErr == nil && isTypeScript(ext) && project.HasLocalBinary(v.opts.ProjectPath, "tsc") {
			return v.runTypeScriptCompiler(ctx, rule, filePath)
		}
	case ".py":
		return v.runPythonCompile(ctx, rule, filePath)
	case ".yaml", ".yml":
		checkErr = checkYAML(data)
	case ".go":
		checkErr = checkGo(filePath, data)
	default:
		res.Passed = true
		res.Message = fmt.Sprintf("no syntax check for %q files", ext)
		return res
	}

	if checkErr != nil {
		res.Message = checkErr.Error()
		return res
	}
	res.Passed = true
	return res
}

func isTypeScript(ext string) bool {
	switch ext {
	case ".ts", ".tsx", ".mts", ".cts":
		return true
	}
	return false
}

func (v *Validator) runTypeScriptCompiler(ctx context.Context, rule models.ValidationRule, filePath string) models.ValidationResult {
	tsc := filepath.Join("node_modules", ".bin", "tsc")
	command := tsc + " --noEmit --skipLibCheck " + shellQuote(filePath)
	if exists, _ := v.fs.Exists(filepath.Join(v.opts.ProjectPath, "tsconfig.json")); exists {
		command = tsc + " --noEmit -p ."
	}
	return v.runCommand(ctx, rule, command, v.opts.CommandTimeout)
}

func (v *Validator) runPythonCompile(ctx context.Context, rule models.ValidationRule, filePath string) models.ValidationResult {
	out, err := v.runner.Run(ctx, "python3 -m py_compile "+shellQuote(filePath), v.opts.ProjectPath, v.opts.CommandTimeout)
	if err == nil && out.ExitCode == exitCommandNotFound {
		return models.ValidationResult{Rule: rule, Passed: true, Message: "python3 not available; syntax check skipped"}
	}
	return commandResult(rule, out, err)
}

// runTool runs rule.Command, falling back to the detected tool command.
func (v *Validator) runTool(ctx context.Context, rule models.ValidationRule, toolCommand string, timeout time.Duration) models.ValidationResult {
	command := rule.Command
	if command == "" {
		command = toolCommand
	}
	if command == "" {
		return models.ValidationResult{
			Rule:    rule,
			Passed:  true,
			Message: fmt.Sprintf("no %s command configured; skipped", rule.Type),
		}
	}
	res := v.runCommand(ctx, rule, command, timeout)
	res.Rule.Command = command
	return res
}

// runCommand passes on exit code 0 and fails otherwise.
func (v *Validator) runCommand(ctx context.Context, rule models.ValidationRule, command string, timeout time.Duration) models.ValidationResult {
	out, err := v.runner.Run(ctx, command, v.opts.ProjectPath, timeout)
	return commandResult(rule, out, err)
}

func commandResult(rule models.ValidationRule, out process.Result, err error) models.ValidationResult {
	res := models.ValidationResult{Rule: rule, Output: out.Combined()}
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if out.ExitCode != 0 {
		res.Message = fmt.Sprintf("exit code %d", out.ExitCode)
		return res
	}
	res.Passed = true
	return res
}

// runCustom fails on a non-zero exit, an ErrorPattern match, or a missing
// SuccessPattern match.
func (v *Validator) runCustom(ctx context.Context, rule models.ValidationRule) models.ValidationResult {
	res := models.ValidationResult{Rule: rule}
	if rule.Command == "" {
		res.Message = "custom rule has no command"
		return res
	}

	var errorRe, successRe *regexp.Regexp
	var err error
	if rule.ErrorPattern != "" {
		if errorRe, err = regexp.Compile(rule.ErrorPattern); err != nil {
			res.Message = fmt.Sprintf("invalid error pattern: %v", err)
			return res
		}
	}
	if rule.SuccessPattern != "" {
		if successRe, err = regexp.Compile(rule.SuccessPattern); err != nil {
			res.Message = fmt.Sprintf("invalid success pattern: %v", err)
			return res
		}
	}

	res = v.runCommand(ctx, rule, rule.Command, v.opts.CommandTimeout)
	if !res.Passed {
		return res
	}
	if errorRe != nil && errorRe.MatchString(res.Output) {
		res.Passed = false
		res.Message = fmt.Sprintf("output matched error pattern %q", rule.ErrorPattern)
		return res
	}
	if successRe != nil && !successRe.MatchString(res.Output) {
		res.Passed = false
		res.Message = fmt.Sprintf("output did not match success pattern %q", rule.SuccessPattern)
		return res
	}
	return res
}

// shellQuote wraps s in single quotes for sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
