// Package process runs shell commands for the step executor and validator.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result holds the captured output of a finished command.
// A non-zero ExitCode is not an error; callers decide what it means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Runner executes a command string in a working directory with a timeout.
// It returns an error only when the command could not be started, was
// cancelled, or timed out.
type Runner interface {
	Run(ctx context.Context, command, cwd string, timeout time.Duration) (Result, error)
}

// TimeoutError reports a command killed after exceeding its timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q: timeout after %v", e.Command, e.Timeout)
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsTimeout checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ShellRunner executes commands via `sh -c`.
type ShellRunner struct {
	// Shell is the interpreter used for commands. Defaults to "sh".
	Shell string
}

// NewShellRunner creates a Runner that executes real shell commands.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "sh"}
}

// Run executes command in cwd, killing it after timeout (0 = no timeout).
func (r *ShellRunner) Run(ctx context.Context, command, cwd string, timeout time.Duration) (Result, error) {
	if command == "" {
		return Result{}, errors.New("command is required")
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = cwd
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, &TimeoutError{Command: command, Timeout: timeout}
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("command %q cancelled: %w", command, ctx.Err())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run command %q: %w", command, err)
	}

	return result, nil
}

var _ Runner = (*ShellRunner)(nil)
