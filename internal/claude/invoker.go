// Package claude implements the code oracle on top of the Claude CLI.
package claude

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Invoker is a reusable client for invoking Claude CLI commands.
// Create once, use many times. Safe for concurrent use.
type Invoker struct {
	// ClaudePath is the path to the claude CLI binary. Defaults to "claude".
	ClaudePath string

	// Model is passed with --model when non-empty.
	Model string

	// Timeout bounds each invocation when positive.
	Timeout time.Duration
}

// Request holds per-invocation configuration for a Claude CLI call.
type Request struct {
	// Prompt is the user prompt (required).
	Prompt string

	// SystemPrompt replaces the CLI's default system prompt when set.
	SystemPrompt string
}

// Response holds the raw output from a Claude CLI invocation.
type Response struct {
	RawOutput []byte
}

// NewInvoker creates a new Invoker with default settings.
func NewInvoker() *Invoker {
	return &Invoker{ClaudePath: "claude"}
}

// Invoke runs the CLI once and returns its stdout/stderr.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	claudePath := inv.ClaudePath
	if claudePath == "" {
		claudePath = "claude"
	}

	cmd := exec.CommandContext(ctx, claudePath, inv.buildArgs(req)...)
	SetCleanEnv(cmd)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("claude invocation aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("claude invocation failed: %w (output: %s)", err, truncate(string(output), 500))
	}

	return &Response{RawOutput: output}, nil
}

// buildArgs always includes -p, --output-format json and --settings;
// --system-prompt and --model only when configured.
func (inv *Invoker) buildArgs(req Request) []string {
	var args []string
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	args = append(args, "-p", req.Prompt)
	args = append(args, "--output-format", "json")

	// Hooks are for interactive sessions
	args = append(args, "--settings", `{"disableAllHooks": true}`)
	return args
}

// truncate returns s truncated to maxLen characters with "..." suffix if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
