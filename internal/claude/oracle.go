package claude

import (
	"context"
	"fmt"
)

const planSystemPrompt = "You are a senior software engineer planning code changes. Your ONLY output must be a single JSON object describing the implementation plan. No prose, no explanations."

const contentSystemPrompt = "You are a senior software engineer writing source files. Output ONLY the complete file contents. No explanations, no surrounding prose."

// Oracle answers engine prompts through the Claude CLI.
type Oracle struct {
	inv *Invoker
}

// NewOracle creates an Oracle using inv. A nil invoker uses NewInvoker().
func NewOracle(inv *Invoker) *Oracle {
	if inv == nil {
		inv = NewInvoker()
	}
	return &Oracle{inv: inv}
}

// GeneratePlan asks for a JSON implementation plan.
func (o *Oracle) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return o.ask(ctx, planSystemPrompt, prompt)
}

// GenerateContent asks for complete file contents.
func (o *Oracle) GenerateContent(ctx context.Context, prompt string) (string, error) {
	return o.ask(ctx, contentSystemPrompt, prompt)
}

// Refine asks for a revised JSON implementation plan.
func (o *Oracle) Refine(ctx context.Context, prompt string) (string, error) {
	return o.ask(ctx, planSystemPrompt, prompt)
}

func (o *Oracle) ask(ctx context.Context, systemPrompt, prompt string) (string, error) {
	resp, err := o.inv.Invoke(ctx, Request{Prompt: prompt, SystemPrompt: systemPrompt})
	if err != nil {
		return "", err
	}

	content, _, err := ParseResponse(resp.RawOutput)
	if err != nil {
		return "", fmt.Errorf("failed to parse claude output: %w", err)
	}
	if content == "" {
		return "", fmt.Errorf("empty response from claude")
	}
	return content, nil
}
