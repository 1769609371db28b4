// Package oracle defines the code-generation oracle the engine consults for
// plans, file contents and plan refinements.
package oracle

import (
	"context"
	"fmt"
	"time"
)

// CodeOracle generates text from a prompt. Implementations must honor ctx
// cancellation; the engine wraps every oracle with a per-call timeout.
type CodeOracle interface {
	// GeneratePlan returns text expected to contain a JSON plan object.
	GeneratePlan(ctx context.Context, prompt string) (string, error)

	// GenerateContent returns full file contents, possibly inside a code fence.
	GenerateContent(ctx context.Context, prompt string) (string, error)

	// Refine returns a revised JSON plan object.
	Refine(ctx context.Context, prompt string) (string, error)
}

// Func adapts a single function into a CodeOracle answering every call kind.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func (f Func) GenerateContent(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func (f Func) Refine(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// TimeoutOracle bounds each call of the wrapped oracle.
type TimeoutOracle struct {
	inner   CodeOracle
	timeout time.Duration
}

// WithTimeout wraps o so every call gets its own deadline.
// A non-positive timeout returns o unchanged.
func WithTimeout(o CodeOracle, timeout time.Duration) CodeOracle {
	if timeout <= 0 || o == nil {
		return o
	}
	return &TimeoutOracle{inner: o, timeout: timeout}
}

func (t *TimeoutOracle) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return t.call(ctx, "generate plan", prompt, t.inner.GeneratePlan)
}

func (t *TimeoutOracle) GenerateContent(ctx context.Context, prompt string) (string, error) {
	return t.call(ctx, "generate content", prompt, t.inner.GenerateContent)
}

func (t *TimeoutOracle) Refine(ctx context.Context, prompt string) (string, error) {
	return t.call(ctx, "refine", prompt, t.inner.Refine)
}

func (t *TimeoutOracle) call(ctx context.Context, op, prompt string, fn func(context.Context, string) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := fn(ctx, prompt)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("oracle %s timed out after %v: %w", op, t.timeout, context.DeadlineExceeded)
		}
		return "", err
	}
	return out, nil
}
