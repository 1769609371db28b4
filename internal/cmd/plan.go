package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/aibuddy/internal/engine"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/planner"
)

// staticPlanner serves a prepared plan and hands refinement to the oracle planner.
type staticPlanner struct {
	plan    *models.ImplementationPlan
	refiner engine.Planner
}

func (s *staticPlanner) GeneratePlan(ctx context.Context, tc *models.TaskContext) (*models.ImplementationPlan, error) {
	return s.plan.Clone(), nil
}

func (s *staticPlanner) RefinePlan(ctx context.Context, plan *models.ImplementationPlan, feedback string, tc *models.TaskContext) *models.ImplementationPlan {
	return s.refiner.RefinePlan(ctx, plan, feedback, tc)
}

// loadPlanFile reads a JSON plan file.
func loadPlanFile(path string) (*models.ImplementationPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	plan, err := planner.ParsePlan(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	return plan, nil
}

// renderPlan prints the steps in execution order when the plan schedules,
// else in plan order.
func renderPlan(w io.Writer, plan *models.ImplementationPlan) {
	if plan == nil {
		fmt.Fprintln(w, "No plan.")
		return
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "\n%s (%d steps", bold("Implementation plan"), len(plan.Steps))
	if plan.EstimatedDuration != "" {
		fmt.Fprintf(w, ", estimated %s", plan.EstimatedDuration)
	}
	fmt.Fprintln(w, ")")

	order, err := planner.Schedule(plan)
	if err != nil {
		order = make([]int, len(plan.Steps))
		for i := range order {
			order[i] = i
		}
	}
	for n, idx := range order {
		step := plan.Steps[idx]
		fmt.Fprintf(w, "  %d. [%s] %s: %s\n", n+1, step.ID, step.Type, step.Title)
		if step.Target != "" {
			fmt.Fprintf(w, "     target: %s\n", step.Target)
		}
		if len(step.Dependencies) > 0 {
			fmt.Fprintf(w, "     after: %s\n", strings.Join(step.Dependencies, ", "))
		}
		if len(step.Validation) > 0 {
			rules := make([]string, len(step.Validation))
			for i, r := range step.Validation {
				rules[i] = string(r.Type)
			}
			fmt.Fprintf(w, "     checks: %s\n", strings.Join(rules, ", "))
		}
	}

	if len(plan.Risks) > 0 {
		fmt.Fprintln(w, bold("Risks"))
		for _, r := range plan.Risks {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if len(plan.Dependencies) > 0 {
		fmt.Fprintf(w, "%s %s\n", bold("Packages:"), strings.Join(plan.Dependencies, ", "))
	}
	fmt.Fprintln(w)
}
