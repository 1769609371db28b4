// Package planner turns a task into an ordered, dependency-checked
// implementation plan with help from the code oracle.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/oracle"
	"github.com/harrison/aibuddy/internal/parser"
	"github.com/harrison/aibuddy/internal/project"
)

// FallbackRisk is recorded on the single-step plan used when the oracle
// response cannot be parsed.
const FallbackRisk = "unable to generate detailed plan"

// Planner generates, validates and refines implementation plans.
type Planner struct {
	oracle oracle.CodeOracle
	logger logger.Logger
}

// New creates a Planner. A nil logger discards messages.
func New(o oracle.CodeOracle, log logger.Logger) *Planner {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Planner{oracle: o, logger: log}
}

// wireStep mirrors ImplementationStep with pointers for fields whose absence matters.
type wireStep struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title"`
	Description  string                  `json:"description"`
	Type         models.StepType         `json:"type"`
	Target       string                  `json:"target"`
	Content      *string                 `json:"content"`
	Order        *int                    `json:"order"`
	Status       models.StepStatus       `json:"status"`
	Dependencies []string                `json:"dependencies"`
	Validation   []models.ValidationRule `json:"validation"`
}

type wirePlan struct {
	Steps             []wireStep `json:"steps"`
	EstimatedDuration string     `json:"estimatedDuration"`
	Risks             []string   `json:"risks"`
	Dependencies      []string   `json:"dependencies"`
}

// GeneratePlan asks the oracle for a plan for tc. An unparseable response
// yields the single-step fallback plan; only oracle failures are errors.
func (p *Planner) GeneratePlan(ctx context.Context, tc *models.TaskContext) (*models.ImplementationPlan, error) {
	in := planInputs{
		existingFiles: tc.ExistingFiles,
		manifest:      project.ManifestSummary(tc.ProjectPath),
	}
	if len(in.existingFiles) == 0 && tc.ProjectPath != "" {
		// One past the cap so the prompt can say how many were left out
		files, err := project.ListFiles(tc.ProjectPath, maxExistingFiles+1)
		if err != nil {
			p.logger.Warnf("Failed to list project files: %v", err)
		}
		in.existingFiles = files
	}

	response, err := p.oracle.GeneratePlan(ctx, buildPlanPrompt(tc, in))
	if err != nil {
		return nil, models.NewImplementationError(models.CodeOracleFailed, "plan generation failed", true, err)
	}

	plan, err := parsePlan(response)
	if err != nil {
		p.logger.Warnf("Could not parse plan from oracle response, using fallback plan: %v", err)
		return fallbackPlan(tc, in.existingFiles), nil
	}

	p.logger.Debugf("Generated plan with %d steps", len(plan.Steps))
	return plan, nil
}

// RefinePlan asks the oracle to revise plan with feedback. Any failure
// returns the original plan unchanged.
func (p *Planner) RefinePlan(ctx context.Context, plan *models.ImplementationPlan, feedback string, tc *models.TaskContext) *models.ImplementationPlan {
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		p.logger.Warnf("Failed to serialize plan for refinement: %v", err)
		return plan
	}

	response, err := p.oracle.Refine(ctx, buildRefinePrompt(tc, string(planJSON), feedback))
	if err != nil {
		p.logger.Warnf("Plan refinement failed, keeping current plan: %v", err)
		return plan
	}

	refined, err := parsePlan(response)
	if err != nil {
		p.logger.Warnf("Could not parse refined plan, keeping current plan: %v", err)
		return plan
	}
	return refined
}

// ParsePlan reads a plan from JSON text, with or without surrounding prose
// or code fences, applying the same defaults as oracle plans.
func ParsePlan(text string) (*models.ImplementationPlan, error) {
	return parsePlan(text)
}

// parsePlan extracts and normalizes a plan from an oracle response.
func parsePlan(response string) (*models.ImplementationPlan, error) {
	raw := parser.ExtractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var wp wirePlan
	if err := json.Unmarshal([]byte(raw), &wp); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	return normalize(wp), nil
}

// normalize fills defaults: id step-<n>, order n, status pending, empty lists.
func normalize(wp wirePlan) *models.ImplementationPlan {
	plan := &models.ImplementationPlan{
		Steps:             make([]models.ImplementationStep, len(wp.Steps)),
		EstimatedDuration: wp.EstimatedDuration,
		Risks:             wp.Risks,
		Dependencies:      wp.Dependencies,
	}
	if plan.Risks == nil {
		plan.Risks = []string{}
	}
	if plan.Dependencies == nil {
		plan.Dependencies = []string{}
	}

	for i, ws := range wp.Steps {
		step := models.ImplementationStep{
			ID:           strings.TrimSpace(ws.ID),
			Title:        ws.Title,
			Description:  ws.Description,
			Type:         ws.Type,
			Target:       ws.Target,
			Content:      ws.Content,
			Order:        i + 1,
			Status:       ws.Status,
			Dependencies: ws.Dependencies,
			Validation:   ws.Validation,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if ws.Order != nil {
			step.Order = *ws.Order
		}
		if step.Status == "" {
			step.Status = models.StepPending
		}
		if step.Dependencies == nil {
			step.Dependencies = []string{}
		}
		if step.Validation == nil {
			step.Validation = []models.ValidationRule{}
		}
		plan.Steps[i] = step
	}
	return plan
}

// fallbackPlan is a single best-effort modify step on the most relevant file:
// the first related file, else the first known or discovered project file.
func fallbackPlan(tc *models.TaskContext, existingFiles []string) *models.ImplementationPlan {
	target := ""
	if len(tc.RelatedFiles) > 0 {
		target = sortedKeys(tc.RelatedFiles)[0]
	} else if len(existingFiles) > 0 {
		target = existingFiles[0]
	}

	title := tc.Title
	if title == "" {
		title = "Implement task"
	}

	return &models.ImplementationPlan{
		Steps: []models.ImplementationStep{{
			ID:           "step-1",
			Title:        title,
			Description:  tc.Description,
			Type:         models.StepModifyFile,
			Target:       target,
			Order:        1,
			Status:       models.StepPending,
			Dependencies: []string{},
			Validation:   []models.ValidationRule{{Type: models.RuleSyntax}},
		}},
		Risks:        []string{FallbackRisk},
		Dependencies: []string{},
	}
}

// Report is the outcome of ValidatePlan.
type Report struct {
	Valid  bool
	Issues []string
}

// ValidatePlan checks structural invariants: every step has an id, title and
// known type; ids are unique; dependencies name other existing steps; the
// dependency graph is acyclic.
func (p *Planner) ValidatePlan(plan *models.ImplementationPlan) Report {
	return ValidatePlan(plan)
}

// ValidatePlan is the stateless form of Planner.ValidatePlan.
func ValidatePlan(plan *models.ImplementationPlan) Report {
	var issues []string

	if plan == nil || len(plan.Steps) == 0 {
		return Report{Valid: false, Issues: []string{"plan has no steps"}}
	}

	ids := make(map[string]int, len(plan.Steps))
	for i, step := range plan.Steps {
		label := step.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			issues = append(issues, fmt.Sprintf("step %s: missing id", label))
		}
		if step.Title == "" {
			issues = append(issues, fmt.Sprintf("step %s: missing title", label))
		}
		if step.Type == "" {
			issues = append(issues, fmt.Sprintf("step %s: missing type", label))
		} else if !step.Type.Valid() {
			issues = append(issues, fmt.Sprintf("step %s: unknown type %q", label, step.Type))
		}
		if step.ID != "" {
			if _, dup := ids[step.ID]; dup {
				issues = append(issues, fmt.Sprintf("step %s: duplicate id", step.ID))
			}
			ids[step.ID] = i
		}
	}

	dangling := false
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			switch {
			case dep == step.ID:
				issues = append(issues, fmt.Sprintf("step %s: depends on itself", step.ID))
				dangling = true
			case !hasKey(ids, dep):
				issues = append(issues, fmt.Sprintf("step %s: depends on unknown step %q", step.ID, dep))
				dangling = true
			}
		}
	}

	// Cycle detection only makes sense on a closed graph
	if !dangling {
		if _, err := Schedule(plan); err != nil {
			issues = append(issues, err.Error())
		}
	}

	return Report{Valid: len(issues) == 0, Issues: issues}
}

func hasKey(m map[string]int, k string) bool {
	_, ok := m[k]
	return ok
}

// Schedule returns step indices in a dependency-respecting order. Among
// steps that are ready at the same time, lower Order runs first, then plan
// position. Unknown dependencies and cycles are errors.
func Schedule(plan *models.ImplementationPlan) ([]int, error) {
	n := len(plan.Steps)
	index := make(map[string]int, n)
	for i, s := range plan.Steps {
		index[s.ID] = i
	}

	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range plan.Steps {
		for _, dep := range s.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %q", s.ID, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	less := func(a, b int) bool {
		if plan.Steps[a].Order != plan.Steps[b].Order {
			return plan.Steps[a].Order < plan.Steps[b].Order
		}
		return a < b
	}

	var ready []int
	for i := range plan.Steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool { return less(ready[x], ready[y]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != n {
		var stuck []string
		for i := range plan.Steps {
			if indegree[i] > 0 {
				stuck = append(stuck, plan.Steps[i].ID)
			}
		}
		return nil, fmt.Errorf("dependency cycle among steps: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}
