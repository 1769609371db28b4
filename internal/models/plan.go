package models

// StepType identifies what a plan step mutates.
type StepType string

const (
	StepCreateFile StepType = "create_file"
	StepModifyFile StepType = "modify_file"
	StepDeleteFile StepType = "delete_file"
	StepRunCommand StepType = "run_command"
	StepTest       StepType = "test"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepCreateFile, StepModifyFile, StepDeleteFile, StepRunCommand, StepTest:
		return true
	}
	return false
}

// IsFileStep reports whether the step targets a file path rather than a command.
func (t StepType) IsFileStep() bool {
	return t == StepCreateFile || t == StepModifyFile || t == StepDeleteFile
}

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// RuleType identifies a validation check.
type RuleType string

const (
	RuleSyntax    RuleType = "syntax"
	RuleTypeCheck RuleType = "type_check"
	RuleLint      RuleType = "lint"
	RuleTest      RuleType = "test"
	RuleCustom    RuleType = "custom"
)

// ValidationRule is a named check gating a step's success.
type ValidationRule struct {
	Type           RuleType `json:"type" yaml:"type"`
	Command        string   `json:"command,omitempty" yaml:"command,omitempty"`
	ErrorPattern   string   `json:"errorPattern,omitempty" yaml:"error_pattern,omitempty"`
	SuccessPattern string   `json:"successPattern,omitempty" yaml:"success_pattern,omitempty"`
}

// ImplementationStep is a single typed mutation in a plan.
type ImplementationStep struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Type         StepType         `json:"type"`
	Target       string           `json:"target"`            // File path or command string
	Content      *string          `json:"content,omitempty"` // Literal content; nil asks the oracle
	Order        int              `json:"order"`
	Status       StepStatus       `json:"status"`
	Dependencies []string         `json:"dependencies"`
	Validation   []ValidationRule `json:"validation"`
}

// HasContent reports whether the step carries literal content.
func (s *ImplementationStep) HasContent() bool {
	return s.Content != nil
}

// ImplementationPlan is the ordered list of steps produced by the planner.
type ImplementationPlan struct {
	Steps             []ImplementationStep `json:"steps"`
	EstimatedDuration string               `json:"estimatedDuration,omitempty"`
	Risks             []string             `json:"risks,omitempty"`
	Dependencies      []string             `json:"dependencies,omitempty"` // External packages, not step ids
}

// StepByID returns a pointer to the step with the given id, or nil.
func (p *ImplementationPlan) StepByID(id string) *ImplementationStep {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *ImplementationPlan) Clone() *ImplementationPlan {
	if p == nil {
		return nil
	}
	out := &ImplementationPlan{
		EstimatedDuration: p.EstimatedDuration,
		Risks:             copyStrings(p.Risks),
		Dependencies:      copyStrings(p.Dependencies),
		Steps:             make([]ImplementationStep, len(p.Steps)),
	}
	for i, s := range p.Steps {
		cp := s
		if s.Content != nil {
			content := *s.Content
			cp.Content = &content
		}
		cp.Dependencies = copyStrings(s.Dependencies)
		if s.Validation != nil {
			cp.Validation = make([]ValidationRule, len(s.Validation))
			copy(cp.Validation, s.Validation)
		}
		out.Steps[i] = cp
	}
	return out
}

// copyStrings copies a slice, preserving the nil/empty distinction.
func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
