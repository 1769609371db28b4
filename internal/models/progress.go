package models

import "time"

// RunStatus is the state of the implementation engine.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunPlanning   RunStatus = "planning"
	RunReviewing  RunStatus = "reviewing"
	RunExecuting  RunStatus = "executing"
	RunValidating RunStatus = "validating"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	// RunFailedUnrecoverable marks a failed run whose rollback left changes behind.
	RunFailedUnrecoverable RunStatus = "failed_unrecoverable"
	RunCancelled           RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions happen without a new run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunFailedUnrecoverable, RunCancelled:
		return true
	}
	return false
}

// InFlight reports whether a run is actively planning or executing.
func (s RunStatus) InFlight() bool {
	switch s {
	case RunPlanning, RunExecuting, RunValidating:
		return true
	}
	return false
}

// ImplementationProgress is the observable state of a run.
// Only the engine mutates it; consumers receive copies from Clone.
type ImplementationProgress struct {
	RunID          string              `json:"runId"`
	TaskID         string              `json:"taskId"`
	Status         RunStatus           `json:"status"`
	CurrentStep    int                 `json:"currentStep"`
	TotalSteps     int                 `json:"totalSteps"`
	CompletedSteps int                 `json:"completedSteps"`
	FailedSteps    int                 `json:"failedSteps"`
	Message        string              `json:"message,omitempty"`
	Error          string              `json:"error,omitempty"`
	Plan           *ImplementationPlan `json:"plan,omitempty"`
	Results        []ExecutionResult   `json:"results,omitempty"`
	CanRollback    bool                `json:"canRollback"`
}

// Clone returns a deep copy safe to hand to observers.
func (p ImplementationProgress) Clone() ImplementationProgress {
	out := p
	out.Plan = p.Plan.Clone()
	if p.Results != nil {
		out.Results = make([]ExecutionResult, len(p.Results))
		for i, r := range p.Results {
			out.Results[i] = r.clone()
		}
	}
	return out
}

func (r ExecutionResult) clone() ExecutionResult {
	out := r
	if r.Changes != nil {
		out.Changes = make([]FileChange, len(r.Changes))
		copy(out.Changes, r.Changes)
	}
	if r.Validations != nil {
		out.Validations = make([]ValidationResult, len(r.Validations))
		copy(out.Validations, r.Validations)
	}
	return out
}

// EventType names a discrete engine notification.
type EventType string

const (
	EventStatusChange        EventType = "status_change"
	EventPlanGenerated       EventType = "plan_generated"
	EventStepStarted         EventType = "step_started"
	EventStepCompleted       EventType = "step_completed"
	EventStepFailed          EventType = "step_failed"
	EventValidationStarted   EventType = "validation_started"
	EventValidationCompleted EventType = "validation_completed"
	EventError               EventType = "error"
	EventLog                 EventType = "log"
)

// ImplementationEvent is a discrete notification published by the engine.
type ImplementationEvent struct {
	Type      EventType        `json:"type"`
	RunID     string           `json:"runId"`
	TaskID    string           `json:"taskId"`
	StepID    string           `json:"stepId,omitempty"`
	StepType  StepType         `json:"stepType,omitempty"`
	Status    RunStatus        `json:"status,omitempty"`
	Level     string           `json:"level,omitempty"` // info, warn, error for log events
	Message   string           `json:"message,omitempty"`
	Result    *ExecutionResult `json:"result,omitempty"`
	Passed    *bool            `json:"passed,omitempty"` // validation_completed outcome
	Timestamp time.Time        `json:"timestamp"`
}

// RunRecord summarizes a finished run for the history store.
type RunRecord struct {
	RunID          string
	TaskID         string
	ProjectPath    string
	Title          string
	Status         RunStatus
	Error          string
	TotalSteps     int
	CompletedSteps int
	FailedSteps    int
	StartedAt      time.Time
	FinishedAt     time.Time
	Plan           *ImplementationPlan
	Results        []ExecutionResult
}
