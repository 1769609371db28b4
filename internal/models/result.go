package models

import "time"

// ChangeType describes a recorded file mutation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// FileChange is an append-only log entry describing one file mutation.
// Path is relative to the project root.
type FileChange struct {
	Path            string     `json:"path"`
	ChangeType      ChangeType `json:"changeType"`
	OriginalContent *string    `json:"originalContent,omitempty"`
	NewContent      *string    `json:"newContent,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ValidationResult is the outcome of running one ValidationRule.
type ValidationResult struct {
	Rule    ValidationRule `json:"rule"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message,omitempty"`
	Output  string         `json:"output,omitempty"`
}

// ExecutionResult is the outcome of one execution attempt of a step.
// A retried step has one result per attempt.
type ExecutionResult struct {
	StepID      string             `json:"stepId"`
	Status      StepStatus         `json:"status"`
	Output      string             `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	Changes     []FileChange       `json:"changes,omitempty"`
	Validations []ValidationResult `json:"validations,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Attempt     int                `json:"attempt"` // 1-based attempt number
}

// LatestResults returns the last result recorded for each step id, keyed by id.
func LatestResults(results []ExecutionResult) map[string]ExecutionResult {
	latest := make(map[string]ExecutionResult, len(results))
	for _, r := range results {
		latest[r.StepID] = r
	}
	return latest
}

// CountAttempts returns how many results were recorded for stepID.
func CountAttempts(results []ExecutionResult, stepID string) int {
	n := 0
	for _, r := range results {
		if r.StepID == stepID {
			n++
		}
	}
	return n
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
