package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes carried by ImplementationError.
const (
	CodePlanGenerationFailed  = "PLAN_GENERATION_FAILED"
	CodeInvalidPlan           = "INVALID_PLAN"
	CodeInvalidState          = "INVALID_STATE"
	CodeInvalidTarget         = "INVALID_TARGET"
	CodeStepFailed            = "STEP_FAILED"
	CodeFileExists            = "FILE_EXISTS"
	CodeFileNotFound          = "FILE_NOT_FOUND"
	CodeFileIO                = "FILE_IO"
	CodeCommandFailed         = "COMMAND_FAILED"
	CodeTestsFailed           = "TESTS_FAILED"
	CodeOracleFailed          = "ORACLE_FAILED"
	CodeUnknownStepType       = "UNKNOWN_STEP_TYPE"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeProjectLocked         = "PROJECT_LOCKED"
	CodeRollbackInitFailed    = "ROLLBACK_INIT_FAILED"
	CodeFinalValidationFailed = "FINAL_VALIDATION_FAILED"
	CodeCancelled             = "CANCELLED"
)

// ImplementationError is the generic operational failure of a run or step.
type ImplementationError struct {
	Code        string   // Machine-readable error code
	Message     string   // Human-readable message
	StepID      string   // Step that failed (optional)
	Recoverable bool     // Whether a retry may succeed
	Details     []string // Additional detail lines (optional)
	Err         error    // Underlying error (optional)
}

// NewImplementationError creates an ImplementationError.
func NewImplementationError(code, msg string, recoverable bool, err error) *ImplementationError {
	return &ImplementationError{
		Code:        code,
		Message:     msg,
		Recoverable: recoverable,
		Err:         err,
	}
}

// NewStepError creates an ImplementationError attributed to a step.
func NewStepError(stepID, code, msg string, err error) *ImplementationError {
	return &ImplementationError{
		Code:        code,
		Message:     msg,
		StepID:      stepID,
		Recoverable: true,
		Err:         err,
	}
}

// Error implements the error interface.
func (e *ImplementationError) Error() string {
	var sb strings.Builder
	if e.StepID != "" {
		sb.WriteString(fmt.Sprintf("step %s: ", e.StepID))
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	if len(e.Details) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(e.Details, "; "))
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *ImplementationError) Unwrap() error {
	return e.Err
}

// ValidationError reports that one or more validation rules failed after a step.
type ValidationError struct {
	*ImplementationError
	Results []ValidationResult
}

// NewValidationError builds a ValidationError from the full result list.
func NewValidationError(stepID string, results []ValidationResult) *ValidationError {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			msg := string(r.Rule.Type)
			if r.Message != "" {
				msg += ": " + r.Message
			}
			failed = append(failed, msg)
		}
	}
	return &ValidationError{
		ImplementationError: &ImplementationError{
			Code:        CodeValidationFailed,
			Message:     fmt.Sprintf("%d of %d validation rules failed", len(failed), len(results)),
			StepID:      stepID,
			Recoverable: true,
			Details:     failed,
		},
		Results: results,
	}
}

// Unwrap exposes the embedded ImplementationError so errors.As finds it.
func (e *ValidationError) Unwrap() error {
	return e.ImplementationError
}

// FailedChange pairs a change that could not be reversed with the reason.
type FailedChange struct {
	Change FileChange
	Err    error
}

// RollbackError reports the subset of changes that could not be reversed.
type RollbackError struct {
	Failed []FailedChange
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("rollback failed for %d change(s)", len(e.Failed)))
	for _, f := range e.Failed {
		sb.WriteString(fmt.Sprintf("\n  - %s %s: %v", f.Change.ChangeType, f.Change.Path, f.Err))
	}
	return sb.String()
}

// Unwrap returns the per-change errors.
func (e *RollbackError) Unwrap() []error {
	if len(e.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// AsImplementationError returns the ImplementationError in err's chain, if any.
func AsImplementationError(err error) (*ImplementationError, bool) {
	var ie *ImplementationError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// IsValidationError checks if the error is or wraps a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRollbackError checks if the error is or wraps a RollbackError.
func IsRollbackError(err error) bool {
	if err == nil {
		return false
	}
	var re *RollbackError
	return errors.As(err, &re)
}
