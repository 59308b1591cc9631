package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
)

// Application error types carried across the activity boundary. Sentinel
// identity is lost when an error is serialized, so activities tag the
// failures workflows need to tell apart.
const (
	ErrTypeInvalidInput       = "InvalidInput"
	ErrTypeMergeRejected      = "MergeRejected"
	ErrTypeMonitorUnavailable = "MonitorUnavailable"
	ErrTypeNotMerged          = "NotMerged"
)

// Error severity levels for workflow errors
type ErrorSeverity string

const (
	// ErrorSeverityCritical indicates the workflow must fail
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh indicates a major issue but workflow can continue
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow indicates a minor issue that doesn't affect main functionality
	ErrorSeverityLow ErrorSeverity = "low"
)

// WorkflowError represents a structured error in a workflow
type WorkflowError struct {
	Operation string        // The operation that failed (e.g., "submit_change", "merge_change")
	Severity  ErrorSeverity // How severe the error is
	Err       error         // The underlying error
	Context   string        // Additional context about the error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error with context
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// WrapActivityError wraps an activity error with operation context. When
// err carries an application error type, the wrapper is an application
// error of the same type so the type survives the workflow boundary.
func WrapActivityError(operation string, err error) error {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	msg := fmt.Sprintf("%s: %v", operation, err)
	if appErr.NonRetryable() {
		return temporal.NewNonRetryableApplicationError(msg, appErr.Type(), err)
	}
	return temporal.NewApplicationErrorWithCause(msg, appErr.Type(), err)
}

// FormatErrorForResult formats an error for inclusion in a result's Errors slice.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}

// hasErrorType reports whether any ApplicationError in err's chain has
// type t. Untyped wrappers converted by Temporal sit above the typed cause.
func hasErrorType(err error, t string) bool {
	for err != nil {
		var appErr *temporal.ApplicationError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type() == t {
			return true
		}
		err = appErr.Unwrap()
	}
	return false
}

// codeHostError tags code host failures so workflows can react to a rejected
// merge without retrying it.
func codeHostError(op string, err error) error {
	if errors.Is(err, deploy.ErrMergeRejected) {
		return temporal.NewNonRetryableApplicationError(fmt.Sprintf("%s: %v", op, err), ErrTypeMergeRejected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Error handling in deployment workflows:
//
// CRITICAL (fail the workflow):
//   - The change could not be submitted, or its pipeline could not be
//     observed before the pipeline timeout.
//   - Pattern: add to result.Errors and return the wrapped error.
//
// HIGH (record, finish with an outcome):
//   - Pipeline failure, pipeline timeout, rejected merge. These are answers
//     about the fix, not infrastructure failures.
//   - Pattern: close the change, set result.Outcome, return nil.
//
// LOW (log only):
//   - Failure to close an abandoned change. The change is left open for a
//     human; the outcome is unaffected.
