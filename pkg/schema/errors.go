package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotLoaded       = "NOT_LOADED"
	ErrCodeStepNotFound    = "STEP_NOT_FOUND"
	ErrCodeNoTransition    = "NO_TRANSITION"
	ErrCodeRemoteExecution = "REMOTE_EXECUTION_FAILURE"
	ErrCodeStaleResumption = "STALE_RESUMPTION"
	ErrCodeCorrelationMiss = "CORRELATION_MISS"
	ErrCodeRecursionLimit  = "RECURSION_LIMIT_REACHED"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type returned by every orchestrator operation.
type FlowError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.ExecutionID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] execution %s step %s: %s", e.Code, e.ExecutionID, e.StepID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.ExecutionID != "":
		return fmt.Sprintf("[%s] execution %s: %s", e.Code, e.ExecutionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// DetailRejected marks a remote failure where the authority answered
// success:false. Such calls reached the authority and are not repeated.
const DetailRejected = "rejected"

// IsRetryable reports whether the failed operation may succeed if repeated.
// Transport failures and open circuits are transient; graph integrity,
// correlation problems and authority rejections are not.
func (e *FlowError) IsRetryable() bool {
	if rejected, _ := e.Details[DetailRejected].(bool); rejected {
		return false
	}
	switch e.Code {
	case ErrCodeRemoteExecution, ErrCodeNotLoaded, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithExecution attaches an execution ID to the error.
func (e *FlowError) WithExecution(executionID string) *FlowError {
	e.ExecutionID = executionID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// AsFlowError returns the FlowError in err's chain, or wraps err as a
// REMOTE_EXECUTION_FAILURE when there is none.
func AsFlowError(err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(ErrCodeRemoteExecution, err.Error()).WithCause(err)
}

// CodeOf extracts the FlowError code from err, or "" when err is not a FlowError.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) is a FlowError with code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Ignorable reports whether err represents a race between channels rather
// than a failure worth showing to a user.
func Ignorable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStaleResumption, ErrCodeCorrelationMiss:
		return true
	}
	return false
}

// UserMessage is the single message shown at a UI boundary for any failure
// that is not Ignorable.
const UserMessage = "something went wrong, please retry"

// UserFacing maps err to what a UI should show: "" for nil or ignorable
// errors, UserMessage for everything else.
func UserFacing(err error) string {
	if err == nil || Ignorable(err) {
		return ""
	}
	return UserMessage
}
