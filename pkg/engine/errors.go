package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid workflow or processor setup.
	// Examples: duplicate dependent names, dependency cycles. Never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassExecution indicates a failure of a single dependent resource
	// operation. It is isolated to that node and its dependents.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassDispatch indicates a failure of a whole reconciliation dispatch.
	// Drives the retry path of the event processor.
	ErrorClassDispatch ErrorClass = "dispatch"

	// ErrorClassState indicates an illegal state transition, i.e. a programmer error.
	ErrorClassState ErrorClass = "state"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource or node that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new per-node execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExecution,
		Message: message,
		Err:     err,
	}
}

// NewDispatchError creates a new dispatch-level error.
func NewDispatchError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDispatch,
		Message: message,
		Err:     err,
	}
}

// NewStateError creates a new illegal-state error.
func NewStateError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassState,
		Message: message,
		Code:    ErrCodeIllegalTransition,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsExecution returns true if the error is classified as an execution error.
func IsExecution(err error) bool {
	return ClassOf(err) == ErrorClassExecution
}

// IsDispatch returns true if the error is classified as a dispatch error.
func IsDispatch(err error) bool {
	return ClassOf(err) == ErrorClassDispatch
}

// IsState returns true if the error is classified as a state error.
func IsState(err error) bool {
	return ClassOf(err) == ErrorClassState
}

// IsRetryable returns true unless the error is a configuration or state error.
// Unclassified errors from user code are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsConfiguration(err) && !IsState(err)
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeDuplicateName       = "DUPLICATE_NAME"
	ErrCodeUnknownDependency   = "UNKNOWN_DEPENDENCY"
	ErrCodeCycle               = "DEPENDENCY_CYCLE"
	ErrCodeIllegalTransition   = "ILLEGAL_STATE_TRANSITION"
	ErrCodeDispatchPanic       = "DISPATCH_PANIC"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeConcurrentExecution = "CONCURRENT_EXECUTION"
	ErrCodeNodeFailed          = "NODE_FAILED"
	ErrCodeConditionFailed     = "CONDITION_FAILED"
	ErrCodeInterrupted         = "PASS_INTERRUPTED"
)
