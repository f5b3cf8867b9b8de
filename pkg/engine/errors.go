package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a task error for retry and lifecycle handling.
type ErrorClass string

const (
	// ErrorClassRejected indicates a precondition was not met.
	// Raised before any mutation; the resource is untouched.
	ErrorClassRejected ErrorClass = "rejected"

	// ErrorClassNotReady indicates a dependency is not ready yet.
	// The scheduler may resubmit once the dependency settles.
	ErrorClassNotReady ErrorClass = "not_ready"

	// ErrorClassRecoverable indicates a mid-operation failure that may succeed on retry.
	// Examples: remote URL unreachable, transient SSH failure.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassFatal indicates an environment inconsistency that must not be retried blindly.
	// Examples: target image file missing.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassNonCritical marks a best-effort step that failed without corrupting durable state.
	// Handlers log it and continue.
	ErrorClassNonCritical ErrorClass = "non_critical"
)

// TaskError represents a classified error with context.
type TaskError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is a stable identifier such as "image_attached".
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource reference that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	prefix := string(e.Class)
	if e.Code != "" {
		prefix = fmt.Sprintf("%s/%s", e.Class, e.Code)
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", prefix, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", prefix, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// A target with an empty code matches any error of the same class.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Reject creates a rejection with the given code.
func Reject(code, message string) *TaskError {
	return &TaskError{Class: ErrorClassRejected, Code: code, Message: message}
}

// NotReady creates a not-ready error with the given code.
func NotReady(code, message string) *TaskError {
	return &TaskError{Class: ErrorClassNotReady, Code: code, Message: message}
}

// NewRecoverableError creates a new recoverable error.
func NewRecoverableError(message string, err error) *TaskError {
	return &TaskError{
		Class:   ErrorClassRecoverable,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *TaskError {
	return &TaskError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// NewNonCriticalError creates an error for a best-effort step.
func NewNonCriticalError(message string, err error) *TaskError {
	return &TaskError{
		Class:   ErrorClassNonCritical,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *TaskError) WithResource(resource string) *TaskError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *TaskError) WithOperation(operation string) *TaskError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *TaskError) WithCode(code string) *TaskError {
	e.Code = code
	return e
}

// ClassOf returns the class of err. Errors that are not TaskErrors are recoverable.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *TaskError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassRecoverable
}

// CodeOf returns the code of err, or "" when it carries none.
func CodeOf(err error) string {
	var e *TaskError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRejected returns true if the error is a rejection.
func IsRejected(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassRejected
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassFatal
}

// IsNonCritical returns true if the error is a swallowed best-effort failure.
func IsNonCritical(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassNonCritical
}

// IsRetryable returns true if the scheduler may resubmit the task.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassRejected, ErrorClassNotReady, ErrorClassRecoverable:
		return true
	}
	return false
}

// Error codes.
const (
	ErrCodeImageAttached     = "image_attached"
	ErrCodeImageNotAttached  = "image_not_attached"
	ErrCodeImageState        = "image_state"
	ErrCodeImageWrongState   = "image_wrong_state"
	ErrCodeImageNotFound     = "image_not_found"
	ErrCodeVMNotStopped      = "vm_not_stopped"
	ErrCodeURLNotFound       = "url_not_found"
	ErrCodeNodeOffline       = "node_offline"
	ErrCodeNodeMACUnknown    = "node_mac_unknown"
	ErrCodeUploadCancelled   = "upload_cancelled"
	ErrCodeUnsupportedAction = "unsupported_action"
	ErrCodeMissingProperty   = "missing_property"
	ErrCodeMissingObject     = "missing_object"
	ErrCodeRedefineFailed    = "redefine_failed"
	ErrCodeRemoteOpFailed    = "remote_op_failed"
	ErrCodeStoreFailed       = "store_failed"
	ErrCodeChunkNotFound     = "chunk_not_found"
	ErrCodeNoFreeDevice      = "no_free_device"
)
