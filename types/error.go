package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition and evaluation error codes
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrConditionEval ErrorCode = "CONDITION_EVAL"
	ErrLoopLimit     ErrorCode = "LOOP_LIMIT_EXCEEDED"
)

// External call error codes
const (
	ErrCallTimeout ErrorCode = "CALL_TIMEOUT"
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrRemote      ErrorCode = "REMOTE_ERROR"
	ErrRateLimited ErrorCode = "RATE_LIMITED"
)

// Lifecycle error codes
const (
	ErrApprovalTimeout   ErrorCode = "APPROVAL_TIMEOUT"
	ErrApprovalRejected  ErrorCode = "APPROVAL_REJECTED"
	ErrCompensation      ErrorCode = "COMPENSATION"
	ErrCheckpointPersist ErrorCode = "CHECKPOINT_PERSIST"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// NodeID attributes a terminal failure to the node that produced it.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	NodeID     string    `json:"node_id,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] node %s: %s: %v", e.Code, e.NodeID, e.Message, e.Cause)
	case e.NodeID != "":
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode attributes the error to a node.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
