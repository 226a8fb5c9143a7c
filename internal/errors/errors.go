// Package errors provides the typed error kinds returned by the ledger services.
//
// Every service operation returns either a value or an *Error carrying one of
// the Code constants below. Storage-level failures are translated into these
// codes before they leave the service layer.
package errors

import "errors"

// Code is a machine-readable error kind.
type Code string

const (
	// CodeUnknown represents an error that is not a domain error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation is malformed input (email, username, password, budget, name).
	CodeValidation Code = "VALIDATION"
	// CodeConflict is a uniqueness violation on username, email or event name.
	CodeConflict Code = "CONFLICT"
	// CodeNotFound is a referenced identity or event that does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidCredential is an authentication mismatch.
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	// CodePartialFailure means one half of a two-write operation succeeded.
	CodePartialFailure Code = "PARTIAL_FAILURE"
	// CodeResourceExhausted means no free identifier was found within bounds.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	// CodeUnavailable means the storage collaborator is unreachable or timed out.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeInternal is any other unexpected failure.
	CodeInternal Code = "INTERNAL"
)

// Metadata keys attached to partial failures.
const (
	MetaOperation   = "operation"
	MetaEventID     = "event_id"
	MetaIdentityID  = "identity_id"
	MetaPendingOpID = "pending_op_id"
	MetaField       = "field"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs)
	Metadata map[string]string // Additional context, e.g. ids needed by reconcile
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithMetadata creates a domain error with both metadata and a cause.
func WrapWithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
		Cause:    cause,
	}
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// GetMetadata extracts metadata from an error if present.
func GetMetadata(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}
