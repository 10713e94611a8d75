package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across layers.
var (
	// ErrAlreadyExists signals that the (patient, genomic notation) pair
	// is already persisted. It is an idempotent success, not a failure.
	ErrAlreadyExists = errors.New("patient variant already exists")

	// ErrDuplicateKey is returned by a store backend when a concurrent
	// insert lost the uniqueness race. The persistence gate converts it
	// to ErrAlreadyExists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound signals a store lookup miss.
	ErrNotFound = errors.New("not found")
)

// MalformedRecordError marks a single unparseable input row. The row is
// skipped with a recorded warning; the rest of the file proceeds.
type MalformedRecordError struct {
	Line   int
	Reason string
}

// Error implements the error interface
func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at line %d: %s", e.Line, e.Reason)
}

// NewMalformedRecordError creates a new MalformedRecordError
func NewMalformedRecordError(line int, reason string) *MalformedRecordError {
	return &MalformedRecordError{Line: line, Reason: reason}
}

// ValidationRejectedError marks a query the validation service rejected
// as malformed (4xx). It is never retried; the variant is recorded as
// unresolved and excluded from persistence.
type ValidationRejectedError struct {
	Notation   string
	StatusCode int
	Reason     string
}

// Error implements the error interface
func (e *ValidationRejectedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("validation service rejected %q (status %d): %s", e.Notation, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("validation service rejected %q: %s", e.Notation, e.Reason)
}

// ServiceUnavailableError marks a transient external-service failure
// that survived the bounded retry policy. The affected variant is
// skipped for this run and may be retried by an explicit repair pass.
type ServiceUnavailableError struct {
	Service string // "variantvalidator" or "clinvar"
	Err     error
}

// Error implements the error interface
func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// RequestError marks a malformed search or upload request. It is
// surfaced to the caller and never silently collapsed into an empty
// result set.
type RequestError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Message)
}

// NewRequestError creates a new RequestError
func NewRequestError(field, message string) *RequestError {
	return &RequestError{Field: field, Message: message}
}

// Predicates

// IsRejected reports whether err is a non-retryable validator rejection.
func IsRejected(err error) bool {
	var target *ValidationRejectedError
	return errors.As(err, &target)
}

// IsServiceUnavailable reports whether err is a post-retry transient
// external-service failure.
func IsServiceUnavailable(err error) bool {
	var target *ServiceUnavailableError
	return errors.As(err, &target)
}

// IsRequestError reports whether err is a malformed-request error.
func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}
