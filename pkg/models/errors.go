package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes pipeline errors for handling strategy
type ErrorType int

const (
	ErrorTypeUnknown    ErrorType = iota
	ErrorTypeValidation           // Malformed submission, rejected synchronously
	ErrorTypeExtraction           // Unreadable or zero-length video, no retry
	ErrorTypeFrame                // Single-frame failure, absorbed into statistics
	ErrorTypeResource             // Memory or pool exhaustion
	ErrorTypeJob                  // Job-level failure, goes through retry/backoff
	ErrorTypeCancelled            // Cooperative cancellation acknowledged
	ErrorTypeStorage              // Persistence failure
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExtraction:
		return "extraction"
	case ErrorTypeFrame:
		return "frame"
	case ErrorTypeResource:
		return "resource"
	case ErrorTypeJob:
		return "job"
	case ErrorTypeCancelled:
		return "cancelled"
	case ErrorTypeStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// PipelineError wraps errors with context and categorization
type PipelineError struct {
	Type      ErrorType
	Message   string
	Err       error
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap implements error unwrapping
func (e *PipelineError) Unwrap() error {
	return e.Err
}

func newError(errType ErrorType, message string, err error) *PipelineError {
	return &PipelineError{
		Type:      errType,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errType == ErrorTypeJob || errType == ErrorTypeResource,
	}
}

// NewValidationError creates an error rejected synchronously at Submit
func NewValidationError(message string, err error) *PipelineError {
	return newError(ErrorTypeValidation, message, err)
}

// NewExtractionError creates a non-retryable extraction failure
func NewExtractionError(message string, err error) *PipelineError {
	return newError(ErrorTypeExtraction, message, err)
}

// NewFrameError creates a per-frame failure absorbed into statistics
func NewFrameError(message string, err error) *PipelineError {
	return newError(ErrorTypeFrame, message, err)
}

// NewResourceError creates a resource-exhaustion failure
func NewResourceError(message string, err error) *PipelineError {
	return newError(ErrorTypeResource, message, err)
}

// NewJobError creates a retryable job-level failure
func NewJobError(message string, err error) *PipelineError {
	return newError(ErrorTypeJob, message, err)
}

// NewCancelledError marks a cooperative cancellation
func NewCancelledError(jobID string) *PipelineError {
	return newError(ErrorTypeCancelled, fmt.Sprintf("job %s cancelled", jobID), nil)
}

// NewStorageError wraps a persistence failure
func NewStorageError(message string, err error) *PipelineError {
	return newError(ErrorTypeStorage, message, err)
}

// TypeOf returns the classification of err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether err should go through the retry/backoff path.
// Unclassified errors are treated as retryable job failures.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return err != nil
}

// IsCancelled reports whether err is a cooperative cancellation
func IsCancelled(err error) bool {
	return TypeOf(err) == ErrorTypeCancelled
}

// IsValidation reports whether err is a submission validation failure
func IsValidation(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}
