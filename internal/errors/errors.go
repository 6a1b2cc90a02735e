// Package errors provides structured error types for the Factline pipeline.
// All errors include a category, code, message, and retryable flag so the
// orchestrator can map failures to record outcomes without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryDecode      ErrorCategory = "DECODE"
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryEnrichment  ErrorCategory = "ENRICHMENT"
	ErrCategoryAggregation ErrorCategory = "AGGREGATION"
	ErrCategoryArchive     ErrorCategory = "ARCHIVE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Decode codes (terminal, dead-letter)
	CodeInvalidEncoding = "INVALID_ENCODING"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeEmptyPayload    = "EMPTY_PAYLOAD"

	// Validation codes (terminal, dead-letter)
	CodeSchemaViolation = "SCHEMA_VIOLATION"

	// Enrichment codes (non-fatal, informational)
	CodeLookupTimeout     = "LOOKUP_TIMEOUT"
	CodeLookupUnavailable = "LOOKUP_UNAVAILABLE"

	// Aggregation codes
	CodeWriteConflict    = "WRITE_CONFLICT"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"

	// Archive codes
	CodeUploadFailed = "UPLOAD_FAILED"
	CodeUploadFatal  = "UPLOAD_FATAL"

	// Internal codes
	CodeUnexpected       = "UNEXPECTED"
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"
)

// PipelineError is the structured error type used throughout the pipeline.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable determines if an error code may be retried. Decode and
// validation failures are terminal; only store-side failures retry.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryAggregation && code == CodeWriteConflict:
		return true
	case category == ErrCategoryAggregation && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryAggregation && code == CodeRetriesExhausted:
		return true
	case category == ErrCategoryArchive && code == CodeUploadFailed:
		return true
	case category == ErrCategoryInternal && code == CodeDeadlineExceeded:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDecodeError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryDecode, code, message, cause)
}

func NewValidationError(message string) *PipelineError {
	return New(ErrCategoryValidation, CodeSchemaViolation, message)
}

func NewEnrichmentError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryEnrichment, code, message, cause)
}

func NewAggregationError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryAggregation, code, message, cause)
}

func NewArchiveError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
