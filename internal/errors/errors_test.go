package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	err := New(ErrCategoryArchive, CodeUploadFailed, "upload failed")
	expected := "[ARCHIVE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryArchive, CodeUploadFailed, "upload failed", cause)
	expected := "[ARCHIVE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryAggregation, CodeWriteConflict, "conflict", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestPipelineError_Is(t *testing.T) {
	err1 := New(ErrCategoryAggregation, CodeWriteConflict, "first")
	err2 := New(ErrCategoryAggregation, CodeWriteConflict, "second")
	err3 := New(ErrCategoryAggregation, CodeStoreUnavailable, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryAggregation, CodeWriteConflict, true},
		{ErrCategoryAggregation, CodeStoreUnavailable, true},
		{ErrCategoryAggregation, CodeRetriesExhausted, true},
		{ErrCategoryArchive, CodeUploadFailed, true},
		{ErrCategoryArchive, CodeUploadFatal, false},
		{ErrCategoryDecode, CodeInvalidJSON, false},
		{ErrCategoryValidation, CodeSchemaViolation, false},
		{ErrCategoryEnrichment, CodeLookupTimeout, false},
		{ErrCategoryEnrichment, CodeLookupUnavailable, false},
		{ErrCategoryInternal, CodeDeadlineExceeded, true},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := New(ErrCategoryDecode, CodeInvalidEncoding, "bad base64")
	if GetCategory(err) != ErrCategoryDecode {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryDecode)
	}
	if GetCode(err) != CodeInvalidEncoding {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidEncoding)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-PipelineError should return empty category")
	}

	wrapped := fmt.Errorf("context: %w", err)
	if GetCode(wrapped) != CodeInvalidEncoding {
		t.Error("GetCode should unwrap error chains")
	}
}

func TestWithDetails(t *testing.T) {
	base := New(ErrCategoryValidation, CodeSchemaViolation, "missing fields")
	detailed := base.WithDetails(map[string]interface{}{"fields": []string{"event_type"}})

	if base.Details != nil {
		t.Error("WithDetails must not mutate the original error")
	}
	if detailed.Details == nil {
		t.Fatal("expected details on copy")
	}
}
