package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestLogError_Error(t *testing.T) {
	err := New(ErrCategoryCodec, CodePayloadTooLarge, "event too large")
	expected := "[CODEC:PAYLOAD_TOO_LARGE] event too large"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestLogError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("no space left on device")
	err := Wrap(ErrCategoryWriter, CodeDiskFull, "append failed", cause)
	expected := "[WRITER:DISK_FULL] append failed: no space left on device"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestLogError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryWriter, CodeIOFailure, "write", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestLogError_Is(t *testing.T) {
	err1 := New(ErrCategoryWriter, CodeOutOfOrder, "first")
	err2 := New(ErrCategoryWriter, CodeOutOfOrder, "second")
	err3 := New(ErrCategoryWriter, CodeDiskFull, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("outer: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		code      string
		class     ErrorClass
		retryable bool
	}{
		{CodeWriteContention, ClassRecoverable, true},
		{CodeOutcomeUnknown, ClassRecoverable, true},
		{CodeUploadFailed, ClassRecoverable, true},
		{CodePayloadTooLarge, ClassRejected, false},
		{CodeMalformedEvent, ClassRejected, false},
		{CodeChecksumMismatch, ClassRejected, false},
		{CodeOutOfOrder, ClassRejected, false},
		{CodeDiskFull, ClassOperator, false},
		{CodePermissionDenied, ClassOperator, false},
		{CodeSegmentCorrupt, ClassOperator, false},
		{CodeActiveSegmentUnavailable, ClassFatal, false},
		{CodeIndexUnrecoverable, ClassFatal, false},
		{CodeWriterFailed, ClassFatal, false},
		{CodeUnexpected, ClassFatal, false},
	}

	for _, tt := range tests {
		err := New(ErrCategoryWriter, tt.code, "test")
		if GetClass(err) != tt.class {
			t.Errorf("%s class=%s, want %s", tt.code, GetClass(err), tt.class)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s retryable=%v, want %v", tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetters_PlainError(t *testing.T) {
	plain := fmt.Errorf("plain error")
	if GetCategory(plain) != "" {
		t.Error("non-LogError should return empty category")
	}
	if GetCode(plain) != "" {
		t.Error("non-LogError should return empty code")
	}
	if GetClass(plain) != ClassFatal {
		t.Error("non-LogError should be treated as fatal")
	}
	if IsRetryable(plain) {
		t.Error("non-LogError should not be retryable")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryWriter, CodeIOFailure, "write failed").
		WithDetails(map[string]interface{}{"segment": uint64(3)})
	detailed := err.WithDetails(map[string]interface{}{"offset": int64(128)})

	if detailed.Details["segment"] != uint64(3) || detailed.Details["offset"] != int64(128) {
		t.Errorf("WithDetails should merge details, got %v", detailed.Details)
	}
	if _, ok := err.Details["offset"]; ok {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	if e := NewValidationError(CodeMalformedEvent, "bad"); e.Category != ErrCategoryValidation {
		t.Error("NewValidationError mismatch")
	}
	if e := NewCodecError(CodeCorruptRecord, "bad frame", cause); e.Category != ErrCategoryCodec || !errors.Is(e, cause) {
		t.Error("NewCodecError mismatch")
	}
	if e := NewWriterError(CodeWriterFailed, "poisoned", cause); e.Class != ClassFatal {
		t.Error("NewWriterError mismatch")
	}
	if e := NewSnapshotError(CodeSnapshotNotFound, "missing", nil); e.Category != ErrCategorySnapshot {
		t.Error("NewSnapshotError mismatch")
	}
	if e := NewStorageError(CodeUploadFailed, "s3 down", cause); !e.Retryable {
		t.Error("NewStorageError mismatch")
	}
	if e := NewStoreError(CodeNotReady, "recovering"); e.Category != ErrCategoryStore {
		t.Error("NewStoreError mismatch")
	}
	if e := NewInternalError("unexpected", cause); e.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
