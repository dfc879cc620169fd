// Package errors provides structured error types for the event log.
// Every error carries a category, code, message, handling class and
// retryable flag so callers can decide between retrying, rejecting the
// input and escalating to an operator.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryCodec      ErrorCategory = "CODEC"
	ErrCategoryWriter     ErrorCategory = "WRITER"
	ErrCategoryIndex      ErrorCategory = "INDEX"
	ErrCategoryRecovery   ErrorCategory = "RECOVERY"
	ErrCategorySnapshot   ErrorCategory = "SNAPSHOT"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// ErrorClass tells the caller how to react to an error.
type ErrorClass string

const (
	// ClassRecoverable errors may succeed on retry.
	ClassRecoverable ErrorClass = "RECOVERABLE"
	// ClassRejected errors are caused by the input and will never succeed as-is.
	ClassRejected ErrorClass = "REJECTED"
	// ClassOperator errors need a human (disk space, permissions, corruption).
	ClassOperator ErrorClass = "OPERATOR"
	// ClassFatal errors leave the component unusable until restart.
	ClassFatal ErrorClass = "FATAL"
)

// Error codes.
const (
	// Rejected
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeMalformedEvent   = "MALFORMED_EVENT"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeOutOfOrder       = "OUT_OF_ORDER"

	// Recoverable
	CodeWriteContention = "WRITE_CONTENTION"
	CodeOutcomeUnknown  = "OUTCOME_UNKNOWN"
	CodeUploadFailed    = "UPLOAD_FAILED"
	CodeDownloadFailed  = "DOWNLOAD_FAILED"

	// Operator
	CodeDiskFull         = "DISK_FULL"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeSegmentCorrupt   = "SEGMENT_CORRUPT"

	// Fatal
	CodeActiveSegmentUnavailable = "ACTIVE_SEGMENT_UNAVAILABLE"
	CodeIndexUnrecoverable       = "INDEX_UNRECOVERABLE"
	CodeWriterFailed             = "WRITER_FAILED"

	// Other
	CodeCorruptRecord    = "CORRUPT_RECORD"
	CodeIOFailure        = "IO_FAILURE"
	CodeNotFound         = "NOT_FOUND"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"
	CodeNotReady         = "NOT_READY"
	CodeClosed           = "CLOSED"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeSnapshotInvalid  = "SNAPSHOT_INVALID"
	CodeUnexpected       = "UNEXPECTED"
)

// LogError is the structured error type used throughout the event log.
type LogError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
	Class     ErrorClass
}

// Error returns a formatted error string.
func (e *LogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *LogError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *LogError) Is(target error) bool {
	var t *LogError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new LogError.
func New(category ErrorCategory, code, message string) *LogError {
	return &LogError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
		Class:     classOf(code),
	}
}

// Wrap creates a new LogError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *LogError {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *LogError) WithDetails(details map[string]interface{}) *LogError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var le *LogError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a LogError.
func GetCategory(err error) ErrorCategory {
	var le *LogError
	if errors.As(err, &le) {
		return le.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a LogError.
func GetCode(err error) string {
	var le *LogError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// GetClass extracts the handling class from an error chain.
// Errors outside this package are treated as fatal.
func GetClass(err error) ErrorClass {
	var le *LogError
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassFatal
}

// HasCode reports whether any LogError in the chain carries code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

func isRetryable(code string) bool {
	switch code {
	case CodeWriteContention, CodeOutcomeUnknown, CodeUploadFailed, CodeDownloadFailed:
		return true
	default:
		return false
	}
}

func classOf(code string) ErrorClass {
	switch code {
	case CodeWriteContention, CodeOutcomeUnknown, CodeUploadFailed, CodeDownloadFailed,
		CodeCorruptRecord, CodeNotReady:
		return ClassRecoverable
	case CodePayloadTooLarge, CodeMalformedEvent, CodeChecksumMismatch, CodeOutOfOrder,
		CodeNotFound, CodeObjectNotFound, CodeSnapshotNotFound, CodeClosed:
		return ClassRejected
	case CodeDiskFull, CodePermissionDenied, CodeSegmentCorrupt, CodeSnapshotInvalid, CodeIOFailure:
		return ClassOperator
	default:
		return ClassFatal
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *LogError {
	return New(ErrCategoryValidation, code, message)
}

func NewCodecError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryCodec, code, message, cause)
}

func NewWriterError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryWriter, code, message, cause)
}

func NewIndexError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryIndex, code, message, cause)
}

func NewRecoveryError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryRecovery, code, message, cause)
}

func NewSnapshotError(code, message string, cause error) *LogError {
	return Wrap(ErrCategorySnapshot, code, message, cause)
}

func NewStorageError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewStoreError(code, message string) *LogError {
	return New(ErrCategoryStore, code, message)
}

func NewInternalError(message string, cause error) *LogError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
