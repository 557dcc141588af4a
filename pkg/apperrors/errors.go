// Package apperrors defines the error taxonomy shared by the orchestration components.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindUnsupportedType     Kind = "UNSUPPORTED_TYPE"
	KindExecutionFailure    Kind = "EXECUTION_FAILURE"
	KindVerificationFailure Kind = "VERIFICATION_FAILURE"
	KindValidation          Kind = "VALIDATION"
	KindConflict            Kind = "CONFLICT"
)

// Error codes persisted on job records
const (
	CodeBackupExecutionFailed   = "BACKUP_EXECUTION_FAILED"
	CodeUnsupportedBackupType   = "UNSUPPORTED_BACKUP_TYPE"
	CodeRecoveryExecutionFailed = "RECOVERY_EXECUTION_FAILED"
	CodeUnsupportedRecoveryType = "UNSUPPORTED_RECOVERY_TYPE"
	CodeVerificationFailed      = "VERIFICATION_FAILED"
	CodeNotFound                = "NOT_FOUND"
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("record not found")

// Error is a typed error carrying a stable code and the underlying cause
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrNotFound) match NotFound errors created by this package
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// NotFound creates an error for a missing record
func NotFound(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", entity, id),
	}
}

// UnsupportedBackupType creates the error raised when no strategy is registered for a backup type
func UnsupportedBackupType(backupType string) *Error {
	return &Error{
		Kind:    KindUnsupportedType,
		Code:    CodeUnsupportedBackupType,
		Message: fmt.Sprintf("Unsupported backup type: %s", backupType),
	}
}

// UnsupportedRecoveryType creates the error raised when no strategy is registered for a recovery type
func UnsupportedRecoveryType(recoveryType string) *Error {
	return &Error{
		Kind:    KindUnsupportedType,
		Code:    CodeUnsupportedRecoveryType,
		Message: fmt.Sprintf("Unsupported recovery type: %s", recoveryType),
	}
}

// BackupExecution wraps a tool or IO failure raised by a backup strategy
func BackupExecution(message string, cause error) *Error {
	return &Error{
		Kind:    KindExecutionFailure,
		Code:    CodeBackupExecutionFailed,
		Message: "backup execution failed: " + message,
		Cause:   cause,
	}
}

// RecoveryExecution wraps a tool or IO failure raised by a recovery strategy
func RecoveryExecution(message string, cause error) *Error {
	return &Error{
		Kind:    KindExecutionFailure,
		Code:    CodeRecoveryExecutionFailed,
		Message: "recovery execution failed: " + message,
		Cause:   cause,
	}
}

// Verification wraps a failure of the verification procedure itself
func Verification(message string, cause error) *Error {
	return &Error{
		Kind:    KindVerificationFailure,
		Code:    CodeVerificationFailed,
		Message: message,
		Cause:   cause,
	}
}

// Validation creates an input validation error
func Validation(message string, cause error) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "VALIDATION_ERROR",
		Message: message,
		Cause:   cause,
	}
}

// Conflict creates an error for an operation that does not fit the current record state
func Conflict(message string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// KindOf returns the kind of the first typed error in the chain, or "" if none
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// CodeOf returns the code of the first typed error in the chain, or fallback if none
func CodeOf(err error, fallback string) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return fallback
}

// IsNotFound reports whether err represents a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnsupported reports whether err was raised for an unknown backup or recovery type
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupportedType
}

// IsRetryable determines if a failure is eligible for bounded retry
func IsRetryable(err error) bool {
	return KindOf(err) == KindExecutionFailure
}
