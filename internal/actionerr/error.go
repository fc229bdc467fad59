// Package actionerr defines the error kinds that control how failures are
// reported by the action.
package actionerr

import (
	"fmt"
	"time"
)

// ConfigError is returned when the inputs of the action are missing,
// invalid or conflicting.
type ConfigError struct {
	Msg string
}

func NewConfigError(format string, a ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, a...)}
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// WorkspaceError is returned when the workspace could not be created.
// Its message is the same for every cause, the cause is only accessible via
// Unwrap.
type WorkspaceError struct {
	Err error
}

func NewWorkspaceError(cause error) *WorkspaceError {
	return &WorkspaceError{Err: cause}
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

func (e *WorkspaceError) Error() string {
	return "Unable to create Scala Steward workspace"
}

type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}

// ToolError is returned when installing or running an external tool failed.
// Msg is shown to users, the cause is only accessible via Unwrap.
type ToolError struct {
	Msg string
	Err error
}

func NewToolError(cause error, format string, a ...any) *ToolError {
	return &ToolError{Msg: fmt.Sprintf(format, a...), Err: cause}
}

func (e *ToolError) Error() string {
	return e.Msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
