// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTemplateNotFound indicates a template was not found by key/version or ID.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTemplateImmutable indicates an attempt to overwrite a published template row.
	ErrTemplateImmutable = errors.New("published template is immutable")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal indicates a mutation was attempted on a terminal execution.
	ErrExecutionTerminal = errors.New("execution is in a terminal status")

	// ErrLogEntryNotFound indicates a log entry was not found by the given identifier.
	ErrLogEntryNotFound = errors.New("execution log entry not found")

	// ErrLogEntryClosed indicates an attempt to close an already closed log entry.
	ErrLogEntryClosed = errors.New("execution log entry already closed")

	// ErrScheduleNotFound indicates a schedule was not found by the given identifier.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// TemplateError wraps template-related errors with operation context.
type TemplateError struct {
	Op          string // Operation being performed (e.g., "Save", "LatestActive")
	TemplateKey string
	Version     int
	Err         error
}

func (e *TemplateError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s operation failed for template %s v%d: %v", e.Op, e.TemplateKey, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for template %s: %v", e.Op, e.TemplateKey, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

func (e *TemplateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTemplateError creates a new template error with context.
func NewTemplateError(op, templateKey string, version int, err error) *TemplateError {
	return &TemplateError{Op: op, TemplateKey: templateKey, Version: version, Err: err}
}

// ExecutionError wraps execution-related errors with operation context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// IsTemplateNotFound checks if an error indicates a template was not found.
func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsLogEntryClosed checks if an error indicates a log entry was already closed.
func IsLogEntryClosed(err error) bool {
	return errors.Is(err, ErrLogEntryClosed)
}
