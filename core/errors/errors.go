// Package errors provides standardized error types and helpers for the recovery engine.
//
// Binary-format code (locator, scanner, repairer, splicer) reports problems
// with these types and never panics; orchestration decides whether an error
// skips a table, skips a row, or aborts the run.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a table, file or pattern was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrPermission indicates the process cannot read or write a path
	ErrPermission = errors.New("permission denied")
	// ErrCorrupt indicates an on-disk structure that does not parse
	ErrCorrupt = errors.New("corrupt structure")
	// ErrToolMissing indicates a required external tool is not installed
	ErrToolMissing = errors.New("tool missing")
)

// NotFoundError represents a missing table, file or pattern
type NotFoundError struct {
	Resource string // Type of resource (e.g., "table", "source database", "wal")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// PermissionError represents a filesystem permission failure
type PermissionError struct {
	Operation string // Operation that was attempted
	Path      string // Path being accessed
	Reason    string // Why permission was denied
	Err       error  // Underlying error, if any
}

func (e *PermissionError) Error() string {
	if e.Operation != "" && e.Path != "" {
		return fmt.Sprintf("permission denied: cannot %s %s: %s", e.Operation, e.Path, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s", e.Reason)
}

func (e *PermissionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrPermission
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "copy")
	Path      string // File path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// FormatError represents a malformed on-disk structure (database header,
// WAL header, b-tree page) at a known byte offset.
type FormatError struct {
	Structure string // Structure being decoded (e.g., "database header", "wal header")
	Offset    int64  // Byte offset of the structure, -1 if unknown
	Message   string // Error details
}

func (e *FormatError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("malformed %s at 0x%x: %s", e.Structure, e.Offset, e.Message)
	}
	return fmt.Sprintf("malformed %s: %s", e.Structure, e.Message)
}

func (e *FormatError) Unwrap() error {
	return ErrCorrupt
}

// ToolError represents a missing or unusable external program
type ToolError struct {
	Tool   string // Program name (e.g., "sqlite3")
	Reason string // What went wrong
	Err    error  // Underlying error, if any
}

func (e *ToolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s unavailable", e.Tool)
}

func (e *ToolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrToolMissing
}

// Helper functions for creating common errors

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewPermission creates a PermissionError
func NewPermission(operation, path, reason string) *PermissionError {
	return &PermissionError{
		Operation: operation,
		Path:      path,
		Reason:    reason,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewFormat creates a FormatError
func NewFormat(structure string, offset int64, message string) *FormatError {
	return &FormatError{
		Structure: structure,
		Offset:    offset,
		Message:   message,
	}
}

// NewTool creates a ToolError
func NewTool(tool, reason string) *ToolError {
	return &ToolError{
		Tool:   tool,
		Reason: reason,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
