package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound means no execution matches the given ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrVersionConflict means the document on disk changed underneath a
	// writer. Indicates an external writer; the store serializes its own.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrEngineClosed means the engine is shutting down.
	ErrEngineClosed = errors.New("engine is closed")
)

// ConflictError is returned when an operation would violate the
// single-flight invariant or an illegal status transition.
type ConflictError struct {
	Project string
	Current Status
	Detail  string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("conflict on project %s (status %s): %s", e.Project, e.Current, e.Detail)
	}
	return fmt.Sprintf("conflict on project %s: execution already active with status %s", e.Project, e.Current)
}

// NewConflictError builds a ConflictError.
func NewConflictError(project string, current Status, detail string) *ConflictError {
	return &ConflictError{Project: project, Current: current, Detail: detail}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ValidationError is returned for rejected inputs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
