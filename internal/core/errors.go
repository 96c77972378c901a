package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches every conflict condition.
	ErrConflict = errors.New("conflict")
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrAlreadyClosed = fmt.Errorf("cell already closed: %w", ErrConflict)
	ErrSessionEnded  = fmt.Errorf("session already ended: %w", ErrConflict)
	ErrCycle         = fmt.Errorf("dependency would create a cycle: %w", ErrConflict)
)

// ValidationError names the input field at fault. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned by mutations that target a missing entity.
// Reads return a nil result instead.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictDetail describes one active reservation that blocks a requested path.
type ConflictDetail struct {
	Path          string    `json:"path"`
	Holder        string    `json:"holder"`
	Pattern       string    `json:"pattern"`
	Exclusive     bool      `json:"exclusive"`
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ReservationConflictError lists every conflict found for a reserve request.
type ReservationConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ReservationConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s held by %s (%s)", c.Path, c.Holder, c.Pattern))
	}
	return "reservation conflict: " + strings.Join(parts, "; ")
}

func (e *ReservationConflictError) Unwrap() error { return ErrConflict }

// DuplicateDependencyError is returned when the same edge already exists.
type DuplicateDependencyError struct {
	CellID       string
	DependsOnID  string
	Relationship Relationship
}

func (e *DuplicateDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -[%s]-> %s already exists", e.CellID, e.Relationship, e.DependsOnID)
}

func (e *DuplicateDependencyError) Unwrap() error { return ErrConflict }

// TransitionError rejects a status change the cell state machine does not allow.
type TransitionError struct {
	CellID string
	From   CellStatus
	To     CellStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cell %s: cannot move from %s to %s", e.CellID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrConflict }
