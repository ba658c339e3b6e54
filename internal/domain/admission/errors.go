package admission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a patient or episode does not exist or
	// has been archived.
	ErrNotFound = errors.New("not found")

	// ErrActiveEpisodeExists is returned by repositories when the
	// one-active-episode-per-patient constraint rejects a write.
	ErrActiveEpisodeExists = errors.New("patient already has an active episode")
)

// InvalidStateError means the operation is not a valid transition from the
// episode's current state. Retrying with the same inputs never succeeds.
type InvalidStateError struct {
	Op     Operation
	State  EpisodeState
	Reason Reason
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed while episode is %s: %s", e.Op, e.State, e.Reason)
}

// PermissionDeniedError means the permission evaluator rejected the actor,
// either for its role or because an edit window has closed.
type PermissionDeniedError struct {
	Op     Operation
	Reason Reason
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Op, e.Reason)
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field-level problems with the request data.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field problem.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when no field problems were recorded.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ConcurrencyConflictError means a concurrent transition changed the
// episode first. Callers should re-fetch before deciding to retry.
type ConcurrencyConflictError struct {
	EpisodeID uuid.UUID
	Expected  int
	Actual    int
	Cause     error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Expected > 0 {
		return fmt.Sprintf("episode %s was modified concurrently: expected version %d, found %d", e.EpisodeID, e.Expected, e.Actual)
	}
	if e.Cause != nil {
		return fmt.Sprintf("episode %s was modified concurrently: %v", e.EpisodeID, e.Cause)
	}
	return fmt.Sprintf("episode %s was modified concurrently", e.EpisodeID)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Cause }
