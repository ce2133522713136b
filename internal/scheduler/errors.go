package scheduler

import (
	"fmt"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

// ValidationError names the schedule field that failed validation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, errors.ErrInvalidRequest) hold
func (e *ValidationError) Unwrap() error {
	return errors.ErrInvalidRequest
}

// NotFoundError is returned when a schedule or asset is not visible to the
// calling organization
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Unwrap makes errors.Is(err, errors.ErrNotFound) hold
func (e *NotFoundError) Unwrap() error {
	return errors.ErrNotFound
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
