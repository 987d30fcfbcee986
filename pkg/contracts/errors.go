package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every job. Callers match with errors.Is.
var (
	// ErrValidation marks malformed price or probability input. Rejected, never coerced.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks a duplicate active signal or closing line. Benign no-op.
	ErrConflict = errors.New("conflict")

	// ErrDataUnavailable marks missing inputs (no quote, no model probability). Causes deferral.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrUpstreamUnavailable marks an unreachable data store or feed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound is returned by single-row lookups
	ErrNotFound = errors.New("not found")
)

// ValidationError describes which input was rejected
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// Unavailable wraps a driver or network error as ErrUpstreamUnavailable
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}

// IsBenign reports whether err should be logged and skipped rather than propagated
func IsBenign(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDataUnavailable)
}
