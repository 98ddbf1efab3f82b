package command

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel wrapped by every ValidationError, so callers
// can test with errors.Is(err, command.ErrValidation).
var ErrValidation = errors.New("command: validation failed")

// ErrUnknownKind is returned by Unmarshal for a type tag outside the closed set.
var ErrUnknownKind = errors.New("command: unknown kind")

// ValidationError reports which field of a command or value object was
// rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
