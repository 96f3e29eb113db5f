package state

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request; nothing was written.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing backup, class or student.
	ErrNotFound = errors.New("not found")
)

// ConflictError is returned when the shrink guard blocks a write.
type ConflictError struct {
	ExistingClasses int
	IncomingClasses int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("suspicious class list shrink blocked: %d existing, %d incoming", e.ExistingClasses, e.IncomingClasses)
}
