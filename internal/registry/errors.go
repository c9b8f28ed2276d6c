package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Registry errors, matched with errors.Is.
var (
	// ErrInvalidNode is returned when input fails validation. Never retried.
	ErrInvalidNode = errors.New("invalid node")
	// ErrDuplicateID is returned by Create when the id is already registered.
	ErrDuplicateID = errors.New("duplicate node id")
	// ErrNotFound is returned when no node has the requested id.
	ErrNotFound = errors.New("node not found")
	// ErrPersistence is returned when the registry could not be locked or
	// written. The in-memory index is unchanged and the caller may retry.
	ErrPersistence = errors.New("registry persistence failure")
	// ErrLockTimeout is returned when the write lock could not be acquired
	// within the configured bound. It wraps ErrPersistence.
	ErrLockTimeout = fmt.Errorf("%w: lock acquisition timed out", ErrPersistence)
)

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed field of one node.
type ValidationErrors []FieldError

// Add records a failure for field.
func (v *ValidationErrors) Add(field, format string, args ...any) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any field failed.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "invalid node: " + strings.Join(parts, "; ")
}

// Unwrap makes errors.Is(err, ErrInvalidNode) true.
func (v ValidationErrors) Unwrap() error {
	return ErrInvalidNode
}

// Fields returns the field errors carried by err, if any.
func Fields(err error) ValidationErrors {
	var v ValidationErrors
	if errors.As(err, &v) {
		return v
	}
	return nil
}

func invalidField(field, format string, args ...any) error {
	var v ValidationErrors
	v.Add(field, format, args...)
	return v
}

func persistenceError(op string, err error) error {
	if errors.Is(err, ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
