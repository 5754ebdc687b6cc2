// Package manifest contains pure functions for parsing service manifests.
// This is part of the Functional Core - all functions are pure with no I/O.
package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("manifest is empty")

	// ErrMalformedSyntax is returned when the document cannot be decoded into
	// the expected manifest shape.
	ErrMalformedSyntax = errors.New("malformed manifest")

	// ErrDanglingNetworkReference is returned when a service names a network
	// that is not declared in the top-level networks mapping.
	ErrDanglingNetworkReference = errors.New("service references undeclared network")

	// ErrDuplicateHostPort is returned when two port bindings claim the same host port.
	ErrDuplicateHostPort = errors.New("host port claimed more than once")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
