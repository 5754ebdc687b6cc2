// Package store provides persistence for build records and batch history.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a service has no build record.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned when a batch event ID is recorded twice.
	ErrDuplicateID = errors.New("batch already recorded")

	// ErrConnectionFailed is returned when the state database cannot be opened.
	ErrConnectionFailed = errors.New("state database unavailable")

	// ErrMigrationFailed is returned when the schema cannot be brought up to date.
	ErrMigrationFailed = errors.New("state schema migration failed")

	// ErrInvalidData is returned when a stored digest, timestamp or outcome
	// list cannot be decoded.
	ErrInvalidData = errors.New("corrupt state record")

	// ErrTxFailed is returned when a record update cannot be committed.
	ErrTxFailed = errors.New("state update not committed")
)

// StoreError names the record a persistence failure concerns. ID is the
// service name for build records and the batch ID for batch events.
type StoreError struct {
	Op      string
	Entity  string // "build_record" or "batch_event"
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError for one record operation.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
