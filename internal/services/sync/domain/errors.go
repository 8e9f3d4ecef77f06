package domain

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when the sync queue is used before it has
// been opened or after it has been stopped.
var ErrNotInitialized = errors.New("sync queue is not initialized")

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable or
// belongs to the permanent part of the error taxonomy.
func IsPermanent(err error) bool {
	var marked permanentError
	if errors.As(err, &marked) {
		return true
	}
	var validation *ValidationError
	var mapping *MappingNotFoundError
	var conflict *ConflictError
	var unsupported *UnsupportedEntityTypeError
	return errors.As(err, &validation) ||
		errors.As(err, &mapping) ||
		errors.As(err, &conflict) ||
		errors.As(err, &unsupported)
}

// ValidationError reports a malformed payload or argument. Permanent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// MappingNotFoundError reports a missing cross-system link for an operation
// that requires one. Permanent until a mapping is created.
type MappingNotFoundError struct {
	System     System
	EntityType EntityType
	ID         string
}

func (e *MappingNotFoundError) Error() string {
	return fmt.Sprintf("No mapping found for %s %s ID: %s", e.System, e.EntityType, e.ID)
}

// MappingStoreError wraps a storage I/O failure from the entity mapper.
// Transient; callers retry with backoff.
type MappingStoreError struct {
	Op  string
	Err error
}

func (e *MappingStoreError) Error() string {
	return fmt.Sprintf("mapping store %s: %v", e.Op, e.Err)
}

func (e *MappingStoreError) Unwrap() error {
	return e.Err
}

// ConcurrentSyncError reports lock contention on an entity that already has
// an operation in flight. Callers may retry after a short delay.
type ConcurrentSyncError struct {
	EntityType EntityType
	EntityID   string
}

func (e *ConcurrentSyncError) Error() string {
	return fmt.Sprintf("sync already in flight for %s %s", e.EntityType, e.EntityID)
}

// ConflictError reports diverged source and target versions under the manual
// resolution strategy. The operation is parked, never auto-resolved.
type ConflictError struct {
	EntityType EntityType
	EntityID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s requires manual resolution", e.EntityType, e.EntityID)
}

// UnsupportedEntityTypeError reports an operation for an entity type with no
// registered handler. Permanent; a configuration bug.
type UnsupportedEntityTypeError struct {
	EntityType EntityType
}

func (e *UnsupportedEntityTypeError) Error() string {
	return fmt.Sprintf("no sync handler registered for entity type %q", e.EntityType)
}

// TransientNetworkError wraps a timeout or 5xx-style failure from a remote
// system. Retried with backoff.
type TransientNetworkError struct {
	System System
	Op     string
	Err    error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.System, e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}
