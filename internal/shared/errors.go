package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed input or a disallowed state.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock indicates a movement or transfer exceeds the available quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPermission indicates the actor lacks the role for the operation.
	ErrPermission = errors.New("permission denied")
	// ErrConcurrencyConflict indicates a lost status transition race or an already active document.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrIntegrity indicates the ledger or a document is in an impossible state.
	ErrIntegrity = errors.New("integrity violation")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is a shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientStockError carries the requested and available quantities.
type InsufficientStockError struct {
	StoreID   int64
	ProductID int64
	Requested float64
	Available float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d at store %d: requested %.3f, available %.3f",
		e.ProductID, e.StoreID, e.Requested, e.Available)
}

// Is matches ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError for any printable id.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// PermissionError names the denied permission.
type PermissionError struct {
	ActorID    int64
	Role       string
	Permission string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %d with role %q lacks permission %s", e.ActorID, e.Role, e.Permission)
}

// Is matches ErrPermission.
func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// ConcurrencyConflictError describes a lost compare-and-set.
type ConcurrencyConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

// Is matches ErrConcurrencyConflict.
func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// Conflict builds a ConcurrencyConflictError.
func Conflict(entity string, id any, reason string) error {
	return &ConcurrencyConflictError{Entity: entity, ID: fmt.Sprint(id), Reason: reason}
}

// IntegrityError wraps a fault that must be escalated, never retried.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("integrity violation in %s", e.Op)
	}
	return fmt.Sprintf("integrity violation in %s: %v", e.Op, e.Err)
}

// Is matches ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }
