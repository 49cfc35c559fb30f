/*
errors.go - Error taxonomy for the affiliate engine

PURPOSE:
  All error types in one place. Callers match with errors.Is against the
  sentinels; the structured types carry the context an admin UI needs to
  show a specific reason (not found vs. already processed).

ERROR CATEGORIES:
  ErrValidation      Bad input (negative amounts, malformed codes). Client error.
  ErrDuplicateOrder  Conversion already recorded for the order. Not fatal:
                     RecordConversion turns it into an "already recorded" result.
  ErrNotFound        Unknown affiliate/application/settlement/conversion.
  ErrInvalidState    Illegal state transition. Client error.
  ErrStorage         I/O failure in the backing store. Retried with bounded
                     backoff, then surfaced.

STORE-LEVEL SENTINELS:
  ErrDuplicateKey            Unique index violation other than order id
  ErrConcurrentModification  Compare-and-swap lost the race

SEE ALSO:
  - retry.go: Which errors are retried
  - api/handlers.go: HTTP status mapping
*/
package affiliate

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation     = errors.New("validation failed")
	ErrDuplicateOrder = errors.New("conversion already recorded for order")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state transition")
	ErrStorage        = errors.New("storage failure")

	// ErrDuplicateKey is returned by stores when a unique index rejects a write.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConcurrentModification is returned when a compare-and-swap update
	// finds a different status than expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DuplicateOrderError carries the conversion already stored for the order.
type DuplicateOrderError struct {
	OrderID  string
	Existing *Conversion
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("order %s already recorded", e.OrderID)
}

func (e *DuplicateOrderError) Unwrap() error { return ErrDuplicateOrder }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidStateError reports an action attempted from a status that does not allow it.
type InvalidStateError struct {
	Kind   string
	ID     string
	Status string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: status is %s", e.Action, e.Kind, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// StorageError wraps a backing-store failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Is matches both ErrStorage and the wrapped cause.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err as a StorageError unless it already belongs to the
// domain taxonomy.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrConcurrentModification)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or an illegal transition. These are never retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
