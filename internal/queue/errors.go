package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("queue: task not found")

	// ErrClaimTimeout is returned when the internal busy-retry budget of the
	// claim protocol is exhausted without winning a transaction.
	ErrClaimTimeout = errors.New("queue: claim timed out under write contention")

	// ErrNotCancellable is returned by Cancel for tasks that already left the
	// queued/claimed states.
	ErrNotCancellable = errors.New("queue: task is not cancellable")

	// ErrNotDeadLettered is returned by Requeue for tasks that are not in the
	// dead-letter state.
	ErrNotDeadLettered = errors.New("queue: task is not dead-lettered")
)

// StorageError wraps an I/O or contention failure from the underlying
// database. Callers generally treat it as retryable at the protocol level.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("queue: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ValidationError marks malformed task input. It is always classified as
// permanent: retrying cannot fix bad parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

// PermanentError wraps a handler error that must not be retried. Handlers
// return Permanent(err) to dead-letter a task immediately regardless of the
// remaining attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classifier decides whether a handler error is permanent. Errors not marked
// permanent are treated as retryable.
type Classifier func(err error) bool

// DefaultClassifier treats PermanentError and ValidationError as permanent
// and everything else as retryable.
func DefaultClassifier(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}

// isBusy reports whether err looks like SQLite write contention. The sqlite3
// driver surfaces SQLITE_BUSY / SQLITE_LOCKED as plain errors, so this is a
// string check by necessity.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
