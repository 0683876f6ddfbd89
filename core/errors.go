/*
errors.go - Centralized error types for the sync engine

PURPOSE:
  All error kinds surfaced by the core engine (see spec §7) in one place,
  the way the teacher repo centralizes ledger/store errors in one file.

ERROR CATEGORIES:
  1. Mutation errors - RefNotFound, IntegrityViolation, ImmutableEntry
  2. Sync errors     - AlreadyInProgress, NetworkUnreachable, RequestTimeout,
                       ServerRejected
  3. Queue errors    - DependencyMissing, QueueExhausted
  4. Fatal errors    - NotInitialized

USAGE:
  Domain and sync packages wrap these with additional context:

    if errors.Is(err, core.ErrRefNotFound) {
        return &domainSpecificError{...}
    }

SEE ALSO:
  - server/store.go, store/sqlite/sqlite.go: classify() maps UNIQUE
    failures to ErrDuplicateIdempotencyKey
  - syncclient/orchestrator.go: AlreadyInProgress
  - syncclient/transport.go: NetworkUnreachable, RequestTimeout, etc.
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrNotInitialized is returned when the store is not open. Fatal to caller.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrAlreadyInProgress is returned when a second sync is attempted while
	// one is running. Caller should wait and retry.
	ErrAlreadyInProgress = errors.New("sync already in progress")

	// ErrRefNotFound is returned when a mutation references an absent row.
	ErrRefNotFound = errors.New("referenced row not found")

	// ErrIntegrityViolation is returned when the store rejects a write.
	ErrIntegrityViolation = errors.New("store integrity violation")

	// ErrImmutableEntry is returned when an update/delete is attempted
	// against a ledger or audit row. Defensive: should never fire in normal
	// flow, since the Mutation API never issues such a statement.
	ErrImmutableEntry = errors.New("ledger/audit entries are immutable")

	// ErrNetworkUnreachable is returned when a transport request fails
	// before any response is received. Retryable.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrRequestTimeout is returned when the 30-second request deadline
	// expires. Retryable.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrServerRejected is returned for a non-2xx response with a
	// structured error body. May be retryable depending on status code.
	ErrServerRejected = errors.New("server rejected request")

	// ErrDependencyMissing is returned internally when an insert is blocked
	// by a foreign key; callers enqueue rather than surface this.
	ErrDependencyMissing = errors.New("dependency missing")

	// ErrQueueExhausted is returned when a dependency queue item exceeds
	// max retries. Surfaced to the operator for manual intervention.
	ErrQueueExhausted = errors.New("dependency queue item exhausted retries")

	// ErrDuplicateIdempotencyKey mirrors the teacher's ledger guard: an
	// idempotency key that already exists in the store.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - carry additional context
// =============================================================================

// RefNotFoundError names the offending foreign key.
type RefNotFoundError struct {
	Table string
	Field string
	ID    RecordID
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("%s.%s references missing row %s", e.Table, e.Field, e.ID)
}

func (e *RefNotFoundError) Unwrap() error { return ErrRefNotFound }

// ServerRejectedError carries the HTTP status and server-supplied message.
type ServerRejectedError struct {
	StatusCode int
	Message    string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("server rejected request: %d %s", e.StatusCode, e.Message)
}

func (e *ServerRejectedError) Unwrap() error { return ErrServerRejected }

// Retryable reports whether retrying the same request might succeed: 5xx
// and 429 are considered transient, 4xx (other than 429) are not.
func (e *ServerRejectedError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// QueueExhaustedError names the queue item that ran out of retries.
type QueueExhaustedError struct {
	Table    string
	RecordID RecordID
	Attempts int
}

func (e *QueueExhaustedError) Error() string {
	return fmt.Sprintf("%s/%s exhausted %d retries", e.Table, e.RecordID, e.Attempts)
}

func (e *QueueExhaustedError) Unwrap() error { return ErrQueueExhausted }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var sr *ServerRejectedError
	if errors.As(err, &sr) {
		return sr.Retryable()
	}
	return false
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrRefNotFound) ||
		errors.Is(err, ErrIntegrityViolation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
