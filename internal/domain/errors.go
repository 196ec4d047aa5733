package domain

import "fmt"

// Error types for consistent error handling across the sync core.

// ErrNotFound indicates a document was not found in a collection.
type ErrNotFound struct {
	Collection Collection
	ID         string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Collection, e.ID)
}

// ErrValidation indicates a document failed invariant checks at the store
// boundary (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrWrongKey indicates the local store was opened with a key that does not
// match the one it was encrypted under. Recoverable via store recreation.
type ErrWrongKey struct {
	Path string
}

func (e *ErrWrongKey) Error() string {
	return fmt.Sprintf("wrong encryption key for store: %s", e.Path)
}

// ErrUnrecoverable indicates store recovery was attempted and failed; the
// caller cannot proceed with this identity's local data.
type ErrUnrecoverable struct {
	Path string
	Err  error
}

func (e *ErrUnrecoverable) Error() string {
	return fmt.Sprintf("store unrecoverable [%s]: %v", e.Path, e.Err)
}

func (e *ErrUnrecoverable) Unwrap() error {
	return e.Err
}

// ErrSchemaMismatch indicates the persisted collection schema disagrees
// irreconcilably with the in-memory shape. The store wipes itself and the
// caller must restart; the remote re-populates on next sync.
type ErrSchemaMismatch struct {
	Collection Collection
	Persisted  int
	Expected   int
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch on %s: persisted v%d, expected v%d", e.Collection, e.Persisted, e.Expected)
}

// ErrTransient indicates a backoff-eligible failure (network timeout, remote
// unavailable). The replication engine retries these internally; they never
// surface to the UI as failures.
type ErrTransient struct {
	Op  string
	Err error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *ErrTransient) Unwrap() error {
	return e.Err
}

// ErrConflict indicates the remote rejected a push because it would violate
// terminal-state immutability or server-side validation. Not retried blindly;
// surfaced as a non-blocking notification while the engine re-pulls.
type ErrConflict struct {
	Collection Collection
	ID         string
	Reason     string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("remote rejected %s/%s: %s", e.Collection, e.ID, e.Reason)
}

// ErrTerminalState indicates a local mutation targeted a credit whose state
// is terminal. Only remote-sourced terminal transitions may touch it.
type ErrTerminalState struct {
	CreditID string
	State    CreditState
}

func (e *ErrTerminalState) Error() string {
	return fmt.Sprintf("credit %s is in terminal state %s and cannot be mutated", e.CreditID, e.State)
}

// ErrIllegalTransition indicates a credit state change outside the lifecycle.
type ErrIllegalTransition struct {
	From CreditState
	To   CreditState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal credit transition %s -> %s", e.From, e.To)
}
