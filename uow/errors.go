package uow

import (
	"errors"
	"fmt"
)

var (
	// ErrNilManager is returned when a method is called on a nil *Manager.
	ErrNilManager = errors.New("uow: manager is nil")
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("uow: context cannot be nil")
	// ErrNilFactory is returned when a nil Factory is passed to the binder.
	ErrNilFactory = errors.New("uow: factory cannot be nil")
	// ErrNilOperation is returned when Do or Execute receives a nil operation.
	ErrNilOperation = errors.New("uow: operation cannot be nil")
	// ErrNoTransaction is returned when propagation Mandatory finds no
	// transaction in the context.
	ErrNoTransaction = errors.New("uow: no transaction in progress")
	// ErrTransactionPresent is returned when propagation Never finds a live
	// transaction in the context.
	ErrTransactionPresent = errors.New("uow: transaction already in progress")
	// ErrUnknownPropagation is returned for propagation values outside the
	// defined set.
	ErrUnknownPropagation = errors.New("uow: unknown propagation mode")
	// ErrRollbackOnly is returned when a boundary that would have committed
	// finds its transaction marked rollback-only; the commit is converted
	// into a rollback and the marking cause is wrapped alongside.
	ErrRollbackOnly = errors.New("uow: transaction marked rollback-only")
	// ErrTransactionCompleted is returned when the binder is asked to work
	// with a context whose transaction has already finished, including
	// transactions torn down by cancellation while the operation was still
	// running.
	ErrTransactionCompleted = errors.New("uow: transaction already completed")
	// ErrScopeEnded is returned when End is called twice on the same Scope.
	ErrScopeEnded = errors.New("uow: scope already ended")
	// ErrOpenHandle wraps factory failures while opening a resource handle.
	ErrOpenHandle = errors.New("uow: failed to open resource handle")
	// ErrBindHandle wraps failures while suspending autocommit on a freshly
	// opened handle; the handle is closed before the error is returned.
	ErrBindHandle = errors.New("uow: failed to bind resource handle")
)

// CommitError reports a failed commit together with the outcome of the
// rollback attempted right after it. RollbackErr nil means the rollback
// succeeded and the store holds none of the transaction's writes; RollbackErr
// non-nil means the store state is unknown.
type CommitError struct {
	Err         error
	RollbackErr error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("uow: commit failed and rollback failed, store state unknown: commit: %v: rollback: %v", e.Err, e.RollbackErr)
	}

	return fmt.Sprintf("uow: commit failed, rolled back cleanly: %v", e.Err)
}

// Unwrap exposes both underlying errors to errors.Is and errors.As.
func (e *CommitError) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Err, e.RollbackErr}
	}

	return []error{e.Err}
}

// RolledBack reports whether the rollback after the failed commit succeeded.
func (e *CommitError) RolledBack() bool {
	return e.RollbackErr == nil
}

// RollbackError reports a failed rollback. The handle was still released, but
// the store's data state is undefined: the transaction's writes may or may
// not be visible, and callers must treat the operation as non-atomic.
type RollbackError struct {
	Err error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("uow: rollback failed, store state undefined: %v", e.Err)
}

// Unwrap returns the underlying rollback error.
func (e *RollbackError) Unwrap() error {
	return e.Err
}
