package uow

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-uow/uow/log"
)

// Acquire returns a resource handle for the current context.
//
// When ctx carries a live transaction, the handle is the transaction's bound
// handle: it is opened lazily on the first acquisition, autocommit is
// suspended exactly once, and every later acquisition inside the same
// transaction returns the same handle. Callers must not commit, roll back or
// close a bound handle themselves; the owning boundary does that when it
// ends.
//
// When ctx carries no transaction, Acquire opens a fresh handle with
// autocommit untouched: every statement is durable on its own, and the
// caller releases the handle with Release when done.
//
// A context whose transaction already finished is refused with
// ErrTransactionCompleted rather than silently demoted to the unguarded
// path; writes that were meant to be transactional must not become
// immediately durable because the transaction was torn down under the
// operation.
func Acquire(ctx context.Context, factory Factory) (Handle, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	if factory == nil {
		return nil, ErrNilFactory
	}

	tx, ok := FromContext(ctx)
	if !ok || tx == nil {
		h, err := factory.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpenHandle, err)
		}

		return h, nil
	}

	if !tx.Live() {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrTransactionCompleted, tx.ID(), tx.State())
	}

	if tx.deadlineExceeded() {
		cause := fmt.Errorf("uow: transaction %s deadline exceeded: %w", tx.ID(), context.DeadlineExceeded)
		tx.MarkRollbackOnly(cause)

		return nil, cause
	}

	return tx.bindHandle(ctx, factory)
}

// Release hands a handle back after an acquisition.
//
// A handle bound to a live transaction is not touched: the transaction still
// needs it, and the owning boundary releases it after commit or rollback.
// Releasing a handle of an already completed transaction is logged and
// ignored. An unbound handle is closed through its factory immediately.
func Release(ctx context.Context, factory Factory, h Handle) error {
	if ctx == nil {
		return ErrNilContext
	}

	if h == nil {
		return nil
	}

	if tx, ok := FromContext(ctx); ok && tx != nil && tx.ownsHandle(h) {
		tx.releaseBound(ctx)

		return nil
	}

	if factory == nil {
		return ErrNilFactory
	}

	if err := factory.Close(ctx, h); err != nil {
		return fmt.Errorf("uow: failed to close resource handle: %w", err)
	}

	return nil
}

// bindHandle returns the transaction's bound handle, opening and binding one
// on the first acquisition. bindMu serializes concurrent first acquisitions
// without blocking the cancellation watcher, which only needs mu.
func (tx *Transaction) bindHandle(ctx context.Context, factory Factory) (Handle, error) {
	tx.bindMu.Lock()
	defer tx.bindMu.Unlock()

	tx.mu.Lock()

	if !tx.state.live() {
		state := tx.state
		tx.mu.Unlock()

		return nil, fmt.Errorf("%w: transaction %s is %s", ErrTransactionCompleted, tx.id, state)
	}

	if tx.handle != nil {
		h := tx.handle
		tx.acquisitions++
		tx.mu.Unlock()

		return h, nil
	}

	tx.mu.Unlock()

	h, err := factory.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenHandle, err)
	}

	if err := h.SetAutoCommit(ctx, false); err != nil {
		if closeErr := factory.Close(ctx, h); closeErr != nil {
			tx.logger.Log(ctx, log.LevelWarn, "closing handle after failed bind failed",
				log.String("transaction_id", tx.id.String()),
				log.Err(closeErr),
			)
		}

		return nil, fmt.Errorf("%w: %w", ErrBindHandle, err)
	}

	tx.mu.Lock()

	if !tx.state.live() {
		state := tx.state
		tx.mu.Unlock()

		// The watcher tore the transaction down while the handle was being
		// opened. Nothing was bound, so the orphan goes straight back.
		if err := h.SetAutoCommit(ctx, true); err != nil {
			tx.logger.Log(ctx, log.LevelWarn, "restoring autocommit on orphaned handle failed",
				log.String("transaction_id", tx.id.String()),
				log.Err(err),
			)
		}

		if err := factory.Close(ctx, h); err != nil {
			tx.logger.Log(ctx, log.LevelWarn, "closing orphaned handle failed",
				log.String("transaction_id", tx.id.String()),
				log.Err(err),
			)
		}

		return nil, fmt.Errorf("%w: transaction %s is %s", ErrTransactionCompleted, tx.id, state)
	}

	tx.handle = h
	tx.factory = factory
	tx.acquisitions = 1

	tx.mu.Unlock()

	tx.logger.Log(ctx, log.LevelDebug, "handle bound to transaction",
		log.String("transaction_id", tx.id.String()),
	)

	return h, nil
}

// releaseBound records that one acquisition of the bound handle was given
// back. While the transaction is live this only drops the reference count; a
// release arriving after completion is the classic double release and is
// ignored.
func (tx *Transaction) releaseBound(ctx context.Context) {
	tx.mu.Lock()

	live := tx.state.live()
	if live && tx.acquisitions > 0 {
		tx.acquisitions--
	}

	tx.mu.Unlock()

	if !live {
		tx.logger.Log(ctx, log.LevelDebug, "ignoring release for a completed transaction",
			log.String("transaction_id", tx.id.String()),
		)
	}
}
