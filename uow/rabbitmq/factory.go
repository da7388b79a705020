package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrForeignHandle is returned when a handle from another factory is
	// passed in.
	ErrForeignHandle = errors.New("handle was not opened by this rabbitmq factory")
	// ErrHandleClosed is returned on any use of a closed handle.
	ErrHandleClosed = errors.New("rabbitmq handle is closed")
	// ErrAutoCommitEnabled is returned when Commit is called on a handle
	// that has no open transaction.
	ErrAutoCommitEnabled = errors.New("rabbitmq handle is in autocommit mode")
	// ErrTransactionUnresolved is returned when Rollback runs after a
	// failed Commit: tx.commit already reached the broker and the batch
	// outcome is unknown, so nothing can honestly be rolled back.
	ErrTransactionUnresolved = errors.New("rabbitmq transaction commit failed; deliveries cannot be rolled back")
)

// handleDeps are the channel verbs a handle uses, injectable for tests
// that run without a broker.
type handleDeps struct {
	txSelect   func(ch *amqp.Channel) error
	txCommit   func(ch *amqp.Channel) error
	txRollback func(ch *amqp.Channel) error
	closeCh    func(ch *amqp.Channel) error
	chanClosed func(ch *amqp.Channel) bool
}

func defaultHandleDeps() handleDeps {
	return handleDeps{
		txSelect:   func(ch *amqp.Channel) error { return ch.Tx() },
		txCommit:   func(ch *amqp.Channel) error { return ch.TxCommit() },
		txRollback: func(ch *amqp.Channel) error { return ch.TxRollback() },
		closeCh:    func(ch *amqp.Channel) error { return ch.Close() },
		chanClosed: func(ch *amqp.Channel) bool { return ch == nil || ch.IsClosed() },
	}
}

// Factory opens handles over a shared RabbitMQ connection hub. Every
// handle owns its own channel; transactions map onto AMQP channel
// transactions (tx.select/tx.commit/tx.rollback), so publishes made
// through the handle are held by the broker and routed atomically at
// commit. AMQP has no isolation ladder, so the transaction definition
// does not shape the channel.
type Factory struct {
	client *Client
	logger log.Logger
	tracer trace.Tracer
	deps   handleDeps
}

// NewFactory returns a factory backed by client. The client reconnects
// lazily on Open if its connection was dropped.
func NewFactory(client *Client) (*Factory, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	return &Factory{
		client: client,
		logger: client.logger,
		tracer: otel.Tracer("rabbitmq"),
		deps:   defaultHandleDeps(),
	}, nil
}

// Open returns a handle over a fresh channel. The handle starts in
// autocommit mode: publishes route immediately.
func (f *Factory) Open(ctx context.Context) (uow.Handle, error) {
	if f == nil || f.client == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	ch, err := f.client.ResolveChannel(ctx)
	if err != nil {
		return nil, err
	}

	return &Handle{
		ch:     ch,
		logger: f.logger,
		tracer: f.tracer,
		deps:   f.deps,
	}, nil
}

// Close releases the handle and its channel. Closing a channel with an
// uncommitted transaction discards the pending deliveries broker-side.
// The shared connection is owned by the hub and stays open.
func (f *Factory) Close(ctx context.Context, h uow.Handle) error {
	if f == nil {
		return ErrNilClient
	}

	handle, ok := h.(*Handle)
	if !ok {
		return ErrForeignHandle
	}

	return handle.close(ctx)
}

// Handle is one AMQP channel. In autocommit mode publishes route
// immediately. After SetAutoCommit(false) the channel is transactional:
// publishes and acks issued on it are held by the broker and take effect
// as one batch at Commit, or are dropped by Rollback. Declarations
// (exchanges, queues, bindings) are never transactional and take effect
// immediately either way.
type Handle struct {
	ch     *amqp.Channel
	logger log.Logger
	tracer trace.Tracer
	deps   handleDeps

	mu   sync.Mutex
	inTx bool
	// unresolved marks a failed tx.commit: the batch already reached the
	// broker and its outcome is unknown, so a follow-up Rollback must
	// not report a clean undo.
	unresolved bool
	closed     bool
}

// Channel returns the handle's channel. While a transaction is open,
// publishes on it join the batch; a channel obtained separately from the
// hub bypasses the transaction entirely.
func (h *Handle) Channel() *amqp.Channel {
	return h.ch
}

// InTransaction reports whether a channel transaction is currently open.
func (h *Handle) InTransaction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.inTx
}

// SetAutoCommit toggles transactional mode. Disabling sends tx.select,
// after which publishes are held by the broker until Commit. Enabling
// discards any pending batch; note that tx.select has no inverse, so the
// underlying channel stays transactional and a restored handle should be
// closed rather than reused for fire-and-forget publishing. The release
// path does exactly that.
func (h *Handle) SetAutoCommit(ctx context.Context, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if !enabled {
		if h.inTx {
			return nil
		}

		// Re-selecting an already-transactional channel is a broker
		// no-op, so a handle that committed earlier can open a new
		// batch here.
		if err := h.deps.txSelect(h.ch); err != nil {
			return fmt.Errorf("failed to enter transactional mode: %w", err)
		}

		h.inTx = true

		return nil
	}

	if h.unresolved {
		// The channel is almost certainly dead after the failed commit;
		// there is nothing left to discard.
		h.unresolved = false

		return nil
	}

	if !h.inTx {
		return nil
	}

	h.inTx = false

	// Restoring autocommit never commits: pending deliveries are dropped.
	if err := h.deps.txRollback(h.ch); err != nil {
		return fmt.Errorf("failed to discard pending rabbitmq transaction: %w", err)
	}

	return nil
}

// Commit sends tx.commit: the broker routes the held batch atomically.
// On failure the batch outcome is unknown and the handle is marked
// unresolved.
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if !h.inTx {
		return ErrAutoCommitEnabled
	}

	_, span := h.tracer.Start(ctx, "rabbitmq.commit")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRabbitMQ))

	h.inTx = false

	if err := h.deps.txCommit(h.ch); err != nil {
		// tx.commit already left for the broker; whether the batch was
		// routed cannot be told from here.
		h.unresolved = true

		otelutil.HandleSpanError(span, "Failed to commit transaction", err)

		return fmt.Errorf("failed to commit rabbitmq transaction: %w", err)
	}

	return nil
}

// Rollback sends tx.rollback: the broker drops the held batch. After a
// failed Commit it returns ErrTransactionUnresolved instead: the batch
// may have been routed and AMQP offers no undo.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if h.unresolved {
		return ErrTransactionUnresolved
	}

	if !h.inTx {
		return nil
	}

	_, span := h.tracer.Start(ctx, "rabbitmq.rollback")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRabbitMQ))

	h.inTx = false

	if err := h.deps.txRollback(h.ch); err != nil {
		otelutil.HandleSpanError(span, "Failed to roll back transaction", err)

		return fmt.Errorf("failed to roll back rabbitmq transaction: %w", err)
	}

	return nil
}

// close shuts the handle's channel and marks it closed. Idempotent. The
// broker discards any uncommitted batch along with the channel.
func (h *Handle) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	if h.inTx && !h.unresolved {
		h.logAtLevel(ctx, log.LevelWarn, "discarding uncommitted transaction on close")
	}

	if h.deps.chanClosed(h.ch) {
		return nil
	}

	if err := h.deps.closeCh(h.ch); err != nil {
		return fmt.Errorf("failed to close rabbitmq channel: %w", err)
	}

	return nil
}

func (h *Handle) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if h == nil || h.logger == nil {
		return
	}

	h.logger.Log(ctx, level, msg, fields...)
}

// Acquire binds a rabbitmq handle to the transaction in ctx, or opens a
// plain autocommit handle when no transaction is present.
func Acquire(ctx context.Context, f *Factory) (*Handle, error) {
	h, err := uow.Acquire(ctx, f)
	if err != nil {
		return nil, err
	}

	handle, ok := h.(*Handle)
	if !ok {
		return nil, ErrForeignHandle
	}

	return handle, nil
}

// Release hands a handle back. Bound handles stay open until their
// transaction completes; unbound ones are closed immediately.
func Release(ctx context.Context, f *Factory, h *Handle) error {
	if h == nil {
		return nil
	}

	return uow.Release(ctx, f, h)
}
