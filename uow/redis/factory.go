package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrForeignHandle is returned when a handle from another factory is
	// passed in.
	ErrForeignHandle = errors.New("handle was not opened by this redis factory")
	// ErrHandleClosed is returned on any use of a closed handle.
	ErrHandleClosed = errors.New("redis handle is closed")
	// ErrAutoCommitEnabled is returned when Commit is called on a handle
	// that has no open transaction.
	ErrAutoCommitEnabled = errors.New("redis handle is in autocommit mode")
	// ErrTransactionExecuted is returned when Rollback runs after a failed
	// Commit: the MULTI/EXEC block already went to the server and Redis
	// has no way to undo it, so the outcome is unknown rather than rolled
	// back.
	ErrTransactionExecuted = errors.New("redis transaction already sent; cannot roll back")
)

// Factory opens handles over a shared Redis client. Transactions map onto
// MULTI/EXEC: while a transaction is open, commands issued through the
// handle are queued client-side and sent as one atomic block at commit,
// so a rollback before commit discards the queue without a round trip.
// Redis has no isolation ladder, so the transaction definition does not
// shape the handle.
type Factory struct {
	client *Client
	logger log.Logger
	tracer trace.Tracer
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
		tracer: otel.Tracer("redis"),
	}, nil
}

// Open returns a handle over the shared client. The handle starts in
// autocommit mode: commands run immediately, one round trip each.
func (f *Factory) Open(ctx context.Context) (uow.Handle, error) {
	if f == nil || f.client == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	client, err := f.client.ResolveClient(ctx)
	if err != nil {
		return nil, err
	}

	return &Handle{
		client: client,
		logger: f.logger,
		tracer: f.tracer,
	}, nil
}

// Close releases the handle, discarding any transaction still queued on
// it. The underlying client is owned by the hub and stays open.
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

// Handle is one logical Redis session. In autocommit mode Cmdable returns
// the shared client and every command runs immediately. After
// SetAutoCommit(false) Cmdable returns a transaction pipeline: commands
// are queued client-side and execute atomically as one MULTI/EXEC block
// at Commit. Queued command results resolve only after Commit returns;
// reads that must observe live values belong outside the transaction.
type Handle struct {
	client redis.UniversalClient
	logger log.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	pipe redis.Pipeliner
	// executed marks a failed Exec: the block was handed to the server and
	// its outcome is unknown, so a follow-up Rollback must not report a
	// clean undo.
	executed bool
	closed   bool
}

// Cmdable returns the command surface for the handle's current mode: the
// transaction pipeline while a transaction is open, the shared client
// otherwise.
func (h *Handle) Cmdable() redis.Cmdable {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pipe != nil {
		return h.pipe
	}

	return h.client
}

// Client returns the shared underlying client. Commands issued on it run
// immediately even while a transaction is open on the handle, outside the
// MULTI/EXEC block.
func (h *Handle) Client() redis.UniversalClient {
	return h.client
}

// InTransaction reports whether a MULTI/EXEC block is currently open.
func (h *Handle) InTransaction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pipe != nil
}

// SetAutoCommit toggles transactional mode. Disabling opens a transaction
// pipeline that queues commands; enabling discards any queued commands
// and returns the handle to immediate execution.
func (h *Handle) SetAutoCommit(ctx context.Context, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if !enabled {
		if h.pipe == nil {
			h.pipe = h.client.TxPipeline()
		}

		return nil
	}

	// Restoring autocommit never commits: pending work is discarded.
	if h.pipe != nil {
		h.pipe.Discard()
		h.pipe = nil
	}

	h.executed = false

	return nil
}

// Commit sends the queued commands as one MULTI/EXEC block. A nil-reply
// from a queued read (redis.Nil) is not a transaction failure.
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if h.pipe == nil {
		return ErrAutoCommitEnabled
	}

	_, span := h.tracer.Start(ctx, "redis.commit")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRedis))

	_, err := h.pipe.Exec(ctx)
	h.pipe = nil

	if err != nil && !errors.Is(err, redis.Nil) {
		// The block already left for the server; whether it ran cannot be
		// told from here, and Redis cannot undo it either way.
		h.executed = true

		otelutil.HandleSpanError(span, "Failed to exec transaction", err)

		return fmt.Errorf("failed to exec redis transaction: %w", err)
	}

	return nil
}

// Rollback discards the queued commands without a server round trip.
// After a failed Commit it returns ErrTransactionExecuted instead: the
// block may have run and Redis offers no undo.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if h.executed {
		return ErrTransactionExecuted
	}

	if h.pipe == nil {
		return nil
	}

	_, span := h.tracer.Start(ctx, "redis.rollback")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRedis))

	h.pipe.Discard()
	h.pipe = nil

	return nil
}

// close discards any queued transaction and marks the handle closed.
// Idempotent. The shared client stays open.
func (h *Handle) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	if h.pipe != nil {
		h.logAtLevel(ctx, log.LevelWarn, "discarding queued transaction on close")

		h.pipe.Discard()
		h.pipe = nil
	}

	return nil
}

func (h *Handle) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if h == nil || h.logger == nil {
		return
	}

	h.logger.Log(ctx, level, msg, fields...)
}

// Acquire binds a redis handle to the transaction in ctx, or opens a
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
