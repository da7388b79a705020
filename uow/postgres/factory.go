package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrForeignHandle is returned when a handle from another factory is
	// passed in.
	ErrForeignHandle = errors.New("handle was not opened by this postgres factory")
	// ErrHandleClosed is returned on any use of a closed handle.
	ErrHandleClosed = errors.New("postgres handle is closed")
	// ErrAutoCommitEnabled is returned when Commit is called on a handle
	// that has no open transaction.
	ErrAutoCommitEnabled = errors.New("postgres handle is in autocommit mode")
)

// Factory opens single-session postgres handles for transaction boundaries.
// Each handle pins one pooled connection; read-only boundaries draw from the
// replica, everything else from the primary.
type Factory struct {
	client *Client
	logger log.Logger
	tracer trace.Tracer
}

// NewFactory returns a factory backed by client. The client connects lazily
// on the first Open if Connect was not called up front.
func NewFactory(client *Client) (*Factory, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	return &Factory{
		client: client,
		logger: client.cfg.Logger,
		tracer: otel.Tracer("postgres"),
	}, nil
}

// Open pins a single connection and returns it as a handle. When a
// transaction is present in ctx its definition selects the pool and the
// sql.TxOptions used once the binder disables autocommit.
func (f *Factory) Open(ctx context.Context) (uow.Handle, error) {
	if f == nil || f.client == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	var def uow.Definition
	if tx, ok := uow.FromContext(ctx); ok {
		def = tx.Definition()
	}

	// Ensure the pools exist before picking one.
	if _, err := f.client.Resolver(ctx); err != nil {
		return nil, err
	}

	pool, err := f.pickPool(def)
	if err != nil {
		return nil, err
	}

	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres session: %w", err)
	}

	return &Handle{
		conn:      conn,
		txOptions: txOptionsFromDefinition(def),
		logger:    f.logger,
		tracer:    f.tracer,
	}, nil
}

func (f *Factory) pickPool(def uow.Definition) (*sql.DB, error) {
	if def.ReadOnly {
		return f.client.Replica()
	}

	return f.client.Primary()
}

// Close returns the handle's connection to its pool, rolling back any
// transaction still open on it.
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

func txOptionsFromDefinition(def uow.Definition) sql.TxOptions {
	return sql.TxOptions{
		Isolation: mapIsolation(def.Isolation),
		ReadOnly:  def.ReadOnly,
	}
}

func mapIsolation(level uow.IsolationLevel) sql.IsolationLevel {
	switch level {
	case uow.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case uow.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case uow.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case uow.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// Handle is a single pinned postgres session. In autocommit mode statements
// run directly on the connection; after SetAutoCommit(false) they run inside
// one sql.Tx until Commit or Rollback.
type Handle struct {
	conn      *sql.Conn
	txOptions sql.TxOptions
	logger    log.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	tx     *sql.Tx
	closed bool
}

// session is the statement surface shared by *sql.Conn and *sql.Tx.
type session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (h *Handle) current() (session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHandleClosed
	}

	if h.tx != nil {
		return h.tx, nil
	}

	return h.conn, nil
}

// ExecContext executes a statement on the session.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s, err := h.current()
	if err != nil {
		return nil, err
	}

	return s.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the session.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s, err := h.current()
	if err != nil {
		return nil, err
	}

	return s.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the session.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	s, err := h.current()
	if err != nil {
		// *sql.Row carries errors to Scan; surface ours the same way by
		// querying the closed connection, which yields the driver error.
		return h.conn.QueryRowContext(ctx, query, args...)
	}

	return s.QueryRowContext(ctx, query, args...)
}

// SetAutoCommit toggles transactional mode. Disabling opens a sql.Tx with
// the options captured at Open; enabling rolls back any open transaction and
// returns the session to direct statement execution.
func (h *Handle) SetAutoCommit(ctx context.Context, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if !enabled {
		if h.tx != nil {
			return nil
		}

		tx, err := h.conn.BeginTx(ctx, &h.txOptions)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		h.tx = tx

		return nil
	}

	if h.tx == nil {
		return nil
	}

	// Restoring autocommit never commits: pending work is discarded.
	err := h.tx.Rollback()
	h.tx = nil

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to reset session transaction: %w", err)
	}

	return nil
}

// Commit commits the open transaction.
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if h.tx == nil {
		return ErrAutoCommitEnabled
	}

	_, span := h.tracer.Start(ctx, "postgres.commit")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemPostgreSQL))

	if err := h.tx.Commit(); err != nil {
		// Keep the tx for the follow-up rollback attempt; database/sql
		// reports ErrTxDone there, which Rollback treats as already
		// resolved.
		otelutil.HandleSpanError(span, "Failed to commit transaction", err)

		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	h.tx = nil

	return nil
}

// Rollback rolls back the open transaction. A transaction already resolved
// by the store counts as rolled back.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if h.tx == nil {
		return nil
	}

	_, span := h.tracer.Start(ctx, "postgres.rollback")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemPostgreSQL))

	err := h.tx.Rollback()
	h.tx = nil

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		otelutil.HandleSpanError(span, "Failed to roll back transaction", err)

		return fmt.Errorf("failed to roll back transaction: %w", err)
	}

	return nil
}

// close rolls back any open transaction and returns the connection to the
// pool. Idempotent.
func (h *Handle) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	if h.tx != nil {
		if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			h.logAtLevel(ctx, log.LevelWarn, "failed to roll back transaction on close", log.Err(err))
		}

		h.tx = nil
	}

	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("failed to release postgres session: %w", err)
	}

	return nil
}

func (h *Handle) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if h == nil || h.logger == nil {
		return
	}

	h.logger.Log(ctx, level, msg, fields...)
}

// Acquire binds a postgres handle to the transaction in ctx, or opens a
// plain autocommit session when no transaction is present.
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
