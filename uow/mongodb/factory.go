package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrForeignHandle is returned when a handle from another factory is
	// passed in.
	ErrForeignHandle = errors.New("handle was not opened by this mongo factory")
	// ErrHandleClosed is returned on any use of a closed handle.
	ErrHandleClosed = errors.New("mongo session handle is closed")
	// ErrAutoCommitEnabled is returned when Commit is called on a handle
	// that has no open transaction.
	ErrAutoCommitEnabled = errors.New("mongo session is in autocommit mode")
)

// Factory opens one server session per transaction boundary. MongoDB
// transactions always run against the primary, so unlike postgres there is
// no pool selection; the definition only shapes the transaction options.
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
		logger: client.cfg.Logger,
		tracer: otel.Tracer("mongodb"),
	}, nil
}

// Open starts a session and returns it as a handle. When a transaction is
// present in ctx its definition selects the session transaction options
// used once the binder disables autocommit.
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

	client, err := f.client.ResolveClient(ctx)
	if err != nil {
		return nil, err
	}

	db, err := f.client.Database(ctx)
	if err != nil {
		return nil, err
	}

	session, err := f.client.deps.startSession(client)
	if err != nil {
		return nil, fmt.Errorf("failed to start mongo session: %w", err)
	}

	return &Handle{
		session:   session,
		db:        db,
		txOptions: txOptionsFromDefinition(def),
		logger:    f.logger,
		tracer:    f.tracer,
	}, nil
}

// Close ends the handle's session, aborting any transaction still open on
// it.
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

func txOptionsFromDefinition(def uow.Definition) *options.TransactionOptions {
	rc := mapReadConcern(def.Isolation)
	if rc == nil {
		return nil
	}

	return options.Transaction().SetReadConcern(rc)
}

// mapReadConcern maps isolation onto the closest read concern. MongoDB has
// no SQL isolation ladder; snapshot is the strongest per-transaction
// guarantee it offers. Default delegates to the deployment configuration.
func mapReadConcern(level uow.IsolationLevel) *readconcern.ReadConcern {
	switch level {
	case uow.IsolationSerializable, uow.IsolationRepeatableRead:
		return readconcern.Snapshot()
	case uow.IsolationReadCommitted:
		return readconcern.Majority()
	case uow.IsolationReadUncommitted:
		return readconcern.Local()
	default:
		return nil
	}
}

// Handle is one MongoDB server session. In autocommit mode operations run
// as ordinary causally-consistent session operations; after
// SetAutoCommit(false) they join one multi-document transaction until
// Commit or Rollback. Operations must be issued through SessionContext to
// ride the session.
type Handle struct {
	session   mongo.Session
	db        *mongo.Database
	txOptions *options.TransactionOptions
	logger    log.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	inTx   bool
	closed bool
}

// Session exposes the raw server session.
func (h *Handle) Session() mongo.Session {
	return h.session
}

// Database returns the hub's configured database.
func (h *Handle) Database() *mongo.Database {
	return h.db
}

// Collection returns a collection of the hub's configured database.
func (h *Handle) Collection(name string) *mongo.Collection {
	return h.db.Collection(name)
}

// SessionContext binds ctx to the handle's session. Every store call made
// inside the boundary must use the returned context, otherwise it runs
// outside the transaction.
func (h *Handle) SessionContext(ctx context.Context) mongo.SessionContext {
	return mongo.NewSessionContext(ctx, h.session)
}

// SetAutoCommit toggles transactional mode. Disabling starts a session
// transaction with the options captured at Open; enabling aborts any open
// transaction and returns the session to plain operation.
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

		var err error
		if h.txOptions != nil {
			err = h.session.StartTransaction(h.txOptions)
		} else {
			err = h.session.StartTransaction()
		}

		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		h.inTx = true

		return nil
	}

	if !h.inTx {
		return nil
	}

	// Restoring autocommit never commits: pending work is discarded.
	err := h.session.AbortTransaction(ctx)
	h.inTx = false

	if err != nil {
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

	if !h.inTx {
		return ErrAutoCommitEnabled
	}

	_, span := h.tracer.Start(ctx, "mongodb.commit")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB))

	if err := h.session.CommitTransaction(ctx); err != nil {
		// A failed commit leaves the server-side outcome unknown and the
		// session refuses a follow-up abort, so the boundary surfaces the
		// state as unresolved rather than cleanly rolled back.
		otelutil.HandleSpanError(span, "Failed to commit transaction", err)

		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	h.inTx = false

	return nil
}

// Rollback aborts the open transaction.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if !h.inTx {
		return nil
	}

	_, span := h.tracer.Start(ctx, "mongodb.rollback")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB))

	err := h.session.AbortTransaction(ctx)
	h.inTx = false

	if err != nil {
		otelutil.HandleSpanError(span, "Failed to abort transaction", err)

		return fmt.Errorf("failed to abort transaction: %w", err)
	}

	return nil
}

// close aborts any open transaction and ends the session. Idempotent.
func (h *Handle) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	if h.inTx {
		if err := h.session.AbortTransaction(ctx); err != nil {
			h.logAtLevel(ctx, log.LevelWarn, "failed to abort transaction on close", log.Err(err))
		}

		h.inTx = false
	}

	h.session.EndSession(ctx)

	return nil
}

func (h *Handle) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if h == nil || h.logger == nil {
		return
	}

	h.logger.Log(ctx, level, msg, fields...)
}

// Acquire binds a mongo handle to the transaction in ctx, or opens a plain
// session when no transaction is present.
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
