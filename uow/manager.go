package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "uow"

// Manager creates and completes transaction boundaries. It holds no
// connections and no per-transaction state of its own; everything a
// transaction needs travels in the context. A single Manager is safe for
// concurrent use and is typically created once per application.
type Manager struct {
	logger  log.Logger
	clock   Clock
	tracer  trace.Tracer
	metrics *boundaryMetrics
}

type managerOptions struct {
	logger         log.Logger
	clock          Clock
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

// WithLogger sets the logger used for boundary lifecycle events. The default
// discards everything.
func WithLogger(logger log.Logger) ManagerOption {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock used for deadlines and durations. The default is
// the system clock.
func WithClock(clock Clock) ManagerOption {
	return func(o *managerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTracerProvider sets the provider for boundary spans. The default is
// the global provider.
func WithTracerProvider(provider trace.TracerProvider) ManagerOption {
	return func(o *managerOptions) {
		if provider != nil {
			o.tracerProvider = provider
		}
	}
}

// WithMeterProvider sets the provider for boundary metrics. The default is
// the global provider.
func WithMeterProvider(provider metric.MeterProvider) ManagerOption {
	return func(o *managerOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// NewManager builds a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	options := managerOptions{
		logger: log.NewNop(),
		clock:  SystemClock{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	tracer := otel.Tracer(instrumentationName)
	if options.tracerProvider != nil {
		tracer = options.tracerProvider.Tracer(instrumentationName)
	}

	meterProvider := otel.GetMeterProvider()
	if options.meterProvider != nil {
		meterProvider = options.meterProvider
	}

	return &Manager{
		logger:  options.logger,
		clock:   options.clock,
		tracer:  tracer,
		metrics: newBoundaryMetrics(meterProvider, options.logger),
	}
}

// Do runs fn inside a transaction boundary. The boundary commits when fn
// returns nil and rolls back when fn returns an error or panics; a panic is
// re-raised after the rollback. The context passed to fn carries the
// transaction, so every Acquire inside fn shares its handle.
//
// The returned error is fn's own error on a clean rollback, ErrRollbackOnly
// when a success outcome was vetoed by a joined boundary, a *CommitError or
// *RollbackError when the store refused the terminal verb, or a propagation
// violation when the boundary could not be created at all.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...TxOption) error {
	if m == nil {
		return ErrNilManager
	}

	if ctx == nil {
		return ErrNilContext
	}

	if fn == nil {
		return ErrNilOperation
	}

	scope, err := m.Begin(ctx, opts...)
	if err != nil {
		return err
	}

	var opErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				_ = scope.End(fmt.Errorf("uow: operation panicked: %v", r))

				panic(r)
			}
		}()

		opErr = fn(scope.Context())
	}()

	return scope.End(opErr)
}

// Execute runs fn inside a transaction boundary and returns its result. The
// zero value is returned whenever the boundary does not commit.
func Execute[T any](ctx context.Context, m *Manager, fn func(ctx context.Context) (T, error), opts ...TxOption) (T, error) {
	var zero T

	if fn == nil {
		return zero, ErrNilOperation
	}

	var out T

	err := m.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}

		out = v

		return nil
	}, opts...)
	if err != nil {
		return zero, err
	}

	return out, nil
}

// Begin opens a transaction boundary explicitly. Callers that cannot express
// their work as a closure use Begin and End in pairs:
//
//	scope, err := manager.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	err = work(scope.Context())
//	return scope.End(err)
//
// End must be called exactly once on every scope Begin returns.
func (m *Manager) Begin(ctx context.Context, opts ...TxOption) (*Scope, error) {
	if m == nil {
		return nil, ErrNilManager
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	def := newDefinition(opts...)

	current, ok := FromContext(ctx)
	hasLive := ok && current != nil && current.Live()

	action, err := def.Propagation.decide(hasLive)
	if err != nil {
		return nil, err
	}

	switch action {
	case actionJoin:
		m.logger.Log(ctx, log.LevelDebug, "joining transaction",
			log.String("transaction_id", current.ID().String()),
			log.String("propagation", def.Propagation.String()),
		)

		return &Scope{manager: m, ctx: ctx, tx: current}, nil
	case actionProceed:
		if current != nil {
			// Shadow the stale completed value so the binder sees no
			// transaction inside this boundary.
			ctx = withTransaction(ctx, nil)
		}

		return &Scope{manager: m, ctx: ctx}, nil
	default:
		return m.create(ctx, def, current), nil
	}
}

// create starts a fresh transaction in a derived context. For RequiresNew
// the outer live transaction stays untouched in the parent context; it is
// resumed simply by returning to a scope that still holds the parent.
func (m *Manager) create(ctx context.Context, def Definition, outer *Transaction) *Scope {
	tx := newTransaction(def, m.clock, m.logger)

	txCtx := withTransaction(ctx, tx)

	var cancel context.CancelFunc
	if def.Timeout > 0 {
		txCtx, cancel = context.WithTimeout(txCtx, def.Timeout)
	}

	txCtx, span := m.tracer.Start(txCtx, "uow.transaction", trace.WithAttributes(
		attribute.String("uow.transaction_id", tx.ID().String()),
		attribute.String("uow.propagation", def.Propagation.String()),
		attribute.String("uow.isolation", def.Isolation.String()),
		attribute.Bool("uow.read_only", def.ReadOnly),
	))

	fields := []log.Field{
		log.String("transaction_id", tx.ID().String()),
		log.String("propagation", def.Propagation.String()),
	}
	if outer != nil && outer.Live() {
		fields = append(fields, log.String("suspended_transaction_id", outer.ID().String()))
	}

	m.logger.Log(txCtx, log.LevelDebug, "transaction started", fields...)

	scope := &Scope{
		manager: m,
		ctx:     txCtx,
		tx:      tx,
		owner:   true,
		cancel:  cancel,
		span:    span,
		started: m.clock.Now(),
	}

	go m.watch(txCtx, tx)

	return scope
}

// watch tears the transaction down when the boundary context dies before the
// scope ends: rollback, then release, using a context detached from the
// cancellation. The scope's End afterwards reports the transaction as
// aborted. Exactly one of watch and End wins the terminal transition.
func (m *Manager) watch(ctx context.Context, tx *Transaction) {
	select {
	case <-tx.done:
	case <-ctx.Done():
		m.abort(ctx, tx, ctx.Err())
	}
}

func (m *Manager) abort(ctx context.Context, tx *Transaction, cause error) {
	h, factory, ok := tx.beginAbort(cause)
	if !ok {
		return
	}

	cleanupCtx := context.WithoutCancel(ctx)

	if h != nil {
		if err := h.Rollback(cleanupCtx); err != nil {
			m.logger.Log(cleanupCtx, log.LevelError, "rollback after cancellation failed",
				log.String("transaction_id", tx.ID().String()),
				log.Err(err),
			)
		}

		m.releaseHandle(cleanupCtx, factory, h, tx)
	}

	tx.finish()

	m.logger.Log(cleanupCtx, log.LevelWarn, "transaction aborted by context cancellation",
		log.String("transaction_id", tx.ID().String()),
		log.Err(cause),
	)
}

// releaseHandle restores autocommit and hands the handle back to its
// factory. Failures are logged, never surfaced: by the time a handle is
// released the boundary outcome is already decided.
func (m *Manager) releaseHandle(ctx context.Context, factory Factory, h Handle, tx *Transaction) {
	if h == nil {
		return
	}

	if err := h.SetAutoCommit(ctx, true); err != nil {
		m.logger.Log(ctx, log.LevelWarn, "restoring autocommit on released handle failed",
			log.String("transaction_id", tx.ID().String()),
			log.Err(err),
		)
	}

	if factory == nil {
		return
	}

	if err := factory.Close(ctx, h); err != nil {
		m.logger.Log(ctx, log.LevelError, "releasing transaction handle failed",
			log.String("transaction_id", tx.ID().String()),
			log.Err(err),
		)
	}
}

// Scope is one boundary's view of a transaction. Owning scopes drive the
// terminal commit or rollback; joined scopes only propagate their outcome to
// the transaction they participate in. A scope created under propagation
// Never or Supports without a live transaction carries no transaction at
// all.
type Scope struct {
	manager *Manager
	ctx     context.Context
	tx      *Transaction
	owner   bool
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	mu    sync.Mutex
	ended bool
}

// Context returns the context callers must use for every operation inside
// the boundary. It carries the transaction and, when a timeout was
// configured, its deadline.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Transaction returns the transaction this scope participates in, or nil
// for a boundary running without one.
func (s *Scope) Transaction() *Transaction {
	return s.tx
}

// End completes the boundary with the operation's outcome: nil commits, an
// error rolls back. Calling End a second time returns ErrScopeEnded and does
// nothing else.
func (s *Scope) End(opErr error) error {
	s.mu.Lock()

	if s.ended {
		s.mu.Unlock()

		return ErrScopeEnded
	}

	s.ended = true

	s.mu.Unlock()

	if s.cancel != nil {
		defer s.cancel()
	}

	if s.tx == nil {
		return opErr
	}

	if !s.owner {
		return s.endJoined(opErr)
	}

	return s.endOwner(opErr)
}

// endJoined propagates a joined boundary's outcome to the transaction it
// participates in. The handle is never touched; only the owner completes.
func (s *Scope) endJoined(opErr error) error {
	if opErr != nil {
		s.tx.MarkRollbackOnly(opErr)

		s.manager.logger.Log(s.ctx, log.LevelDebug, "joined boundary failed, transaction marked rollback-only",
			log.String("transaction_id", s.tx.ID().String()),
			log.Err(opErr),
		)
	}

	return opErr
}

func (s *Scope) endOwner(opErr error) error {
	tx := s.tx

	success := opErr == nil
	if success && tx.deadlineExceeded() {
		tx.MarkRollbackOnly(fmt.Errorf("uow: transaction %s deadline exceeded: %w", tx.ID(), context.DeadlineExceeded))
	}

	c, ok := tx.beginCompletion(success)
	if !ok {
		return s.endAborted(opErr)
	}

	if c.committing {
		return s.commit(c)
	}

	return s.rollback(c, opErr)
}

// endAborted reports a transaction the cancellation watcher already tore
// down. The handle is long gone; only the outcome is assembled here.
func (s *Scope) endAborted(opErr error) error {
	err := fmt.Errorf("%w: torn down by cancellation", ErrTransactionCompleted)
	if cause := s.tx.abortReason(); cause != nil {
		err = fmt.Errorf("%w: torn down by cancellation: %w", ErrTransactionCompleted, cause)
	}

	if opErr != nil {
		err = errors.Join(opErr, err)
	}

	s.finalize(outcomeAborted, err)

	return err
}

func (s *Scope) commit(c completion) error {
	var commitErr error
	if c.handle != nil {
		commitErr = c.handle.Commit(s.ctx)
	}

	if commitErr == nil {
		if c.handle != nil {
			s.manager.releaseHandle(context.WithoutCancel(s.ctx), c.factory, c.handle, s.tx)
		}

		s.tx.finish()
		s.finalize(outcomeCommitted, nil)

		return nil
	}

	// One rollback attempt so the store is not left holding a half-open
	// transaction; its outcome decides whether the store state is known.
	cleanupCtx := context.WithoutCancel(s.ctx)

	rollbackErr := c.handle.Rollback(cleanupCtx)

	s.manager.releaseHandle(cleanupCtx, c.factory, c.handle, s.tx)
	s.tx.finish()

	err := &CommitError{Err: commitErr, RollbackErr: rollbackErr}
	s.finalize(outcomeCommitFailed, err)

	return err
}

func (s *Scope) rollback(c completion, opErr error) error {
	cleanupCtx := context.WithoutCancel(s.ctx)

	var rollbackErr error
	if c.handle != nil {
		rollbackErr = c.handle.Rollback(cleanupCtx)

		s.manager.releaseHandle(cleanupCtx, c.factory, c.handle, s.tx)
	}

	s.tx.finish()

	err := rollbackOutcome(c, opErr, rollbackErr)
	s.finalize(outcomeRolledBack, err)

	return err
}

// rollbackOutcome assembles the error an owning boundary reports after a
// rollback. An operation failure is propagated unchanged; a forced rollback
// of a success outcome surfaces ErrRollbackOnly wrapping the marking cause;
// a failed rollback verb is joined on so no caller mistakes the store state
// for defined.
func rollbackOutcome(c completion, opErr, rollbackErr error) error {
	var err error

	switch {
	case opErr != nil:
		err = opErr
	case c.forced && c.markCause != nil:
		err = fmt.Errorf("%w: %w", ErrRollbackOnly, c.markCause)
	case c.forced:
		err = ErrRollbackOnly
	}

	if rollbackErr != nil {
		err = errors.Join(err, &RollbackError{Err: rollbackErr})
	}

	return err
}

// finalize closes the boundary's span and records its metrics and log line.
// Owning boundaries only; joined ones ride on the owner's.
func (s *Scope) finalize(outcome string, err error) {
	elapsed := s.manager.clock.Now().Sub(s.started)

	if s.span != nil {
		s.span.SetAttributes(attribute.String("uow.outcome", outcome))

		if err != nil {
			otelutil.HandleSpanError(s.span, "transaction boundary failed", err)
		}

		s.span.End()
	}

	ctx := context.WithoutCancel(s.ctx)

	s.manager.metrics.observe(ctx, outcome, elapsed)

	s.manager.logger.Log(ctx, log.LevelDebug, "transaction completed",
		log.String("transaction_id", s.tx.ID().String()),
		log.String("outcome", outcome),
		log.Duration("duration", elapsed),
	)
}
