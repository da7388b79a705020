//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// handleRecorder counts channel verbs so transaction flow is observable
// without a broker.
type handleRecorder struct {
	mu        sync.Mutex
	selects   int
	commits   int
	rollbacks int
	closes    int

	selectErr   error
	commitErr   error
	rollbackErr error
	closeErr    error
}

func (r *handleRecorder) deps() handleDeps {
	return handleDeps{
		txSelect: func(*amqp.Channel) error {
			r.mu.Lock()
			defer r.mu.Unlock()

			r.selects++

			return r.selectErr
		},
		txCommit: func(*amqp.Channel) error {
			r.mu.Lock()
			defer r.mu.Unlock()

			r.commits++

			return r.commitErr
		},
		txRollback: func(*amqp.Channel) error {
			r.mu.Lock()
			defer r.mu.Unlock()

			r.rollbacks++

			return r.rollbackErr
		},
		closeCh: func(*amqp.Channel) error {
			r.mu.Lock()
			defer r.mu.Unlock()

			r.closes++

			return r.closeErr
		},
		chanClosed: func(*amqp.Channel) bool { return false },
	}
}

func (r *handleRecorder) set(fn func(*handleRecorder)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(r)
}

func (r *handleRecorder) snapshot() (selects, commits, rollbacks, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selects, r.commits, r.rollbacks, r.closes
}

// newFakeFactory wires a factory over a fake broker and swaps the channel
// verbs for counters.
func newFakeFactory(t *testing.T) (*Factory, *handleRecorder) {
	t.Helper()

	client, err := New(context.Background(),
		Config{URI: testURI, Logger: log.NewNop()},
		(&fakeBroker{}).option(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	factory, err := NewFactory(client)
	require.NoError(t, err)

	recorder := &handleRecorder{}
	factory.deps = recorder.deps()

	return factory, recorder
}

type foreignHandle struct{}

func (foreignHandle) Commit(context.Context) error              { return nil }
func (foreignHandle) Rollback(context.Context) error            { return nil }
func (foreignHandle) SetAutoCommit(context.Context, bool) error { return nil }

// ---------------------------------------------------------------------------
// Factory tests
// ---------------------------------------------------------------------------

func TestNewFactoryRequiresClient(t *testing.T) {
	t.Parallel()

	factory, err := NewFactory(nil)
	assert.ErrorIs(t, err, ErrNilClient)
	assert.Nil(t, factory)
}

func TestFactoryOpenGuards(t *testing.T) {
	t.Parallel()

	var factory *Factory

	_, err := factory.Open(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)

	live, _ := newFakeFactory(t)

	_, err = live.Open(nil) //nolint:staticcheck
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestFactoryCloseForeignHandle(t *testing.T) {
	t.Parallel()

	factory, _ := newFakeFactory(t)

	err := factory.Close(context.Background(), foreignHandle{})
	assert.ErrorIs(t, err, ErrForeignHandle)
}

func TestReleaseNilHandle(t *testing.T) {
	t.Parallel()

	factory, _ := newFakeFactory(t)

	assert.NoError(t, Release(context.Background(), factory, nil))
}

// ---------------------------------------------------------------------------
// Handle state machine
// ---------------------------------------------------------------------------

func TestOpenWithoutTransactionIsAutocommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)
	assert.False(t, h.InTransaction())
	assert.NotNil(t, h.Channel())

	// No transaction was ever opened, so there is nothing to commit.
	assert.ErrorIs(t, h.Commit(ctx), ErrAutoCommitEnabled)
	assert.NoError(t, h.Rollback(ctx))

	require.NoError(t, Release(ctx, factory, h))

	selects, commits, rollbacks, closes := recorder.snapshot()
	assert.Zero(t, selects)
	assert.Zero(t, commits)
	assert.Zero(t, rollbacks)
	assert.Equal(t, 1, closes)

	assert.ErrorIs(t, h.SetAutoCommit(ctx, false), ErrHandleClosed)
}

func TestHandleTransactionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(ctx, false))
	assert.True(t, h.InTransaction())

	// Disabling twice must not re-send tx.select.
	require.NoError(t, h.SetAutoCommit(ctx, false))

	selects, _, _, _ := recorder.snapshot()
	assert.Equal(t, 1, selects)

	require.NoError(t, h.Commit(ctx))
	assert.False(t, h.InTransaction())

	_, commits, _, _ := recorder.snapshot()
	assert.Equal(t, 1, commits)

	// The batch was consumed; committing again has nothing to send.
	assert.ErrorIs(t, h.Commit(ctx), ErrAutoCommitEnabled)

	// The channel stayed transactional, so a new batch can be opened.
	require.NoError(t, h.SetAutoCommit(ctx, false))
	assert.True(t, h.InTransaction())
}

func TestHandleRollbackDiscardsBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(ctx, false))
	require.NoError(t, h.Rollback(ctx))
	assert.False(t, h.InTransaction())

	// Rolling back again is a no-op, not a broker round trip.
	require.NoError(t, h.Rollback(ctx))

	_, _, rollbacks, _ := recorder.snapshot()
	assert.Equal(t, 1, rollbacks)
}

func TestHandleCommitFailureIsUnresolved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(ctx, false))

	recorder.set(func(r *handleRecorder) { r.commitErr = errors.New("channel/connection is not open") })

	err = h.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit rabbitmq transaction")

	// tx.commit already reached the broker; the rollback answer must not
	// pretend otherwise, and must not touch the dead channel.
	assert.ErrorIs(t, h.Rollback(ctx), ErrTransactionUnresolved)
	assert.ErrorIs(t, h.Rollback(ctx), ErrTransactionUnresolved)

	_, _, rollbacks, _ := recorder.snapshot()
	assert.Zero(t, rollbacks)

	// Restoring autocommit clears the marker so release stays clean.
	require.NoError(t, h.SetAutoCommit(ctx, true))
	require.NoError(t, h.Rollback(ctx))

	_, _, rollbacks, _ = recorder.snapshot()
	assert.Zero(t, rollbacks)
}

func TestSetAutoCommitRestoreDiscardsPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(ctx, false))
	require.NoError(t, h.SetAutoCommit(ctx, true))
	assert.False(t, h.InTransaction())

	_, _, rollbacks, _ := recorder.snapshot()
	assert.Equal(t, 1, rollbacks, "restoring autocommit discards the pending batch")

	// Restoring again finds nothing pending.
	require.NoError(t, h.SetAutoCommit(ctx, true))

	_, _, rollbacks, _ = recorder.snapshot()
	assert.Equal(t, 1, rollbacks)
}

func TestSetAutoCommitRestoreSurfacesDiscardFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(ctx, false))

	recorder.set(func(r *handleRecorder) { r.rollbackErr = errors.New("channel gone") })

	err = h.SetAutoCommit(ctx, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to discard pending rabbitmq transaction")

	// The handle is out of the transaction either way.
	assert.False(t, h.InTransaction())
	require.NoError(t, h.SetAutoCommit(ctx, true))
}

func TestSelectFailureSurfaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)

	recorder.set(func(r *handleRecorder) { r.selectErr = errors.New("access refused") })

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	err = h.SetAutoCommit(ctx, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enter transactional mode")
	assert.False(t, h.InTransaction())
}

func TestHandleCloseDiscardsUncommitted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	spy := &spyLogger{}

	client, err := New(ctx, Config{URI: testURI, Logger: spy}, (&fakeBroker{}).option())
	require.NoError(t, err)

	factory, err := NewFactory(client)
	require.NoError(t, err)

	recorder := &handleRecorder{}
	factory.deps = recorder.deps()

	h, err := Acquire(ctx, factory)
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(ctx, false))
	require.NoError(t, factory.Close(ctx, h))

	assert.True(t, spy.contains("discarding uncommitted transaction on close"))

	_, _, _, closes := recorder.snapshot()
	assert.Equal(t, 1, closes)

	// Idempotent: a second close finds the handle already closed.
	require.NoError(t, factory.Close(ctx, h))

	_, _, _, closes = recorder.snapshot()
	assert.Equal(t, 1, closes)
}

// ---------------------------------------------------------------------------
// Managed boundaries
// ---------------------------------------------------------------------------

func TestManagedCommitPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)
	manager := uow.NewManager()

	err := manager.Do(ctx, func(txCtx context.Context) error {
		h, err := Acquire(txCtx, factory)
		if err != nil {
			return err
		}
		defer func() { _ = Release(txCtx, factory, h) }()

		require.True(t, h.InTransaction(), "the binder suspends autocommit on bind")

		return nil
	})
	require.NoError(t, err)

	selects, commits, rollbacks, closes := recorder.snapshot()
	assert.Equal(t, 1, selects)
	assert.Equal(t, 1, commits)
	assert.Zero(t, rollbacks, "a committed batch leaves nothing to discard at release")
	assert.Equal(t, 1, closes)
}

func TestManagedRollbackPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)
	manager := uow.NewManager()

	errBusiness := errors.New("routing refused")

	err := manager.Do(ctx, func(txCtx context.Context) error {
		h, err := Acquire(txCtx, factory)
		if err != nil {
			return err
		}
		defer func() { _ = Release(txCtx, factory, h) }()

		return errBusiness
	})
	require.ErrorIs(t, err, errBusiness)

	_, commits, rollbacks, closes := recorder.snapshot()
	assert.Zero(t, commits)
	assert.Equal(t, 1, rollbacks)
	assert.Equal(t, 1, closes)
}

func TestManagedCommitFailureIsUnresolved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)
	manager := uow.NewManager()

	recorder.set(func(r *handleRecorder) { r.commitErr = errors.New("connection reset by peer") })

	err := manager.Do(ctx, func(txCtx context.Context) error {
		h, err := Acquire(txCtx, factory)
		if err != nil {
			return err
		}

		return Release(txCtx, factory, h)
	})
	require.Error(t, err)

	var commitErr *uow.CommitError

	require.ErrorAs(t, err, &commitErr)
	assert.False(t, commitErr.RolledBack(),
		"a tx.commit that already left for the broker cannot be undone, so the outcome is unknown")
	assert.ErrorIs(t, commitErr.RollbackErr, ErrTransactionUnresolved)

	// The handle is still released.
	_, _, _, closes := recorder.snapshot()
	assert.Equal(t, 1, closes)
}

func TestJoinedBoundariesShareHandle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)
	manager := uow.NewManager()

	err := manager.Do(ctx, func(outerCtx context.Context) error {
		outer, err := Acquire(outerCtx, factory)
		if err != nil {
			return err
		}
		defer func() { _ = Release(outerCtx, factory, outer) }()

		return manager.Do(outerCtx, func(innerCtx context.Context) error {
			inner, err := Acquire(innerCtx, factory)
			if err != nil {
				return err
			}
			defer func() { _ = Release(innerCtx, factory, inner) }()

			assert.Same(t, outer, inner, "a joined boundary binds the same channel")

			return nil
		})
	})
	require.NoError(t, err)

	selects, commits, _, closes := recorder.snapshot()
	assert.Equal(t, 1, selects, "one transaction, one tx.select")
	assert.Equal(t, 1, commits, "only the owner commits")
	assert.Equal(t, 1, closes)
}

func TestRequiresNewOpensSecondChannel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory, recorder := newFakeFactory(t)
	manager := uow.NewManager()

	errOuter := errors.New("outer failed")

	err := manager.Do(ctx, func(outerCtx context.Context) error {
		outer, err := Acquire(outerCtx, factory)
		if err != nil {
			return err
		}
		defer func() { _ = Release(outerCtx, factory, outer) }()

		innerErr := manager.Do(outerCtx, func(innerCtx context.Context) error {
			inner, err := Acquire(innerCtx, factory)
			if err != nil {
				return err
			}
			defer func() { _ = Release(innerCtx, factory, inner) }()

			assert.NotSame(t, outer, inner, "requires-new opens its own channel")

			return nil
		}, uow.WithPropagation(uow.PropagationRequiresNew))
		require.NoError(t, innerErr)

		return errOuter
	})
	require.ErrorIs(t, err, errOuter)

	selects, commits, rollbacks, closes := recorder.snapshot()
	assert.Equal(t, 2, selects)
	assert.Equal(t, 1, commits, "the inner boundary commits independently")
	assert.Equal(t, 1, rollbacks, "the outer boundary rolls back independently")
	assert.Equal(t, 2, closes)
}
