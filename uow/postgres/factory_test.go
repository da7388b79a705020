//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFactory wires a factory to in-memory primary and replica stores.
func newTestFactory(t *testing.T) (*Factory, *memStore, *memStore) {
	t.Helper()

	primaryStore := newMemStore()
	replicaStore := newMemStore()

	withPatchedDependencies(
		t,
		func(_, dsn string) (*sql.DB, error) {
			if dsn == "replica" {
				return memDB(replicaStore), nil
			}

			return memDB(primaryStore), nil
		},
		func(*sql.DB, *sql.DB, log.Logger) (dbresolver.DB, error) { return &fakeResolver{}, nil },
		noopMigrateFn,
	)

	client, err := New(Config{PrimaryDSN: "primary", ReplicaDSN: "replica"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	factory, err := NewFactory(client)
	require.NoError(t, err)

	return factory, primaryStore, replicaStore
}

func queryValues(t *testing.T, h *Handle) []string {
	t.Helper()

	rows, err := h.QueryContext(context.Background(), "SELECT value FROM t")
	require.NoError(t, err)

	defer func() { require.NoError(t, rows.Close()) }()

	var values []string

	for rows.Next() {
		var value string

		require.NoError(t, rows.Scan(&value))

		values = append(values, value)
	}

	require.NoError(t, rows.Err())

	return values
}

// ---------------------------------------------------------------------------
// Factory construction and guards
// ---------------------------------------------------------------------------

func TestNewFactoryRequiresClient(t *testing.T) {
	t.Parallel()

	factory, err := NewFactory(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilClient)
	assert.Nil(t, factory)
}

func TestFactoryOpenGuards(t *testing.T) {
	t.Parallel()

	var factory *Factory

	_, err := factory.Open(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)

	client, err := New(validConfig())
	require.NoError(t, err)

	live, err := NewFactory(client)
	require.NoError(t, err)

	_, err = live.Open(nil) //nolint:staticcheck
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestFactoryCloseForeignHandle(t *testing.T) {
	t.Parallel()

	client, err := New(validConfig())
	require.NoError(t, err)

	factory, err := NewFactory(client)
	require.NoError(t, err)

	err = factory.Close(context.Background(), foreignHandle{})
	assert.ErrorIs(t, err, ErrForeignHandle)
}

type foreignHandle struct{}

func (foreignHandle) Commit(context.Context) error { return nil }

func (foreignHandle) Rollback(context.Context) error { return nil }

func (foreignHandle) SetAutoCommit(context.Context, bool) error { return nil }

// ---------------------------------------------------------------------------
// Autocommit sessions
// ---------------------------------------------------------------------------

func TestOpenWithoutTransactionIsAutocommit(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)

	h, err := Acquire(context.Background(), factory)
	require.NoError(t, err)

	_, err = h.ExecContext(context.Background(), "INSERT", "direct")
	require.NoError(t, err)

	// Durable immediately: no transaction was begun.
	assert.Equal(t, []string{"direct"}, primaryStore.snapshot())
	assert.Empty(t, primaryStore.beginOptions)

	require.NoError(t, Release(context.Background(), factory, h))

	_, err = h.ExecContext(context.Background(), "INSERT", "late")
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestReleaseNilHandle(t *testing.T) {
	factory, _, _ := newTestFactory(t)

	assert.NoError(t, Release(context.Background(), factory, nil))
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	factory, _, _ := newTestFactory(t)

	h, err := Acquire(context.Background(), factory)
	require.NoError(t, err)

	require.NoError(t, h.close(context.Background()))
	assert.NoError(t, h.close(context.Background()))
}

func TestHandleCommitWithoutTransaction(t *testing.T) {
	factory, _, _ := newTestFactory(t)

	h, err := Acquire(context.Background(), factory)
	require.NoError(t, err)

	defer func() { require.NoError(t, Release(context.Background(), factory, h)) }()

	assert.ErrorIs(t, h.Commit(context.Background()), ErrAutoCommitEnabled)
	assert.NoError(t, h.Rollback(context.Background()))
}

func TestSetAutoCommitRestoreDiscardsPending(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)

	h, err := Acquire(context.Background(), factory)
	require.NoError(t, err)

	defer func() { require.NoError(t, Release(context.Background(), factory, h)) }()

	require.NoError(t, h.SetAutoCommit(context.Background(), false))

	_, err = h.ExecContext(context.Background(), "INSERT", "pending")
	require.NoError(t, err)

	require.NoError(t, h.SetAutoCommit(context.Background(), true))

	assert.Empty(t, primaryStore.snapshot())
	assert.Equal(t, int32(1), primaryStore.rollbacks.Load())
}

// ---------------------------------------------------------------------------
// Managed boundaries
// ---------------------------------------------------------------------------

func TestManagedCommitFlushesWrites(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)
	manager := uow.NewManager()

	var bound *Handle

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		h, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		bound = h

		if _, err := h.ExecContext(ctx, "INSERT", "first"); err != nil {
			return err
		}

		if _, err := h.ExecContext(ctx, "INSERT", "second"); err != nil {
			return err
		}

		// Buffered in the open transaction, not yet durable.
		assert.Empty(t, primaryStore.snapshot())

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, primaryStore.snapshot())
	assert.Equal(t, int32(1), primaryStore.commits.Load())

	// The boundary released the handle on completion.
	_, err = bound.ExecContext(context.Background(), "INSERT", "late")
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestManagedRollbackDiscardsWrites(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)
	manager := uow.NewManager()

	errBusiness := errors.New("order rejected")

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		h, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		if _, err := h.ExecContext(ctx, "INSERT", "doomed"); err != nil {
			return err
		}

		return errBusiness
	})
	require.ErrorIs(t, err, errBusiness)

	assert.Empty(t, primaryStore.snapshot())
	assert.Equal(t, int32(1), primaryStore.rollbacks.Load())
	assert.Equal(t, int32(0), primaryStore.commits.Load())
}

func TestManagedQuerySeesOwnWrites(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)
	manager := uow.NewManager()

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		h, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		if _, err := h.ExecContext(ctx, "INSERT", "mine"); err != nil {
			return err
		}

		assert.Equal(t, []string{"mine"}, queryValues(t, h))
		assert.Empty(t, primaryStore.snapshot())

		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyBoundaryRoutesToReplica(t *testing.T) {
	factory, primaryStore, replicaStore := newTestFactory(t)
	manager := uow.NewManager()

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		h, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		_, err = h.ExecContext(ctx, "INSERT", "report-row")

		return err
	}, uow.WithReadOnly())
	require.NoError(t, err)

	assert.Empty(t, primaryStore.snapshot())
	assert.Equal(t, []string{"report-row"}, replicaStore.snapshot())
	assert.True(t, replicaStore.lastBeginOptions(t).ReadOnly)
}

func TestIsolationLevelReachesDriver(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)
	manager := uow.NewManager()

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		h, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		_, err = h.ExecContext(ctx, "INSERT", "strict")

		return err
	}, uow.WithIsolation(uow.IsolationSerializable))
	require.NoError(t, err)

	opts := primaryStore.lastBeginOptions(t)
	assert.Equal(t, driver.IsolationLevel(sql.LevelSerializable), opts.Isolation)
	assert.False(t, opts.ReadOnly)
}

func TestCommitFailureReportsRolledBack(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)
	primaryStore.commitErr = errors.New("commit refused")

	manager := uow.NewManager()

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		h, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		_, err = h.ExecContext(ctx, "INSERT", "unlucky")

		return err
	})
	require.Error(t, err)

	var commitErr *uow.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.True(t, commitErr.RolledBack())

	assert.Empty(t, primaryStore.snapshot())
}

func TestJoinedBoundariesShareSession(t *testing.T) {
	factory, primaryStore, _ := newTestFactory(t)
	manager := uow.NewManager()

	err := manager.Do(context.Background(), func(ctx context.Context) error {
		outer, err := Acquire(ctx, factory)
		if err != nil {
			return err
		}

		if _, err := outer.ExecContext(ctx, "INSERT", "outer"); err != nil {
			return err
		}

		return manager.Do(ctx, func(inner context.Context) error {
			h, err := Acquire(inner, factory)
			if err != nil {
				return err
			}

			assert.Same(t, outer, h)

			_, err = h.ExecContext(inner, "INSERT", "inner")

			return err
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner"}, primaryStore.snapshot())
	assert.Equal(t, int32(1), primaryStore.commits.Load())
}

// ---------------------------------------------------------------------------
// Isolation mapping
// ---------------------------------------------------------------------------

func TestMapIsolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level uow.IsolationLevel
		want  sql.IsolationLevel
	}{
		{name: "default", level: uow.IsolationDefault, want: sql.LevelDefault},
		{name: "read uncommitted", level: uow.IsolationReadUncommitted, want: sql.LevelReadUncommitted},
		{name: "read committed", level: uow.IsolationReadCommitted, want: sql.LevelReadCommitted},
		{name: "repeatable read", level: uow.IsolationRepeatableRead, want: sql.LevelRepeatableRead},
		{name: "serializable", level: uow.IsolationSerializable, want: sql.LevelSerializable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, mapIsolation(tt.level))
		})
	}
}
