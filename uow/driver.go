package uow

import "context"

// Handle is a live connection-like resource bound to at most one transaction
// at a time. The manager only drives its lifecycle verbs; the payload (SQL
// session, document session, broker channel) is exposed by the driver's
// concrete type and never interpreted here.
//
// Handles are compared by identity, so implementations must use pointer
// receivers. Rollback may be invoked from the cancellation watcher
// concurrently with an in-flight store call that is being cancelled;
// implementations must tolerate that the way database/sql connections do.
//
//go:generate mockgen --destination=driver_mock.go --package=uow . Handle,Factory
type Handle interface {
	// Commit makes the writes buffered since autocommit was suspended
	// durable.
	Commit(ctx context.Context) error
	// Rollback discards the writes buffered since autocommit was suspended.
	Rollback(ctx context.Context) error
	// SetAutoCommit toggles statement-level autocommit. The binder suspends
	// it exactly once when binding a handle to a transaction; the release
	// path restores it before the handle goes back to the factory.
	SetAutoCommit(ctx context.Context, enabled bool) error
}

// Factory opens and closes resource handles on demand. Implementations are
// typically connection hubs that draw from a pool.
type Factory interface {
	Open(ctx context.Context) (Handle, error)
	Close(ctx context.Context, h Handle) error
}
