// Package uow implements a declarative unit-of-work manager: it binds a
// single resource handle (one database session, one broker channel) to a
// logical transaction carried in a context.Context, wraps guarded operations
// with commit/rollback boundaries, and decides through propagation rules how
// nested boundaries relate to an outer one.
//
// # Guarded and unguarded paths
//
// Code running inside a boundary obtains its handle through Acquire. The
// first acquisition opens a handle via the caller's Factory, suspends
// autocommit on it, and binds it to the transaction; every later acquisition
// inside the same transaction returns that same handle. Writes performed
// through it become durable only when the outermost boundary commits.
//
// The same Acquire call made with a context that carries no live transaction
// opens a fresh handle with autocommit left enabled and returns it unbound.
// Each statement on that handle is an independent, immediately durable unit;
// a failure mid-sequence leaves the earlier statements committed. The caller
// owns the handle and must pass it to Release.
//
// # Boundaries
//
//	manager := uow.NewManager(uow.WithLogger(logger))
//
//	err := manager.Do(ctx, func(ctx context.Context) error {
//	        h, err := uow.Acquire(ctx, factory)
//	        if err != nil {
//	                return err
//	        }
//	        // writes through h commit or roll back together
//	        return nil
//	})
//
// Do begins a transaction according to the propagation mode (Required by
// default), runs the operation with the transaction in the derived context,
// and commits on a nil return or rolls back on an error or panic. Begin and
// Scope.End expose the same boundary in explicit form for call sites that
// cannot use a closure.
//
// A transaction lives in the context chain, never in ambient state: passing
// the derived context is the only way to share it, and shadowing it
// (Propagation RequiresNew) is how a boundary suspends an outer transaction.
//
// # Nested boundaries
//
// A boundary that joins an existing transaction (Required, Mandatory,
// Supports with one present) never commits or rolls back; a failure inside
// it marks the shared transaction rollback-only, and the owning boundary
// converts a later commit attempt into a rollback reported as
// ErrRollbackOnly. RequiresNew runs an independent transaction on its own
// handle; its outcome survives whatever happens to the suspended outer one.
//
// Savepoint-style nested subtransactions are intentionally not provided, and
// RequiresNew is not a substitute: a RequiresNew boundary commits
// independently rather than rolling back to a savepoint in the enclosing
// transaction.
//
// # Timeouts and cancellation
//
// WithTimeout attaches a deadline: the boundary context carries it, so store
// calls that honor context deadlines terminate early, and the manager
// additionally fails fast at the next acquisition or commit once it has
// passed, reporting an error that wraps context.DeadlineExceeded.
//
// When the boundary context is cancelled before the scope ends, a watcher
// rolls the transaction back and releases the handle best effort, the same
// way database/sql discards a transaction whose context is cancelled. Work
// already blocked inside the store is not interrupted beyond the context
// cancellation the store driver itself observes.
package uow
