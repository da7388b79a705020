package uow

import "context"

// transactionKey is the context key for the transaction carried by a
// boundary. Unexported so only the manager can bind it.
type transactionKey struct{}

func withTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, tx)
}

// FromContext returns the transaction carried by ctx, if any. The value may
// already have completed (a boundary that ended, or one torn down by
// cancellation); callers interested only in joinable transactions should
// check Live on the result. Propagation and the binder do exactly that.
func FromContext(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}

	tx, ok := ctx.Value(transactionKey{}).(*Transaction)
	if !ok || tx == nil {
		return nil, false
	}

	return tx, true
}
