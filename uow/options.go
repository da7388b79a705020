package uow

import "time"

// IsolationLevel is the transaction isolation requested from the store.
// It is passed through to the driver; drivers map it onto whatever their
// store supports and may reject levels the store does not offer.
type IsolationLevel uint8

// Isolation levels, weakest first. IsolationDefault delegates the choice to
// the store.
const (
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

// String returns the string representation of an isolation level.
func (level IsolationLevel) String() string {
	switch level {
	case IsolationDefault:
		return "default"
	case IsolationReadUncommitted:
		return "read_uncommitted"
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationRepeatableRead:
		return "repeatable_read"
	case IsolationSerializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// Definition captures the configuration of a transaction boundary. It is
// frozen when the boundary begins; the Transaction keeps it immutable
// afterwards.
type Definition struct {
	Propagation Propagation
	Isolation   IsolationLevel
	ReadOnly    bool
	// Timeout bounds the whole boundary. Zero means no deadline.
	Timeout time.Duration
}

func newDefinition(opts ...TxOption) Definition {
	def := Definition{Propagation: PropagationRequired}

	for _, opt := range opts {
		if opt != nil {
			opt(&def)
		}
	}

	return def
}

// TxOption configures a single transaction boundary.
type TxOption func(*Definition)

// WithPropagation selects the propagation mode. The default is
// PropagationRequired.
func WithPropagation(p Propagation) TxOption {
	return func(d *Definition) {
		d.Propagation = p
	}
}

// WithIsolation requests an isolation level from the store.
func WithIsolation(level IsolationLevel) TxOption {
	return func(d *Definition) {
		d.Isolation = level
	}
}

// WithReadOnly marks the transaction read-only. Advisory: drivers forward it
// to the store and may route the handle to a read replica.
func WithReadOnly() TxOption {
	return func(d *Definition) {
		d.ReadOnly = true
	}
}

// WithTimeout attaches a deadline to the boundary. Once passed, the next
// acquisition or commit fails fast and the transaction is torn down.
func WithTimeout(timeout time.Duration) TxOption {
	return func(d *Definition) {
		if timeout > 0 {
			d.Timeout = timeout
		}
	}
}
