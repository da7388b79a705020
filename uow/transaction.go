package uow

import (
	"sync"
	"time"

	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/google/uuid"
)

// State is the lifecycle state of a Transaction.
type State uint8

const (
	// StateActive accepts acquisitions and joins.
	StateActive State = iota
	// StateRollbackOnly still accepts acquisitions and joins, but the owning
	// boundary can only roll back; a success outcome is converted into a
	// forced rollback.
	StateRollbackOnly
	// StateCommitting is transient while the bound handle commits.
	StateCommitting
	// StateRollingBack is transient while the bound handle rolls back.
	StateRollingBack
	// StateCompleted is terminal: the transaction is immutable and its
	// handle has been released.
	StateCompleted
)

// String returns the string representation of a transaction state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRollbackOnly:
		return "rollback_only"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling_back"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// live reports whether the state accepts acquisitions and joins.
func (s State) live() bool {
	return s == StateActive || s == StateRollbackOnly
}

// Transaction is one unit of work. It is created by a Manager boundary,
// carried in the context chain, and mutated only by the manager (state
// transitions) and the binder (handle binding); everything exported on it is
// read-only.
type Transaction struct {
	id       uuid.UUID
	def      Definition
	deadline time.Time
	clock    Clock
	logger   log.Logger

	// bindMu serializes the first handle binding so the factory is asked to
	// open at most once. It is never held together with mu across driver
	// calls; mu alone stays cheap for the cancellation watcher.
	bindMu sync.Mutex

	mu           sync.Mutex
	state        State
	handle       Handle
	factory      Factory
	lastHandle   Handle
	acquisitions int
	markCause    error
	abortCause   error
	done         chan struct{}
}

func newTransaction(def Definition, clock Clock, logger log.Logger) *Transaction {
	tx := &Transaction{
		id:     uuid.New(),
		def:    def,
		clock:  clock,
		logger: logger,
		state:  StateActive,
		done:   make(chan struct{}),
	}

	if def.Timeout > 0 {
		tx.deadline = clock.Now().Add(def.Timeout)
	}

	return tx
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() uuid.UUID {
	return tx.id
}

// Definition returns the configuration frozen when the boundary began.
func (tx *Transaction) Definition() Definition {
	return tx.def
}

// Deadline returns the absolute deadline and whether one is set.
func (tx *Transaction) Deadline() (time.Time, bool) {
	return tx.deadline, !tx.deadline.IsZero()
}

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.state
}

// Live reports whether the transaction still accepts acquisitions and joins.
func (tx *Transaction) Live() bool {
	return tx.State().live()
}

// MarkRollbackOnly stickily vetoes the commit of this transaction. The first
// non-nil cause is kept and wrapped into the ErrRollbackOnly the owning
// boundary reports. Marking a transaction that is already completing is a
// no-op.
func (tx *Transaction) MarkRollbackOnly(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case StateActive:
		tx.state = StateRollbackOnly
	case StateRollbackOnly:
	default:
		return
	}

	if tx.markCause == nil {
		tx.markCause = cause
	}
}

func (tx *Transaction) deadlineExceeded() bool {
	return !tx.deadline.IsZero() && tx.clock.Now().After(tx.deadline)
}

// abortReason returns the cause recorded by the cancellation watcher, if it
// tore the transaction down.
func (tx *Transaction) abortReason() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.abortCause
}

// ownsHandle reports whether h is (or was) the handle bound to this
// transaction. Identity survives completion so a late Release can be told
// apart from an unbound handle.
func (tx *Transaction) ownsHandle(h Handle) bool {
	if h == nil {
		return false
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.handle == h || tx.lastHandle == h
}

func (tx *Transaction) acquisitionCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.acquisitions
}

// completion is the snapshot beginCompletion hands to the boundary once the
// terminal transition is decided.
type completion struct {
	handle     Handle
	factory    Factory
	committing bool
	// forced is set when a success outcome was converted into a rollback by
	// a rollback-only mark.
	forced    bool
	markCause error
}

// beginCompletion moves a live transaction into its terminal transition.
// Exactly one caller wins; the boundary and the cancellation watcher both go
// through here (the watcher via beginAbort).
func (tx *Transaction) beginCompletion(success bool) (completion, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	c := completion{handle: tx.handle, factory: tx.factory, markCause: tx.markCause}

	switch {
	case tx.state == StateActive && success:
		tx.state = StateCommitting
		c.committing = true
	case tx.state == StateActive:
		tx.state = StateRollingBack
	case tx.state == StateRollbackOnly:
		tx.state = StateRollingBack
		c.forced = success
	default:
		return completion{}, false
	}

	return c, true
}

// beginAbort is the cancellation watcher's entry into the terminal
// transition.
func (tx *Transaction) beginAbort(cause error) (Handle, Factory, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.state.live() {
		return nil, nil, false
	}

	tx.state = StateRollingBack
	tx.abortCause = cause

	return tx.handle, tx.factory, true
}

// finish seals the transaction: terminal state, handle detached, watchers
// released.
func (tx *Transaction) finish() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.handle != nil {
		tx.lastHandle = tx.handle
	}

	tx.handle = nil
	tx.factory = nil
	tx.state = StateCompleted

	close(tx.done)
}
