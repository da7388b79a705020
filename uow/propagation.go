package uow

import "fmt"

// Propagation governs how a boundary relates to a transaction already
// present in the context.
type Propagation uint8

const (
	// PropagationRequired joins the live transaction, creating one only when
	// none exists. The default.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always creates an independent transaction,
	// suspending a live one for the duration of the boundary.
	PropagationRequiresNew
	// PropagationMandatory joins the live transaction and fails with
	// ErrNoTransaction when none exists.
	PropagationMandatory
	// PropagationNever runs without a transaction and fails with
	// ErrTransactionPresent when one is live.
	PropagationNever
	// PropagationSupports joins the live transaction when one exists and
	// otherwise runs without one.
	PropagationSupports
)

// String returns the string representation of a propagation mode.
func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationRequiresNew:
		return "requires_new"
	case PropagationMandatory:
		return "mandatory"
	case PropagationNever:
		return "never"
	case PropagationSupports:
		return "supports"
	default:
		return "unknown"
	}
}

// propagationAction is the decision a boundary takes on entry.
type propagationAction uint8

const (
	// actionCreate starts a new transaction; no live one exists.
	actionCreate propagationAction = iota
	// actionSuspendCreate starts a new transaction, shadowing the live one
	// until the boundary ends.
	actionSuspendCreate
	// actionJoin participates in the live transaction without owning its
	// boundary.
	actionJoin
	// actionProceed runs the operation without any transaction.
	actionProceed
)

// decide maps (propagation mode, live transaction present) onto the action
// to take. Violations are reported before any handle is touched.
func (p Propagation) decide(hasLive bool) (propagationAction, error) {
	switch p {
	case PropagationRequired:
		if hasLive {
			return actionJoin, nil
		}

		return actionCreate, nil
	case PropagationRequiresNew:
		if hasLive {
			return actionSuspendCreate, nil
		}

		return actionCreate, nil
	case PropagationMandatory:
		if hasLive {
			return actionJoin, nil
		}

		return 0, ErrNoTransaction
	case PropagationNever:
		if hasLive {
			return 0, ErrTransactionPresent
		}

		return actionProceed, nil
	case PropagationSupports:
		if hasLive {
			return actionJoin, nil
		}

		return actionProceed, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownPropagation, p)
	}
}
