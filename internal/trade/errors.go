package trade

import (
	"errors"
	"fmt"
)

var (
	ErrTradeNotFound     = errors.New("trade: not found")
	ErrOfferNotFound     = errors.New("trade: offer not found")
	ErrOfferInactive     = errors.New("trade: offer is not active")
	ErrAmountOutOfRange  = errors.New("trade: amount outside offer limits")
	ErrSelfTrade         = errors.New("trade: buyer and seller cannot be the same user")
	ErrNotBuyer          = errors.New("trade: only the buyer may perform this operation")
	ErrNotSeller         = errors.New("trade: only the seller may perform this operation")
	ErrNotParticipant    = errors.New("trade: actor is not a party to this trade")
	ErrIllegalTransition = errors.New("trade: illegal transition")
	// ErrConflict is returned when an operation validated against a status
	// that changed before the write; the caller should re-fetch the trade.
	ErrConflict = errors.New("trade: trade state changed, retry with current state")
	// ErrDeadlineNotReached guards deadline-gated transitions requested
	// before the deadline has passed.
	ErrDeadlineNotReached = errors.New("trade: deadline has not passed")
)

// TransitionError reports a (status, operation) pair absent from the
// legality table.
type TransitionError struct {
	Status Status
	Op     Op
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("trade: operation %s is not legal from status %s", e.Op, e.Status)
}

// Is makes TransitionError match ErrIllegalTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// roleError maps a required role to the caller-facing error.
func roleError(required Role) error {
	switch required {
	case RoleBuyer:
		return ErrNotBuyer
	case RoleSeller:
		return ErrNotSeller
	default:
		return ErrNotParticipant
	}
}
