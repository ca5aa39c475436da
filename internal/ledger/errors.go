package ledger

import "errors"

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient available balance")
	ErrInsufficientHold  = errors.New("ledger: held amount smaller than requested movement")
	ErrUserNotFound      = errors.New("ledger: user not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
)
