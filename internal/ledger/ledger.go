// Package ledger tracks user balances for the settlement engine.
//
// Every balance has two buckets:
//   - available: spendable funds
//   - in_order:  funds reserved against open trades (the escrow hold bucket)
//
// Money enters escrow via Hold (available -> in_order) and leaves it through
// exactly one of ReleaseHold (payer in_order -> beneficiary available) or
// RefundHold (in_order -> same user's available). The per-user balance row is
// the most contended resource in the engine, so both store implementations
// use atomic increments rather than read-modify-write.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/money"
)

// Entry types recorded in the journal.
const (
	EntryDeposit = "deposit"
	EntryHold    = "hold"
	EntryRelease = "release"
	EntryRefund  = "refund"
)

// Entry is a single journal row.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"` // escrow ID or deposit reference
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance is a user's current position.
type Balance struct {
	UserID    string          `json:"userId"`
	Available decimal.Decimal `json:"available"`
	InOrder   decimal.Decimal `json:"inOrder"`
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists balances and journal entries.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) error
	Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
	ReleaseHold(ctx context.Context, payerID, beneficiaryID string, amount decimal.Decimal, reference string) error
	RefundHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Ledger validates and instruments balance operations.
type Ledger struct {
	store Store
}

// New creates a ledger backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// Deposit credits a user's available balance.
func (l *Ledger) Deposit(ctx context.Context, userID, amount, reference string) error {
	done := observeOp("deposit")
	defer done()

	d, err := money.ParsePositive(amount)
	if err != nil {
		return ErrInvalidAmount
	}
	return l.store.Deposit(ctx, userID, d, reference, "deposit")
}

// Hold reserves amount from a user's available balance into the in_order
// bucket. Fails atomically with ErrInsufficientFunds if available < amount.
func (l *Ledger) Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	done := observeOp("hold")
	defer done()

	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Hold(ctx, userID, amount, reference)
}

// ReleaseHold moves held funds from the payer's in_order bucket to the
// beneficiary's available balance.
func (l *Ledger) ReleaseHold(ctx context.Context, payerID, beneficiaryID string, amount decimal.Decimal, reference string) error {
	done := observeOp("release_hold")
	defer done()

	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.ReleaseHold(ctx, payerID, beneficiaryID, amount, reference)
}

// RefundHold returns held funds to the payer's own available balance.
func (l *Ledger) RefundHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	done := observeOp("refund_hold")
	defer done()

	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.RefundHold(ctx, userID, amount, reference)
}

// History returns a user's most recent journal entries.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}
