// Package escrow provides the custody primitive for trade settlement.
//
// Flow:
//  1. Trade created -> seller funds moved: available -> in_order, escrow HELD
//  2. Seller releases (or arbitrator rules for buyer) -> held funds credited
//     to the buyer, escrow RELEASED
//  3. Trade cancelled (or arbitrator rules for seller) -> held funds returned
//     to the seller, escrow CANCELLED
//
// Release and refund are mutually exclusive terminal operations. The store
// settles the escrow with a compare-and-swap on status=held before any money
// moves, so whichever terminal operation wins the swap performs the single
// transfer; the loser re-reads and returns the terminal escrow unchanged.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/syncutil"
)

var (
	ErrEscrowNotFound = errors.New("escrow: not found")
	ErrNotHeld        = errors.New("escrow: funds are not held")
	ErrInvalidAmount  = errors.New("escrow: invalid amount")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // created, no funds drawn yet
	StatusHeld      Status = "held"      // seller funds reserved
	StatusReleased  Status = "released"  // held funds credited to the buyer
	StatusCancelled Status = "cancelled" // held funds returned to the seller
)

// Escrow is a custodial hold of seller funds against a single trade.
type Escrow struct {
	ID        string          `json:"id"`
	TradeID   string          `json:"tradeId"`
	SellerID  string          `json:"sellerId"`
	BuyerID   string          `json:"buyerId"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SettledAt *time.Time      `json:"settledAt,omitempty"`
}

// IsTerminal returns true if the escrow has settled.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusCancelled
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByTrade(ctx context.Context, tradeID string) (*Escrow, error)
	// Settle atomically moves the escrow from held to the given terminal
	// status. Returns true if this call performed the transition, false if
	// the escrow was not in held (already settled or still pending).
	Settle(ctx context.Context, id string, to Status, settledAt time.Time) (bool, error)
	// Reopen reverts a settled escrow back to held. Used only to compensate
	// a settle whose fund movement failed.
	Reopen(ctx context.Context, id string) (bool, error)
}

// Funds abstracts the ledger operations the vault needs, so escrow does not
// import the ledger package directly.
type Funds interface {
	Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
	ReleaseHold(ctx context.Context, payerID, beneficiaryID string, amount decimal.Decimal, reference string) error
	RefundHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
}

// Vault is the only component permitted to move money for the engine.
type Vault struct {
	store  Store
	funds  Funds
	logger *slog.Logger
	locks  syncutil.ShardedMutex
}

// NewVault creates an escrow vault.
func NewVault(store Store, funds Funds) *Vault {
	return &Vault{
		store:  store,
		funds:  funds,
		logger: slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (v *Vault) WithLogger(l *slog.Logger) *Vault {
	v.logger = l
	return v
}

// Hold draws amount from the seller's available balance into the in_order
// bucket and creates the escrow in HELD. On ledger failure nothing is
// persisted; on store failure the hold is compensated.
func (v *Vault) Hold(ctx context.Context, tradeID, sellerID, buyerID string, amount decimal.Decimal) (*Escrow, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	esc := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		TradeID:   tradeID,
		SellerID:  sellerID,
		BuyerID:   buyerID,
		Amount:    amount,
		Status:    StatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := v.funds.Hold(ctx, sellerID, amount, esc.ID); err != nil {
		return nil, fmt.Errorf("hold escrow funds: %w", err)
	}

	if err := v.store.Create(ctx, esc); err != nil {
		// Compensate: return the held funds to the seller.
		if refundErr := v.funds.RefundHold(ctx, sellerID, amount, esc.ID); refundErr != nil {
			v.logger.Error("CRITICAL: escrow funds held but record creation and compensation both failed",
				"escrowId", esc.ID, "seller", sellerID, "amount", amount, "error", refundErr)
		}
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	metrics.EscrowSettlementsTotal.WithLabelValues("hold").Inc()
	return esc, nil
}

// Release credits the held amount to the buyer. Idempotent: releasing an
// already-settled escrow is a no-op returning the terminal record.
func (v *Vault) Release(ctx context.Context, id string) (*Escrow, error) {
	return v.settle(ctx, id, StatusReleased)
}

// Refund returns the held amount to the seller. Same idempotency guarantee
// as Release.
func (v *Vault) Refund(ctx context.Context, id string) (*Escrow, error) {
	return v.settle(ctx, id, StatusCancelled)
}

func (v *Vault) settle(ctx context.Context, id string, to Status) (*Escrow, error) {
	unlock := v.locks.Lock(id)
	defer unlock()

	esc, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if esc.IsTerminal() {
		metrics.EscrowSettlementsTotal.WithLabelValues("noop").Inc()
		return esc, nil
	}
	if esc.Status != StatusHeld {
		return nil, ErrNotHeld
	}

	// Win the terminal transition before touching money. A concurrent
	// settle from another process loses the swap and never transfers.
	now := time.Now()
	won, err := v.store.Settle(ctx, id, to, now)
	if err != nil {
		return nil, err
	}
	if !won {
		fresh, err := v.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		metrics.EscrowSettlementsTotal.WithLabelValues("noop").Inc()
		return fresh, nil
	}

	var moveErr error
	switch to {
	case StatusReleased:
		moveErr = v.funds.ReleaseHold(ctx, esc.SellerID, esc.BuyerID, esc.Amount, esc.ID)
	case StatusCancelled:
		moveErr = v.funds.RefundHold(ctx, esc.SellerID, esc.Amount, esc.ID)
	}
	if moveErr != nil {
		// Revert the swap so a retry can move the money.
		if _, revertErr := v.store.Reopen(ctx, id); revertErr != nil {
			v.logger.Error("CRITICAL: escrow marked settled but funds did not move and revert failed",
				"escrowId", esc.ID, "to", string(to), "error", revertErr)
		}
		return nil, fmt.Errorf("move escrow funds: %w", moveErr)
	}

	esc.Status = to
	esc.UpdatedAt = now
	esc.SettledAt = &now

	kind := "release"
	if to == StatusCancelled {
		kind = "refund"
	}
	metrics.EscrowSettlementsTotal.WithLabelValues(kind).Inc()

	v.logger.Info("escrow settled",
		"escrowId", esc.ID, "tradeId", esc.TradeID, "status", string(to), "amount", esc.Amount)
	return esc, nil
}

// Get returns an escrow by ID.
func (v *Vault) Get(ctx context.Context, id string) (*Escrow, error) {
	return v.store.Get(ctx, id)
}

// GetByTrade returns the escrow backing a trade.
func (v *Vault) GetByTrade(ctx context.Context, tradeID string) (*Escrow, error) {
	return v.store.GetByTrade(ctx, tradeID)
}
