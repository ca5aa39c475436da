// Package trade implements the settlement state machine.
//
// A trade moves through:
//
//	pending -> paid -> {dispute_open, escrow_review} -> {completed, refunded, cancelled}
//
// with pending -> cancelled available to either party before payment, and
// paid -> completed when the seller releases directly. Every transition is
// validated against the legality table in table.go, which is the single
// authoritative protocol definition; the timeout scheduler drives its forced
// transitions through the same table, so there is exactly one code path for
// user- and system-initiated transitions alike.
package trade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the state of a trade.
type Status string

const (
	StatusPending      Status = "pending"       // escrow held, buyer yet to pay
	StatusPaid         Status = "paid"          // buyer marked payment sent
	StatusDisputeOpen  Status = "dispute_open"  // a party raised a dispute
	StatusEscrowReview Status = "escrow_review" // arbitrator accepted the case
	StatusCompleted    Status = "completed"     // escrow released to the buyer
	StatusRefunded     Status = "refunded"      // escrow returned to the seller
	StatusCancelled    Status = "cancelled"     // trade abandoned before settlement
)

// IsTerminal returns true for statuses with no further legal transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusCancelled
}

// AllStatuses enumerates every trade status, for exhaustive table tests.
var AllStatuses = []Status{
	StatusPending, StatusPaid, StatusDisputeOpen, StatusEscrowReview,
	StatusCompleted, StatusRefunded, StatusCancelled,
}

// Trade is a single buyer/seller settlement. The amount and the offer
// snapshot fields are fixed at creation; later offer edits cannot alter an
// in-flight trade.
type Trade struct {
	ID       string `json:"id"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
	OfferID  string `json:"offerId"`
	EscrowID string `json:"escrowId"`

	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`

	PaymentMethod       string `json:"paymentMethod"`
	PaymentInstructions string `json:"paymentInstructions,omitempty"`

	Status        Status `json:"status"`
	SettlementRef string `json:"settlementRef,omitempty"`

	// Version increments on every status change and is re-checked inside
	// the store's compare-and-swap, so a stale transition can never win.
	Version int64 `json:"version"`

	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// RoleOf returns the actor's role on this trade.
func (t *Trade) RoleOf(actorID string) Role {
	switch actorID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	case SystemActor:
		return RoleSystem
	default:
		return RoleNone
	}
}

// Message is one entry in a trade's append-only message log.
type Message struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"tradeId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists trades and their message logs.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error)
	// UpdateStatus performs the optimistic-lock transition: the row moves
	// from `from` to `to` only if its status and version still match.
	// Returns false (and no error) when the compare fails.
	UpdateStatus(ctx context.Context, id string, from, to Status, expectVersion int64, at time.Time) (bool, error)
	// ListOverdue returns trades in the given status whose last transition
	// happened before the cutoff. Used by the timeout scheduler.
	ListOverdue(ctx context.Context, status Status, before time.Time, limit int) ([]*Trade, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, tradeID string, limit int) ([]*Message, error)
}

// Offer is the external catalog entry a trade snapshots at creation.
// The catalog itself is owned by the surrounding marketplace; the engine
// only reads it.
type Offer struct {
	ID                  string          `json:"id"`
	SellerID            string          `json:"sellerId"`
	Currency            string          `json:"currency"`
	Price               decimal.Decimal `json:"price"`
	MinAmount           decimal.Decimal `json:"minAmount"`
	MaxAmount           decimal.Decimal `json:"maxAmount"`
	PaymentMethod       string          `json:"paymentMethod"`
	PaymentInstructions string          `json:"paymentInstructions,omitempty"`
	Active              bool            `json:"active"`
}

// OfferCatalog is the read-only view of the offer catalog.
type OfferCatalog interface {
	GetOffer(ctx context.Context, offerID string) (*Offer, error)
}
