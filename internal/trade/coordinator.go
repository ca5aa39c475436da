package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/money"
	"github.com/peertrade/settlement/internal/notify"
	"github.com/peertrade/settlement/internal/syncutil"
	"github.com/peertrade/settlement/internal/traces"
	"github.com/peertrade/settlement/internal/validation"
)

// DisputeOpener creates the dispute record when a trade enters dispute_open.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, tradeID, raiserID, reason string) error
}

// Deadlines carries the configured settlement deadlines.
type Deadlines struct {
	Payment      time.Duration // buyer must mark paid within this after creation
	Confirmation time.Duration // seller must release within this after payment
}

// Coordinator owns the trade state machine. It is the only component that
// mutates trade status, and it delegates all fund movement to the vault.
type Coordinator struct {
	store     Store
	offers    OfferCatalog
	vault     *escrow.Vault
	disputes  DisputeOpener
	notifier  notify.Notifier
	deadlines Deadlines
	logger    *slog.Logger
	locks     syncutil.ShardedMutex
}

// NewCoordinator creates a trade coordinator.
func NewCoordinator(store Store, offers OfferCatalog, vault *escrow.Vault, deadlines Deadlines) *Coordinator {
	return &Coordinator{
		store:     store,
		offers:    offers,
		vault:     vault,
		notifier:  notify.Nop{},
		deadlines: deadlines,
		logger:    slog.Default(),
	}
}

// WithDisputes wires the dispute arbitrator.
func (c *Coordinator) WithDisputes(d DisputeOpener) *Coordinator {
	c.disputes = d
	return c
}

// WithNotifier wires the event notifier.
func (c *Coordinator) WithNotifier(n notify.Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithLogger sets a structured logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	c.logger = l
	return c
}

// Create validates the request against the offer, draws seller funds into
// escrow, and persists the new trade in pending. On any failure no partial
// state survives: a ledger failure prevents the trade row, and a trade-row
// failure refunds the hold.
func (c *Coordinator) Create(ctx context.Context, offerID, buyerID, amountStr string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Create",
		attribute.String("offer_id", offerID),
	)
	defer span.End()

	offer, err := c.offers.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Active {
		return nil, ErrOfferInactive
	}

	amount, err := money.ParsePositive(amountStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAmountOutOfRange, amountStr)
	}
	if amount.LessThan(offer.MinAmount) || amount.GreaterThan(offer.MaxAmount) {
		return nil, ErrAmountOutOfRange
	}
	if buyerID == offer.SellerID {
		return nil, ErrSelfTrade
	}

	now := time.Now()
	tr := &Trade{
		ID:                  idgen.WithPrefix("trd_"),
		BuyerID:             buyerID,
		SellerID:            offer.SellerID,
		OfferID:             offer.ID,
		Amount:              amount,
		Price:               offer.Price,
		Currency:            offer.Currency,
		PaymentMethod:       offer.PaymentMethod,
		PaymentInstructions: offer.PaymentInstructions,
		Status:              StatusPending,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
		LastTransitionAt:    now,
	}

	esc, err := c.vault.Hold(ctx, tr.ID, tr.SellerID, tr.BuyerID, amount)
	if err != nil {
		return nil, err
	}
	tr.EscrowID = esc.ID

	if err := c.store.Create(ctx, tr); err != nil {
		// Undo the hold; the escrow settles back to the seller.
		if _, refundErr := c.vault.Refund(ctx, esc.ID); refundErr != nil {
			c.logger.Error("CRITICAL: trade row failed and escrow refund failed",
				"tradeId", tr.ID, "escrowId", esc.ID, "error", refundErr)
		}
		return nil, fmt.Errorf("create trade: %w", err)
	}

	metrics.TradesByStatus.WithLabelValues(string(StatusPending)).Inc()
	c.notifier.Emit(ctx, notify.NewEvent(notify.EventTradeCreated, tr.ID, map[string]any{
		"buyerId":  tr.BuyerID,
		"sellerId": tr.SellerID,
		"amount":   money.Format(tr.Amount),
	}))
	c.notifier.Emit(ctx, notify.NewEvent(notify.EventEscrowHeld, tr.ID, map[string]any{
		"escrowId": esc.ID,
		"amount":   money.Format(tr.Amount),
	}))

	c.logger.Info("trade created",
		"tradeId", tr.ID, "offerId", offer.ID, "buyer", buyerID,
		"seller", tr.SellerID, "amount", money.Format(amount))
	return tr, nil
}

// MarkPaid records that the buyer sent the off-platform payment. Legal only
// from pending, only for the buyer; starts the seller confirmation deadline.
func (c *Coordinator) MarkPaid(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.MarkPaid", attribute.String("trade_id", tradeID))
	defer span.End()

	return c.transition(ctx, tradeID, OpMarkPaid, actorRole(actorID), nil, nil)
}

// Release settles the trade in the buyer's favour. Legal only from paid,
// only for the seller.
func (c *Coordinator) Release(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Release", attribute.String("trade_id", tradeID))
	defer span.End()

	return c.transition(ctx, tradeID, OpRelease, actorRole(actorID), nil, c.releaseEscrow)
}

// Cancel abandons a pending trade and returns held funds to the seller.
// Either party may cancel before payment.
func (c *Coordinator) Cancel(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Cancel", attribute.String("trade_id", tradeID))
	defer span.End()

	return c.transition(ctx, tradeID, OpCancel, actorRole(actorID), nil, c.refundEscrow)
}

// OpenDispute raises a dispute. Legal from paid for either party, and from
// pending once the payment deadline has lapsed.
func (c *Coordinator) OpenDispute(ctx context.Context, tradeID, actorID, reason string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.OpenDispute", attribute.String("trade_id", tradeID))
	defer span.End()

	reason = validation.SanitizeText(reason, validation.MaxReasonLength)

	guard := func(tr *Trade) error {
		if tr.Status == StatusPending && time.Since(tr.LastTransitionAt) < c.deadlines.Payment {
			return ErrDeadlineNotReached
		}
		return nil
	}
	move := func(ctx context.Context, tr *Trade) error {
		return c.disputes.OpenDispute(ctx, tr.ID, actorID, reason)
	}
	return c.transition(ctx, tradeID, OpOpenDispute, actorRole(actorID), guard, move)
}

// ForceTimeout is invoked only by the timeout scheduler. An overdue pending
// trade is cancelled; an overdue paid trade is escalated to a dispute with a
// system-generated reason. Transitions go through the same legality table as
// user actions, so a trade settled moments before the scan is rejected
// harmlessly.
func (c *Coordinator) ForceTimeout(ctx context.Context, tradeID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.ForceTimeout", attribute.String("trade_id", tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	switch tr.Status {
	case StatusPending:
		guard := func(tr *Trade) error {
			if time.Since(tr.LastTransitionAt) < c.deadlines.Payment {
				return ErrDeadlineNotReached
			}
			return nil
		}
		return c.transition(ctx, tradeID, OpTimeoutCancel, systemRole, guard, c.refundEscrow)
	case StatusPaid:
		guard := func(tr *Trade) error {
			if time.Since(tr.LastTransitionAt) < c.deadlines.Confirmation {
				return ErrDeadlineNotReached
			}
			return nil
		}
		move := func(ctx context.Context, tr *Trade) error {
			return c.disputes.OpenDispute(ctx, tr.ID, SystemActor,
				"seller did not confirm within the settlement deadline")
		}
		return c.transition(ctx, tradeID, OpTimeoutDispute, systemRole, guard, move)
	default:
		return nil, &TransitionError{Status: tr.Status, Op: OpTimeoutCancel}
	}
}

// ReviewDispute moves a disputed trade into escrow_review when the
// arbitrator accepts the case.
func (c *Coordinator) ReviewDispute(ctx context.Context, tradeID string) (*Trade, error) {
	return c.transition(ctx, tradeID, OpReviewDispute, arbitratorRole, nil, nil)
}

// FinalizeDispute applies an arbitration ruling to the trade. The vault
// calls are idempotent, so re-applying a ruling that already settled the
// escrow moves no additional money.
func (c *Coordinator) FinalizeDispute(ctx context.Context, tradeID string, releaseToBuyer bool) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.FinalizeDispute", attribute.String("trade_id", tradeID))
	defer span.End()

	op, move := OpResolveRefund, c.refundEscrow
	if releaseToBuyer {
		op, move = OpResolveRelease, c.releaseEscrow
	}
	return c.transition(ctx, tradeID, op, arbitratorRole, nil, move)
}

// CancelDispute cancels a disputed trade by mutual agreement, refunding the
// seller.
func (c *Coordinator) CancelDispute(ctx context.Context, tradeID string) (*Trade, error) {
	return c.transition(ctx, tradeID, OpCancelDispute, systemRole, nil, c.refundEscrow)
}

// AppendMessage adds an entry to the trade's append-only message log.
// Only trade participants may post.
func (c *Coordinator) AppendMessage(ctx context.Context, tradeID, authorID, body string) (*Message, error) {
	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if role := tr.RoleOf(authorID); role != RoleBuyer && role != RoleSeller {
		return nil, ErrNotParticipant
	}

	body = validation.SanitizeText(body, validation.MaxReasonLength)
	if body == "" {
		return nil, fmt.Errorf("trade: empty message body")
	}

	msg := &Message{
		ID:        idgen.WithPrefix("msg_"),
		TradeID:   tradeID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	c.notifier.Emit(ctx, notify.NewEvent(notify.EventTradeMessage, tradeID, map[string]any{
		"authorId": authorID,
	}))
	return msg, nil
}

// Get returns a trade by ID.
func (c *Coordinator) Get(ctx context.Context, tradeID string) (*Trade, error) {
	return c.store.Get(ctx, tradeID)
}

// ListByUser returns a user's trades, most recent first.
func (c *Coordinator) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.ListByUser(ctx, userID, limit)
}

// ListMessages returns a trade's message log in order.
func (c *Coordinator) ListMessages(ctx context.Context, tradeID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := c.store.Get(ctx, tradeID); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, tradeID, limit)
}

// ListOverdue exposes the store's overdue query for the scheduler.
func (c *Coordinator) ListOverdue(ctx context.Context, status Status, before time.Time, limit int) ([]*Trade, error) {
	return c.store.ListOverdue(ctx, status, before, limit)
}

// Deadlines returns the configured deadlines.
func (c *Coordinator) Deadlines() Deadlines {
	return c.deadlines
}

// ---------------------------------------------------------------------------
// transition core
// ---------------------------------------------------------------------------

type roleFunc func(*Trade) Role
type guardFunc func(*Trade) error
type moveFunc func(context.Context, *Trade) error

func actorRole(actorID string) roleFunc {
	return func(tr *Trade) Role { return tr.RoleOf(actorID) }
}

func arbitratorRole(*Trade) Role { return RoleArbitrator }
func systemRole(*Trade) Role     { return RoleSystem }

// transition is the single code path for every trade status change:
// lock the trade, re-read current state, validate against the legality
// table, run the guard, move money, then commit with a compare-and-swap on
// (status, version). A stale write loses the swap and surfaces ErrConflict.
func (c *Coordinator) transition(ctx context.Context, tradeID string, op Op, role roleFunc, guard guardFunc, move moveFunc) (*Trade, error) {
	unlock := c.locks.Lock(tradeID)
	defer unlock()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	next, err := Lookup(tr.Status, op, role(tr))
	if err != nil {
		metrics.TradeTransitionsTotal.WithLabelValues(string(op), "rejected").Inc()
		return nil, err
	}

	if guard != nil {
		if err := guard(tr); err != nil {
			metrics.TradeTransitionsTotal.WithLabelValues(string(op), "rejected").Inc()
			return nil, err
		}
	}

	if move != nil {
		if err := move(ctx, tr); err != nil {
			metrics.TradeTransitionsTotal.WithLabelValues(string(op), "error").Inc()
			return nil, err
		}
	}

	now := time.Now()
	won, err := c.store.UpdateStatus(ctx, tr.ID, tr.Status, next, tr.Version, now)
	if err != nil {
		metrics.TradeTransitionsTotal.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}
	if !won {
		metrics.TradeTransitionsTotal.WithLabelValues(string(op), "conflict").Inc()
		return nil, ErrConflict
	}

	tr.Status = next
	tr.Version++
	tr.UpdatedAt = now
	tr.LastTransitionAt = now

	metrics.TradeTransitionsTotal.WithLabelValues(string(op), "ok").Inc()
	metrics.TradesByStatus.WithLabelValues(string(next)).Inc()
	c.emitTransition(ctx, tr, op)

	c.logger.Info("trade transition",
		"tradeId", tr.ID, "op", string(op), "status", string(next))
	return tr, nil
}

// releaseEscrow settles the escrow to the buyer. If a concurrent operation
// already settled it the other way, the idempotent vault call returns the
// terminal escrow unchanged and this transition is rejected as a conflict.
func (c *Coordinator) releaseEscrow(ctx context.Context, tr *Trade) error {
	esc, err := c.vault.Release(ctx, tr.EscrowID)
	if err != nil {
		return err
	}
	if esc.Status != escrow.StatusReleased {
		return ErrConflict
	}
	tr.SettlementRef = esc.ID
	return nil
}

func (c *Coordinator) refundEscrow(ctx context.Context, tr *Trade) error {
	esc, err := c.vault.Refund(ctx, tr.EscrowID)
	if err != nil {
		return err
	}
	if esc.Status != escrow.StatusCancelled {
		return ErrConflict
	}
	tr.SettlementRef = esc.ID
	return nil
}

func (c *Coordinator) emitTransition(ctx context.Context, tr *Trade, op Op) {
	var eventType notify.EventType
	switch tr.Status {
	case StatusPaid:
		eventType = notify.EventTradePaid
	case StatusCompleted:
		eventType = notify.EventTradeCompleted
	case StatusCancelled:
		eventType = notify.EventTradeCancelled
	case StatusRefunded:
		eventType = notify.EventTradeRefunded
	case StatusDisputeOpen:
		eventType = notify.EventTradeDisputed
	default:
		return
	}
	c.notifier.Emit(ctx, notify.NewEvent(eventType, tr.ID, map[string]any{
		"op":     string(op),
		"status": string(tr.Status),
	}))

	// Terminal statuses are only ever reached through a vault settlement,
	// so the escrow event mirrors the trade outcome.
	switch tr.Status {
	case StatusCompleted:
		c.notifier.Emit(ctx, notify.NewEvent(notify.EventEscrowReleased, tr.ID, map[string]any{
			"escrowId": tr.EscrowID,
		}))
	case StatusCancelled, StatusRefunded:
		c.notifier.Emit(ctx, notify.NewEvent(notify.EventEscrowRefunded, tr.ID, map[string]any{
			"escrowId": tr.EscrowID,
		}))
	}
}
