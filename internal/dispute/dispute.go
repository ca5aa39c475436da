// Package dispute implements arbitration over contested trades.
//
// A trade has at most one open dispute. Resolution is single-writer: the
// dispute record is claimed with a compare-and-swap before the ruling is
// applied to the trade, so two arbitrators ruling at once cannot both win.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/notify"
	"github.com/peertrade/settlement/internal/validation"
)

var (
	ErrDisputeNotFound      = errors.New("dispute: not found")
	ErrDisputeAlreadyOpen   = errors.New("dispute: trade already has an open dispute")
	ErrDisputeNotOpen       = errors.New("dispute: dispute is not open")
	ErrNotArbitrator        = errors.New("dispute: actor is not an arbitrator")
	ErrInvalidResolution    = errors.New("dispute: resolution must be release or refund")
	ErrConcurrentResolution = errors.New("dispute: dispute was resolved concurrently")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Resolution is an arbitration ruling.
type Resolution string

const (
	ResolutionRelease Resolution = "release" // escrow to the buyer
	ResolutionRefund  Resolution = "refund"  // escrow back to the seller
)

// Dispute is a contested trade awaiting arbitration.
type Dispute struct {
	ID         string     `json:"id"`
	TradeID    string     `json:"tradeId"`
	RaisedBy   string     `json:"raisedBy"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// GetOpenByTrade returns the trade's open dispute, or ErrDisputeNotFound.
	GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
	ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error)
	// Close atomically moves an open dispute to the given terminal status.
	// Returns false when the dispute was not open.
	Close(ctx context.Context, id string, to Status, resolution Resolution, resolvedBy, note string, at time.Time) (bool, error)
	// Reopen reverts a closed dispute to open. Used only to compensate a
	// close whose trade finalization failed.
	Reopen(ctx context.Context, id string) (bool, error)
}

// TradeFinalizer is the coordinator surface the arbitrator drives. The
// coordinator owns both the trade status change and the escrow settlement,
// so arbitration stays on the same single settlement code path as
// cooperative trades.
type TradeFinalizer interface {
	ReviewTrade(ctx context.Context, tradeID string) error
	FinalizeTrade(ctx context.Context, tradeID string, releaseToBuyer bool) error
	CancelDisputedTrade(ctx context.Context, tradeID string) error
}

// Arbitrator rules on disputes. Arbitrator identities come from
// configuration; the engine does not manage arbitrator accounts.
type Arbitrator struct {
	store     Store
	finalizer TradeFinalizer
	arbiters  map[string]bool
	notifier  notify.Notifier
	logger    *slog.Logger
}

// NewArbitrator creates a dispute arbitrator. arbiterIDs lists the user IDs
// permitted to rule.
func NewArbitrator(store Store, finalizer TradeFinalizer, arbiterIDs []string) *Arbitrator {
	arbiters := make(map[string]bool, len(arbiterIDs))
	for _, id := range arbiterIDs {
		arbiters[id] = true
	}
	return &Arbitrator{
		store:     store,
		finalizer: finalizer,
		arbiters:  arbiters,
		notifier:  notify.Nop{},
		logger:    slog.Default(),
	}
}

// WithNotifier wires the event notifier.
func (a *Arbitrator) WithNotifier(n notify.Notifier) *Arbitrator {
	a.notifier = n
	return a
}

// WithLogger sets a structured logger.
func (a *Arbitrator) WithLogger(l *slog.Logger) *Arbitrator {
	a.logger = l
	return a
}

// IsArbitrator reports whether the actor may rule on disputes.
func (a *Arbitrator) IsArbitrator(actorID string) bool {
	return a.arbiters[actorID]
}

// OpenDispute creates the dispute record for a trade entering arbitration.
// Called by the trade coordinator inside its transition; a trade can hold at
// most one open dispute.
func (a *Arbitrator) OpenDispute(ctx context.Context, tradeID, raiserID, reason string) error {
	if _, err := a.store.GetOpenByTrade(ctx, tradeID); err == nil {
		return ErrDisputeAlreadyOpen
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return err
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		TradeID:   tradeID,
		RaisedBy:  raiserID,
		Reason:    validation.SanitizeText(reason, validation.MaxReasonLength),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Create(ctx, d); err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	a.logger.Info("dispute opened",
		"disputeId", d.ID, "tradeId", tradeID, "raisedBy", raiserID)
	return nil
}

// Review marks the dispute as under active review and moves the trade to
// escrow_review, freezing party actions.
func (a *Arbitrator) Review(ctx context.Context, disputeID, arbiterID string) (*Dispute, error) {
	if !a.IsArbitrator(arbiterID) {
		return nil, ErrNotArbitrator
	}

	d, err := a.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}

	if err := a.finalizer.ReviewTrade(ctx, d.TradeID); err != nil {
		return nil, err
	}

	a.logger.Info("dispute under review", "disputeId", d.ID, "arbiter", arbiterID)
	return d, nil
}

// Resolve applies a ruling. The dispute is claimed with a compare-and-swap
// first; the loser of a concurrent resolution gets ErrConcurrentResolution
// and no second settlement occurs. If applying the ruling to the trade
// fails, the claim is reverted so the case can be ruled again.
func (a *Arbitrator) Resolve(ctx context.Context, disputeID, arbiterID string, resolution Resolution, note string) (*Dispute, error) {
	if !a.IsArbitrator(arbiterID) {
		return nil, ErrNotArbitrator
	}
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, ErrInvalidResolution
	}

	d, err := a.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}

	note = validation.SanitizeText(note, validation.MaxReasonLength)
	now := time.Now()
	won, err := a.store.Close(ctx, d.ID, StatusResolved, resolution, arbiterID, note, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrConcurrentResolution
	}

	if err := a.finalizer.FinalizeTrade(ctx, d.TradeID, resolution == ResolutionRelease); err != nil {
		if _, revertErr := a.store.Reopen(ctx, d.ID); revertErr != nil {
			a.logger.Error("CRITICAL: dispute closed but trade finalization and revert both failed",
				"disputeId", d.ID, "tradeId", d.TradeID, "error", revertErr)
		}
		return nil, fmt.Errorf("finalize trade: %w", err)
	}

	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolvedBy = arbiterID
	d.Note = note
	d.UpdatedAt = now
	d.ResolvedAt = &now

	metrics.DisputesTotal.WithLabelValues("resolved_" + string(resolution)).Inc()
	a.notifier.Emit(ctx, notify.NewEvent(notify.EventDisputeResolved, d.TradeID, map[string]any{
		"disputeId":  d.ID,
		"resolution": string(resolution),
	}))

	a.logger.Info("dispute resolved",
		"disputeId", d.ID, "tradeId", d.TradeID, "resolution", string(resolution), "arbiter", arbiterID)
	return d, nil
}

// Cancel withdraws a dispute by mutual agreement. The trade is cancelled and
// the escrow returned to the seller.
func (a *Arbitrator) Cancel(ctx context.Context, disputeID, arbiterID, note string) (*Dispute, error) {
	if !a.IsArbitrator(arbiterID) {
		return nil, ErrNotArbitrator
	}

	d, err := a.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}

	now := time.Now()
	won, err := a.store.Close(ctx, d.ID, StatusCancelled, "", arbiterID, validation.SanitizeText(note, validation.MaxReasonLength), now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrConcurrentResolution
	}

	if err := a.finalizer.CancelDisputedTrade(ctx, d.TradeID); err != nil {
		if _, revertErr := a.store.Reopen(ctx, d.ID); revertErr != nil {
			a.logger.Error("CRITICAL: dispute cancelled but trade cancellation and revert both failed",
				"disputeId", d.ID, "tradeId", d.TradeID, "error", revertErr)
		}
		return nil, fmt.Errorf("cancel disputed trade: %w", err)
	}

	d.Status = StatusCancelled
	d.ResolvedBy = arbiterID
	d.UpdatedAt = now
	d.ResolvedAt = &now

	metrics.DisputesTotal.WithLabelValues("cancelled").Inc()
	a.logger.Info("dispute cancelled", "disputeId", d.ID, "tradeId", d.TradeID)
	return d, nil
}

// Get returns a dispute by ID.
func (a *Arbitrator) Get(ctx context.Context, id string) (*Dispute, error) {
	return a.store.Get(ctx, id)
}

// ListOpen returns open disputes, oldest first.
func (a *Arbitrator) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.store.ListOpen(ctx, limit)
}

// ListByTrade returns a trade's dispute history.
func (a *Arbitrator) ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	return a.store.ListByTrade(ctx, tradeID)
}
