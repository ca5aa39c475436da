package server

import (
	"context"

	"github.com/peertrade/settlement/internal/trade"
)

// tradeFinalizer adapts the trade coordinator to the dispute package's
// TradeFinalizer interface.
type tradeFinalizer struct {
	coordinator *trade.Coordinator
}

func (f *tradeFinalizer) ReviewTrade(ctx context.Context, tradeID string) error {
	_, err := f.coordinator.ReviewDispute(ctx, tradeID)
	return err
}

func (f *tradeFinalizer) FinalizeTrade(ctx context.Context, tradeID string, releaseToBuyer bool) error {
	_, err := f.coordinator.FinalizeDispute(ctx, tradeID, releaseToBuyer)
	return err
}

func (f *tradeFinalizer) CancelDisputedTrade(ctx context.Context, tradeID string) error {
	_, err := f.coordinator.CancelDispute(ctx, tradeID)
	return err
}
