// Package scheduler sweeps overdue trades and forces their deadline
// transitions through the trade coordinator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/trade"
)

const batchSize = 100

// Scheduler periodically scans for trades past their deadlines: unpaid
// pending trades are cancelled, unconfirmed paid trades escalate to a
// dispute. All forced transitions go through the coordinator's legality
// table, so a trade settled between the scan and the write is rejected
// harmlessly and logged, never corrupted.
type Scheduler struct {
	coordinator *trade.Coordinator
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// New creates a timeout scheduler.
func New(coordinator *trade.Coordinator, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		coordinator: coordinator,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in timeout scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one scan over both deadline classes. Exported so tests and
// operational tooling can force a scan without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	metrics.SchedulerScansTotal.Inc()
	now := time.Now()
	deadlines := s.coordinator.Deadlines()

	s.sweepStatus(ctx, trade.StatusPending, now.Add(-deadlines.Payment), "cancelled")
	s.sweepStatus(ctx, trade.StatusPaid, now.Add(-deadlines.Confirmation), "disputed")
}

func (s *Scheduler) sweepStatus(ctx context.Context, status trade.Status, cutoff time.Time, outcome string) {
	overdue, err := s.coordinator.ListOverdue(ctx, status, cutoff, batchSize)
	if err != nil {
		s.logger.Warn("failed to list overdue trades", "status", string(status), "error", err)
		return
	}

	for _, tr := range overdue {
		forced, err := s.coordinator.ForceTimeout(ctx, tr.ID)
		if err != nil {
			// A trade settled since the scan loses the race legitimately.
			if errors.Is(err, trade.ErrIllegalTransition) ||
				errors.Is(err, trade.ErrConflict) ||
				errors.Is(err, trade.ErrDeadlineNotReached) {
				s.logger.Debug("overdue trade settled before sweep", "tradeId", tr.ID)
				continue
			}
			s.logger.Warn("failed to time out trade", "tradeId", tr.ID, "error", err)
			continue
		}

		metrics.SchedulerTimeoutsTotal.WithLabelValues(outcome).Inc()
		s.logger.Info("trade timed out",
			"tradeId", tr.ID, "from", string(status), "to", string(forced.Status))
	}
}
