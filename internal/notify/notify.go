// Package notify provides best-effort asynchronous event emission for the
// settlement engine. Consumers (UI, chat, email layers) subscribe via
// webhooks or the live websocket stream; delivery is fire-and-forget and
// never blocks or fails a settlement operation.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/metrics"
)

// EventType identifies a settlement event.
type EventType string

const (
	EventTradeCreated    EventType = "trade.created"
	EventTradePaid       EventType = "trade.paid"
	EventTradeCompleted  EventType = "trade.completed"
	EventTradeCancelled  EventType = "trade.cancelled"
	EventTradeRefunded   EventType = "trade.refunded"
	EventTradeDisputed   EventType = "trade.dispute_opened"
	EventTradeMessage    EventType = "trade.message"
	EventDisputeResolved EventType = "dispute.resolved"
	EventEscrowHeld      EventType = "escrow.held"
	EventEscrowReleased  EventType = "escrow.released"
	EventEscrowRefunded  EventType = "escrow.refunded"
)

// Event is a single settlement notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	TradeID   string         `json:"tradeId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a generated ID and current timestamp.
func NewEvent(eventType EventType, tradeID string, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		TradeID:   tradeID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Notifier receives fire-and-forget events.
type Notifier interface {
	Emit(ctx context.Context, event Event)
}

// Sink delivers events to one downstream transport.
type Sink interface {
	Deliver(ctx context.Context, event Event)
}

// Nop is a Notifier that discards all events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Dispatcher fans events out to sinks from a bounded queue. When the queue
// is full events are dropped with a warning; the engine never blocks on
// notification delivery.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Event
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates a dispatcher with the given sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Event, 1024),
		logger: logger,
	}
}

// Start launches the delivery loop. Call in a goroutine or rely on the
// internal goroutine started on first use.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-d.queue:
				if !ok {
					return
				}
				for _, sink := range d.sinks {
					sink.Deliver(ctx, event)
				}
			}
		}
	}()
}

// Close drains the queue and stops the delivery loop.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// Emit enqueues an event for delivery. Never blocks.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	metrics.NotifierEventsTotal.WithLabelValues(string(event.Type)).Inc()
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("notification queue full, dropping event",
			"eventId", event.ID, "type", string(event.Type))
	}
}
