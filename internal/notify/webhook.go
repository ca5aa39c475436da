package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/peertrade/settlement/internal/circuitbreaker"
	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/retry"
)

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"` // used for HMAC signing, never serialized
	Events    []EventType `json:"events"` // empty means all events
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"createdAt"`
}

// wants reports whether the subscription matches the event type.
func (s *Subscription) wants(eventType EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	List(ctx context.Context) ([]*Subscription, error)
}

// MemorySubscriptions is an in-memory subscription store.
type MemorySubscriptions struct {
	subs []*Subscription
	mu   sync.RWMutex
}

// NewMemorySubscriptions creates an in-memory subscription store.
func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{}
}

func (m *MemorySubscriptions) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs = append(m.subs, &cp)
	return nil
}

func (m *MemorySubscriptions) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, len(m.subs))
	for i, s := range m.subs {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

// NewSubscription builds a subscription with a generated ID and secret.
func NewSubscription(url string, events []EventType) *Subscription {
	return &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		URL:       url,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

// WebhookSink delivers events to registered webhook URLs with HMAC-SHA256
// signatures and bounded retries. A per-endpoint circuit breaker stops
// hammering endpoints that are consistently failing.
type WebhookSink struct {
	store   SubscriptionStore
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewWebhookSink creates a webhook delivery sink.
func NewWebhookSink(store SubscriptionStore, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// Deliver posts the event to every matching active subscription.
func (w *WebhookSink) Deliver(ctx context.Context, event Event) {
	subs, err := w.store.List(ctx)
	if err != nil {
		w.logger.Warn("failed to list webhook subscriptions", "error", err)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}
		w.send(ctx, sub, payload, event)
	}
}

func (w *WebhookSink) send(ctx context.Context, sub *Subscription, payload []byte, event Event) {
	if !w.breaker.Allow(sub.URL) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		w.logger.Debug("webhook circuit open, skipping delivery",
			"subscriptionId", sub.ID, "eventId", event.ID)
		return
	}

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Settlement-Event", string(event.Type))
		req.Header.Set("X-Settlement-Signature", Sign(sub.Secret, payload))

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	})

	if err != nil {
		w.breaker.RecordFailure(sub.URL)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		w.logger.Warn("webhook delivery failed",
			"subscriptionId", sub.ID, "eventId", event.ID, "error", err)
		return
	}
	w.breaker.RecordSuccess(sub.URL)
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
}

// Sign computes the hex HMAC-SHA256 signature of payload with the secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
