package trade

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	messages map[string][]*Message
}

// NewMemoryStore creates an in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		messages: make(map[string][]*Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, expectVersion int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return false, ErrTradeNotFound
	}
	if t.Status != from || t.Version != expectVersion {
		return false, nil
	}
	t.Status = to
	t.Version++
	t.UpdatedAt = at
	t.LastTransitionAt = at
	return true, nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, status Status, before time.Time, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		if t.Status == status && t.LastTransitionAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTransitionAt.Before(out[j].LastTransitionAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[msg.TradeID]; !ok {
		return ErrTradeNotFound
	}
	cp := *msg
	s.messages[msg.TradeID] = append(s.messages[msg.TradeID], &cp)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, tradeID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[tradeID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}
