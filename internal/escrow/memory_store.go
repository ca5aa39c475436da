package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	byTrade map[string]string
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byTrade: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	m.byTrade[e.TradeID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByTrade(ctx context.Context, tradeID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byTrade[tradeID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Settle(ctx context.Context, id string, to Status, settledAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if e.Status != StatusHeld {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = settledAt
	e.SettledAt = &settledAt
	return true, nil
}

func (m *MemoryStore) Reopen(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if !e.IsTerminal() {
		return false, nil
	}
	e.Status = StatusHeld
	e.SettledAt = nil
	e.UpdatedAt = time.Now()
	return true, nil
}
