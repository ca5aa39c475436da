package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
	}
}

func (m *MemoryStore) balance(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{
			UserID:    userID,
			Available: decimal.Zero,
			InOrder:   decimal.Zero,
			TotalIn:   decimal.Zero,
			TotalOut:  decimal.Zero,
			UpdatedAt: time.Now(),
		}
		m.balances[userID] = bal
	}
	return bal
}

func (m *MemoryStore) record(userID, entryType string, amount decimal.Decimal, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		UserID:      userID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		UserID:    userID,
		Available: decimal.Zero,
		InOrder:   decimal.Zero,
		TotalIn:   decimal.Zero,
		TotalOut:  decimal.Zero,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(userID)
	bal.Available = bal.Available.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = time.Now()

	m.record(userID, EntryDeposit, amount, reference, description)
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(userID)
	if bal.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	bal.Available = bal.Available.Sub(amount)
	bal.InOrder = bal.InOrder.Add(amount)
	bal.UpdatedAt = time.Now()

	m.record(userID, EntryHold, amount, reference, "escrow_hold")
	return nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, payerID, beneficiaryID string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer, ok := m.balances[payerID]
	if !ok {
		return ErrUserNotFound
	}
	if payer.InOrder.LessThan(amount) {
		return ErrInsufficientHold
	}

	payer.InOrder = payer.InOrder.Sub(amount)
	payer.TotalOut = payer.TotalOut.Add(amount)
	payer.UpdatedAt = time.Now()

	beneficiary := m.balance(beneficiaryID)
	beneficiary.Available = beneficiary.Available.Add(amount)
	beneficiary.TotalIn = beneficiary.TotalIn.Add(amount)
	beneficiary.UpdatedAt = time.Now()

	m.record(payerID, EntryRelease, amount, reference, "escrow_release_out")
	m.record(beneficiaryID, EntryRelease, amount, reference, "escrow_release_in")
	return nil
}

func (m *MemoryStore) RefundHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}
	if bal.InOrder.LessThan(amount) {
		return ErrInsufficientHold
	}

	bal.InOrder = bal.InOrder.Sub(amount)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now()

	m.record(userID, EntryRefund, amount, reference, "escrow_refund")
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
