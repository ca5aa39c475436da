package trade

import (
	"context"
	"sync"
)

// MemoryOffers is an in-process offer catalog. The catalog proper belongs to
// the surrounding marketplace; the engine only needs a read view plus a way
// to seed entries in tests and local development.
type MemoryOffers struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryOffers creates an empty offer catalog.
func NewMemoryOffers() *MemoryOffers {
	return &MemoryOffers{offers: make(map[string]*Offer)}
}

// Put adds or replaces an offer.
func (m *MemoryOffers) Put(o *Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
}

func (m *MemoryOffers) GetOffer(_ context.Context, offerID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}
