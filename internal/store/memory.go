package store

import (
	stdcontext "context"
	"fmt"
	"sync"

	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

// MemoryStore keeps payments in a map. Values are cloned on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*payment.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*payment.Payment)}
}

func (s *MemoryStore) Create(_ stdcontext.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ stdcontext.Context, id string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Save(_ stdcontext.Context, p *payment.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d", ErrVersionConflict, p.ID, current.Version, expectedVersion)
	}
	s.payments[p.ID] = p.Clone()
	return nil
}
