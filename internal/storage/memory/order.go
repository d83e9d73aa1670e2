package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

var _ order.Repository = (*OrderStore)(nil)

// OrderStore is an in-memory order.Repository.
type OrderStore struct {
	mu      sync.RWMutex
	byID    map[string]*order.Order
	ids     []string
	claimed map[string]struct{}
	now     func() time.Time
}

// NewOrderStore returns an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:    make(map[string]*order.Order),
		claimed: make(map[string]struct{}),
		now:     time.Now,
	}
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Lines = slices.Clone(o.Lines)
	return &c
}

// Create stores a copy of o.
func (s *OrderStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[o.ID]; ok {
		return errors.Errorf("order %q already exists", o.ID)
	}
	s.byID[o.ID] = cloneOrder(o)
	s.ids = append(s.ids, o.ID)
	return nil
}

// Get returns a copy of the order with the given id.
func (s *OrderStore) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

// List returns copies of matching orders in insertion order.
func (s *OrderStore) List(_ context.Context, filter order.Filter) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]order.Order, 0, len(s.ids))
	for _, id := range s.ids {
		o := s.byID[id]
		if filter.OwnerID != "" && o.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	return out, nil
}

// UpdateStatus moves the order from `from` to `to` under the store lock.
func (s *OrderStore) UpdateStatus(_ context.Context, id string, from, to order.Status) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Status != from {
		return nil, order.ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = s.now().UTC()
	delete(s.claimed, id)
	return cloneOrder(o), nil
}

// Claim marks a Pending order as claimed under the store lock.
func (s *OrderStore) Claim(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if _, busy := s.claimed[id]; busy || o.Status != order.StatusPending {
		return nil, order.ErrStatusConflict
	}
	s.claimed[id] = struct{}{}
	return cloneOrder(o), nil
}

// Release drops the claim on id.
func (s *OrderStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claimed, id)
	return nil
}
