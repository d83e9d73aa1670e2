// Package memory provides process-local implementations of the storage
// contracts. Stock mutations on a product are serialized by a per-product
// mutex, so operations on disjoint products never contend.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

var _ product.Repository = (*ProductStore)(nil)

type productEntry struct {
	mu      sync.Mutex
	p       product.Product
	deleted bool
}

// ProductStore is an in-memory product.Repository.
type ProductStore struct {
	// mu guards items and ids only. Entry fields are guarded by entry.mu;
	// when both are held, mu is acquired first.
	mu    sync.RWMutex
	items map[string]*productEntry
	ids   []string
	now   func() time.Time
}

// NewProductStore returns an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{
		items: make(map[string]*productEntry),
		now:   time.Now,
	}
}

func (s *ProductStore) entry(id string) (*productEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	return e, ok
}

// withEntry runs fn with the entry for id locked.
func (s *ProductStore) withEntry(id string, fn func(e *productEntry) error) error {
	e, ok := s.entry(id)
	if !ok {
		return product.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return product.ErrNotFound
	}
	return fn(e)
}

// Get returns the product with the given id.
func (s *ProductStore) Get(_ context.Context, id string) (*product.Product, error) {
	var p product.Product
	if err := s.withEntry(id, func(e *productEntry) error {
		p = e.p
		return nil
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByIDs returns the products that exist among ids.
func (s *ProductStore) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, product.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// List returns products matching filter in insertion order.
func (s *ProductStore) List(_ context.Context, filter product.Filter) ([]product.Product, error) {
	s.mu.RLock()
	entries := make([]*productEntry, 0, len(s.ids))
	for _, id := range s.ids {
		entries = append(entries, s.items[id])
	}
	s.mu.RUnlock()

	search := strings.ToLower(filter.Search)
	out := make([]product.Product, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		p, deleted := e.p, e.deleted
		e.mu.Unlock()

		if deleted {
			continue
		}
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Upsert replaces every mutable field of an existing product, or creates a
// new one when p.ID is empty.
func (s *ProductStore) Upsert(_ context.Context, p product.Product) (*product.Product, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
		p.UpdatedAt = now

		s.mu.Lock()
		s.items[p.ID] = &productEntry{p: p}
		s.ids = append(s.ids, p.ID)
		s.mu.Unlock()
		return &p, nil
	}

	var updated product.Product
	if err := s.withEntry(p.ID, func(e *productEntry) error {
		p.CreatedAt = e.p.CreatedAt
		p.UpdatedAt = now
		e.p = p
		updated = p
		return nil
	}); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes the product with the given id.
func (s *ProductStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return product.ErrNotFound
	}
	delete(s.items, id)
	s.ids = slices.DeleteFunc(s.ids, func(v string) bool { return v == id })

	// Decrements that looked the entry up before removal observe the flag.
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

// TryDecrement subtracts qty from the product's stock if enough is available.
func (s *ProductStore) TryDecrement(_ context.Context, id string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, errors.Errorf("invalid decrement quantity %d", qty)
	}
	var stock int64
	err := s.withEntry(id, func(e *productEntry) error {
		if qty > e.p.Stock {
			return &product.InsufficientStockError{ProductID: id, Requested: qty, Available: e.p.Stock}
		}
		e.p.Stock -= qty
		e.p.UpdatedAt = s.now().UTC()
		stock = e.p.Stock
		return nil
	})
	return stock, err
}

// Restock adds qty to the product's stock.
func (s *ProductStore) Restock(_ context.Context, id string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, errors.Errorf("invalid restock quantity %d", qty)
	}
	var stock int64
	err := s.withEntry(id, func(e *productEntry) error {
		e.p.Stock += qty
		e.p.UpdatedAt = s.now().UTC()
		stock = e.p.Stock
		return nil
	})
	return stock, err
}
