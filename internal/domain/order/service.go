package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// Sentinel errors for order validation.
var (
	ErrEmptyLines   = errors.New("order lines required")
	ErrInvalidOwner = errors.New("order owner required")
)

// InvalidProductError indicates a line references a product that does not
// exist at creation time.
type InvalidProductError struct {
	ProductID string
}

func (e *InvalidProductError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s, got %d", e.ProductID, e.Quantity)
}

// Service encapsulates order creation and lookup.
type Service struct {
	products product.Repository
	orders   Repository
	now      func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(products product.Repository, orders Repository) *Service {
	return &Service{
		products: products,
		orders:   orders,
		now:      time.Now,
	}
}

// Create validates lines, resolves every referenced product in a single
// batch, and persists a new Pending order owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, lines []Line) (*Order, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	if len(lines) == 0 {
		return nil, ErrEmptyLines
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
		}
		if !slices.Contains(ids, line.ProductID) {
			ids = append(ids, line.ProductID)
		}
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	found := make(map[string]struct{}, len(fetched))
	for _, p := range fetched {
		found[p.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, &InvalidProductError{ProductID: id}
		}
	}

	now := s.now().UTC()
	o := &Order{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Lines:     slices.Clone(lines),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	return o, nil
}

// Get returns the order with the given id. Non-admin callers only see their
// own orders; anything else reports ErrNotFound.
func (s *Service) Get(ctx context.Context, id string, caller auth.Caller) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Admin && o.OwnerID != caller.ID {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns orders matching filter. Non-admin callers are restricted to
// their own orders regardless of filter.OwnerID.
func (s *Service) List(ctx context.Context, filter Filter, caller auth.Caller) ([]Order, error) {
	if !caller.Admin {
		filter.OwnerID = caller.ID
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}
