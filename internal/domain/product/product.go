package product

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrInsufficientStock is matched by every *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidProduct is returned by Upsert for malformed product data.
	ErrInvalidProduct = errors.New("invalid product")
)

// InsufficientStockError reports a decrement that would drive stock negative.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

// NewInsufficientStockError reports a rejected decrement given the stock
// observed after the rejection. Stores read that stock separately from the
// guarded update, so a concurrent restock may have raised it; Available is
// capped below Requested to keep the report consistent with the rejection.
func NewInsufficientStockError(id string, requested, observed int64) *InsufficientStockError {
	return &InsufficientStockError{
		ProductID: id,
		Requested: requested,
		Available: max(0, min(observed, requested-1)),
	}
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Is reports whether target is ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Product represents a catalog item with a mutable stock counter. Prices are
// stored in minor units of their currency.
type Product struct {
	ID          string
	Name        string
	Description string
	Category    string
	PriceCZK    int64
	PriceEUR    int64
	Stock       int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the admin-authored fields of p.
func (p *Product) Validate() error {
	switch {
	case p.Name == "":
		return errors.Wrap(ErrInvalidProduct, "name required")
	case p.Stock < 0:
		return errors.Wrap(ErrInvalidProduct, "stock must not be negative")
	case p.PriceCZK < 0 || p.PriceEUR < 0:
		return errors.Wrap(ErrInvalidProduct, "price must not be negative")
	}
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// Category matches exactly.
	Category string
	// Search matches a case-insensitive substring of the name.
	Search string
}

// Repository is the durable product catalog. Implementations own the stock
// counters: TryDecrement and Restock must be atomic per product relative to
// every other call on the same id.
type Repository interface {
	Get(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	List(ctx context.Context, filter Filter) ([]Product, error)

	// Upsert fully replaces the product identified by p.ID, or creates a new
	// product with a fresh id when p.ID is empty.
	Upsert(ctx context.Context, p Product) (*Product, error)
	Delete(ctx context.Context, id string) error

	// TryDecrement subtracts qty from stock if and only if qty <= stock,
	// returning the new stock. Otherwise stock is left unchanged and an
	// *InsufficientStockError is returned.
	TryDecrement(ctx context.Context, id string, qty int64) (int64, error)
	// Restock adds qty back to stock and returns the new stock.
	Restock(ctx context.Context, id string, qty int64) (int64, error)
}
