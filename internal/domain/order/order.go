package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStatusConflict is returned by UpdateStatus when the stored status no
	// longer matches the expected one, and by Claim when the order is not
	// Pending or is already claimed.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// Order is a customer order. Lines are immutable once created; only Status
// changes, and only through the fulfillment service.
type Order struct {
	ID        string
	OwnerID   string
	Lines     []Line
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line represents a single line item in an order.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	OwnerID string
	Status  Status
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// List returns matching orders in insertion order.
	List(ctx context.Context, filter Filter) ([]Order, error)
	// UpdateStatus sets the status to `to` only if it currently equals `from`,
	// as a single atomic step, and returns the updated order.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*Order, error)
	// Claim marks a Pending, unclaimed order as being transitioned, as a
	// single atomic step shared by every process using the store. UpdateStatus
	// and Release clear the claim.
	Claim(ctx context.Context, id string) (*Order, error)
	// Release drops the claim of a still Pending order. Releasing an order
	// that is unclaimed or no longer Pending is a no-op.
	Release(ctx context.Context, id string) error
}
