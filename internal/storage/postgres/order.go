package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

const orderColumns = `id, owner_id, lines, status, created_at, updated_at`

const (
	createOrderSQL = `INSERT INTO orders (id, owner_id, lines, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1::text = '' OR owner_id = $1)
		  AND ($2::text = '' OR status = $2)
		ORDER BY seq`

	updateOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = $4, claimed_at = NULL
		WHERE id = $1 AND status = $2
		RETURNING ` + orderColumns

	claimOrderSQL = `UPDATE orders SET claimed_at = $2
		WHERE id = $1 AND status = 'Pending' AND claimed_at IS NULL
		RETURNING ` + orderColumns

	releaseOrderSQL = `UPDATE orders SET claimed_at = NULL
		WHERE id = $1 AND status = 'Pending'`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Lines
// are stored as JSONB.
type OrderRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool, now: time.Now}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.OwnerID, o.Lines, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	return nil
}

// Get returns an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	return &o, nil
}

// List returns matching orders in insertion order.
func (r *OrderRepository) List(ctx context.Context, filter order.Filter) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, filter.OwnerID, string(filter.Status))
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// UpdateStatus is a compare-and-set on the status column.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, updateOrderStatusSQL, id, string(from), string(to), r.now().UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "update order %q status", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err == nil {
		return &o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(err, "update order %q status", id)
	}
	return nil, r.missOrConflict(ctx, id)
}

// Claim sets claimed_at on a Pending order whose claim is clear.
func (r *OrderRepository) Claim(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, claimOrderSQL, id, r.now().UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "claim order %q", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err == nil {
		return &o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(err, "claim order %q", id)
	}
	return nil, r.missOrConflict(ctx, id)
}

// Release clears claimed_at on a Pending order.
func (r *OrderRepository) Release(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, releaseOrderSQL, id); err != nil {
		return errors.Wrapf(err, "release order %q", id)
	}
	return nil
}

// missOrConflict explains a conditional update that matched no row.
func (r *OrderRepository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check order %q", id)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.Lines, &status, &o.CreatedAt, &o.UpdatedAt)
	o.Status = order.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}
