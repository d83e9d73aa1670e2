package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

const productColumns = `id, name, description, category, price_czk, price_eur, stock, created_at, updated_at`

const (
	getProductSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY seq`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products
		WHERE ($1::text = '' OR category = $1)
		  AND ($2::text = '' OR name ILIKE '%' || $2 || '%')
		ORDER BY seq`

	insertProductSQL = `INSERT INTO products
		(id, name, description, category, price_czk, price_eur, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING ` + productColumns

	replaceProductSQL = `UPDATE products
		SET name = $2, description = $3, category = $4, price_czk = $5, price_eur = $6,
		    stock = $7, updated_at = $8
		WHERE id = $1
		RETURNING ` + productColumns

	deleteProductSQL = `DELETE FROM products WHERE id = $1`

	decrementStockSQL = `UPDATE products SET stock = stock - $2, updated_at = $3
		WHERE id = $1 AND stock >= $2
		RETURNING stock`

	restockSQL = `UPDATE products SET stock = stock + $2, updated_at = $3
		WHERE id = $1
		RETURNING stock`

	getStockSQL = `SELECT stock FROM products WHERE id = $1`
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool, now: time.Now}
}

// Get returns a single product by its identifier.
func (r *ProductRepository) Get(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	return products, nil
}

// List returns products matching filter in creation order.
func (r *ProductRepository) List(ctx context.Context, filter product.Filter) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL, filter.Category, likeEscaper.Replace(filter.Search))
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return products, nil
}

// Upsert inserts p when its ID is empty and fully replaces the stored row
// otherwise.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) (*product.Product, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC()

	query := replaceProductSQL
	if p.ID == "" {
		p.ID = uuid.New().String()
		query = insertProductSQL
	}
	rows, err := r.pool.Query(ctx, query,
		p.ID, p.Name, p.Description, p.Category, p.PriceCZK, p.PriceEUR, p.Stock, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "upsert product %q", p.ID)
	}
	saved, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "upsert product %q", p.ID)
	}
	return &saved, nil
}

// Delete removes a product.
func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteProductSQL, id)
	if err != nil {
		return errors.Wrapf(err, "delete product %q", id)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// TryDecrement subtracts qty in a single conditional UPDATE. When the guard
// rejects the update but a follow-up read shows enough stock, a concurrent
// restock landed in between and the update is tried once more.
func (r *ProductRepository) TryDecrement(ctx context.Context, id string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, errors.Errorf("invalid decrement quantity %d", qty)
	}
	var stock int64
	for attempt := 0; ; attempt++ {
		err := r.pool.QueryRow(ctx, decrementStockSQL, id, qty, r.now().UTC()).Scan(&stock)
		if err == nil {
			return stock, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, errors.Wrapf(err, "decrement product %q", id)
		}

		// Either the row is gone or the guard rejected the update.
		if err := r.pool.QueryRow(ctx, getStockSQL, id).Scan(&stock); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, product.ErrNotFound
			}
			return 0, errors.Wrapf(err, "get stock %q", id)
		}
		if stock < qty || attempt > 0 {
			return 0, product.NewInsufficientStockError(id, qty, stock)
		}
	}
}

// Restock adds qty to the product's stock.
func (r *ProductRepository) Restock(ctx context.Context, id string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, errors.Errorf("invalid restock quantity %d", qty)
	}
	var stock int64
	if err := r.pool.QueryRow(ctx, restockSQL, id, qty, r.now().UTC()).Scan(&stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, product.ErrNotFound
		}
		return 0, errors.Wrapf(err, "restock product %q", id)
	}
	return stock, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Category,
		&p.PriceCZK, &p.PriceEUR, &p.Stock,
		&p.CreatedAt, &p.UpdatedAt,
	)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}
