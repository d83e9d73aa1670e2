package order

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// --- Mock implementations ---

type mockProductRepo struct {
	product.Repository

	byID     map[string]product.Product
	getErr   error
	batchIDs []string
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	m.batchIDs = ids
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockOrderRepo struct {
	Repository

	created []*Order
	byID    map[string]*Order
	filter  Filter
	err     error
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.created = append(m.created, o)
	return m.err
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (m *mockOrderRepo) List(_ context.Context, filter Filter) ([]Order, error) {
	m.filter = filter
	return nil, m.err
}

// --- Helpers ---

func newProductRepo(ids ...string) *mockProductRepo {
	byID := make(map[string]product.Product, len(ids))
	for _, id := range ids {
		byID[id] = product.Product{ID: id, Name: "product " + id, Stock: 10}
	}
	return &mockProductRepo{byID: byID}
}

// --- Tests ---

func TestCreate_EmptyLines(t *testing.T) {
	svc := NewService(newProductRepo(), &mockOrderRepo{})

	_, err := svc.Create(context.Background(), "u1", nil)
	require.ErrorIs(t, err, ErrEmptyLines)
}

func TestCreate_MissingOwner(t *testing.T) {
	svc := NewService(newProductRepo("p1"), &mockOrderRepo{})

	_, err := svc.Create(context.Background(), "", []Line{{ProductID: "p1", Quantity: 1}})
	require.ErrorIs(t, err, ErrInvalidOwner)
}

func TestCreate_InvalidQuantity(t *testing.T) {
	for _, qty := range []int64{0, -3} {
		svc := NewService(newProductRepo("p1"), &mockOrderRepo{})

		_, err := svc.Create(context.Background(), "u1", []Line{{ProductID: "p1", Quantity: qty}})

		var iqErr *InvalidQuantityError
		require.ErrorAs(t, err, &iqErr)
		assert.Equal(t, "p1", iqErr.ProductID)
		assert.Equal(t, qty, iqErr.Quantity)
	}
}

func TestCreate_InvalidProduct(t *testing.T) {
	orders := &mockOrderRepo{}
	svc := NewService(newProductRepo("p1"), orders)

	_, err := svc.Create(context.Background(), "u1", []Line{
		{ProductID: "p1", Quantity: 1},
		{ProductID: "missing", Quantity: 1},
	})

	var ipErr *InvalidProductError
	require.ErrorAs(t, err, &ipErr)
	assert.Equal(t, "missing", ipErr.ProductID)
	assert.Empty(t, orders.created)
}

func TestCreate_Pending(t *testing.T) {
	products := newProductRepo("p1", "p2")
	orders := &mockOrderRepo{}
	svc := NewService(products, orders)
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	lines := []Line{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 3},
		{ProductID: "p1", Quantity: 1},
	}
	o, err := svc.Create(context.Background(), "u1", lines)
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "u1", o.OwnerID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, lines, o.Lines)
	assert.Equal(t, fixed, o.CreatedAt)
	assert.Equal(t, []string{"p1", "p2"}, products.batchIDs, "duplicate ids fetched once")
	require.Len(t, orders.created, 1)

	// Lines are copied: mutating the input must not touch the order.
	lines[0].Quantity = 99
	assert.Equal(t, int64(2), o.Lines[0].Quantity)
}

func TestCreate_ProductLookupError(t *testing.T) {
	products := newProductRepo("p1")
	products.getErr = errors.New("connection reset")
	svc := NewService(products, &mockOrderRepo{})

	_, err := svc.Create(context.Background(), "u1", []Line{{ProductID: "p1", Quantity: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get products")
}

func TestCreate_OrderCreateError(t *testing.T) {
	svc := NewService(newProductRepo("p1"), &mockOrderRepo{err: errors.New("db write failed")})

	_, err := svc.Create(context.Background(), "u1", []Line{{ProductID: "p1", Quantity: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestGet_Ownership(t *testing.T) {
	orders := &mockOrderRepo{byID: map[string]*Order{
		"o1": {ID: "o1", OwnerID: "u1", Status: StatusPending},
	}}
	svc := NewService(newProductRepo(), orders)
	ctx := context.Background()

	o, err := svc.Get(ctx, "o1", auth.Caller{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)

	_, err = svc.Get(ctx, "o1", auth.Caller{ID: "u2"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(ctx, "o1", auth.Caller{ID: "ops", Admin: true})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "nope", auth.Caller{ID: "ops", Admin: true})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList_NonAdminRestrictedToOwnOrders(t *testing.T) {
	orders := &mockOrderRepo{}
	svc := NewService(newProductRepo(), orders)

	_, err := svc.List(context.Background(), Filter{OwnerID: "someone-else"}, auth.Caller{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", orders.filter.OwnerID)

	_, err = svc.List(context.Background(), Filter{OwnerID: "u7", Status: StatusPending}, auth.Caller{ID: "ops", Admin: true})
	require.NoError(t, err)
	assert.Equal(t, Filter{OwnerID: "u7", Status: StatusPending}, orders.filter)
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusCancelled.Valid())
	assert.False(t, Status("Shipped").Valid())
}
