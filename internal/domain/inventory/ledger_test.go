package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
)

// faultyStore wraps a product repository and injects failures per product id.
type faultyStore struct {
	product.Repository

	mu             sync.Mutex
	decrementFault map[string]error
	restockFault   map[string]error
	restockCalls   []string
}

func newFaultyStore(inner product.Repository) *faultyStore {
	return &faultyStore{
		Repository:     inner,
		decrementFault: make(map[string]error),
		restockFault:   make(map[string]error),
	}
}

func (f *faultyStore) TryDecrement(ctx context.Context, id string, qty int64) (int64, error) {
	f.mu.Lock()
	err := f.decrementFault[id]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Repository.TryDecrement(ctx, id, qty)
}

func (f *faultyStore) Restock(ctx context.Context, id string, qty int64) (int64, error) {
	f.mu.Lock()
	f.restockCalls = append(f.restockCalls, id)
	err := f.restockFault[id]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.Repository.Restock(ctx, id, qty)
}

type fixture struct {
	store  *faultyStore
	ledger *Ledger
	ids    []string
}

func newFixture(t *testing.T, stocks ...int64) *fixture {
	t.Helper()
	inner := memory.NewProductStore()
	f := &fixture{store: newFaultyStore(inner)}
	for i, stock := range stocks {
		p, err := inner.Upsert(context.Background(), product.Product{
			Name:  string(rune('A' + i)),
			Stock: stock,
		})
		require.NoError(t, err)
		f.ids = append(f.ids, p.ID)
	}
	l, err := NewLedger(f.store, Config{CompensationTimeout: time.Second},
		tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	f.ledger = l
	return f
}

func (f *fixture) stock(t *testing.T, i int) int64 {
	t.Helper()
	p, err := f.store.Get(context.Background(), f.ids[i])
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) order(lines ...order.Line) *order.Order {
	return &order.Order{ID: "order-1", OwnerID: "user-1", Status: order.StatusPending, Lines: lines}
}

func TestLedger_ApplyDecrement(t *testing.T) {
	f := newFixture(t, 10, 5)
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 3},
		order.Line{ProductID: f.ids[1], Quantity: 5},
	)

	require.NoError(t, f.ledger.ApplyDecrement(context.Background(), o))
	assert.Equal(t, int64(7), f.stock(t, 0))
	assert.Equal(t, int64(0), f.stock(t, 1))
	assert.Empty(t, f.store.restockCalls)
}

func TestLedger_InsufficientStockRollsBack(t *testing.T) {
	f := newFixture(t, 10, 2, 10)
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 4},
		order.Line{ProductID: f.ids[1], Quantity: 3},
		order.Line{ProductID: f.ids[2], Quantity: 1},
	)

	err := f.ledger.ApplyDecrement(context.Background(), o)
	var ise *product.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, f.ids[1], ise.ProductID)
	assert.Equal(t, int64(3), ise.Requested)
	assert.Equal(t, int64(2), ise.Available)

	assert.Equal(t, int64(10), f.stock(t, 0))
	assert.Equal(t, int64(2), f.stock(t, 1))
	assert.Equal(t, int64(10), f.stock(t, 2), "lines after the failure are never attempted")
	assert.Equal(t, []string{f.ids[0]}, f.store.restockCalls)
}

func TestLedger_MissingProduct(t *testing.T) {
	f := newFixture(t, 10)
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 1},
		order.Line{ProductID: "deleted", Quantity: 1},
	)

	err := f.ledger.ApplyDecrement(context.Background(), o)
	require.ErrorIs(t, err, ErrProductMissing)
	require.ErrorIs(t, err, product.ErrNotFound)
	var pme *ProductMissingError
	require.ErrorAs(t, err, &pme)
	assert.Equal(t, "deleted", pme.ProductID)
	assert.Equal(t, int64(10), f.stock(t, 0))
}

func TestLedger_StoreErrorRollsBack(t *testing.T) {
	f := newFixture(t, 10, 10)
	boom := errors.New("connection reset")
	f.store.decrementFault[f.ids[1]] = boom
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 2},
		order.Line{ProductID: f.ids[1], Quantity: 2},
	)

	err := f.ledger.ApplyDecrement(context.Background(), o)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, int64(10), f.stock(t, 0))
	assert.Equal(t, int64(10), f.stock(t, 1))
}

func TestLedger_PartialFailure(t *testing.T) {
	f := newFixture(t, 10, 10, 1)
	restockErr := errors.New("restock unavailable")
	f.store.restockFault[f.ids[0]] = restockErr
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 2},
		order.Line{ProductID: f.ids[1], Quantity: 3},
		order.Line{ProductID: f.ids[2], Quantity: 5},
	)

	err := f.ledger.ApplyDecrement(context.Background(), o)
	require.ErrorIs(t, err, ErrPartialFailure)
	require.ErrorIs(t, err, restockErr)

	var pfe *PartialFailureError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, "order-1", pfe.OrderID)
	assert.Equal(t, []string{f.ids[0]}, pfe.Succeeded)
	assert.Equal(t, f.ids[2], pfe.Failed)
	assert.ErrorIs(t, pfe.Cause, product.ErrInsufficientStock)

	assert.Equal(t, int64(8), f.stock(t, 0), "stranded decrement stays applied")
	assert.Equal(t, int64(10), f.stock(t, 1))
	assert.Equal(t, int64(1), f.stock(t, 2))
	assert.Equal(t, []string{f.ids[1], f.ids[0]}, f.store.restockCalls, "rollback runs in reverse")
}

func TestLedger_CompensationIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.store.decrementFault[f.ids[1]] = context.Canceled
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 4},
		order.Line{ProductID: f.ids[1], Quantity: 1},
	)

	err := f.ledger.ApplyDecrement(ctx, o)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, int64(10), f.stock(t, 0))
}

func TestLedger_Revert(t *testing.T) {
	f := newFixture(t, 10, 10)
	o := f.order(
		order.Line{ProductID: f.ids[0], Quantity: 2},
		order.Line{ProductID: f.ids[1], Quantity: 3},
	)
	ctx := context.Background()

	require.NoError(t, f.ledger.ApplyDecrement(ctx, o))
	require.NoError(t, f.ledger.Revert(ctx, o, order.ErrStatusConflict))
	assert.Equal(t, int64(10), f.stock(t, 0))
	assert.Equal(t, int64(10), f.stock(t, 1))

	f.store.restockFault[f.ids[1]] = errors.New("down")
	require.NoError(t, f.ledger.ApplyDecrement(ctx, o))
	err := f.ledger.Revert(ctx, o, order.ErrStatusConflict)
	var pfe *PartialFailureError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, []string{f.ids[1]}, pfe.Succeeded)
	assert.Empty(t, pfe.Failed)
	assert.ErrorIs(t, pfe.Cause, order.ErrStatusConflict)
}

func TestPartialFailureError_Message(t *testing.T) {
	err := &PartialFailureError{
		OrderID:   "o1",
		Succeeded: []string{"a", "b"},
		Failed:    "c",
		Cause:     errors.New("out of stock"),
	}
	assert.Equal(t,
		"order o1: inventory rollback incomplete: products [a, b] still decremented after product c failed: out of stock",
		err.Error())
}
