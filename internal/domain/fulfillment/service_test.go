package fulfillment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/inventory"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/events"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
)

var (
	admin = auth.Caller{ID: "admin-1", Admin: true}
	user  = auth.Caller{ID: "user-1"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) recorded() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// racingOrders simulates another process winning the status write.
type racingOrders struct {
	order.Repository
}

func (r racingOrders) UpdateStatus(ctx context.Context, id string, _, to order.Status) (*order.Order, error) {
	if _, err := r.Repository.UpdateStatus(ctx, id, order.StatusPending, to); err != nil {
		return nil, err
	}
	return nil, order.ErrStatusConflict
}

// barrierOrders holds every Get until all expected readers have loaded the
// order, so each of them observes it Pending.
type barrierOrders struct {
	order.Repository
	readers *sync.WaitGroup
}

func (r barrierOrders) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := r.Repository.Get(ctx, id)
	r.readers.Done()
	r.readers.Wait()
	return o, err
}

// failingRestock fails every Restock call.
type failingRestock struct {
	product.Repository
}

func (failingRestock) Restock(context.Context, string, int64) (int64, error) {
	return 0, errors.New("restock unavailable")
}

type env struct {
	products  *memory.ProductStore
	orders    *memory.OrderStore
	publisher *recordingPublisher
	svc       *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		products:  memory.NewProductStore(),
		orders:    memory.NewOrderStore(),
		publisher: &recordingPublisher{},
	}
	e.svc = e.service(t, e.orders, e.products)
	return e
}

func (e *env) service(t *testing.T, orders order.Repository, products product.Repository) *Service {
	t.Helper()
	ledger, err := inventory.NewLedger(products, inventory.Config{CompensationTimeout: time.Second},
		tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	svc := NewService(orders, ledger, e.publisher, tracenoop.NewTracerProvider())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func (e *env) product(t *testing.T, name string, stock int64) string {
	t.Helper()
	p, err := e.products.Upsert(context.Background(), product.Product{Name: name, Stock: stock})
	require.NoError(t, err)
	return p.ID
}

func (e *env) order(t *testing.T, id string, lines ...order.Line) *order.Order {
	t.Helper()
	o := &order.Order{ID: id, OwnerID: user.ID, Status: order.StatusPending, Lines: lines}
	require.NoError(t, e.orders.Create(context.Background(), o))
	return o
}

func (e *env) stock(t *testing.T, id string) int64 {
	t.Helper()
	p, err := e.products.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (e *env) status(t *testing.T, id string) order.Status {
	t.Helper()
	o, err := e.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestTransition_CompleteDecrementsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1, p2 := e.product(t, "P1", 10), e.product(t, "P2", 10)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 2}, order.Line{ProductID: p2, Quantity: 3})

	got, err := e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.Equal(t, int64(8), e.stock(t, p1))
	assert.Equal(t, int64(7), e.stock(t, p2))

	_, err = e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, InvalidTransitionError{OrderID: "o1", From: order.StatusCompleted, To: order.StatusCompleted}, *ite)
	assert.Equal(t, int64(8), e.stock(t, p1))
	assert.Equal(t, int64(7), e.stock(t, p2))

	published := e.publisher.recorded()
	require.Len(t, published, 1)
	assert.Equal(t, events.Event{
		Type:       events.TypeOrderStatusChanged,
		OrderID:    "o1",
		From:       "Pending",
		To:         "Completed",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, published[0])
}

func TestTransition_InsufficientStockKeepsPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1, p2 := e.product(t, "P1", 10), e.product(t, "P2", 1)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 2}, order.Line{ProductID: p2, Quantity: 3})

	_, err := e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	var ise *product.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, p2, ise.ProductID)
	assert.Equal(t, int64(3), ise.Requested)
	assert.Equal(t, int64(1), ise.Available)

	assert.Equal(t, int64(10), e.stock(t, p1))
	assert.Equal(t, int64(1), e.stock(t, p2))
	assert.Equal(t, order.StatusPending, e.status(t, "o1"))
	assert.Empty(t, e.publisher.recorded())

	// The failed attempt released its claim, so a retry after restocking wins.
	_, err = e.products.Restock(ctx, p2, 2)
	require.NoError(t, err)
	got, err := e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.Equal(t, int64(0), e.stock(t, p2))
}

func TestTransition_ReplicasSharingStoreSingleWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1 := e.product(t, "P1", 2)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 2})

	// Each replica has its own in-process lock; only the store is shared.
	var readers sync.WaitGroup
	readers.Add(2)
	shared := barrierOrders{Repository: e.orders, readers: &readers}
	replicas := []*Service{
		e.service(t, shared, e.products),
		e.service(t, shared, e.products),
	}

	errs := make([]error, len(replicas))
	var g errgroup.Group
	for i, svc := range replicas {
		g.Go(func() error {
			_, errs[i] = svc.Transition(ctx, "o1", order.StatusCompleted, admin)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)
	assert.Equal(t, int64(0), e.stock(t, p1))
	assert.Equal(t, order.StatusCompleted, e.status(t, "o1"))
}

func TestTransition_ClaimedOrderRejectedBeforeLedger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1 := e.product(t, "P1", 5)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 1})

	// Another process holds the claim.
	_, err := e.orders.Claim(ctx, "o1")
	require.NoError(t, err)

	_, err = e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.svc.Transition(ctx, "o1", order.StatusCancelled, admin)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(5), e.stock(t, p1))
	assert.Equal(t, order.StatusPending, e.status(t, "o1"))

	require.NoError(t, e.orders.Release(ctx, "o1"))
	_, err = e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.stock(t, p1))
}

func TestTransition_MissingProduct(t *testing.T) {
	e := newEnv(t)
	p1 := e.product(t, "P1", 10)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 1}, order.Line{ProductID: "gone", Quantity: 1})

	_, err := e.svc.Transition(context.Background(), "o1", order.StatusCompleted, admin)
	require.ErrorIs(t, err, inventory.ErrProductMissing)
	assert.Equal(t, int64(10), e.stock(t, p1))
	assert.Equal(t, order.StatusPending, e.status(t, "o1"))
}

func TestTransition_CancelNeverTouchesStock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1 := e.product(t, "P1", 1)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 5})

	got, err := e.svc.Transition(ctx, "o1", order.StatusCancelled, admin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, int64(1), e.stock(t, p1))

	_, err = e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(1), e.stock(t, p1))
}

func TestTransition_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1 := e.product(t, "P1", 1)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 1})

	_, err := e.svc.Transition(ctx, "o1", order.StatusCompleted, user)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.svc.Transition(ctx, "o1", order.StatusPending, admin)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.svc.Transition(ctx, "o1", order.Status("Shipped"), admin)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.svc.Transition(ctx, "missing", order.StatusCompleted, admin)
	require.ErrorIs(t, err, order.ErrNotFound)

	assert.Equal(t, int64(1), e.stock(t, p1))
	assert.Equal(t, order.StatusPending, e.status(t, "o1"))
}

func TestTransition_ConcurrentCompletionSingleWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1, p2 := e.product(t, "P1", 100), e.product(t, "P2", 100)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 2}, order.Line{ProductID: p2, Quantity: 3})

	var ok, invalid atomic.Int64
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			_, err := e.svc.Transition(ctx, "o1", order.StatusCompleted, admin)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				invalid.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(15), invalid.Load())
	assert.Equal(t, int64(98), e.stock(t, p1))
	assert.Equal(t, int64(97), e.stock(t, p2))
	assert.Zero(t, e.svc.locks.len())
}

func TestTransition_ConcurrentOrdersNeverOversell(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p1 := e.product(t, "P1", 10)
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = "order-" + string(rune('a'+i))
		e.order(t, ids[i], order.Line{ProductID: p1, Quantity: 3})
	}

	var completed atomic.Int64
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := e.svc.Transition(ctx, id, order.StatusCompleted, admin)
			if errors.Is(err, product.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			completed.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(3), completed.Load())
	assert.Equal(t, int64(1), e.stock(t, p1))
}

func TestTransition_LostStatusRaceRevertsStock(t *testing.T) {
	e := newEnv(t)
	p1 := e.product(t, "P1", 10)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 4})
	svc := e.service(t, racingOrders{Repository: e.orders}, e.products)

	_, err := svc.Transition(context.Background(), "o1", order.StatusCompleted, admin)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(10), e.stock(t, p1), "decrement reverted")
	assert.Empty(t, e.publisher.recorded())
}

func TestTransition_PartialFailurePublishesReconciliation(t *testing.T) {
	e := newEnv(t)
	p1, p2 := e.product(t, "P1", 10), e.product(t, "P2", 0)
	e.order(t, "o1", order.Line{ProductID: p1, Quantity: 4}, order.Line{ProductID: p2, Quantity: 1})
	svc := e.service(t, e.orders, failingRestock{Repository: e.products})

	_, err := svc.Transition(context.Background(), "o1", order.StatusCompleted, admin)
	require.ErrorIs(t, err, inventory.ErrPartialFailure)
	assert.Equal(t, order.StatusPending, e.status(t, "o1"))
	assert.Equal(t, int64(6), e.stock(t, p1))

	published := e.publisher.recorded()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeReconciliationRequired, published[0].Type)
	assert.Equal(t, []string{p1}, published[0].Products)
	assert.NotEmpty(t, published[0].Reason)

	// The order stays claimed until reconciled, so a retry cannot decrement
	// P1 a second time.
	_, err = e.svc.Transition(context.Background(), "o1", order.StatusCompleted, admin)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(6), e.stock(t, p1))
}

func TestTransition_PublishFailureIsNotReturned(t *testing.T) {
	e := newEnv(t)
	e.publisher.err = errors.New("broker down")
	e.order(t, "o1", order.Line{ProductID: e.product(t, "P1", 1), Quantity: 1})

	got, err := e.svc.Transition(context.Background(), "o1", order.StatusCancelled, admin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
}

func TestKeyLock_ReleasesEntries(t *testing.T) {
	k := newKeyLock()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.len())
	unlockA()
	unlockB()
	assert.Zero(t, k.len())
}
