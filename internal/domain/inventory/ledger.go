// Package inventory applies the stock effect of completing an order.
//
// The ledger is all-or-nothing: it decrements line by line through the
// product repository's atomic TryDecrement and, when any line fails, restocks
// every decrement it already applied before returning. It keeps no state
// between calls; callers guarantee at-most-once invocation per order.
package inventory

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

const instrumentationName = "github.com/xenking/kart-fulfillment/internal/domain/inventory"

// Config controls compensation behaviour.
type Config struct {
	// CompensationTimeout bounds the whole rollback of one call. Rollback is
	// detached from caller cancellation.
	CompensationTimeout time.Duration
}

// Ledger decrements stock for orders with compensating rollback.
type Ledger struct {
	products            product.Repository
	compensationTimeout time.Duration

	tracer          trace.Tracer
	decrements      metric.Int64Counter
	compensations   metric.Int64Counter
	partialFailures metric.Int64Counter
}

// NewLedger creates a Ledger over the given product repository.
func NewLedger(
	products product.Repository,
	cfg Config,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*Ledger, error) {
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 5 * time.Second
	}

	meter := mp.Meter(instrumentationName)
	decrements, err := meter.Int64Counter("inventory.decrements",
		metric.WithDescription("Order decrement attempts by result"))
	if err != nil {
		return nil, errors.Wrap(err, "create decrements counter")
	}
	compensations, err := meter.Int64Counter("inventory.compensations",
		metric.WithDescription("Rollbacks of partially applied decrements"))
	if err != nil {
		return nil, errors.Wrap(err, "create compensations counter")
	}
	partialFailures, err := meter.Int64Counter("inventory.partial_failures",
		metric.WithDescription("Rollbacks that left stock decremented"))
	if err != nil {
		return nil, errors.Wrap(err, "create partial failures counter")
	}

	return &Ledger{
		products:            products,
		compensationTimeout: cfg.CompensationTimeout,
		tracer:              tp.Tracer(instrumentationName),
		decrements:          decrements,
		compensations:       compensations,
		partialFailures:     partialFailures,
	}, nil
}

// ApplyDecrement decrements stock for every line of o, or for none of them.
//
// It returns nil, *ProductMissingError, *product.InsufficientStockError,
// *PartialFailureError, or a wrapped store error.
func (l *Ledger) ApplyDecrement(ctx context.Context, o *order.Order) (rerr error) {
	ctx, span := l.tracer.Start(ctx, "inventory.ApplyDecrement", trace.WithAttributes(
		attribute.String("order.id", o.ID),
		attribute.Int("order.lines", len(o.Lines)),
	))
	defer func() {
		result := "ok"
		if rerr != nil {
			result = resultOf(rerr)
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		l.decrements.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		span.End()
	}()

	applied := make([]order.Line, 0, len(o.Lines))
	for _, line := range o.Lines {
		if _, err := l.products.TryDecrement(ctx, line.ProductID, line.Quantity); err != nil {
			cause := lineError(line, err)
			if rbErr := l.compensate(ctx, o.ID, applied, line.ProductID, cause); rbErr != nil {
				return rbErr
			}
			return cause
		}
		applied = append(applied, line)
	}
	return nil
}

// Revert restocks every line of an order whose decrement was applied but must
// be undone, e.g. because its status update lost a race. reason is recorded
// on the resulting *PartialFailureError if the rollback is incomplete.
func (l *Ledger) Revert(ctx context.Context, o *order.Order, reason error) error {
	ctx, span := l.tracer.Start(ctx, "inventory.Revert", trace.WithAttributes(
		attribute.String("order.id", o.ID),
	))
	defer span.End()

	if err := l.compensate(ctx, o.ID, o.Lines, "", reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (l *Ledger) compensate(ctx context.Context, orderID string, applied []order.Line, failed string, cause error) error {
	if len(applied) == 0 {
		return nil
	}
	l.compensations.Add(ctx, 1)

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.compensationTimeout)
	defer cancel()

	var (
		stranded []string
		rbErr    error
	)
	for _, line := range slices.Backward(applied) {
		if _, err := l.products.Restock(rbCtx, line.ProductID, line.Quantity); err != nil {
			stranded = append(stranded, line.ProductID)
			rbErr = multierr.Append(rbErr, errors.Wrapf(err, "restock product %s", line.ProductID))
		}
	}
	if rbErr == nil {
		zctx.From(ctx).Info("Inventory decrement rolled back",
			zap.String("order_id", orderID),
			zap.Int("lines", len(applied)),
			zap.NamedError("cause", cause),
		)
		return nil
	}

	slices.Reverse(stranded)
	l.partialFailures.Add(ctx, 1)
	zctx.From(ctx).Error("Inventory rollback incomplete, manual reconciliation required",
		zap.String("order_id", orderID),
		zap.Strings("stranded_products", stranded),
		zap.String("failed_product", failed),
		zap.NamedError("cause", cause),
		zap.Error(rbErr),
		zap.Bool("reconciliation_required", true),
	)
	return &PartialFailureError{
		OrderID:   orderID,
		Succeeded: stranded,
		Failed:    failed,
		Cause:     cause,
		Rollback:  rbErr,
	}
}

// lineError translates a TryDecrement failure into the ledger taxonomy.
func lineError(line order.Line, err error) error {
	switch {
	case errors.Is(err, product.ErrNotFound):
		return &ProductMissingError{ProductID: line.ProductID}
	case errors.Is(err, product.ErrInsufficientStock):
		return err
	default:
		return errors.Wrapf(err, "decrement product %s", line.ProductID)
	}
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrPartialFailure):
		return "partial_failure"
	case errors.Is(err, ErrProductMissing):
		return "product_missing"
	case errors.Is(err, product.ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "error"
	}
}
