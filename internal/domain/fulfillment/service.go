// Package fulfillment drives the order status state machine.
//
// Pending is the only non-terminal status. Completing an order applies its
// stock decrement through the inventory ledger before the status write;
// cancelling never touches stock.
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/inventory"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/events"
)

var (
	// ErrUnauthorized is returned when a non-admin caller requests a transition.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError reports a state machine violation, including the
// loser of a concurrent completion race.
type InvalidTransitionError struct {
	OrderID string
	From    order.Status
	To      order.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Ledger applies and reverts the stock effect of an order.
type Ledger interface {
	ApplyDecrement(ctx context.Context, o *order.Order) error
	Revert(ctx context.Context, o *order.Order, reason error) error
}

// Service transitions orders.
type Service struct {
	orders    order.Repository
	ledger    Ledger
	publisher events.Publisher
	locks     *keyLock
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a Service. A nil publisher discards events.
func NewService(orders order.Repository, ledger Ledger, publisher events.Publisher, tp trace.TracerProvider) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		orders:    orders,
		ledger:    ledger,
		publisher: publisher,
		locks:     newKeyLock(),
		tracer:    tp.Tracer("github.com/xenking/kart-fulfillment/internal/domain/fulfillment"),
		now:       time.Now,
	}
}

// Transition moves the order to the requested terminal status.
//
// The order is claimed in the store before any stock is touched, so callers
// racing from other processes get InvalidTransition without ledger work.
// Ledger errors on completion are returned unchanged, release the claim and
// leave the order Pending.
func (s *Service) Transition(ctx context.Context, orderID string, requested order.Status, caller auth.Caller) (_ *order.Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "fulfillment.Transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.requested", string(requested)),
	))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if !caller.Admin {
		return nil, ErrUnauthorized
	}
	if !requested.Terminal() {
		return nil, &InvalidTransitionError{OrderID: orderID, To: requested}
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.Status.Terminal() {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, To: requested}
	}

	lg := zctx.From(ctx).With(
		zap.String("order_id", orderID),
		zap.String("caller_id", caller.ID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(requested)),
	)

	// The claim is the cross-process guard: whoever holds it is the only
	// caller allowed to touch stock for this order.
	if o, err = s.orders.Claim(ctx, orderID); err != nil {
		if errors.Is(err, order.ErrStatusConflict) {
			lg.Info("Order is claimed by a concurrent transition")
			return nil, &InvalidTransitionError{OrderID: orderID, From: order.StatusPending, To: requested}
		}
		return nil, errors.Wrap(err, "claim order")
	}

	if requested == order.StatusCompleted {
		if err := s.ledger.ApplyDecrement(ctx, o); err != nil {
			if !s.reportPartialFailure(ctx, o.ID, err) {
				s.release(ctx, orderID)
			}
			return nil, err
		}
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, o.Status, requested)
	if err != nil {
		if requested == order.StatusCompleted {
			if rbErr := s.ledger.Revert(ctx, o, err); rbErr != nil {
				if !s.reportPartialFailure(ctx, o.ID, rbErr) {
					s.release(ctx, orderID)
				}
				return nil, rbErr
			}
		}
		s.release(ctx, orderID)
		if errors.Is(err, order.ErrStatusConflict) {
			lg.Info("Order transition lost a concurrent update")
			return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, To: requested}
		}
		return nil, errors.Wrap(err, "update status")
	}

	lg.Info("Order transitioned")
	s.publish(ctx, events.Event{
		Type:    events.TypeOrderStatusChanged,
		OrderID: orderID,
		From:    string(o.Status),
		To:      string(updated.Status),
	})
	return updated, nil
}

// release drops the claim so the order can be retried. It outlives request
// cancellation; a claim left behind blocks the order until cleared.
func (s *Service) release(ctx context.Context, orderID string) {
	if err := s.orders.Release(context.WithoutCancel(ctx), orderID); err != nil {
		zctx.From(ctx).Error("Release order claim failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

// reportPartialFailure publishes a reconciliation event when err is a
// partial failure and reports whether it was one. Such orders keep their claim
// so a retry cannot decrement on top of unreconciled stock.
func (s *Service) reportPartialFailure(ctx context.Context, orderID string, err error) bool {
	var pfe *inventory.PartialFailureError
	if !errors.As(err, &pfe) {
		return false
	}
	reason := ""
	if pfe.Cause != nil {
		reason = pfe.Cause.Error()
	}
	s.publish(ctx, events.Event{
		Type:     events.TypeReconciliationRequired,
		OrderID:  orderID,
		Products: pfe.Succeeded,
		Reason:   reason,
	})
	return true
}

// publish delivers e without failing the caller. The write outlives request
// cancellation since the transition already committed.
func (s *Service) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = s.now().UTC()
	if err := s.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		zctx.From(ctx).Warn("Publish event failed",
			zap.String("event_type", string(e.Type)),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
	}
}
