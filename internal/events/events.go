// Package events publishes order lifecycle notifications.
package events

import (
	"context"
	"time"

	"github.com/go-faster/jx"
)

// Type identifies an event kind.
type Type string

const (
	// TypeOrderStatusChanged is emitted after an order transition commits.
	TypeOrderStatusChanged Type = "order.status_changed"
	// TypeReconciliationRequired is emitted when a stock rollback was incomplete.
	TypeReconciliationRequired Type = "inventory.reconciliation_required"
)

// Event is a single notification keyed by order id.
type Event struct {
	Type       Type
	OrderID    string
	From       string
	To         string
	Products   []string
	Reason     string
	OccurredAt time.Time
}

// Encode writes e as a JSON object.
func (e Event) Encode(enc *jx.Encoder) {
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("type", func(enc *jx.Encoder) { enc.Str(string(e.Type)) })
		enc.Field("order_id", func(enc *jx.Encoder) { enc.Str(e.OrderID) })
		if e.From != "" {
			enc.Field("from", func(enc *jx.Encoder) { enc.Str(e.From) })
		}
		if e.To != "" {
			enc.Field("to", func(enc *jx.Encoder) { enc.Str(e.To) })
		}
		if len(e.Products) > 0 {
			enc.Field("products", func(enc *jx.Encoder) {
				enc.Arr(func(enc *jx.Encoder) {
					for _, id := range e.Products {
						enc.Str(id)
					}
				})
			})
		}
		if e.Reason != "" {
			enc.Field("reason", func(enc *jx.Encoder) { enc.Str(e.Reason) })
		}
		enc.Field("occurred_at", func(enc *jx.Encoder) {
			enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
		})
	})
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }
