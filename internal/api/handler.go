// Package api exposes the fulfillment engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// APIKeyHeader carries the raw API key.
const APIKeyHeader = "X-API-Key"

const maxBodyBytes = 1 << 20

// Orders creates and reads orders on behalf of a caller.
type Orders interface {
	Create(ctx context.Context, ownerID string, lines []order.Line) (*order.Order, error)
	Get(ctx context.Context, id string, caller auth.Caller) (*order.Order, error)
	List(ctx context.Context, filter order.Filter, caller auth.Caller) ([]order.Order, error)
}

// Fulfillment transitions orders.
type Fulfillment interface {
	Transition(ctx context.Context, orderID string, requested order.Status, caller auth.Caller) (*order.Order, error)
}

// Config holds non-dependency handler settings.
type Config struct {
	// APIKeyPepper keys the HMAC used to hash incoming API keys.
	APIKeyPepper []byte
}

// Handler serves the /api routes.
type Handler struct {
	products    product.Repository
	orders      Orders
	fulfillment Fulfillment
	keys        auth.Repository
	pepper      []byte
}

// NewHandler constructs a Handler.
func NewHandler(
	cfg Config,
	products product.Repository,
	orders Orders,
	fulfillment Fulfillment,
	keys auth.Repository,
) *Handler {
	return &Handler{
		products:    products,
		orders:      orders,
		fulfillment: fulfillment,
		keys:        keys,
		pepper:      cfg.APIKeyPepper,
	}
}

// Mount registers every route under r. Callers mount it at /api.
func (h *Handler) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)

		r.Get("/products", h.listProducts)
		r.Get("/products/{id}", h.getProduct)

		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Put("/products", h.upsertProduct)
			r.Delete("/products/{id}", h.deleteProduct)
			r.Post("/orders/{id}/status", h.transitionOrder)
		})
	})
}

// callerOf returns the caller set by Authenticate.
func callerOf(r *http.Request) auth.Caller {
	c, _ := auth.CallerFrom(r.Context())
	return c
}
