package api

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/fulfillment"
	"github.com/xenking/kart-fulfillment/internal/domain/inventory"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// badRequestError marks a malformed request body or query.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }

func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &badRequestError{err: err} }

// apiError is the rendered form of a domain error.
type apiError struct {
	status  int
	code    string
	message string
	extra   func(e *jx.Encoder)
}

func classify(err error) apiError {
	var (
		bad *badRequestError
		pfe *inventory.PartialFailureError
		ise *product.InsufficientStockError
		pme *inventory.ProductMissingError
		ite *fulfillment.InvalidTransitionError
		ipe *order.InvalidProductError
		iqe *order.InvalidQuantityError
	)
	switch {
	case errors.As(err, &bad):
		return apiError{status: http.StatusBadRequest, code: "bad_request", message: bad.Error()}
	case errors.Is(err, errMissingKey), errors.Is(err, errInvalidKey):
		return apiError{status: http.StatusUnauthorized, code: "unauthorized", message: err.Error()}
	case errors.Is(err, errForbidden), errors.Is(err, fulfillment.ErrUnauthorized):
		return apiError{status: http.StatusForbidden, code: "forbidden", message: "admin scope required"}

	// Partial failure wraps store errors, so it is matched before them.
	case errors.As(err, &pfe):
		return apiError{
			status:  http.StatusInternalServerError,
			code:    "partial_failure",
			message: "inventory rollback incomplete",
			extra: func(e *jx.Encoder) {
				e.Field("reconciliation_required", func(e *jx.Encoder) { e.Bool(true) })
				e.Field("order_id", func(e *jx.Encoder) { e.Str(pfe.OrderID) })
				e.Field("products", func(e *jx.Encoder) { encodeStrings(e, pfe.Succeeded) })
			},
		}
	case errors.As(err, &ise):
		return apiError{
			status:  http.StatusConflict,
			code:    "insufficient_stock",
			message: ise.Error(),
			extra: func(e *jx.Encoder) {
				e.Field("product_id", func(e *jx.Encoder) { e.Str(ise.ProductID) })
				e.Field("requested", func(e *jx.Encoder) { e.Int64(ise.Requested) })
				e.Field("available", func(e *jx.Encoder) { e.Int64(ise.Available) })
			},
		}
	case errors.As(err, &pme):
		return apiError{
			status:  http.StatusConflict,
			code:    "product_missing",
			message: pme.Error(),
			extra: func(e *jx.Encoder) {
				e.Field("product_id", func(e *jx.Encoder) { e.Str(pme.ProductID) })
			},
		}
	case errors.As(err, &ite):
		return apiError{status: http.StatusConflict, code: "invalid_transition", message: ite.Error()}
	case errors.As(err, &ipe):
		return apiError{status: http.StatusUnprocessableEntity, code: "invalid_product", message: ipe.Error()}
	case errors.As(err, &iqe):
		return apiError{status: http.StatusUnprocessableEntity, code: "invalid_quantity", message: iqe.Error()}
	case errors.Is(err, order.ErrEmptyLines),
		errors.Is(err, order.ErrInvalidOwner),
		errors.Is(err, product.ErrInvalidProduct):
		return apiError{status: http.StatusUnprocessableEntity, code: "validation_failed", message: err.Error()}
	case errors.Is(err, product.ErrNotFound):
		return apiError{status: http.StatusNotFound, code: "not_found", message: "product not found"}
	case errors.Is(err, order.ErrNotFound):
		return apiError{status: http.StatusNotFound, code: "not_found", message: "order not found"}
	default:
		return apiError{status: http.StatusInternalServerError, code: "internal", message: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	if ae.status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("code", ae.code),
			zap.Error(err),
		)
	}
	writeJSON(w, ae.status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("error", func(e *jx.Encoder) { e.Str(ae.code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(ae.message) })
			if ae.extra != nil {
				ae.extra(e)
			}
		})
	})
}

func errUnknownStatus(s order.Status) error {
	return errors.Errorf("unknown status %q", s)
}
