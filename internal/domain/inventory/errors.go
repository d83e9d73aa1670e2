package inventory

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

var (
	// ErrProductMissing is matched by every *ProductMissingError.
	ErrProductMissing = errors.New("product missing")
	// ErrPartialFailure is matched by every *PartialFailureError.
	ErrPartialFailure = errors.New("inventory rollback incomplete")
)

// ProductMissingError reports an order line whose product no longer exists.
type ProductMissingError struct {
	ProductID string
}

func (e *ProductMissingError) Error() string {
	return fmt.Sprintf("product %s missing", e.ProductID)
}

// Is reports whether target is ErrProductMissing or product.ErrNotFound.
func (e *ProductMissingError) Is(target error) bool {
	return target == ErrProductMissing || target == product.ErrNotFound
}

// PartialFailureError reports that compensation could not restore every
// decrement of an order. The listed products stay decremented and need manual
// reconciliation.
type PartialFailureError struct {
	OrderID string
	// Succeeded lists products whose decrement is still applied.
	Succeeded []string
	// Failed is the product whose line triggered the rollback. Empty when the
	// rollback was triggered by a lost status update.
	Failed string
	// Cause is the error that triggered the rollback.
	Cause error
	// Rollback holds the compensation errors.
	Rollback error
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "order %s: %s: products [%s] still decremented",
		e.OrderID, ErrPartialFailure, strings.Join(e.Succeeded, ", "))
	if e.Failed != "" {
		fmt.Fprintf(&b, " after product %s failed", e.Failed)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Is reports whether target is ErrPartialFailure.
func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Rollback
}
