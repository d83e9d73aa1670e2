package product

import (
	"math"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// MinorUnits converts a major-unit amount to minor units. Amounts with more
// than two decimal places, negative amounts and amounts beyond int64 are
// rejected with ErrInvalidProduct.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(2)
	switch {
	case !minor.Equal(minor.Truncate(0)):
		return 0, errors.Wrapf(ErrInvalidProduct, "price %s has more than two decimal places", amount)
	case minor.IsNegative():
		return 0, errors.Wrapf(ErrInvalidProduct, "price %s must not be negative", amount)
	case minor.GreaterThan(maxMinor):
		return 0, errors.Wrapf(ErrInvalidProduct, "price %s is out of range", amount)
	}
	return minor.IntPart(), nil
}
