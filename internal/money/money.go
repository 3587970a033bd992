// Package money centralizes the decimal arithmetic rules shared by the
// execution engine, the ledger, and the accountant. All rounding in the
// system is truncation toward zero: 8 decimal places for prices and
// quantities, 2 decimal places for USD amounts.
package money

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

const (
	// PricePrecision is the number of decimal places kept on prices and quantities.
	PricePrecision = 8

	// USDPrecision is the number of decimal places kept on USD amounts.
	USDPrecision = 2
)

// Epsilon is the quantity comparison tolerance. Residual quantities at or
// below this threshold are treated as zero.
var Epsilon = decimal.New(1, -8)

// Parse converts a decimal string into a Decimal, rejecting malformed input.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid decimal %q", s)
	}

	return d, nil
}

// MustParse converts a decimal string, panicking on malformed input.
// Only for constants and tests.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// FromFloat converts a float into a Decimal. NaN and infinities cannot be
// represented and return (zero, false) so callers can degrade instead of
// corrupting stored amounts.
func FromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}

	return decimal.NewFromFloat(f), true
}

// TruncatePrice truncates a price or quantity to 8 decimal places.
func TruncatePrice(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PricePrecision)
}

// TruncateUSD truncates a USD amount to 2 decimal places.
func TruncateUSD(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(USDPrecision)
}

// IsZeroQty reports whether a quantity is zero within Epsilon.
func IsZeroQty(qty decimal.Decimal) bool {
	return qty.Abs().LessThanOrEqual(Epsilon)
}

// QtyEqual reports whether two quantities are equal within Epsilon.
func QtyEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// IsPositiveQty reports whether a quantity is meaningfully above zero.
func IsPositiveQty(qty decimal.Decimal) bool {
	return qty.GreaterThan(Epsilon)
}
