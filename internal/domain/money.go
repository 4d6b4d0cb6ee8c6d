package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for balances, prices and
// asset amounts.
const Scale = 8

// MaxIntegerDigits bounds the integer part of any stored value; storage
// columns are decimal(36,8).
const MaxIntegerDigits = 28

// MinQuantity is the smallest positive value representable at Scale.
var MinQuantity = decimal.New(1, -Scale)

// MaxQuantity is the largest value representable at Scale within
// MaxIntegerDigits.
var MaxQuantity = decimal.New(1, MaxIntegerDigits).Sub(MinQuantity)

// ParseQuantity parses a decimal string and rejects values carrying more
// than Scale fractional digits or more than MaxIntegerDigits integer
// digits. Sign is not checked here.
func ParseQuantity(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a decimal number", s)
	}
	if d.IsZero() {
		return decimal.Zero, nil
	}
	// Bounds are checked on digits and exponent before any rescaling, which
	// costs time proportional to the exponent.
	digits, exp := int64(d.NumDigits()), int64(d.Exponent())
	if digits+exp > MaxIntegerDigits {
		return decimal.Zero, fmt.Errorf("values must have at most %d integer digits", MaxIntegerDigits)
	}
	if -exp-Scale > digits {
		return decimal.Zero, fmt.Errorf("values must have at most %d decimal places", Scale)
	}
	if !d.Equal(d.Truncate(Scale)) {
		return decimal.Zero, fmt.Errorf("values must have at most %d decimal places", Scale)
	}
	return d, nil
}

// WithinRange reports whether |d| fits the storage bounds.
func WithinRange(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxQuantity)
}

// Mul multiplies a by b and truncates the product to Scale.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Notional returns the quote-currency value of amount units at price.
func Notional(price, amount decimal.Decimal) decimal.Decimal {
	return Mul(price, amount)
}

// FormatQuantity renders d with exactly Scale fractional digits.
func FormatQuantity(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
