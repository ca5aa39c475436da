// Package money provides amount parsing and validation for the settlement
// engine. All amounts are fixed-point decimals with 8 fractional digits,
// matching the NUMERIC(24,8) columns in postgres.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits amounts are normalised to.
const Places = 8

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: amount must be positive")
)

// Parse converts a decimal string into an amount, rejecting malformed input.
// The zero amount is accepted; use ParsePositive for amounts that must be > 0.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -Places {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() < 0 {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// ParsePositive converts a decimal string into an amount that must be
// strictly greater than zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() == 0 {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// Format renders an amount with the canonical number of fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
