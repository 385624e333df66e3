// Package domain defines the core types of the decisioning engine: portfolio
// snapshots, market data, the product shelf, engine options, intents and
// results. The domain layer is pure and carries no infrastructure
// dependencies.
package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a currency-tagged fixed-point amount. All monetary values cross the
// engine boundary as Money; bare floats are forbidden.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney creates a Money value in the given currency.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// MoneyFromString parses an amount string into Money.
func MoneyFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return NewMoney(d, currency), nil
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. Currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Neg returns the negated amount.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsNegative reports whether the amount is negative.
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// String renders the amount and currency, e.g. "125.50 USD".
func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

// minorUnits maps ISO 4217 currencies with non-standard minor units.
// Everything else uses 2.
var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// MinorUnits returns the number of decimal places for a currency.
func MinorUnits(currency string) int32 {
	if u, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return u
	}
	return 2
}

// RoundToMinorUnits rounds an amount to the currency's minor units.
func RoundToMinorUnits(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}
