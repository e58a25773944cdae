package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an immutable non-negative amount in one currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney rejects negative amounts and empty currencies.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		return Money{}, NewValidationError("currency", "currency is required")
	}
	if amount.IsNegative() {
		return Money{}, NewValidationError("amount", fmt.Sprintf("negative amount %s %s", amount, cur))
	}
	return Money{Amount: amount, Currency: cur}, nil
}

// Zero returns an empty amount of currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: strings.ToUpper(currency)}
}

func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, currencyMismatch(m.Currency, o.Currency)
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub fails on mismatched currencies or when the result would be negative.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, currencyMismatch(m.Currency, o.Currency)
	}
	return NewMoney(m.Amount.Sub(o.Amount), m.Currency)
}

func (m Money) Mul(factor decimal.Decimal) (Money, error) {
	return NewMoney(m.Amount.Mul(factor), m.Currency)
}

func (m Money) IsZero() bool { return m.Amount.IsZero() }

func (m Money) GreaterThan(o Money) bool {
	return m.Currency == o.Currency && m.Amount.GreaterThan(o.Amount)
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// Price is the value of one unit of some base asset, quoted in Currency.
type Price struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

func NewPrice(value decimal.Decimal, currency string) (Price, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		return Price{}, NewValidationError("currency", "currency is required")
	}
	if value.IsNegative() {
		return Price{}, NewValidationError("price", fmt.Sprintf("negative price %s %s", value, cur))
	}
	return Price{Value: value, Currency: cur}, nil
}

// Cost returns quantity x price as Money in the quote currency.
func (p Price) Cost(quantity decimal.Decimal) (Money, error) {
	return NewMoney(p.Value.Mul(quantity), p.Currency)
}

func (p Price) String() string {
	return p.Value.String() + " " + p.Currency
}

func currencyMismatch(a, b string) error {
	return NewValidationError("currency", fmt.Sprintf("currency mismatch: %s vs %s", a, b))
}
