package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is one executed fill applied to a position.
type Trade struct {
	ID         string          `json:"id"`
	Pair       TradingPair     `json:"pair"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	Strategy   string          `json:"strategy,omitempty"`
	Emergency  bool            `json:"emergency,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks the fields Apply relies on.
func (t Trade) Validate() error {
	if t.Pair.IsZero() {
		return NewValidationError("pair", "trade pair is required")
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return NewValidationError("side", fmt.Sprintf("unknown side %q", t.Side))
	}
	if !t.Quantity.IsPositive() {
		return NewValidationError("quantity", "trade quantity must be positive")
	}
	if !t.Price.IsPositive() {
		return NewValidationError("price", "trade price must be positive")
	}
	return nil
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionEmpty   PositionStatus = "EMPTY"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// Position is the holding of one base currency. Quantity never goes
// negative and a flat position always has zero average price and cost.
type Position struct {
	Currency     string          `json:"currency"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	Status       PositionStatus  `json:"status"`
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Trades       []Trade         `json:"trades,omitempty"`
}

// NewPosition returns an empty position for currency.
func NewPosition(currency string) *Position {
	return &Position{
		Currency: strings.ToUpper(currency),
		Status:   PositionEmpty,
	}
}

// IsEmpty reports a flat position.
func (p *Position) IsEmpty() bool {
	return p == nil || !p.Quantity.IsPositive()
}

// Apply mutates the position with one trade. Buys recompute the weighted
// average price; sells reduce cost basis proportionally. Overselling is
// clamped at zero.
func (p *Position) Apply(t Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Pair.Base != p.Currency {
		return NewValidationError("pair", fmt.Sprintf("trade for %s applied to %s position", t.Pair.Base, p.Currency))
	}

	switch t.Side {
	case SideBuy:
		if p.IsEmpty() {
			p.OpenedAt = t.Timestamp
		}
		p.Quantity = p.Quantity.Add(t.Quantity)
		p.TotalCost = p.TotalCost.Add(t.Quantity.Mul(t.Price))
		p.AveragePrice = p.TotalCost.Div(p.Quantity)
		p.Status = PositionOpen
	case SideSell:
		sold := decimal.Min(t.Quantity, p.Quantity)
		if p.Quantity.IsPositive() {
			ratio := sold.Div(p.Quantity)
			p.TotalCost = p.TotalCost.Sub(p.TotalCost.Mul(ratio))
		}
		p.Quantity = p.Quantity.Sub(sold)
		if p.IsEmpty() {
			p.Quantity = decimal.Zero
			p.AveragePrice = decimal.Zero
			p.TotalCost = decimal.Zero
			if p.Status != PositionEmpty {
				p.Status = PositionClosed
			}
		}
	}

	p.UpdatedAt = t.Timestamp
	p.Trades = append(p.Trades, t)
	return nil
}

// Value is quantity x price.
func (p *Position) Value(price decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Mul(price)
}

// PnL is the unrealized profit at price.
func (p *Position) PnL(price decimal.Decimal) decimal.Decimal {
	if p.IsEmpty() {
		return decimal.Zero
	}
	return price.Sub(p.AveragePrice).Mul(p.Quantity)
}

// PnLPercent is (price - avg) / avg x 100.
func (p *Position) PnLPercent(price decimal.Decimal) decimal.Decimal {
	if p.IsEmpty() || !p.AveragePrice.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.AveragePrice).Div(p.AveragePrice).Mul(decimal.NewFromInt(100))
}

// Clone returns a deep copy safe to hand to readers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Trades = append([]Trade(nil), p.Trades...)
	return &cp
}
