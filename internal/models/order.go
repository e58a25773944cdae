package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the uniform outcome of an execution attempt.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderFailed          OrderStatus = "FAILED"
)

// OrderKind distinguishes market and limit routing.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

// OrderResult is what the execution service hands back for every signal.
type OrderResult struct {
	OrderID           string              `json:"order_id"`
	Pair              TradingPair         `json:"pair"`
	Side              Side                `json:"side"`
	Kind              OrderKind           `json:"kind"`
	Status            OrderStatus         `json:"status"`
	RequestedQuantity decimal.Decimal     `json:"requested_quantity"`
	ExecutedQuantity  decimal.Decimal     `json:"executed_quantity"`
	RequestedPrice    decimal.NullDecimal `json:"requested_price"`
	ExecutedPrice     decimal.NullDecimal `json:"executed_price"`
	TotalCost         decimal.Decimal     `json:"total_cost"`
	Commission        decimal.Decimal     `json:"commission"`
	Slippage          decimal.Decimal     `json:"slippage"`
	Emergency         bool                `json:"emergency"`
	Strategy          string              `json:"strategy,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}

// Succeeded reports a fill (full or partial).
func (r OrderResult) Succeeded() bool {
	return r.Status == OrderFilled || r.Status == OrderPartiallyFilled
}

// IsFullyFilled reports executed >= requested.
func (r OrderResult) IsFullyFilled() bool {
	return r.ExecutedQuantity.GreaterThanOrEqual(r.RequestedQuantity)
}

// Trade converts a filled result into the trade applied to positions and balances.
func (r OrderResult) Trade() (Trade, bool) {
	if !r.Succeeded() || !r.ExecutedQuantity.IsPositive() || !r.ExecutedPrice.Valid {
		return Trade{}, false
	}
	return Trade{
		ID:         r.OrderID,
		Pair:       r.Pair,
		Side:       r.Side,
		Quantity:   r.ExecutedQuantity,
		Price:      r.ExecutedPrice.Decimal,
		Commission: r.Commission,
		TotalCost:  r.TotalCost,
		Strategy:   r.Strategy,
		Emergency:  r.Emergency,
		Timestamp:  r.Timestamp,
	}, true
}
