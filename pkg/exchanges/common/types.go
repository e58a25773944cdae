package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the bot routes.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string // optional client order id
}

// OrderAck is the exchange's answer to a create or status call.
type OrderAck struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Commission      decimal.Decimal
	UpdatedAt       time.Time
}

// Balance is one asset's wallet entry.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total is free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Ticker is a top-of-book snapshot.
type Ticker struct {
	Symbol           string
	Last             decimal.Decimal
	Bid              decimal.Decimal
	Ask              decimal.Decimal
	Volume24h        decimal.Decimal
	Change24hPercent float64
	Time             time.Time
}
