package order

import (
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

var (
	simSlippage      = decimal.RequireFromString("0.001")
	marketCommission = decimal.RequireFromString("0.003")
	limitCommission  = decimal.RequireFromString("0.002")
	// fallbackPrice stands in for a market price when a simulated market
	// order carries none.
	fallbackPrice = decimal.RequireFromString("0.1")
)

type fillRequest struct {
	id     string
	signal models.TradeSignal
	side   models.Side
	kind   models.OrderKind
	at     time.Time
}

// simulateFill is the SIMULATION mode fill: market orders move 0.1% against
// the order and pay 0.3% commission, limit orders fill at their price and
// pay 0.2%.
func simulateFill(r fillRequest) models.OrderResult {
	if r.kind == models.KindLimit {
		return filled(r, r.signal.Quantity, r.signal.PriceOrZero(), limitCommission, decimal.Zero)
	}

	reference := fallbackPrice
	if r.signal.HasPrice() {
		reference = r.signal.Price.Decimal
	}
	price := reference.Mul(decimal.NewFromInt(1).Add(simSlippage))
	if r.side == models.SideSell {
		price = reference.Mul(decimal.NewFromInt(1).Sub(simSlippage))
	}
	return filled(r, r.signal.Quantity, price, marketCommission, simSlippage)
}

// paperFill fills against a live quote. Market orders take the touch, limit
// orders fill at their price only when marketable and otherwise rest.
func paperFill(r fillRequest, md models.MarketData) models.OrderResult {
	touch := md.Price
	if r.side == models.SideBuy && md.Ask.IsPositive() {
		touch = md.Ask
	}
	if r.side == models.SideSell && md.Bid.IsPositive() {
		touch = md.Bid
	}

	if r.kind == models.KindLimit {
		limit := r.signal.PriceOrZero()
		marketable := (r.side == models.SideBuy && touch.LessThanOrEqual(limit)) ||
			(r.side == models.SideSell && touch.GreaterThanOrEqual(limit))
		if !marketable {
			return pending(r)
		}
		return filled(r, r.signal.Quantity, limit, limitCommission, decimal.Zero)
	}

	slippage := decimal.Zero
	if r.signal.HasPrice() {
		slippage = relativeDiff(touch, r.signal.Price.Decimal)
	}
	return filled(r, r.signal.Quantity, touch, marketCommission, slippage)
}

func filled(r fillRequest, qty, price, commissionRate, slippage decimal.Decimal) models.OrderResult {
	total := qty.Mul(price)
	return models.OrderResult{
		OrderID:           r.id,
		Pair:              r.signal.Pair,
		Side:              r.side,
		Kind:              r.kind,
		Status:            models.OrderFilled,
		RequestedQuantity: r.signal.Quantity,
		ExecutedQuantity:  qty,
		RequestedPrice:    r.signal.Price,
		ExecutedPrice:     decimal.NewNullDecimal(price),
		TotalCost:         total,
		Commission:        total.Mul(commissionRate),
		Slippage:          slippage,
		Timestamp:         r.at,
	}
}

func pending(r fillRequest) models.OrderResult {
	return models.OrderResult{
		OrderID:           r.id,
		Pair:              r.signal.Pair,
		Side:              r.side,
		Kind:              r.kind,
		Status:            models.OrderPending,
		RequestedQuantity: r.signal.Quantity,
		ExecutedQuantity:  decimal.Zero,
		RequestedPrice:    r.signal.Price,
		Timestamp:         r.at,
	}
}

func failed(r fillRequest, msg string) models.OrderResult {
	res := pending(r)
	res.Status = models.OrderFailed
	res.ErrorMessage = msg
	return res
}

// relativeDiff is |a-b|/b.
func relativeDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(b)
}
