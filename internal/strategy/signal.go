package strategy

import (
	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

func newSignal(t models.SignalType, md models.MarketData, qty decimal.Decimal, confidence float64, name, reason string) models.TradeSignal {
	sig := models.TradeSignal{
		Type:         t,
		Pair:         md.Pair,
		Quantity:     qty,
		Confidence:   clamp01(confidence),
		StrategyName: name,
		Reason:       reason,
		Timestamp:    md.Timestamp,
		Metadata:     map[string]float64{"volatility": md.Volatility},
	}
	if md.Price.IsPositive() {
		sig = sig.WithPrice(md.Price)
	}
	return sig
}

func neutral(md models.MarketData, confidence float64, name, reason string) models.TradeSignal {
	return newSignal(models.SignalHold, md, decimal.Zero, confidence, name, reason)
}

// sellable caps qty at what the position holds. Zero means nothing to sell.
func sellable(pos *models.Position, qty decimal.Decimal) decimal.Decimal {
	if pos == nil || pos.IsEmpty() {
		return decimal.Zero
	}
	return decimal.Min(qty, pos.Quantity)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
