package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketData is one snapshot of a pair as seen by strategies and the
// emergency watchdog.
type MarketData struct {
	Pair             TradingPair     `json:"pair"`
	Price            decimal.Decimal `json:"price"`
	Bid              decimal.Decimal `json:"bid"`
	Ask              decimal.Decimal `json:"ask"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	Change24hPercent float64         `json:"change_24h_percent"`
	Volatility       float64         `json:"volatility"`
	BTCChange24h     float64         `json:"btc_change_24h"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Spread is ask - bid.
func (m MarketData) Spread() decimal.Decimal {
	return m.Ask.Sub(m.Bid)
}
