package order

import (
	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

// RealizedPnL computes the profit of closing qty opened at entry and closed
// at exit, net of fee. side is the side of the opening trade.
func RealizedPnL(side models.Side, qty, entry, exit, fee decimal.Decimal) decimal.Decimal {
	q := qty.Abs()
	if q.IsZero() {
		return decimal.Zero
	}
	var pnl decimal.Decimal
	if side == models.SideBuy {
		pnl = exit.Sub(entry).Mul(q)
	} else {
		pnl = entry.Sub(exit).Mul(q)
	}
	return pnl.Sub(fee)
}
