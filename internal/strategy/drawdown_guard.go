package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
)

// DrawdownGuard asks for an emergency exit of the whole position once its
// loss reaches the threshold. It abstains otherwise.
type DrawdownGuard struct {
	thresholdPct decimal.Decimal
}

// DrawdownGuardParams are the YAML parameters of the drawdown_guard strategy.
type DrawdownGuardParams struct {
	ThresholdPct decimal.Decimal `yaml:"threshold_pct"`
}

func NewDrawdownGuard(thresholdPct decimal.Decimal) (*DrawdownGuard, error) {
	if !thresholdPct.IsPositive() || thresholdPct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, models.NewValidationError("threshold_pct", "threshold must be in (0,100]")
	}
	return &DrawdownGuard{thresholdPct: thresholdPct}, nil
}

func (g *DrawdownGuard) Name() string {
	return fmt.Sprintf("Drawdown_Guard_%s", g.thresholdPct.String())
}

func (g *DrawdownGuard) CanExecute(md models.MarketData) bool {
	return md.Price.IsPositive()
}

func (g *DrawdownGuard) Analyze(_ context.Context, md models.MarketData, pos *models.Position) (models.TradeSignal, error) {
	if pos == nil || pos.IsEmpty() {
		return models.TradeSignal{}, nil
	}
	pnl := pos.PnLPercent(md.Price)
	if pnl.GreaterThan(g.thresholdPct.Neg()) {
		return models.TradeSignal{}, nil
	}
	sig := newSignal(models.SignalEmergencyExit, md, pos.Quantity, 1, g.Name(),
		fmt.Sprintf("position loss %s%% breaches -%s%%", pnl.StringFixed(2), g.thresholdPct.String()))
	sig.RiskLevel = models.RiskCritical
	return sig, nil
}
