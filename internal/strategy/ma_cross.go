package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"doge-trader/internal/indicators"
	"doge-trader/internal/models"
)

// MACrossStrategy implements a simple moving average crossover strategy.
// Generates BUY signal when fast MA crosses above slow MA (golden cross).
// Generates SELL signal when fast MA crosses below slow MA (death cross).
type MACrossStrategy struct {
	fastPeriod int
	slowPeriod int
	size       decimal.Decimal

	fastMA float64
	slowMA float64
	primed bool
	prices *indicators.Series
}

// MACrossParams are the YAML parameters of the ma_cross strategy.
type MACrossParams struct {
	Fast int             `yaml:"fast"`
	Slow int             `yaml:"slow"`
	Size decimal.Decimal `yaml:"size"`
}

// NewMACrossStrategy creates a new MA cross strategy.
func NewMACrossStrategy(fastPeriod, slowPeriod int, size decimal.Decimal) (*MACrossStrategy, error) {
	if fastPeriod < 1 || slowPeriod <= fastPeriod {
		return nil, models.NewValidationError("periods", fmt.Sprintf("need 0 < fast < slow, got %d/%d", fastPeriod, slowPeriod))
	}
	if !size.IsPositive() {
		return nil, models.NewValidationError("size", "order size must be positive")
	}
	return &MACrossStrategy{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		size:       size,
		prices:     indicators.NewSeries(slowPeriod),
	}, nil
}

func (s *MACrossStrategy) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACrossStrategy) CanExecute(md models.MarketData) bool {
	return md.Price.IsPositive()
}

// MACrossState defines the serializable state for MACrossStrategy
type MACrossState struct {
	FastMA float64   `json:"fast_ma"`
	SlowMA float64   `json:"slow_ma"`
	Primed bool      `json:"primed"`
	Prices []float64 `json:"prices"`
}

func (s *MACrossStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(MACrossState{FastMA: s.fastMA, SlowMA: s.slowMA, Primed: s.primed, Prices: s.prices.Values()})
}

func (s *MACrossStrategy) SetState(data json.RawMessage) error {
	var state MACrossState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.fastMA = state.FastMA
	s.slowMA = state.SlowMA
	s.primed = state.Primed
	s.prices.Reset()
	for _, p := range state.Prices {
		s.prices.Push(p)
	}
	return nil
}

func (s *MACrossStrategy) Analyze(_ context.Context, md models.MarketData, pos *models.Position) (models.TradeSignal, error) {
	if !md.Price.IsPositive() {
		return models.TradeSignal{}, fmt.Errorf("non-positive price %s", md.Price)
	}
	// Need enough data for slow MA
	if s.prices.Push(md.Price.InexactFloat64()) < s.slowPeriod {
		return models.TradeSignal{}, nil
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	values := s.prices.Values()
	s.fastMA = indicators.SMA(values, s.fastPeriod)
	s.slowMA = indicators.SMA(values, s.slowPeriod)
	if !s.primed {
		s.primed = true
		return models.TradeSignal{}, nil
	}

	return s.detectCross(oldFast, oldSlow, md, pos), nil
}

func (s *MACrossStrategy) detectCross(oldFast, oldSlow float64, md models.MarketData, pos *models.Position) models.TradeSignal {
	confidence := 0.6
	if s.slowMA > 0 {
		confidence += math.Min(0.4, math.Abs(s.fastMA-s.slowMA)/s.slowMA*10)
	}

	// Golden cross: fast MA crosses above slow MA
	if oldFast <= oldSlow && s.fastMA > s.slowMA {
		return newSignal(models.SignalBuy, md, s.size, confidence, s.Name(),
			fmt.Sprintf("Golden cross: MA%d(%.5f) > MA%d(%.5f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA))
	}

	// Death cross: fast MA crosses below slow MA
	if oldFast >= oldSlow && s.fastMA < s.slowMA {
		if qty := sellable(pos, s.size); qty.IsPositive() {
			return newSignal(models.SignalSell, md, qty, confidence, s.Name(),
				fmt.Sprintf("Death cross: MA%d(%.5f) < MA%d(%.5f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA))
		}
	}

	return neutral(md, 0.5, s.Name(), fmt.Sprintf("no cross: MA%d %.5f, MA%d %.5f", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA))
}
