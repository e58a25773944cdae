package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"doge-trader/internal/indicators"
	"doge-trader/internal/models"
)

// RSIStrategy buys when RSI drops below the oversold threshold and sells
// an open position when RSI rises above the overbought threshold.
type RSIStrategy struct {
	period              int
	oversoldThreshold   float64
	overboughtThreshold float64
	size                decimal.Decimal

	prices     *indicators.Series
	rsi        float64
	prevSignal models.SignalType
}

// RSIParams are the YAML parameters of the rsi strategy.
type RSIParams struct {
	Period     int             `yaml:"period"`
	Oversold   float64         `yaml:"oversold"`
	Overbought float64         `yaml:"overbought"`
	Size       decimal.Decimal `yaml:"size"`
}

// NewRSIStrategy creates a new RSI strategy.
func NewRSIStrategy(period int, oversold, overbought float64, size decimal.Decimal) (*RSIStrategy, error) {
	if period < 2 {
		return nil, models.NewValidationError("period", "rsi period must be at least 2")
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, models.NewValidationError("thresholds", fmt.Sprintf("invalid rsi thresholds %.1f/%.1f", oversold, overbought))
	}
	if !size.IsPositive() {
		return nil, models.NewValidationError("size", "order size must be positive")
	}
	return &RSIStrategy{
		period:              period,
		oversoldThreshold:   oversold,
		overboughtThreshold: overbought,
		size:                size,
		prices:              indicators.NewSeries(period + 1),
		prevSignal:          models.SignalHold,
	}, nil
}

func (s *RSIStrategy) Name() string {
	return fmt.Sprintf("RSI_%d", s.period)
}

func (s *RSIStrategy) CanExecute(md models.MarketData) bool {
	return md.Price.IsPositive()
}

// RSIState defines the serializable state for RSIStrategy
type RSIState struct {
	PrevSignal models.SignalType `json:"prev_signal"`
	RSI        float64           `json:"rsi"`
	Prices     []float64         `json:"prices"`
}

func (s *RSIStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(RSIState{PrevSignal: s.prevSignal, RSI: s.rsi, Prices: s.prices.Values()})
}

func (s *RSIStrategy) SetState(data json.RawMessage) error {
	var state RSIState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.rsi = state.RSI
	s.prices.Reset()
	for _, p := range state.Prices {
		s.prices.Push(p)
	}
	return nil
}

func (s *RSIStrategy) Analyze(_ context.Context, md models.MarketData, pos *models.Position) (models.TradeSignal, error) {
	if !md.Price.IsPositive() {
		return models.TradeSignal{}, fmt.Errorf("non-positive price %s", md.Price)
	}
	if s.prices.Push(md.Price.InexactFloat64()) < s.period+1 {
		return models.TradeSignal{}, nil
	}
	s.rsi = indicators.RSI(s.prices.Values(), s.period)

	sig := s.generateSignal(md, pos)
	if sig.Type != models.SignalHold && sig.Type == s.prevSignal {
		return neutral(md, 0.5, s.Name(), fmt.Sprintf("RSI %.2f, %s already signalled", s.rsi, sig.Type)), nil
	}
	s.prevSignal = sig.Type
	return sig, nil
}

func (s *RSIStrategy) generateSignal(md models.MarketData, pos *models.Position) models.TradeSignal {
	// Oversold: BUY signal
	if s.rsi < s.oversoldThreshold {
		depth := (s.oversoldThreshold - s.rsi) / s.oversoldThreshold
		return newSignal(models.SignalBuy, md, s.size, 0.6+0.4*depth, s.Name(),
			fmt.Sprintf("RSI oversold: %.2f < %.2f", s.rsi, s.oversoldThreshold))
	}

	// Overbought: SELL what we hold
	if s.rsi > s.overboughtThreshold {
		if qty := sellable(pos, s.size); qty.IsPositive() {
			depth := (s.rsi - s.overboughtThreshold) / (100 - s.overboughtThreshold)
			return newSignal(models.SignalSell, md, qty, 0.6+0.4*depth, s.Name(),
				fmt.Sprintf("RSI overbought: %.2f > %.2f", s.rsi, s.overboughtThreshold))
		}
	}

	return neutral(md, 0.5, s.Name(), fmt.Sprintf("RSI neutral: %.2f", s.rsi))
}
