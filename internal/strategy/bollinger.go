package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"doge-trader/internal/indicators"
	"doge-trader/internal/models"
)

// BollingerStrategy implements Bollinger Bands breakout strategy.
// BUY when price touches/breaks below lower band
// SELL when price touches/breaks above upper band
type BollingerStrategy struct {
	period    int     // Period for MA and std dev (typically 20)
	numStdDev float64 // Number of standard deviations (typically 2.0)
	size      decimal.Decimal

	prices     *indicators.Series
	middleBand float64
	upperBand  float64
	lowerBand  float64
	prevSignal models.SignalType
}

// BollingerParams are the YAML parameters of the bollinger strategy.
type BollingerParams struct {
	Period    int             `yaml:"period"`
	NumStdDev float64         `yaml:"std_dev"`
	Size      decimal.Decimal `yaml:"size"`
}

// NewBollingerStrategy creates a new Bollinger Bands strategy.
func NewBollingerStrategy(period int, numStdDev float64, size decimal.Decimal) (*BollingerStrategy, error) {
	if period < 2 || numStdDev <= 0 {
		return nil, models.NewValidationError("bands", fmt.Sprintf("invalid bollinger settings %d/%.1f", period, numStdDev))
	}
	if !size.IsPositive() {
		return nil, models.NewValidationError("size", "order size must be positive")
	}
	return &BollingerStrategy{
		period:     period,
		numStdDev:  numStdDev,
		size:       size,
		prices:     indicators.NewSeries(period),
		prevSignal: models.SignalHold,
	}, nil
}

func (s *BollingerStrategy) Name() string {
	return fmt.Sprintf("Bollinger_%d_%.1f", s.period, s.numStdDev)
}

func (s *BollingerStrategy) CanExecute(md models.MarketData) bool {
	return md.Price.IsPositive()
}

// BollingerState defines the serializable state for BollingerStrategy
type BollingerState struct {
	PrevSignal models.SignalType `json:"prev_signal"`
	Prices     []float64         `json:"prices"`
}

func (s *BollingerStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(BollingerState{PrevSignal: s.prevSignal, Prices: s.prices.Values()})
}

func (s *BollingerStrategy) SetState(data json.RawMessage) error {
	var state BollingerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.prices.Reset()
	for _, p := range state.Prices {
		s.prices.Push(p)
	}
	return nil
}

func (s *BollingerStrategy) Analyze(_ context.Context, md models.MarketData, pos *models.Position) (models.TradeSignal, error) {
	if !md.Price.IsPositive() {
		return models.TradeSignal{}, fmt.Errorf("non-positive price %s", md.Price)
	}
	price := md.Price.InexactFloat64()
	if s.prices.Push(price) < s.period {
		return models.TradeSignal{}, nil
	}
	s.middleBand, s.upperBand, s.lowerBand = indicators.Bollinger(s.prices.Values(), s.period, s.numStdDev)

	sig := s.generateSignal(price, md, pos)
	if sig.Type != models.SignalHold && sig.Type == s.prevSignal {
		return neutral(md, 0.5, s.Name(), fmt.Sprintf("%s already signalled", sig.Type)), nil
	}
	s.prevSignal = sig.Type
	return sig, nil
}

func (s *BollingerStrategy) generateSignal(price float64, md models.MarketData, pos *models.Position) models.TradeSignal {
	width := s.upperBand - s.lowerBand

	// Price touches/breaks lower band: BUY (oversold)
	if width > 0 && price <= s.lowerBand {
		return newSignal(models.SignalBuy, md, s.size, 0.6+0.4*(s.lowerBand-price)/width, s.Name(),
			fmt.Sprintf("BB lower breakout: price %.5f <= lower %.5f", price, s.lowerBand))
	}

	// Price touches/breaks upper band: SELL (overbought)
	if width > 0 && price >= s.upperBand {
		if qty := sellable(pos, s.size); qty.IsPositive() {
			return newSignal(models.SignalSell, md, qty, 0.6+0.4*(price-s.upperBand)/width, s.Name(),
				fmt.Sprintf("BB upper breakout: price %.5f >= upper %.5f", price, s.upperBand))
		}
	}

	// Price in middle zone
	return neutral(md, 0.5, s.Name(), fmt.Sprintf("BB middle: %.5f < price %.5f < %.5f", s.lowerBand, price, s.upperBand))
}
