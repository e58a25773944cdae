package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/indicators"
	"doge-trader/internal/models"
)

// MockConfig tunes the synthetic feed.
type MockConfig struct {
	Seed             int64
	StepPct          float64 // max move per quote, 0.5 = 0.5%
	SpreadPct        float64 // bid/ask spread, 0.1 = 0.1%
	VolatilityPeriod int
}

// MockProvider random-walks prices for local development and tests.
// Each GetMarketData call advances the walk by one step.
type MockProvider struct {
	cfg MockConfig

	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	open      map[string]float64
	history   map[string]*indicators.Series
	btcChange float64

	now func() time.Time
}

func NewMockProvider(cfg MockConfig, start map[string]decimal.Decimal) *MockProvider {
	if cfg.VolatilityPeriod < 2 {
		cfg.VolatilityPeriod = 20
	}
	m := &MockProvider{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		prices:  make(map[string]float64),
		open:    make(map[string]float64),
		history: make(map[string]*indicators.Series),
		now:     time.Now,
	}
	for pair, price := range start {
		m.SetPrice(pair, price)
	}
	return m
}

// WithClock swaps the time source. Used by tests.
func (m *MockProvider) WithClock(now func() time.Time) *MockProvider {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// SetPrice jumps pair (e.g. "DOGE_EUR") to price. The first price becomes
// the 24h open.
func (m *MockProvider) SetPrice(pair string, price decimal.Decimal) {
	f, _ := price.Float64()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair] = f
	if _, ok := m.open[pair]; !ok {
		m.open[pair] = f
	}
}

// SetBTCChange fixes the market-wide 24h change reported with every quote.
func (m *MockProvider) SetBTCChange(pct float64) {
	m.mu.Lock()
	m.btcChange = pct
	m.mu.Unlock()
}

func (m *MockProvider) GetMarketData(ctx context.Context, pair models.TradingPair) (models.MarketData, error) {
	if err := ctx.Err(); err != nil {
		return models.MarketData{}, err
	}
	key := pair.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[key]
	if !ok {
		return models.MarketData{}, fmt.Errorf("market data %s: unknown pair", pair)
	}

	price *= 1 + (m.rng.Float64()*2-1)*m.cfg.StepPct/100
	if floor := m.open[key] * 0.01; price < floor {
		price = floor
	}
	m.prices[key] = price

	s, ok := m.history[key]
	if !ok {
		s = indicators.NewSeries(m.cfg.VolatilityPeriod + 1)
		m.history[key] = s
	}
	s.Push(price)

	half := price * m.cfg.SpreadPct / 200
	open := m.open[key]
	return models.MarketData{
		Pair:             pair,
		Price:            decimal.NewFromFloat(price).Round(8),
		Bid:              decimal.NewFromFloat(price - half).Round(8),
		Ask:              decimal.NewFromFloat(price + half).Round(8),
		Change24hPercent: (price - open) / open * 100,
		Volatility:       indicators.Volatility(s.Values(), m.cfg.VolatilityPeriod),
		BTCChange24h:     m.btcChange,
		Timestamp:        m.now(),
	}, nil
}
