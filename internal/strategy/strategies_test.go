package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doge-trader/internal/models"
)

func tick(price string) models.MarketData {
	return models.MarketData{
		Pair:       dogeEUR,
		Price:      decimal.RequireFromString(price),
		Volume24h:  decimal.NewFromInt(1_000_000),
		Volatility: 0.02,
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func openPosition(t *testing.T, qty, price string) *models.Position {
	t.Helper()
	pos := models.NewPosition("DOGE")
	require.NoError(t, pos.Apply(models.Trade{
		ID:        "t1",
		Pair:      dogeEUR,
		Side:      models.SideBuy,
		Quantity:  decimal.RequireFromString(qty),
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	return pos
}

func TestRSIStrategySignals(t *testing.T) {
	ctx := context.Background()
	s, err := NewRSIStrategy(3, 30, 70, decimal.NewFromInt(500))
	require.NoError(t, err)

	for _, p := range []string{"0.10", "0.09", "0.08"} {
		sig, err := s.Analyze(ctx, tick(p), nil)
		require.NoError(t, err)
		assert.Empty(t, sig.Type, "warming up")
	}

	sig, err := s.Analyze(ctx, tick("0.07"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, sig.Type)
	assert.Equal(t, 1.0, sig.Confidence)
	assert.True(t, sig.Quantity.Equal(decimal.NewFromInt(500)))
	assert.True(t, sig.PriceOrZero().Equal(decimal.RequireFromString("0.07")))
	assert.Equal(t, 0.02, sig.Metadata["volatility"])

	sig, _ = s.Analyze(ctx, tick("0.06"), nil)
	assert.Equal(t, models.SignalHold, sig.Type, "repeated BUY is suppressed")

	for _, p := range []string{"0.08", "0.10", "0.12"} {
		sig, _ = s.Analyze(ctx, tick(p), nil)
	}
	assert.Equal(t, models.SignalHold, sig.Type, "nothing to sell without a position")

	s2, _ := NewRSIStrategy(3, 30, 70, decimal.NewFromInt(500))
	pos := openPosition(t, "200", "0.05")
	for _, p := range []string{"0.05", "0.06", "0.07", "0.08"} {
		sig, _ = s2.Analyze(ctx, tick(p), pos)
	}
	assert.Equal(t, models.SignalSell, sig.Type)
	assert.True(t, sig.Quantity.Equal(decimal.NewFromInt(200)), "sell is capped at the position")
}

func TestRSIStateRoundTrip(t *testing.T) {
	s, _ := NewRSIStrategy(3, 30, 70, decimal.NewFromInt(1))
	for _, p := range []string{"0.10", "0.09", "0.08", "0.07"} {
		_, _ = s.Analyze(context.Background(), tick(p), nil)
	}
	state, err := s.GetState()
	require.NoError(t, err)

	restored, _ := NewRSIStrategy(3, 30, 70, decimal.NewFromInt(1))
	require.NoError(t, restored.SetState(state))
	sig, _ := restored.Analyze(context.Background(), tick("0.06"), nil)
	assert.Equal(t, models.SignalHold, sig.Type, "previous BUY survives the restore")
}

func TestMACrossDetectsGoldenCross(t *testing.T) {
	ctx := context.Background()
	s, err := NewMACrossStrategy(2, 3, decimal.NewFromInt(100))
	require.NoError(t, err)

	for _, p := range []string{"10", "10", "10"} {
		sig, err := s.Analyze(ctx, tick(p), nil)
		require.NoError(t, err)
		assert.Empty(t, sig.Type)
	}
	sig, err := s.Analyze(ctx, tick("13"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, sig.Type)
	assert.Contains(t, sig.Reason, "Golden cross")

	_, err = NewMACrossStrategy(5, 5, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBollingerBuysBelowLowerBand(t *testing.T) {
	s, err := NewBollingerStrategy(4, 1, decimal.NewFromInt(10))
	require.NoError(t, err)
	var sig models.TradeSignal
	for _, p := range []string{"10", "10.2", "9.8", "7"} {
		sig, err = s.Analyze(context.Background(), tick(p), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, models.SignalBuy, sig.Type)
}

func TestDrawdownGuard(t *testing.T) {
	g, err := NewDrawdownGuard(decimal.NewFromInt(20))
	require.NoError(t, err)
	pos := openPosition(t, "1000", "0.1")

	sig, err := g.Analyze(context.Background(), tick("0.09"), pos)
	require.NoError(t, err)
	assert.Empty(t, sig.Type, "a 10% loss is tolerated")

	sig, err = g.Analyze(context.Background(), tick("0.075"), pos)
	require.NoError(t, err)
	assert.Equal(t, models.SignalEmergencyExit, sig.Type)
	assert.True(t, sig.Quantity.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, models.RiskCritical, sig.RiskLevel)

	sig, _ = g.Analyze(context.Background(), tick("0.01"), nil)
	assert.Empty(t, sig.Type)
}

const strategiesYAML = `
strategies:
  - id: rsi_14
    type: rsi
    priority: 60
    weight: 0.5
    pairs: [DOGE_EUR]
    conditions:
      min_interval: 2m
      min_volume: "250000"
    params:
      period: 14
      oversold: 25
      size: "500"
  - id: ma_10_30
    type: ma_cross
    priority: 40
    weight: 0.3
    risk_level: low
    pairs: [doge/eur]
    params:
      size: 250
  - id: bands
    type: bollinger
    priority: 30
    weight: 0.2
    enabled: false
    pairs: [DOGE_EUR]
    params:
      size: 100
  - id: guard
    type: drawdown_guard
    priority: 100
    weight: 1
    pairs: [DOGE_EUR]
    params:
      threshold_pct: 20
`

func TestBuildFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strategiesYAML), 0o600))

	entries, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, 2*time.Minute, entries[0].Conditions.MinInterval)
	assert.True(t, entries[0].Conditions.MinVolume.Equal(decimal.NewFromInt(250000)))

	o := NewOrchestrator(nil, nil)
	require.NoError(t, BuildFromConfig(o, entries))

	stats := o.Statistics()
	assert.Equal(t, 4, stats.TotalStrategies)
	assert.Equal(t, 3, stats.ActiveStrategies)
	assert.Equal(t, []string{"rsi_14", "ma_10_30", "guard"}, stats.ActivePairs["DOGE_EUR"])

	rsi, ok := o.Get("rsi_14")
	require.True(t, ok)
	assert.Equal(t, "RSI_14", rsi.Name)
	assert.Equal(t, models.RiskMedium, rsi.Config.RiskLevel)
	ma, _ := o.Get("ma_10_30")
	assert.Equal(t, "MA_Cross_10_30", ma.Name)
	assert.Equal(t, models.RiskLow, ma.Config.RiskLevel)
	bands, _ := o.Get("bands")
	assert.Equal(t, StatusDisabled, bands.Status)
}

func TestBuildRejectsBadEntries(t *testing.T) {
	entries, err := ParseConfig([]byte(`
strategies:
  - id: mystery
    type: martingale
    priority: 10
    weight: 0.5
`))
	require.NoError(t, err)
	assert.ErrorIs(t, BuildFromConfig(NewOrchestrator(nil, nil), entries), models.ErrValidation)

	entries, err = ParseConfig([]byte(`
strategies:
  - id: heavy
    type: rsi
    priority: 10
    weight: 2
    params: {size: 1}
`))
	require.NoError(t, err)
	assert.ErrorIs(t, BuildFromConfig(NewOrchestrator(nil, nil), entries), models.ErrValidation)

	entries, err = ParseConfig([]byte(`
strategies:
  - id: sizeless
    type: ma_cross
    priority: 10
    weight: 0.2
`))
	require.NoError(t, err)
	assert.ErrorIs(t, BuildFromConfig(NewOrchestrator(nil, nil), entries), models.ErrValidation)

	_, err = ParseConfig([]byte("strategies: [oops"))
	assert.Error(t, err)
}

func TestDefaultEntriesBuild(t *testing.T) {
	entries, err := DefaultEntries([]string{"DOGE_EUR", "DOGE_USDT"})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, []string{"DOGE_EUR", "DOGE_USDT"}, e.Pairs)
	}

	o := NewOrchestrator(nil, nil)
	require.NoError(t, BuildFromConfig(o, entries))
	stats := o.Statistics()
	assert.Equal(t, 4, stats.TotalStrategies)
	assert.Len(t, stats.ActivePairs["DOGE_USDT"], 4)
}
