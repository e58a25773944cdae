package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
)

var dogeEUR = models.MustPair("DOGE", "EUR")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buy(qty, price string, confidence float64) models.TradeSignal {
	return models.TradeSignal{
		Type:         models.SignalBuy,
		Pair:         dogeEUR,
		Quantity:     d(qty),
		Confidence:   confidence,
		StrategyName: "test",
		Timestamp:    time.Now(),
	}.WithPrice(d(price))
}

func newManager(t *testing.T, balance string) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	m := NewInMemory(DefaultLimits()).WithClock(func() time.Time { return now })
	m.UpdateBalance(d(balance))
	return m, &now
}

func TestOversizedBuyIsBlockedButResizable(t *testing.T) {
	m, _ := newManager(t, "1000")

	b := m.AssessTradeRisk(buy("600", "0.2", 0.8), nil)
	assert.False(t, b.Approved)
	assert.True(t, b.Limited)
	assert.GreaterOrEqual(t, b.Overall.Severity.Rank(), SeverityMedium.Rank())
	assert.Equal(t, ActionBlock, b.Overall.Action)
	assert.Contains(t, b.Overall.Description, "120% of limit 100.00")

	size := m.CalculatePositionSize(buy("600", "0.2", 0.8), d("1000"))
	assert.True(t, size.Equal(d("500")), "size=%s", size)

	resized := m.AssessTradeRisk(buy("500", "0.2", 0.8), nil)
	assert.Equal(t, ActionLimit, resized.Overall.Action)
	assert.Equal(t, SeverityHigh, resized.Overall.Severity)
	assert.True(t, resized.Limited)
}

func TestDailyLossBreachBlocksTrading(t *testing.T) {
	m, _ := newManager(t, "1000")
	m.RecordTrade(d("-480"))

	b := m.AssessTradeRisk(buy("10", "0.2", 0.9), nil)
	var daily Assessment
	for _, a := range b.Assessments {
		if a.Type == TypeDailyLimits {
			daily = a
		}
	}
	assert.Equal(t, SeverityCritical, daily.Severity)
	assert.Equal(t, ActionBlock, daily.Action)
	assert.False(t, b.Approved)
	assert.False(t, b.Limited)
	assert.True(t, m.ShouldBlockTrading())

	limits := m.CheckDailyLimits()
	assert.True(t, limits.LossBreached)
	assert.InDelta(t, 9.6, limits.LossRatio, 1e-9)
}

func TestHoldIsAlwaysApproved(t *testing.T) {
	m, _ := newManager(t, "1")
	m.RecordTrade(d("-500"))
	m.ManualEmergencyStop("test")

	for i := 0; i < 20; i++ {
		sig := models.Hold(dogeEUR, "s", "flat", time.Now())
		sig.Confidence = rand.Float64()
		b := m.AssessTradeRisk(sig, nil)
		require.True(t, b.Approved)
		require.Equal(t, ActionAllow, b.Overall.Action)
	}
}

func TestFoldIsMonotonic(t *testing.T) {
	sev := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	act := []Action{ActionAllow, ActionWarn, ActionLimit, ActionBlock, ActionEmergencyExit}
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(5)
		parts := make([]Assessment, n)
		maxSev, maxAct, maxScore := 0, 0, 0.0
		for j := range parts {
			parts[j] = Assessment{
				Severity:    sev[r.Intn(len(sev))],
				Action:      act[r.Intn(len(act))],
				Score:       r.Float64(),
				Description: "part",
			}
			if parts[j].Severity.Rank() > maxSev {
				maxSev = parts[j].Severity.Rank()
			}
			if parts[j].Action.Precedence() > maxAct {
				maxAct = parts[j].Action.Precedence()
			}
			if parts[j].Score > maxScore {
				maxScore = parts[j].Score
			}
		}
		out := Fold(parts, time.Now())
		require.Equal(t, maxSev, out.Severity.Rank())
		require.Equal(t, maxAct, out.Action.Precedence())
		require.Equal(t, maxScore, out.Score)
	}
}

func TestPositionSizeBands(t *testing.T) {
	cases := []struct {
		qty      string
		severity Severity
		action   Action
		score    float64
	}{
		{"250", SeverityLow, ActionAllow, 0.25},     // ratio 0.5
		{"400", SeverityMedium, ActionWarn, 0.56},   // ratio 0.8
		{"450", SeverityHigh, ActionLimit, 0.81},    // ratio 0.9
		{"501", SeverityCritical, ActionBlock, 1.0}, // ratio 1.002
	}
	for _, tc := range cases {
		a := assessPositionSize(buy(tc.qty, "0.2", 0.9), nil, Metrics{CurrentBalance: d("1000")}, DefaultLimits(), time.Now())
		assert.Equal(t, tc.severity, a.Severity, tc.qty)
		assert.Equal(t, tc.action, a.Action, tc.qty)
		assert.InDelta(t, tc.score, a.Score, 1e-9, tc.qty)
	}

	pos := models.NewPosition("DOGE")
	require.NoError(t, pos.Apply(models.Trade{ID: "t", Pair: dogeEUR, Side: models.SideBuy, Quantity: d("300"), Price: d("0.2")}))
	a := assessPositionSize(buy("250", "0.2", 0.9), pos, Metrics{CurrentBalance: d("1000")}, DefaultLimits(), time.Now())
	assert.Equal(t, ActionBlock, a.Action, "existing exposure counts toward the ratio")

	sell := buy("10000", "0.2", 0.9)
	sell.Type = models.SignalSell
	a = assessPositionSize(sell, nil, Metrics{CurrentBalance: d("1000")}, DefaultLimits(), time.Now())
	assert.Equal(t, ActionAllow, a.Action)
}

func TestFrequencyCapsAndHourlyRollover(t *testing.T) {
	m, now := newManager(t, "1000")
	limits := m.Limits()
	limits.MaxTradesPerHour = 3
	require.NoError(t, m.UpdateLimits(limits))

	for i := 0; i < 3; i++ {
		m.RecordTrade(d("1"))
	}
	b := m.AssessTradeRisk(buy("10", "0.2", 0.9), nil)
	assert.False(t, b.Approved)
	assert.Contains(t, b.Overall.Description, "hourly trade cap reached: 3/3")

	*now = now.Add(time.Hour)
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.TradesThisHour)
	assert.Equal(t, 3, snap.TradesPrevHour)
	assert.Equal(t, 3, snap.TradesToday)

	*now = now.Add(2 * time.Hour)
	snap = m.Snapshot()
	assert.Equal(t, 0, snap.TradesPrevHour, "only the immediately preceding hour is kept")

	*now = now.Add(24 * time.Hour)
	snap = m.Snapshot()
	assert.Equal(t, 0, snap.TradesToday)
	assert.True(t, snap.DailyPnL.IsZero())
}

func TestBalanceChecks(t *testing.T) {
	m, _ := newManager(t, "4")
	b := m.AssessTradeRisk(buy("10", "0.2", 0.9), nil)
	assert.Equal(t, ActionEmergencyExit, b.Overall.Action)
	assert.False(t, b.Limited)

	m.UpdateBalance(d("100"))
	b = m.AssessTradeRisk(buy("600", "0.2", 0.9), nil)
	var bal Assessment
	for _, a := range b.Assessments {
		if a.Type == TypeBalance {
			bal = a
		}
	}
	assert.Equal(t, ActionBlock, bal.Action)
	assert.Equal(t, 0.8, bal.Score)
}

func TestRiskFactor(t *testing.T) {
	limits := DefaultLimits()
	sig := buy("1000", "0.1", 0.9)

	assert.Equal(t, 1.0, RiskFactor(sig, Metrics{}, limits))

	sig.Metadata = map[string]float64{"volatility": 0.08}
	assert.InDelta(t, 0.7, RiskFactor(sig, Metrics{}, limits), 1e-9)

	sig.Confidence = 0.5
	assert.InDelta(t, 0.35, RiskFactor(sig, Metrics{}, limits), 1e-9)

	losing := Metrics{CurrentBalance: d("1000"), DailyPnL: d("-100")}
	assert.InDelta(t, 0.315, RiskFactor(sig, losing, limits), 1e-9)

	sig.Confidence = 0.01
	assert.Equal(t, limits.MinRiskFactor, RiskFactor(sig, losing, limits))
}

func TestCalculatePositionSizeNeverExceedsRequest(t *testing.T) {
	m, _ := newManager(t, "1000")
	size := m.CalculatePositionSize(buy("100", "0.1", 0.9), d("1000"))
	assert.True(t, size.Equal(d("100")))

	sell := buy("100000", "0.1", 0.9)
	sell.Type = models.SignalSell
	assert.True(t, m.CalculatePositionSize(sell, d("1")).Equal(d("100000")))
}

func TestShouldEmergencyExit(t *testing.T) {
	m, now := newManager(t, "1000")
	pos := &models.Position{Currency: "DOGE", Quantity: d("1000"), AveragePrice: d("0.25"), Status: models.PositionOpen}

	ok, reason := m.ShouldEmergencyExit(pos, d("0.17"))
	assert.True(t, ok)
	assert.Equal(t, "critical loss: -32.0%", reason)

	ok, _ = m.ShouldEmergencyExit(pos, d("0.23")) // -8%
	assert.False(t, ok)
	*now = now.Add(4*time.Hour + time.Minute)
	ok, reason = m.ShouldEmergencyExit(pos, d("0.229"))
	assert.True(t, ok)
	assert.Contains(t, reason, "held for 4h1m")

	ok, _ = m.ShouldEmergencyExit(pos, d("0.26"))
	assert.False(t, ok)
	_, tracked := m.LossTracker().Get("DOGE")
	assert.False(t, tracked, "recovery clears the loss clock")
}

func TestEmergencyStopIsStickyUntilReset(t *testing.T) {
	bus := events.NewBus()
	stops, unsub := bus.Subscribe(events.EventEmergencyStop, 2)
	defer unsub()

	m, err := NewManager(DefaultLimits(), bus, nil)
	require.NoError(t, err)
	m.UpdateBalance(d("1000"))
	assert.False(t, m.EmergencyStopCheck())

	m.RecordTrade(d("-250"))
	assert.True(t, m.EmergencyStopCheck())
	env := <-stops
	assert.Contains(t, env.Payload.(events.EmergencyStopTriggered).Reason, "daily loss")

	m.RecordTrade(d("300"))
	assert.True(t, m.EmergencyStopCheck(), "profit does not clear the stop")
	assert.True(t, m.ShouldBlockTrading())

	assert.True(t, m.ResetEmergencyStop("reviewed", "ops"))
	stopped, _ := m.IsEmergencyStopped()
	assert.False(t, stopped)
	assert.False(t, m.ResetEmergencyStop("again", "ops"))
}

func TestResetClearsRecordedDrawdown(t *testing.T) {
	m, _ := newManager(t, "1000")
	m.Restore(Metrics{MaxDrawdown: 0.2, CurrentBalance: d("1000"), BalanceKnown: true})
	assert.True(t, m.DrawdownPct().Equal(d("20")), "drawdown=%s", m.DrawdownPct())
	assert.True(t, m.ShouldBlockTrading())
	assert.True(t, m.EmergencyStopCheck())

	require.True(t, m.ResetEmergencyStop("reviewed", "ops"))
	assert.False(t, m.EmergencyStopCheck())
	assert.False(t, m.ShouldBlockTrading())
	assert.True(t, m.DrawdownPct().IsZero())
}

func TestDailyLossWarnBandIsApproved(t *testing.T) {
	m, _ := newManager(t, "1000")
	m.RecordTrade(d("-40")) // 80% of the 50 EUR daily limit

	b := m.AssessTradeRisk(buy("100", "0.2", 0.9), nil)
	var daily Assessment
	for _, a := range b.Assessments {
		if a.Type == TypeDailyLimits {
			daily = a
		}
	}
	assert.Equal(t, ActionWarn, daily.Action)
	assert.Equal(t, SeverityHigh, daily.Severity)
	assert.Equal(t, ActionWarn, b.Overall.Action)
	assert.Contains(t, b.Overall.Description, "daily loss approaching limit")
	assert.True(t, b.Approved)
	assert.False(t, b.Limited)
	assert.False(t, m.ShouldBlockTrading())
}

func TestCriticalFrequencyGuard(t *testing.T) {
	m, _ := newManager(t, "1000")
	huge := buy("100000", "0.2", 0.9)
	for i := 0; i < 5; i++ {
		b := m.AssessTradeRisk(huge, nil)
		require.Equal(t, SeverityCritical, b.Overall.Severity)
	}
	assert.True(t, m.ShouldBlockTrading())
	assert.True(t, m.EmergencyStopCheck())
	stats := m.Statistics()
	assert.True(t, stats.EmergencyStopActive)
	assert.Equal(t, 5, stats.Rejected)
	assert.Equal(t, 5, stats.BySeverity[SeverityCritical])
}

func TestHighSeverityPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventRiskAssessment, 4)
	defer unsub()
	m, err := NewManager(DefaultLimits(), bus, nil)
	require.NoError(t, err)
	m.UpdateBalance(d("1000"))

	m.AssessTradeRisk(buy("10", "0.2", 0.9), nil)
	select {
	case env := <-ch:
		t.Fatalf("low risk published %v", env.Payload)
	default:
	}

	m.AssessTradeRisk(buy("600", "0.2", 0.9), nil)
	env := <-ch
	assert.Equal(t, "CRITICAL", env.Payload.(events.RiskAssessed).Severity)
}

func TestHistoryIsBounded(t *testing.T) {
	limits := DefaultLimits()
	limits.HistorySize = 3
	m := NewInMemory(limits)
	m.UpdateBalance(d("1000"))
	for i := 0; i < 10; i++ {
		m.AssessTradeRisk(buy("1", "0.2", 0.9), nil)
	}
	assert.Len(t, m.History(), 3)
	assert.Equal(t, 10, m.Statistics().TotalAssessments)
}

func TestInvalidSignalFailsClosed(t *testing.T) {
	m, _ := newManager(t, "1000")
	sig := buy("10", "0.2", 1.5)
	b := m.AssessTradeRisk(sig, nil)
	assert.False(t, b.Approved)
	assert.Equal(t, SeverityCritical, b.Overall.Severity)
	assert.Equal(t, ActionBlock, b.Overall.Action)
}

func TestLimitsValidate(t *testing.T) {
	l := DefaultLimits()
	l.MaxDailyLossPct = decimal.Zero
	_, err := NewManager(l, nil, nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}
