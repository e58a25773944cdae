package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *recordingSink) Send(a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func envelope(source string, p events.Payload) events.Envelope {
	return events.Envelope{Kind: p.Kind(), Source: source, At: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Payload: p}
}

func TestRulesMapEventsToAlerts(t *testing.T) {
	var rules RuleEvaluator
	cases := []struct {
		name  string
		env   events.Envelope
		alert bool
		level Level
	}{
		{"emergency stop", envelope("risk_manager", events.EmergencyStopTriggered{Reason: "daily loss", DailyPnL: decimal.NewFromInt(-60)}), true, LevelCritical},
		{"stop reset", envelope("risk_manager", events.EmergencyStopReset{Reason: "ok", By: "ops"}), true, LevelWarning},
		{"orange condition", envelope("emergency_exit_service", events.EmergencyConditionTriggered{ConditionID: "position_loss_20", Level: "ORANGE"}), true, LevelWarning},
		{"black condition", envelope("emergency_exit_service", events.EmergencyConditionTriggered{ConditionID: "market_crash", Level: "BLACK"}), true, LevelCritical},
		{"exit", envelope("emergency_exit_service", events.EmergencyExitExecuted{Trigger: "manual_trigger", PositionsCount: 2, SuccessfulExits: 2}), true, LevelCritical},
		{"strategy error", envelope("strategy_orchestrator", events.StrategyErrored{StrategyID: "rsi", Status: "ACTIVE"}), true, LevelWarning},
		{"failed order", envelope("order_execution", events.OrderExecuted{Result: models.OrderResult{Status: models.OrderFailed}}), true, LevelWarning},
		{"filled order", envelope("order_execution", events.OrderExecuted{Result: models.OrderResult{Status: models.OrderFilled}}), false, ""},
		{"balance", envelope("balance_tracker", events.BalanceUpdated{Currency: "EUR"}), false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, ok := rules.Check(tc.env)
			require.Equal(t, tc.alert, ok)
			if ok {
				assert.Equal(t, tc.level, a.Level)
				assert.NotEmpty(t, a.Message)
				assert.Contains(t, a.String(), string(tc.level))
			}
		})
	}
}

func TestMonitorThrottlesRepeatedWarnings(t *testing.T) {
	sink := &recordingSink{}
	m := NewMonitor(nil, sink, time.Hour, nil)

	warn := envelope("strategy_orchestrator", events.StrategyErrored{StrategyID: "rsi", Status: "ACTIVE"})
	crit := envelope("risk_manager", events.EmergencyStopTriggered{Reason: "drawdown"})
	for i := 0; i < 3; i++ {
		m.Handle(warn)
		m.Handle(crit)
	}

	assert.Len(t, sink.alerts, 4, "one warning plus every critical alert")
	assert.Equal(t, AlertCounts{Sent: 4, Skipped: 2}, m.Counts())
	assert.Len(t, m.Recent(), 4)
}

func TestMonitorCountsFailedDeliveries(t *testing.T) {
	sink := &recordingSink{err: errors.New("smtp down")}
	m := NewMonitor(nil, sink, 0, nil)
	m.Handle(envelope("risk_manager", events.EmergencyStopTriggered{Reason: "drawdown"}))
	assert.Equal(t, uint64(1), m.Counts().Failed)
}

func TestMonitorConsumesBus(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := NewMonitor(bus, sink, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish("risk_manager", events.EmergencyStopTriggered{Reason: "manual"})
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.alerts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSystemMetricsSnapshot(t *testing.T) {
	m := NewSystemMetrics()
	m.CycleCompleted(10*time.Millisecond, "executed")
	m.CycleCompleted(5*time.Millisecond, "skipped")
	m.CycleCompleted(20*time.Millisecond, "emergency_exit")
	m.CycleCompleted(time.Millisecond, "error")
	m.StrategyAnalyzed(2*time.Millisecond, true)
	m.StrategyAnalyzed(2*time.Millisecond, false)
	m.OrderExecuted(3*time.Millisecond, true)
	m.OrderExecuted(4*time.Millisecond, false)

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(3), snap.CyclesRun)
	assert.Equal(t, uint64(1), snap.CyclesSkipped)
	assert.Equal(t, uint64(1), snap.EmergencyExits)
	assert.Equal(t, uint64(1), snap.ErrorsCount)
	assert.Equal(t, uint64(1), snap.SignalsGenerated)
	assert.Equal(t, uint64(2), snap.OrdersProcessed)
	assert.Equal(t, uint64(1), snap.OrdersFailed)
	assert.Equal(t, 4, snap.CycleLatency.Count)
	assert.InDelta(t, 20.0, snap.CycleLatency.Max, 1e-9)
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	st := h.Stats()
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 3.0, st.Max)
	assert.Equal(t, 2.0, st.P50)
}
