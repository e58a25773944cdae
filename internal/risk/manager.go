package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
	"doge-trader/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

// Manager handles risk evaluation, running metrics and the emergency stop.
type Manager struct {
	limits  Limits
	metrics Metrics

	emergencyStop   bool
	emergencyReason string
	manualBlock     bool
	blockReason     string

	history  []Assessment
	total    int
	approved int
	rejected int

	losses *LossTracker
	bus    events.Publisher
	log    *logger.Entry
	now    func() time.Time
	mu     sync.RWMutex
}

// NewManager validates limits and creates a manager.
func NewManager(limits Limits, bus events.Publisher, log *logger.Entry) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		limits: limits,
		losses: NewLossTracker(limits.LossDurationPct),
		bus:    bus,
		log:    log.WithComponent("risk"),
		now:    time.Now,
	}
	m.log.WithFields(logger.Fields{
		"max_position_pct": limits.MaxPositionSizePct.String(),
		"max_daily_loss":   limits.MaxDailyLossPct.String(),
		"emergency_stop":   limits.EmergencyStopPct.String(),
	}).Info("🛡️ risk manager initialized")
	return m, nil
}

// NewInMemory creates a manager with no event sink and a silent logger.
func NewInMemory(limits Limits) *Manager {
	return &Manager{
		limits: limits,
		losses: NewLossTracker(limits.LossDurationPct),
		bus:    events.Discard{},
		log:    logger.Nop(),
		now:    time.Now,
	}
}

// WithClock swaps the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Validate rejects limits the manager cannot work with.
func (l Limits) Validate() error {
	var errs []error
	for name, v := range map[string]decimal.Decimal{
		"max_position_size_pct": l.MaxPositionSizePct,
		"max_daily_loss_pct":    l.MaxDailyLossPct,
		"max_drawdown_pct":      l.MaxDrawdownPct,
		"emergency_stop_pct":    l.EmergencyStopPct,
	} {
		if !v.IsPositive() || v.GreaterThan(hundred) {
			errs = append(errs, models.NewValidationError(name, "must be in (0,100]"))
		}
	}
	if l.MaxTradesPerHour <= 0 || l.MaxTradesPerDay <= 0 {
		errs = append(errs, models.NewValidationError("max_trades", "trade caps must be positive"))
	}
	if l.MinBalance.IsNegative() {
		errs = append(errs, models.NewValidationError("min_balance", "must not be negative"))
	}
	if l.MinRiskFactor <= 0 || l.MinRiskFactor > 1 {
		errs = append(errs, models.NewValidationError("min_risk_factor", "must be in (0,1]"))
	}
	if l.HistorySize <= 0 {
		errs = append(errs, models.NewValidationError("history_size", "must be positive"))
	}
	return errors.Join(errs...)
}

// AssessTradeRisk runs every sub-check against one consistent snapshot and
// folds them into a bundle. It never panics: failures yield CRITICAL/BLOCK.
func (m *Manager) AssessTradeRisk(signal models.TradeSignal, position *models.Position) (b Bundle) {
	m.mu.RLock()
	now := m.now()
	m.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", fmt.Sprint(r)).Error("🚨 risk assessment crashed, failing closed")
			b = failClosed(fmt.Sprintf("risk assessment error: %v", r), now)
			m.record(signal, b)
		}
	}()

	switch signal.Type {
	case models.SignalHold:
		b = single(Assessment{
			Type: TypeOverall, Severity: SeverityLow, Action: ActionAllow, Score: 0,
			Description: "HOLD signal carries no trade risk", Timestamp: now,
		})
		m.record(signal, b)
		return b
	case models.SignalEmergencyExit:
		b = single(Assessment{
			Type: TypeOverall, Severity: SeverityHigh, Action: ActionWarn, Score: 0.9,
			Description:    "emergency exit reduces exposure",
			Recommendation: "execute exit without delay",
			Timestamp:      now,
		})
		m.record(signal, b)
		return b
	}

	if err := signal.Validate(); err != nil {
		b = failClosed(err.Error(), now)
		m.record(signal, b)
		return b
	}

	m.mu.Lock()
	m.rollLocked(now)
	snap := m.metrics
	limits := m.limits
	stopped, stopReason := m.emergencyStop, m.emergencyReason
	blocked, blockReason := m.manualBlock, m.blockReason
	m.mu.Unlock()

	var parts []Assessment
	if stopped {
		parts = append(parts, Assessment{
			Type: TypeSystem, Severity: SeverityCritical, Action: ActionBlock, Score: 1,
			Description: "emergency stop active: " + stopReason, Timestamp: now,
		})
	} else if blocked {
		parts = append(parts, Assessment{
			Type: TypeSystem, Severity: SeverityHigh, Action: ActionBlock, Score: 0.9,
			Description: "trading blocked: " + blockReason, Timestamp: now,
		})
	}
	parts = append(parts,
		assessPositionSize(signal, position, snap, limits, now),
		assessDailyLimits(snap, limits, now),
		assessFrequency(snap, limits, now),
		assessBalance(signal, snap, limits, now),
	)

	overall := Fold(parts, now)
	b = Bundle{
		Overall:     overall,
		Assessments: parts,
		Approved:    approves(overall.Action),
		Limited:     onlySizeFailed(parts),
	}
	m.record(signal, b)
	return b
}

// Fold combines sub-assessments: worst severity, highest score, strictest
// action, and the descriptions of every part that requires action.
func Fold(parts []Assessment, now time.Time) Assessment {
	out := Assessment{Type: TypeOverall, Severity: SeverityLow, Action: ActionAllow, Timestamp: now}
	var reasons []string
	for _, p := range parts {
		if p.Severity.Rank() > out.Severity.Rank() {
			out.Severity = p.Severity
		}
		if p.Action.Precedence() > out.Action.Precedence() {
			out.Action = p.Action
		}
		if p.Score > out.Score {
			out.Score = p.Score
		}
		if p.Action.RequiresAction() {
			reasons = append(reasons, p.Description)
		}
	}
	if len(reasons) == 0 {
		out.Description = "all risk checks passed"
	} else {
		out.Description = strings.Join(reasons, "; ")
	}
	out.Recommendation = recommendationFor(out.Action)
	return out
}

func recommendationFor(a Action) string {
	switch a {
	case ActionWarn:
		return "proceed with caution"
	case ActionLimit:
		return "reduce position size"
	case ActionBlock:
		return "do not trade"
	case ActionEmergencyExit:
		return "exit positions immediately"
	}
	return "proceed"
}

func approves(a Action) bool { return a == ActionAllow || a == ActionWarn }

func onlySizeFailed(parts []Assessment) bool {
	sizeFailed := false
	for _, p := range parts {
		if approves(p.Action) {
			continue
		}
		if p.Type != TypePositionSize {
			return false
		}
		sizeFailed = true
	}
	return sizeFailed
}

func single(a Assessment) Bundle {
	return Bundle{Overall: a, Assessments: []Assessment{a}, Approved: approves(a.Action)}
}

func failClosed(reason string, now time.Time) Bundle {
	a := Assessment{
		Type: TypeSystem, Severity: SeverityCritical, Action: ActionBlock, Score: 1,
		Description: reason, Recommendation: recommendationFor(ActionBlock), Timestamp: now,
	}
	return Bundle{Overall: a, Assessments: []Assessment{a}}
}

func assessPositionSize(signal models.TradeSignal, position *models.Position, snap Metrics, limits Limits, now time.Time) Assessment {
	a := Assessment{Type: TypePositionSize, Timestamp: now}
	if !signal.Type.IsBuy() {
		a.Severity, a.Action, a.Score = SeverityLow, ActionAllow, 0.1
		a.Description = "position size check applies to buys only"
		return a
	}

	price := signal.PriceOrZero()
	if price.IsZero() && position != nil {
		price = position.AveragePrice
	}
	value := signal.Quantity.Mul(price)
	if position != nil {
		value = value.Add(position.Quantity.Mul(price))
	}
	maxAllowed := snap.CurrentBalance.Mul(limits.MaxPositionSizePct).Div(hundred)

	ratio := 1.0
	if maxAllowed.IsPositive() {
		ratio = value.Div(maxAllowed).InexactFloat64()
	}

	switch {
	case ratio <= 0.5:
		a.Severity, a.Action, a.Score = SeverityLow, ActionAllow, ratio*0.5
	case ratio <= 0.8:
		a.Severity, a.Action, a.Score = SeverityMedium, ActionWarn, ratio*0.7
	case ratio <= 1.0:
		a.Severity, a.Action, a.Score = SeverityHigh, ActionLimit, ratio*0.9
	default:
		a.Severity, a.Action, a.Score = SeverityCritical, ActionBlock, 1.0
	}
	a.Description = fmt.Sprintf("position value %s is %.0f%% of limit %s",
		value.StringFixed(2), ratio*100, maxAllowed.StringFixed(2))
	if a.Action.RequiresAction() {
		a.Recommendation = "reduce quantity to fit the position limit"
	}
	return a
}

func assessDailyLimits(snap Metrics, limits Limits, now time.Time) Assessment {
	a := Assessment{Type: TypeDailyLimits, Timestamp: now}
	if snap.TradesToday >= limits.MaxTradesPerDay {
		a.Severity, a.Action, a.Score = SeverityCritical, ActionBlock, 1.0
		a.Description = fmt.Sprintf("daily trade limit reached: %d/%d", snap.TradesToday, limits.MaxTradesPerDay)
		return a
	}

	ratio := lossRatio(snap, limits)
	switch {
	case ratio >= 1:
		a.Severity, a.Action, a.Score = SeverityCritical, ActionBlock, 1.0
		a.Description = fmt.Sprintf("daily loss limit exceeded: %s (%.0f%% of limit)", snap.DailyPnL.StringFixed(2), ratio*100)
	case ratio >= 0.8:
		a.Severity, a.Action, a.Score = SeverityHigh, ActionWarn, ratio
		a.Description = fmt.Sprintf("daily loss approaching limit: %s (%.0f%% of limit)", snap.DailyPnL.StringFixed(2), ratio*100)
	default:
		a.Severity, a.Action, a.Score = SeverityLow, ActionAllow, 0.1
		a.Description = "daily limits ok"
	}
	return a
}

// lossRatio is daily loss over the daily loss limit; 0 when in profit.
func lossRatio(snap Metrics, limits Limits) float64 {
	if !snap.DailyPnL.IsNegative() {
		return 0
	}
	limit := snap.CurrentBalance.Mul(limits.MaxDailyLossPct).Div(hundred)
	if !limit.IsPositive() {
		return 1
	}
	return snap.DailyPnL.Abs().Div(limit).InexactFloat64()
}

func assessFrequency(snap Metrics, limits Limits, now time.Time) Assessment {
	a := Assessment{Type: TypeFrequency, Timestamp: now}
	switch {
	case snap.TradesToday >= limits.MaxTradesPerDay:
		a.Severity, a.Action, a.Score = SeverityCritical, ActionBlock, 1.0
		a.Description = fmt.Sprintf("daily trade cap reached: %d/%d", snap.TradesToday, limits.MaxTradesPerDay)
	case snap.TradesThisHour >= limits.MaxTradesPerHour:
		a.Severity, a.Action, a.Score = SeverityHigh, ActionBlock, 0.9
		a.Description = fmt.Sprintf("hourly trade cap reached: %d/%d", snap.TradesThisHour, limits.MaxTradesPerHour)
	default:
		a.Severity, a.Action, a.Score = SeverityLow, ActionAllow, 0.1
		a.Description = "trading frequency ok"
	}
	return a
}

func assessBalance(signal models.TradeSignal, snap Metrics, limits Limits, now time.Time) Assessment {
	a := Assessment{Type: TypeBalance, Timestamp: now}
	bal := snap.CurrentBalance
	if bal.LessThan(limits.MinBalance) {
		if signal.Type.IsBuy() {
			a.Severity, a.Action, a.Score = SeverityCritical, ActionEmergencyExit, 1.0
			a.Description = fmt.Sprintf("balance %s below minimum %s", bal.StringFixed(2), limits.MinBalance.StringFixed(2))
			a.Recommendation = "stop buying and exit positions"
			return a
		}
		a.Severity, a.Action, a.Score = SeverityMedium, ActionWarn, 0.5
		a.Description = fmt.Sprintf("balance %s below minimum %s, selling allowed", bal.StringFixed(2), limits.MinBalance.StringFixed(2))
		return a
	}
	if signal.Type.IsBuy() {
		cost := signal.Notional()
		if cost.GreaterThan(bal) {
			a.Severity, a.Action, a.Score = SeverityHigh, ActionBlock, 0.8
			a.Description = fmt.Sprintf("order cost %s exceeds balance %s", cost.StringFixed(2), bal.StringFixed(2))
			return a
		}
	}
	a.Severity, a.Action, a.Score = SeverityLow, ActionAllow, 0.1
	a.Description = "balance sufficient"
	return a
}

func (m *Manager) record(signal models.TradeSignal, b Bundle) {
	m.mu.Lock()
	m.history = append(m.history, b.Overall)
	if n := m.limits.HistorySize; n > 0 && len(m.history) > n {
		m.history = append(m.history[:0], m.history[len(m.history)-n:]...)
	}
	m.total++
	if b.Approved {
		m.approved++
	} else {
		m.rejected++
	}
	m.mu.Unlock()

	o := b.Overall
	entry := m.log.WithFields(logger.Fields{
		"pair":     signal.Pair.String(),
		"signal":   string(signal.Type),
		"strategy": signal.StrategyName,
		"severity": string(o.Severity),
		"action":   string(o.Action),
		"score":    math.Round(o.Score*1000) / 1000,
	})
	if b.Approved {
		entry.Debug("✅ risk approved")
	} else {
		entry.WithField("reason", o.Description).Warn("🛡️ risk rejected")
	}

	if o.Severity == SeverityHigh || o.Severity == SeverityCritical {
		m.bus.Publish("risk_manager", events.RiskAssessed{
			Pair:        signal.Pair.String(),
			Strategy:    signal.StrategyName,
			SignalType:  string(signal.Type),
			RiskType:    string(o.Type),
			Severity:    string(o.Severity),
			Action:      string(o.Action),
			Score:       o.Score,
			Description: o.Description,
		})
	}
}

// ShouldBlockTrading is true when emergency-stopped, manually blocked, or
// a critical condition currently holds.
func (m *Manager) ShouldBlockTrading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked(m.now())
	if m.emergencyStop || m.manualBlock {
		return true
	}
	return m.criticalConditionLocked() != ""
}

// EmergencyStopCheck evaluates critical conditions and latches the emergency
// stop if one holds. The stop stays active until ResetEmergencyStop.
func (m *Manager) EmergencyStopCheck() bool {
	m.mu.Lock()
	m.rollLocked(m.now())
	if m.emergencyStop {
		m.mu.Unlock()
		return true
	}
	reason := m.criticalConditionLocked()
	if reason == "" {
		m.mu.Unlock()
		return false
	}
	payload := m.triggerLocked(reason)
	m.mu.Unlock()

	m.log.WithField("reason", reason).Error("🚨 EMERGENCY STOP triggered")
	m.bus.Publish("risk_manager", payload)
	return true
}

// ManualEmergencyStop latches the emergency stop with an operator reason.
func (m *Manager) ManualEmergencyStop(reason string) {
	if reason == "" {
		reason = "manual stop"
	}
	m.mu.Lock()
	if m.emergencyStop {
		m.mu.Unlock()
		return
	}
	payload := m.triggerLocked("manual: " + reason)
	m.mu.Unlock()

	m.log.WithField("reason", reason).Error("🚨 EMERGENCY STOP triggered manually")
	m.bus.Publish("risk_manager", payload)
}

func (m *Manager) triggerLocked(reason string) events.EmergencyStopTriggered {
	m.emergencyStop = true
	m.emergencyReason = reason
	m.metrics.EmergencyStops++
	return events.EmergencyStopTriggered{
		Reason:         reason,
		CurrentBalance: m.metrics.CurrentBalance,
		DailyPnL:       m.metrics.DailyPnL,
		TradesToday:    m.metrics.TradesToday,
	}
}

// ResetEmergencyStop clears the latched stop. The critical-frequency window
// restarts so old assessments cannot re-trigger it.
func (m *Manager) ResetEmergencyStop(reason, by string) bool {
	m.mu.Lock()
	if !m.emergencyStop {
		m.mu.Unlock()
		return false
	}
	m.emergencyStop = false
	m.emergencyReason = ""
	m.history = m.history[:0]
	// the operator has acknowledged the drawdown that latched the stop
	m.metrics.MaxDrawdown = 0
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{"reason": reason, "by": by}).Warn("✅ emergency stop reset")
	m.bus.Publish("risk_manager", events.EmergencyStopReset{Reason: reason, By: by})
	return true
}

// IsEmergencyStopped reports the latched state and its reason.
func (m *Manager) IsEmergencyStopped() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop, m.emergencyReason
}

// BlockTrading pauses trading without latching an emergency stop.
func (m *Manager) BlockTrading(reason string) {
	m.mu.Lock()
	m.manualBlock = true
	m.blockReason = reason
	m.mu.Unlock()
	m.log.WithField("reason", reason).Warn("⏸️ trading blocked")
}

// UnblockTrading lifts a manual block.
func (m *Manager) UnblockTrading() {
	m.mu.Lock()
	m.manualBlock = false
	m.blockReason = ""
	m.mu.Unlock()
	m.log.Info("▶️ trading unblocked")
}

func (m *Manager) criticalConditionLocked() string {
	met, lim := m.metrics, m.limits
	if met.BalanceKnown {
		bal := met.CurrentBalance
		if !bal.IsPositive() {
			return "balance depleted"
		}
		if met.DailyPnL.IsNegative() {
			stopLoss := bal.Mul(lim.EmergencyStopPct).Div(hundred)
			if met.DailyPnL.Abs().GreaterThanOrEqual(stopLoss) {
				return fmt.Sprintf("daily loss %s reached emergency limit %s", met.DailyPnL.StringFixed(2), stopLoss.StringFixed(2))
			}
		}
		if bal.LessThan(lim.MinBalance) {
			return fmt.Sprintf("balance %s below minimum %s", bal.StringFixed(2), lim.MinBalance.StringFixed(2))
		}
	}
	maxDD := lim.MaxDrawdownPct.Div(hundred).InexactFloat64()
	if met.MaxDrawdown >= maxDD {
		return fmt.Sprintf("drawdown %.1f%% reached limit %.1f%%", met.MaxDrawdown*100, maxDD*100)
	}
	if n := m.recentCriticalLocked(); lim.CriticalThreshold > 0 && n >= lim.CriticalThreshold {
		return fmt.Sprintf("%d critical assessments in the last %d", n, lim.CriticalWindow)
	}
	return ""
}

func (m *Manager) recentCriticalLocked() int {
	window := m.limits.CriticalWindow
	start := len(m.history) - window
	if start < 0 || window <= 0 {
		start = 0
	}
	n := 0
	for _, a := range m.history[start:] {
		if a.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// CalculatePositionSize caps a buy at available x max position percent,
// scaled by the risk factor, and never above the requested quantity. Sells
// keep their quantity.
func (m *Manager) CalculatePositionSize(signal models.TradeSignal, available decimal.Decimal) decimal.Decimal {
	if !signal.Type.IsBuy() {
		return signal.Quantity
	}
	price := signal.PriceOrZero()
	if !price.IsPositive() || !available.IsPositive() {
		return decimal.Zero
	}

	m.mu.RLock()
	snap, limits := m.metrics, m.limits
	m.mu.RUnlock()

	maxQty := available.Mul(limits.MaxPositionSizePct).Div(hundred).Div(price)
	factor := RiskFactor(signal, snap, limits)
	adjusted := maxQty.Mul(decimal.NewFromFloat(factor))
	return decimal.Min(adjusted, signal.Quantity)
}

// RiskFactor shrinks sizes for volatile markets, low confidence and losing days.
func RiskFactor(signal models.TradeSignal, snap Metrics, limits Limits) float64 {
	f := 1.0
	if signal.Metadata != nil && signal.Metadata["volatility"] > limits.HighVolatilityThreshold {
		f *= limits.HighVolatilityFactor
	}
	if signal.Confidence < limits.LowConfidenceThreshold {
		f *= signal.Confidence
	}
	if snap.DailyPnL.IsNegative() && snap.CurrentBalance.IsPositive() {
		loss := snap.DailyPnL.Abs().Div(snap.CurrentBalance).InexactFloat64()
		f *= 1 - math.Min(loss, limits.MaxLossDampening)
	}
	return math.Max(f, limits.MinRiskFactor)
}

// CheckDailyLimits reports the daily and hourly ceilings.
func (m *Manager) CheckDailyLimits() DailyLimits {
	m.mu.Lock()
	m.rollLocked(m.now())
	snap, limits := m.metrics, m.limits
	m.mu.Unlock()

	ratio := lossRatio(snap, limits)
	return DailyLimits{
		DailyPnL:         snap.DailyPnL,
		DailyLossLimit:   snap.CurrentBalance.Mul(limits.MaxDailyLossPct).Div(hundred),
		LossRatio:        ratio,
		LossBreached:     ratio >= 1,
		TradesToday:      snap.TradesToday,
		MaxTradesPerDay:  limits.MaxTradesPerDay,
		TradesBreached:   snap.TradesToday >= limits.MaxTradesPerDay,
		TradesThisHour:   snap.TradesThisHour,
		MaxTradesPerHour: limits.MaxTradesPerHour,
		HourlyBreached:   snap.TradesThisHour >= limits.MaxTradesPerHour,
	}
}

// ShouldEmergencyExit fires on a loss beyond the emergency stop percent or
// on a smaller loss held longer than the loss duration limit.
func (m *Manager) ShouldEmergencyExit(position *models.Position, price decimal.Decimal) (bool, string) {
	if position.IsEmpty() || !price.IsPositive() {
		if position != nil {
			m.losses.Clear(position.Currency)
		}
		return false, ""
	}

	m.mu.RLock()
	limits, now := m.limits, m.now()
	m.mu.RUnlock()

	pct := position.PnLPercent(price)
	held := m.losses.Observe(position.Currency, pct, now)

	if pct.LessThanOrEqual(limits.EmergencyStopPct.Neg()) {
		return true, fmt.Sprintf("critical loss: %s%%", pct.StringFixed(1))
	}
	if pct.LessThanOrEqual(limits.LossDurationPct.Abs().Neg()) && held > limits.LossDurationLimit {
		return true, fmt.Sprintf("loss of %s%% held for %s", pct.StringFixed(1), held.Truncate(time.Minute))
	}
	return false, ""
}

// RecordTrade books realized P&L of one trade. A losing trade's drawdown is
// its loss relative to the current balance.
func (m *Manager) RecordTrade(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.rollLocked(now)

	m.metrics.TradesToday++
	m.metrics.TradesThisHour++
	m.metrics.LastTradeAt = now
	m.metrics.DailyPnL = m.metrics.DailyPnL.Add(pnl)
	m.metrics.TotalRealizedPnL = m.metrics.TotalRealizedPnL.Add(pnl)

	if pnl.IsNegative() {
		m.metrics.ConsecutiveLosses++
		if m.metrics.CurrentBalance.IsPositive() {
			dd := pnl.Abs().Div(m.metrics.CurrentBalance).InexactFloat64()
			if dd > m.metrics.MaxDrawdown {
				m.metrics.MaxDrawdown = dd
			}
		}
	} else if pnl.IsPositive() {
		m.metrics.ConsecutiveLosses = 0
	}
}

// UpdateBalance sets the balance the limits are measured against.
func (m *Manager) UpdateBalance(balance decimal.Decimal) {
	m.mu.Lock()
	m.metrics.CurrentBalance = balance
	m.metrics.BalanceKnown = true
	m.mu.Unlock()
}

// DailyPnL is the realized P&L of the current day.
func (m *Manager) DailyPnL() decimal.Decimal {
	return m.Snapshot().DailyPnL
}

// DrawdownPct is the largest recorded drawdown in percent.
func (m *Manager) DrawdownPct() decimal.Decimal {
	return decimal.NewFromFloat(m.Snapshot().MaxDrawdown).Mul(hundred)
}

// Snapshot returns a copy of the running metrics.
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked(m.now())
	return m.metrics
}

// Restore loads previously persisted metrics. Stale day/hour counters are
// rolled over on the next read.
func (m *Manager) Restore(metrics Metrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.rollLocked(m.now())
	m.mu.Unlock()
}

// History returns the retained overall assessments, oldest first.
func (m *Manager) History() []Assessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Assessment(nil), m.history...)
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// UpdateLimits validates and swaps the limits.
func (m *Manager) UpdateLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
	m.log.Info("🛡️ risk limits updated")
	return nil
}

// Statistics summarizes manager activity.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked(m.now())

	bySeverity := make(map[Severity]int, 4)
	for _, a := range m.history {
		bySeverity[a.Severity]++
	}
	return Statistics{
		TotalAssessments:    m.total,
		Approved:            m.approved,
		Rejected:            m.rejected,
		EmergencyStopActive: m.emergencyStop,
		EmergencyReason:     m.emergencyReason,
		ManuallyBlocked:     m.manualBlock,
		BySeverity:          bySeverity,
		Metrics:             m.metrics,
		Limits:              m.limits,
	}
}

// LossTracker exposes the sustained-loss tracker.
func (m *Manager) LossTracker() *LossTracker { return m.losses }

// rollLocked resets daily counters on a new day and shifts hourly counters,
// keeping only the immediately preceding hour.
func (m *Manager) rollLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if m.metrics.Day != day {
		if m.metrics.Day != "" {
			m.log.WithFields(logger.Fields{
				"day":          m.metrics.Day,
				"daily_pnl":    m.metrics.DailyPnL.StringFixed(2),
				"trades_today": m.metrics.TradesToday,
			}).Info("📅 daily risk metrics reset")
		}
		m.metrics.Day = day
		m.metrics.DailyPnL = decimal.Zero
		m.metrics.TradesToday = 0
	}

	hour := now.Truncate(time.Hour)
	if !m.metrics.Hour.Equal(hour) {
		if m.metrics.Hour.Add(time.Hour).Equal(hour) {
			m.metrics.TradesPrevHour = m.metrics.TradesThisHour
		} else {
			m.metrics.TradesPrevHour = 0
		}
		m.metrics.TradesThisHour = 0
		m.metrics.Hour = hour
	}
}
