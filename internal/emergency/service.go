package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
	"doge-trader/pkg/logger"
)

const maxHistory = 100

// Executor is the emergency path of the order execution service.
type Executor interface {
	EmergencySell(ctx context.Context, pair models.TradingPair, qty, refPrice decimal.Decimal, reason string) (models.OrderResult, error)
}

// PriceSource quotes the current price of a pair.
type PriceSource interface {
	GetMarketData(ctx context.Context, pair models.TradingPair) (models.MarketData, error)
}

// PositionSource lists open positions for manual exits.
type PositionSource interface {
	All() []models.Position
}

// LossSource reports realized P&L of the current day and the recorded
// drawdown in percent.
type LossSource interface {
	DailyPnL() decimal.Decimal
	DrawdownPct() decimal.Decimal
}

// Config controls the service.
type Config struct {
	// MaxSlippagePct is how far below the current price exit orders are
	// referenced (5 = 5%).
	MaxSlippagePct decimal.Decimal
	DailyLossLimit decimal.Decimal
	QuoteCurrency  string
}

// DefaultConfig is 5% slippage and a 500 EUR daily loss limit.
func DefaultConfig() Config {
	return Config{
		MaxSlippagePct: decimal.NewFromInt(5),
		DailyLossLimit: decimal.NewFromInt(500),
		QuoteCurrency:  "EUR",
	}
}

// Service watches positions and market state and liquidates when a
// condition fires.
type Service struct {
	cfg        Config
	executor   Executor
	prices     PriceSource
	positions  PositionSource
	losses     LossSource
	conditions map[string]*Condition
	history    []Action
	level      Level
	active     bool

	bus events.Publisher
	log *logger.Entry
	now func() time.Time
	mu  sync.RWMutex
}

// NewService installs the default conditions. prices, positions and losses
// may be nil; the conditions depending on them then never fire.
func NewService(cfg Config, exec Executor, prices PriceSource, positions PositionSource, losses LossSource, bus events.Publisher, log *logger.Entry) (*Service, error) {
	if exec == nil {
		return nil, models.NewValidationError("executor", "emergency service requires an executor")
	}
	if cfg.MaxSlippagePct.IsNegative() || cfg.MaxSlippagePct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return nil, models.NewValidationError("max_slippage_pct", "must be in [0,100)")
	}
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "EUR"
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		cfg:        cfg,
		executor:   exec,
		prices:     prices,
		positions:  positions,
		losses:     losses,
		conditions: make(map[string]*Condition),
		level:      LevelYellow,
		bus:        bus,
		log:        log.WithComponent("emergency"),
		now:        time.Now,
	}
	for _, c := range DefaultConditions(cfg.DailyLossLimit) {
		c := c
		s.conditions[c.ID] = &c
	}
	s.log.WithField("conditions", len(s.conditions)).Info("🚨 emergency exit service initialized")
	return s, nil
}

// WithClock swaps the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// Assess recomputes every condition from the position, its price and the
// market and reports the worst triggered severity as an exit percentage.
// Triggered conditions enter their cooldown. A position that cannot be
// valued is treated as a full exit.
func (s *Service) Assess(ctx context.Context, pos *models.Position, price decimal.Decimal, md models.MarketData) Assessment {
	if !pos.IsEmpty() && !price.IsPositive() {
		reason := fmt.Sprintf("assessment error: no valid price for %s", pos.Currency)
		s.log.WithField("currency", pos.Currency).Error("❌ " + reason)
		return Assessment{Triggered: true, Reason: reason, ExitPercentage: 100, SeverityScore: 100, Trigger: TriggerSystemError}
	}

	positionLoss := decimal.Zero
	if pct := pos.PnLPercent(price); pct.IsNegative() {
		positionLoss = pct.Abs()
	}
	dailyLoss, drawdown := decimal.Zero, decimal.Zero
	if s.losses != nil {
		if pnl := s.losses.DailyPnL(); pnl.IsNegative() {
			dailyLoss = pnl.Abs()
		}
		drawdown = s.losses.DrawdownPct()
	}
	crash := decimal.NewFromFloat(md.BTCChange24h).Abs()

	s.mu.Lock()
	now := s.now()
	s.level = DangerLevel(md)

	var (
		fired   []Condition
		reasons []string
		worst   float64
		trigger Trigger
	)
	for _, id := range s.sortedIDsLocked() {
		c := s.conditions[id]
		switch c.Trigger {
		case TriggerPositionLoss, TriggerStopLoss:
			c.Current = positionLoss
		case TriggerDailyLoss:
			c.Current = dailyLoss
		case TriggerDrawdown:
			c.Current = drawdown
		case TriggerMarketCrash:
			c.Current = crash
		}
		if !c.Triggered(now) {
			continue
		}
		c.LastTriggered = now
		fired = append(fired, *c)
		reasons = append(reasons, c.Description)
		if score := c.SeverityScore(); score > worst {
			worst, trigger = score, c.Trigger
		}
	}
	s.mu.Unlock()

	if len(fired) == 0 {
		return Assessment{Reason: "no emergency conditions met"}
	}

	a := Assessment{
		Triggered:      true,
		Reason:         strings.Join(reasons, "; "),
		ExitPercentage: ExitPercentage(worst),
		SeverityScore:  worst,
		Trigger:        trigger,
	}
	for _, c := range fired {
		a.Conditions = append(a.Conditions, c.ID)
		s.bus.Publish("emergency_exit_service", events.EmergencyConditionTriggered{
			ConditionID:    c.ID,
			Trigger:        string(c.Trigger),
			Level:          string(c.Level),
			SeverityScore:  c.SeverityScore(),
			ExitPercentage: a.ExitPercentage,
			Reason:         c.Description,
		})
	}
	s.log.WithFields(logger.Fields{
		"conditions": a.Conditions,
		"severity":   worst,
		"exit_pct":   a.ExitPercentage,
	}).Warn("🚨 emergency conditions triggered: " + a.Reason)
	return a
}

// ExecuteExit sells pct percent of every position through the executor's
// emergency path. Failures on one position are logged and skipped. An
// *models.EmergencyStopError from the executor aborts the batch.
func (s *Service) ExecuteExit(ctx context.Context, positions []models.Position, trigger Trigger, pct float64) ([]models.OrderResult, error) {
	if pct <= 0 || pct > 100 {
		return nil, models.NewValidationError("exit_percentage", fmt.Sprintf("%.1f outside (0,100]", pct))
	}

	s.mu.Lock()
	start := s.now()
	s.active = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	action := Action{
		ID:             "emergency-" + uuid.NewString(),
		Trigger:        trigger,
		ExitPercentage: pct,
		Description:    fmt.Sprintf("emergency exit triggered by %s", trigger),
		CreatedAt:      start,
	}
	for _, p := range positions {
		action.Currencies = append(action.Currencies, p.Currency)
	}
	s.log.WithFields(logger.Fields{
		"trigger":   trigger,
		"positions": len(positions),
		"exit_pct":  pct,
	}).Error("🚨 EMERGENCY EXIT STARTED")

	share := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
	var fatal error
	for i := range positions {
		if ctx.Err() != nil {
			fatal = &models.EmergencyStopError{Reason: "emergency exit interrupted", Err: ctx.Err()}
			break
		}
		res, ok, err := s.exitPosition(ctx, &positions[i], share, action.Description)
		if err != nil {
			var stop *models.EmergencyStopError
			if errors.As(err, &stop) {
				fatal = err
				break
			}
			s.log.WithField("currency", positions[i].Currency).WithError(err).Error("❌ emergency exit of position failed")
			continue
		}
		if ok {
			action.Results = append(action.Results, res)
		}
	}

	s.mu.Lock()
	action.ExecutedAt = s.now()
	s.history = append(s.history, action)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.mu.Unlock()

	successful := 0
	for _, r := range action.Results {
		if r.Succeeded() {
			successful++
		}
	}
	s.bus.Publish("emergency_exit_service", events.EmergencyExitExecuted{
		Trigger:         string(trigger),
		PositionsCount:  len(positions),
		SuccessfulExits: successful,
		ExitPercentage:  pct,
		Description:     action.Description,
		DurationMillis:  action.ExecutedAt.Sub(action.CreatedAt).Milliseconds(),
	})

	if fatal != nil {
		s.log.WithError(fatal).Error("🚨 EMERGENCY EXIT ABORTED")
		return action.Results, fatal
	}
	s.log.WithField("successful", successful).Error("🚨 EMERGENCY EXIT COMPLETED")
	return action.Results, nil
}

func (s *Service) exitPosition(ctx context.Context, pos *models.Position, share decimal.Decimal, reason string) (models.OrderResult, bool, error) {
	qty := pos.Quantity.Mul(share)
	if !qty.IsPositive() {
		return models.OrderResult{}, false, nil
	}
	pair, err := models.NewTradingPair(pos.Currency, s.cfg.QuoteCurrency)
	if err != nil {
		return models.OrderResult{}, false, err
	}

	price := pos.AveragePrice
	if s.prices != nil {
		md, err := s.prices.GetMarketData(ctx, pair)
		if err == nil && md.Price.IsPositive() {
			price = md.Price
		} else {
			s.log.WithField("pair", pair.String()).Warn("⚠️ no live price, using average entry price")
		}
	}
	ref := decimal.Zero
	if price.IsPositive() {
		slip := s.cfg.MaxSlippagePct.Div(decimal.NewFromInt(100))
		ref = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	res, err := s.executor.EmergencySell(ctx, pair, qty, ref, reason)
	if err != nil {
		return res, false, err
	}
	s.log.WithFields(logger.Fields{
		"pair":   pair.String(),
		"qty":    qty.String(),
		"status": res.Status,
	}).Warn("🏃 emergency sell placed")
	return res, true, nil
}

// ManualTrigger exits the listed currencies, or every open position when
// currencies is empty. pct defaults to 50.
func (s *Service) ManualTrigger(ctx context.Context, reason string, currencies []string, pct float64) ([]models.OrderResult, error) {
	if s.positions == nil {
		return nil, &models.EmergencyStopError{Reason: "manual emergency exit impossible", Err: errors.New("no position source")}
	}
	if pct == 0 {
		pct = 50
	}
	s.log.WithField("reason", reason).Warn("🔴 manual emergency exit")

	wanted := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		wanted[strings.ToUpper(c)] = true
	}
	var targets []models.Position
	for _, p := range s.positions.All() {
		if p.IsEmpty() {
			continue
		}
		if len(wanted) > 0 && !wanted[p.Currency] {
			continue
		}
		targets = append(targets, p)
	}
	return s.ExecuteExit(ctx, targets, TriggerManual, pct)
}

// AddCondition installs or replaces a condition.
func (s *Service) AddCondition(c Condition) error {
	if c.ID == "" {
		return models.NewValidationError("id", "condition id is required")
	}
	if !c.Threshold.IsPositive() {
		return models.NewValidationError("threshold", "threshold must be positive")
	}
	s.mu.Lock()
	s.conditions[c.ID] = &c
	s.mu.Unlock()
	s.log.WithField("condition", c.ID).Info("➕ emergency condition added")
	return nil
}

// RemoveCondition deletes a condition. Unknown ids return false.
func (s *Service) RemoveCondition(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conditions[id]; !ok {
		return false
	}
	delete(s.conditions, id)
	s.log.WithField("condition", id).Info("➖ emergency condition removed")
	return true
}

// ActivateCondition re-enables a condition.
func (s *Service) ActivateCondition(id string) bool { return s.setActive(id, true) }

// DeactivateCondition keeps a condition but stops it from firing.
func (s *Service) DeactivateCondition(id string) bool { return s.setActive(id, false) }

func (s *Service) setActive(id string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[id]
	if !ok {
		return false
	}
	c.Active = active
	s.log.WithFields(logger.Fields{"condition": id, "active": active}).Info("🔧 emergency condition toggled")
	return true
}

// ConditionStatus is a condition plus its live evaluation.
type ConditionStatus struct {
	Condition
	Triggered     bool    `json:"triggered"`
	SeverityScore float64 `json:"severity_score"`
}

// ConditionsStatus lists every condition ordered by id.
func (s *Service) ConditionsStatus() []ConditionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]ConditionStatus, 0, len(s.conditions))
	for _, id := range s.sortedIDsLocked() {
		c := *s.conditions[id]
		out = append(out, ConditionStatus{Condition: c, Triggered: c.Triggered(now), SeverityScore: c.SeverityScore()})
	}
	return out
}

// Health grades the system by how many conditions are currently firing.
func (s *Service) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	h := Health{EmergencyActive: s.active, Level: s.level, Status: "healthy"}
	for _, c := range s.conditions {
		if c.Active {
			h.ActiveConditions++
		}
		if c.Triggered(now) {
			h.TriggeredConditions++
		}
	}
	switch {
	case h.TriggeredConditions >= 3:
		h.Status = "critical"
	case h.TriggeredConditions == 2:
		h.Status = "warning"
	case h.TriggeredConditions == 1:
		h.Status = "caution"
	}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		le := &LastExit{Trigger: last.Trigger, ExecutedAt: last.ExecutedAt, PositionsAffected: len(last.Currencies)}
		if len(last.Currencies) > 0 {
			le.SuccessRate = float64(len(last.Results)) / float64(len(last.Currencies))
		}
		h.LastEmergency = le
	}
	return h
}

// History returns executed exits, oldest first.
func (s *Service) History() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.history...)
}

// Statistics aggregates the exit history.
func (s *Service) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Statistics{ByTrigger: make(map[Trigger]int), Level: s.level, TotalEmergencies: len(s.history)}
	var sum float64
	for _, a := range s.history {
		st.ByTrigger[a.Trigger]++
		sum += a.ExitPercentage
	}
	if len(s.history) > 0 {
		st.AverageExitPercentage = sum / float64(len(s.history))
		st.LastEmergency = s.history[len(s.history)-1].ExecutedAt
	}
	for _, c := range s.conditions {
		if c.Active {
			st.ActiveConditions++
		}
	}
	return st
}

// Level is the market danger level from the last assessment.
func (s *Service) Level() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

func (s *Service) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.conditions))
	for id := range s.conditions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
