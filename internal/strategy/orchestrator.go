package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
	"doge-trader/pkg/logger"
)

const (
	maxHistory         = 1000
	maxConsecutiveErrs = 5
	confidenceAlpha    = 0.1
)

// Vote thresholds are compared in decimal so exact boundaries hold.
var (
	minWinningScore = decimal.RequireFromString("0.3")
	minScoreGap     = decimal.RequireFromString("0.1")
)

// voteOrder fixes the iteration order of signal groups so combination is
// deterministic.
var voteOrder = []models.SignalType{
	models.SignalBuy,
	models.SignalSell,
	models.SignalHold,
	models.SignalDCABuy,
	models.SignalPyramidSell,
}

type instance struct {
	id        string
	strategy  Strategy
	config    Config
	status    Status
	metrics   Metrics
	lastError string
	createdAt time.Time
	lastRunAt time.Time
}

func (i *instance) active() bool { return i.status == StatusActive }

// Orchestrator runs every active strategy for a pair and folds their
// signals with a weighted vote.
type Orchestrator struct {
	strategies map[string]*instance
	pairs      map[string][]string // pair -> strategy ids, in activation order

	history      []CombinedSignal
	totalSignals int
	lastAnalysis time.Time

	bus events.Publisher
	log *logger.Entry
	now func() time.Time
	mu  sync.RWMutex
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(bus events.Publisher, log *logger.Entry) *Orchestrator {
	if bus == nil {
		bus = events.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	o := &Orchestrator{
		strategies: make(map[string]*instance),
		pairs:      make(map[string][]string),
		bus:        bus,
		log:        log.WithComponent("strategy"),
		now:        time.Now,
	}
	o.log.Info("🎭 strategy orchestrator initialized")
	return o
}

// WithClock swaps the time source. Used by tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
	return o
}

// Register adds or replaces a strategy under id.
func (o *Orchestrator) Register(id string, s Strategy, cfg Config) error {
	if strings.TrimSpace(id) == "" {
		return models.NewValidationError("id", "strategy id is required")
	}
	if s == nil {
		return models.NewValidationError("strategy", "strategy is nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	if cfg.RiskLevel == "" {
		cfg.RiskLevel = models.RiskMedium
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.strategies[id]; exists {
		o.log.WithField("strategy_id", id).Warn("⚠️ strategy already registered, replacing")
	}
	status := StatusActive
	if !cfg.Enabled {
		status = StatusDisabled
	}
	o.strategies[id] = &instance{
		id:        id,
		strategy:  s,
		config:    cfg,
		status:    status,
		createdAt: o.now(),
	}
	o.log.WithFields(logger.Fields{
		"strategy_id": id,
		"name":        s.Name(),
		"priority":    cfg.Priority,
		"weight":      cfg.Weight,
	}).Info("✅ strategy registered")
	return nil
}

// Unregister removes a strategy and all its pair activations.
func (o *Orchestrator) Unregister(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.strategies[id]; !ok {
		return false
	}
	for pair, ids := range o.pairs {
		o.pairs[pair] = removeID(ids, id)
	}
	delete(o.strategies, id)
	o.log.WithField("strategy_id", id).Info("🗑️ strategy removed")
	return true
}

// ActivateForPair makes a registered, active strategy vote on pair.
func (o *Orchestrator) ActivateForPair(id string, pair models.TradingPair) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	inst, ok := o.strategies[id]
	if !ok {
		return &models.StrategyError{StrategyID: id, Err: errors.New("strategy not registered")}
	}
	if !inst.active() {
		return &models.StrategyError{StrategyID: id, Err: fmt.Errorf("strategy status %s", inst.status)}
	}
	key := pair.String()
	for _, existing := range o.pairs[key] {
		if existing == id {
			return nil
		}
	}
	o.pairs[key] = append(o.pairs[key], id)
	o.log.WithFields(logger.Fields{"strategy_id": id, "pair": key}).Info("🔛 strategy activated for pair")
	return nil
}

// DeactivateForPair stops a strategy voting on pair.
func (o *Orchestrator) DeactivateForPair(id string, pair models.TradingPair) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := pair.String()
	before := len(o.pairs[key])
	o.pairs[key] = removeID(o.pairs[key], id)
	if len(o.pairs[key]) == before {
		return false
	}
	o.log.WithFields(logger.Fields{"strategy_id": id, "pair": key}).Info("🔚 strategy deactivated for pair")
	return true
}

// Pause stops a strategy from voting until Resume.
func (o *Orchestrator) Pause(id string) bool {
	return o.transition(id, StatusPaused, "⏸️ strategy paused", nil)
}

// Resume reactivates a paused or errored strategy and clears its error state.
func (o *Orchestrator) Resume(id string) bool {
	return o.transition(id, StatusActive, "▶️ strategy resumed", []Status{StatusPaused, StatusError})
}

// Disable turns a strategy off regardless of its current status.
func (o *Orchestrator) Disable(id string) bool {
	return o.transition(id, StatusDisabled, "⛔ strategy disabled", nil)
}

// Enable turns a disabled strategy back on.
func (o *Orchestrator) Enable(id string) bool {
	return o.transition(id, StatusActive, "✅ strategy enabled", []Status{StatusDisabled})
}

func (o *Orchestrator) transition(id string, to Status, msg string, from []Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	inst, ok := o.strategies[id]
	if !ok {
		return false
	}
	if from != nil {
		allowed := false
		for _, st := range from {
			if inst.status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	inst.status = to
	inst.config.Enabled = to != StatusDisabled
	if to == StatusActive {
		inst.lastError = ""
		inst.metrics.ConsecutiveErrors = 0
	}
	o.log.WithField("strategy_id", id).Info(msg)
	return true
}

type candidate struct {
	id       string
	strategy Strategy
	config   Config
	lastRun  time.Time
}

type outcome struct {
	id     string
	signal models.TradeSignal
	err    error
}

// AnalyzeMarket asks every active strategy on pair for a signal and combines
// the answers. Strategy failures are isolated and never returned.
func (o *Orchestrator) AnalyzeMarket(ctx context.Context, pair models.TradingPair, md models.MarketData, pos *models.Position) CombinedSignal {
	o.mu.Lock()
	now := o.now()
	o.lastAnalysis = now
	var cands []candidate
	for _, id := range o.pairs[pair.String()] {
		inst, ok := o.strategies[id]
		if !ok || !inst.active() {
			continue
		}
		cands = append(cands, candidate{id: id, strategy: inst.strategy, config: inst.config, lastRun: inst.lastRunAt})
	}
	o.mu.Unlock()

	if len(cands) == 0 {
		return o.finish(hold(pair, "no active strategies", now))
	}

	outcomes := make([]outcome, 0, len(cands))
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		if !o.conditionsMet(c, md, now) {
			continue
		}
		sig, err := o.run(ctx, c, md, pos)
		outcomes = append(outcomes, outcome{id: c.id, signal: sig, err: err})
	}

	votes := o.settle(pair, outcomes, now)
	combined := Combine(pair, votes, now)
	return o.finish(combined)
}

func (o *Orchestrator) conditionsMet(c candidate, md models.MarketData, now time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logger.Fields{"strategy_id": c.id, "panic": r}).Error("❌ strategy condition check panicked")
			ok = false
		}
	}()

	cond := c.config.Conditions
	if cond.MinInterval > 0 && !c.lastRun.IsZero() && now.Sub(c.lastRun) < cond.MinInterval {
		return false
	}
	if cond.MinVolatility > 0 && md.Volatility < cond.MinVolatility {
		return false
	}
	if cond.MinVolume.IsPositive() && md.Volume24h.LessThan(cond.MinVolume) {
		return false
	}
	return c.strategy.CanExecute(md)
}

func (o *Orchestrator) run(ctx context.Context, c candidate, md models.MarketData, pos *models.Position) (sig models.TradeSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.StrategyError{StrategyID: c.id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	var p *models.Position
	if pos != nil {
		p = pos.Clone()
	}
	sig, err = c.strategy.Analyze(ctx, md, p)
	if err != nil {
		return models.TradeSignal{}, &models.StrategyError{StrategyID: c.id, Err: err}
	}
	return sig, nil
}

// settle records per-strategy outcomes and returns the valid votes.
func (o *Orchestrator) settle(pair models.TradingPair, outcomes []outcome, now time.Time) []Contribution {
	o.mu.Lock()
	defer o.mu.Unlock()

	votes := make([]Contribution, 0, len(outcomes))
	for _, out := range outcomes {
		inst, ok := o.strategies[out.id]
		if !ok {
			continue
		}
		if out.err != nil {
			o.recordErrorLocked(inst, out.err)
			continue
		}
		inst.metrics.ConsecutiveErrors = 0
		inst.lastRunAt = now

		sig := out.signal
		if sig.Type == "" {
			continue
		}
		if sig.Pair.IsZero() {
			sig.Pair = pair
		}
		if sig.StrategyName == "" {
			sig.StrategyName = out.id
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = now
		}
		if sig.RiskLevel == "" {
			sig.RiskLevel = inst.config.RiskLevel
		}
		if err := sig.Validate(); err != nil || sig.Pair != pair {
			o.log.WithFields(logger.Fields{"strategy_id": out.id, "signal_type": sig.Type}).
				WithError(err).Debug("❌ invalid signal dropped")
			continue
		}

		inst.metrics.TotalSignals++
		inst.metrics.LastSignalAt = now
		if inst.metrics.AverageConfidence == 0 {
			inst.metrics.AverageConfidence = sig.Confidence
		} else {
			inst.metrics.AverageConfidence = confidenceAlpha*sig.Confidence + (1-confidenceAlpha)*inst.metrics.AverageConfidence
		}
		votes = append(votes, Contribution{StrategyID: out.id, Weight: inst.config.Weight, Signal: sig})
	}
	return votes
}

func (o *Orchestrator) recordErrorLocked(inst *instance, err error) {
	inst.metrics.ExecutionErrors++
	inst.metrics.ConsecutiveErrors++
	inst.lastError = err.Error()

	entry := o.log.WithFields(logger.Fields{
		"strategy_id":        inst.id,
		"consecutive_errors": inst.metrics.ConsecutiveErrors,
	}).WithError(err)
	if inst.metrics.ConsecutiveErrors >= maxConsecutiveErrs && inst.status == StatusActive {
		inst.status = StatusError
		entry.Warn("⚠️ strategy suspended after repeated errors")
	} else {
		entry.Error("❌ strategy analysis failed")
	}
	o.bus.Publish("strategy_orchestrator", events.StrategyErrored{
		StrategyID:        inst.id,
		Error:             err.Error(),
		ConsecutiveErrors: inst.metrics.ConsecutiveErrors,
		Status:            string(inst.status),
	})
}

func (o *Orchestrator) finish(c CombinedSignal) CombinedSignal {
	o.mu.Lock()
	o.history = append(o.history, c)
	if len(o.history) > maxHistory {
		o.history = o.history[len(o.history)-maxHistory:]
	}
	o.totalSignals++
	o.mu.Unlock()

	o.bus.Publish("strategy_orchestrator", events.CombinedSignalGenerated{
		Pair:          c.Pair.String(),
		SignalType:    string(c.FinalType),
		Confidence:    c.Confidence,
		StrategyCount: c.StrategyCount(),
		Reasoning:     c.Reasoning,
	})
	if !c.IsHold() {
		o.log.WithFields(logger.Fields{
			"pair":       c.Pair.String(),
			"signal":     c.FinalType,
			"confidence": fmt.Sprintf("%.2f", c.Confidence),
		}).Info("🎯 combined signal")
	}
	return c
}

func hold(pair models.TradingPair, reason string, now time.Time) CombinedSignal {
	return CombinedSignal{
		Pair:       pair,
		FinalType:  models.SignalHold,
		Confidence: 1,
		Reasoning:  reason,
		CreatedAt:  now,
	}
}

// Combine folds votes with a weighted vote. EMERGENCY_EXIT from any
// strategy wins outright. Otherwise the group with the highest sum of
// confidence x weight wins, unless that sum is below 0.3 or within 0.1 of
// the runner-up, in which case the result is HOLD. The combined confidence
// is the weighted average confidence of the winning group.
func Combine(pair models.TradingPair, votes []Contribution, now time.Time) CombinedSignal {
	if len(votes) == 0 {
		return hold(pair, "no signals from strategies", now)
	}

	groups := make(map[models.SignalType][]Contribution)
	for _, v := range votes {
		groups[v.Signal.Type] = append(groups[v.Signal.Type], v)
	}

	final := models.SignalHold
	if len(groups[models.SignalEmergencyExit]) > 0 {
		final = models.SignalEmergencyExit
	} else {
		scores := make([]decimal.Decimal, 0, len(voteOrder))
		best, bestScore := models.SignalHold, decimal.NewFromInt(-1)
		for _, t := range voteOrder {
			score := groupScore(groups[t])
			scores = append(scores, score)
			if score.GreaterThan(bestScore) {
				best, bestScore = t, score
			}
		}
		sort.Slice(scores, func(i, j int) bool { return scores[i].GreaterThan(scores[j]) })
		if bestScore.GreaterThanOrEqual(minWinningScore) && scores[0].Sub(scores[1]).GreaterThanOrEqual(minScoreGap) {
			final = best
		}
	}

	confidence := groupConfidence(groups[final])
	contributions := make([]Contribution, len(votes))
	copy(contributions, votes)
	return CombinedSignal{
		Pair:          pair,
		FinalType:     final,
		Confidence:    confidence,
		Contributions: contributions,
		Reasoning:     reasoning(groups, final, confidence),
		CreatedAt:     now,
	}
}

// groupScore sums confidence x weight for one signal type.
func groupScore(group []Contribution) decimal.Decimal {
	score := decimal.Zero
	for _, v := range group {
		score = score.Add(decimal.NewFromFloat(v.Signal.Confidence).Mul(decimal.NewFromFloat(v.Weight)))
	}
	return score
}

func groupConfidence(group []Contribution) float64 {
	totalWeight, weighted := 0.0, 0.0
	for _, v := range group {
		totalWeight += v.Weight
		weighted += v.Signal.Confidence * v.Weight
	}
	if totalWeight == 0 {
		return 0
	}
	if c := weighted / totalWeight; c < 1 {
		return c
	}
	return 1
}

func reasoning(groups map[models.SignalType][]Contribution, final models.SignalType, confidence float64) string {
	order := append([]models.SignalType{models.SignalEmergencyExit}, voteOrder...)
	parts := make([]string, 0, len(order)+1)
	for _, t := range order {
		if len(groups[t]) == 0 {
			continue
		}
		ids := make([]string, 0, len(groups[t]))
		for _, v := range groups[t] {
			ids = append(ids, v.StrategyID)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", t, strings.Join(ids, ", ")))
	}
	parts = append(parts, fmt.Sprintf("result: %s (confidence %.2f)", final, confidence))
	return strings.Join(parts, "; ")
}

// History returns up to limit most recent combined signals, oldest first.
func (o *Orchestrator) History(limit int) []CombinedSignal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	start := 0
	if limit > 0 && len(o.history) > limit {
		start = len(o.history) - limit
	}
	out := make([]CombinedSignal, len(o.history)-start)
	copy(out, o.history[start:])
	return out
}

// Get returns a view of one strategy.
func (o *Orchestrator) Get(id string) (Info, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.strategies[id]
	if !ok {
		return Info{}, false
	}
	return o.infoLocked(inst), true
}

func (o *Orchestrator) infoLocked(inst *instance) Info {
	pairs := []string{}
	for pair, ids := range o.pairs {
		for _, id := range ids {
			if id == inst.id {
				pairs = append(pairs, pair)
			}
		}
	}
	sort.Strings(pairs)
	return Info{
		ID:        inst.id,
		Name:      inst.strategy.Name(),
		Status:    inst.status,
		Config:    inst.config,
		Metrics:   inst.metrics,
		LastError: inst.lastError,
		CreatedAt: inst.createdAt,
		Pairs:     pairs,
	}
}

// Statistics summarizes every registered strategy.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := Statistics{
		TotalStrategies:      len(o.strategies),
		TotalCombinedSignals: o.totalSignals,
		ActivePairs:          make(map[string][]string, len(o.pairs)),
		LastAnalysis:         o.lastAnalysis,
	}
	for pair, ids := range o.pairs {
		if len(ids) == 0 {
			continue
		}
		stats.ActivePairs[pair] = append([]string(nil), ids...)
	}
	ids := make([]string, 0, len(o.strategies))
	for id := range o.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inst := o.strategies[id]
		if inst.active() {
			stats.ActiveStrategies++
		}
		stats.Strategies = append(stats.Strategies, o.infoLocked(inst))
	}
	recent := o.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for _, c := range recent {
		if !c.IsHold() {
			stats.RecentActionable++
		}
	}
	return stats
}

// ExportState collects the state of every stateful strategy.
func (o *Orchestrator) ExportState() map[string]json.RawMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for id, inst := range o.strategies {
		st, ok := inst.strategy.(Stateful)
		if !ok {
			continue
		}
		data, err := st.GetState()
		if err != nil {
			o.log.WithField("strategy_id", id).WithError(err).Warn("⚠️ failed to export strategy state")
			continue
		}
		out[id] = data
	}
	return out
}

// RestoreState hands saved state back to stateful strategies.
func (o *Orchestrator) RestoreState(states map[string]json.RawMessage) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for id, data := range states {
		inst, ok := o.strategies[id]
		if !ok {
			continue
		}
		st, ok := inst.strategy.(Stateful)
		if !ok {
			continue
		}
		if err := st.SetState(data); err != nil {
			o.log.WithField("strategy_id", id).WithError(err).Warn("⚠️ failed to restore strategy state")
			continue
		}
		o.log.WithField("strategy_id", id).Info("✓ restored strategy state")
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
