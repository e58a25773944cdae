package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/balance"
	"doge-trader/internal/emergency"
	"doge-trader/internal/events"
	"doge-trader/internal/market"
	"doge-trader/internal/models"
	"doge-trader/internal/order"
	"doge-trader/internal/persistence"
	"doge-trader/internal/position"
	"doge-trader/internal/risk"
	"doge-trader/internal/strategy"
	"doge-trader/pkg/logger"
)

const stateKey = "engine_state"

// Config holds the loop settings.
type Config struct {
	Pairs          []models.TradingPair
	Interval       time.Duration
	ReservationTTL time.Duration
	Version        string
}

// Observer receives timing samples. monitor.SystemMetrics implements it.
type Observer interface {
	CycleCompleted(d time.Duration, outcome string)
	StrategyAnalyzed(d time.Duration, actionable bool)
	OrderExecuted(d time.Duration, ok bool)
}

type nopObserver struct{}

func (nopObserver) CycleCompleted(time.Duration, string) {}
func (nopObserver) StrategyAnalyzed(time.Duration, bool) {}
func (nopObserver) OrderExecuted(time.Duration, bool)    {}

// Deps are the components the engine composes. Store, Observer, Bus and
// Log are optional.
type Deps struct {
	Risk       *risk.Manager
	Strategies *strategy.Orchestrator
	Executor   *order.Executor
	Emergency  *emergency.Service
	Balances   *balance.Tracker
	Positions  *position.Manager
	Market     market.Provider
	Store      persistence.Service
	Observer   Observer
	Bus        events.Publisher
	Log        *logger.Entry
}

// Engine drives one trading cycle per pair: emergency watchdog first, then
// strategies, risk, sizing, reservation, execution and bookkeeping.
type Engine struct {
	cfg        Config
	risk       *risk.Manager
	strategies *strategy.Orchestrator
	executor   *order.Executor
	emergency  *emergency.Service
	balances   *balance.Tracker
	positions  *position.Manager
	market     market.Provider
	store      persistence.Service
	observer   Observer
	log        *logger.Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu        sync.RWMutex
	fills     map[string]int
	running   bool
	cycles    int
	lastCycle time.Time
	now       func() time.Time
}

// New wires the engine. Every trading component is required.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Risk == nil:
		return nil, errors.New("engine: risk manager is required")
	case deps.Strategies == nil:
		return nil, errors.New("engine: strategy orchestrator is required")
	case deps.Executor == nil:
		return nil, errors.New("engine: order executor is required")
	case deps.Emergency == nil:
		return nil, errors.New("engine: emergency service is required")
	case deps.Balances == nil:
		return nil, errors.New("engine: balance tracker is required")
	case deps.Positions == nil:
		return nil, errors.New("engine: position manager is required")
	case deps.Market == nil:
		return nil, errors.New("engine: market data provider is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cfg:        cfg,
		risk:       deps.Risk,
		strategies: deps.Strategies,
		executor:   deps.Executor,
		emergency:  deps.Emergency,
		balances:   deps.Balances,
		positions:  deps.Positions,
		market:     deps.Market,
		store:      deps.Store,
		observer:   deps.Observer,
		log:        log.WithComponent("engine"),
		locks:      make(map[string]*sync.Mutex),
		fills:      make(map[string]int),
		now:        time.Now,
	}, nil
}

// WithClock swaps the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
	return e
}

func (e *Engine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

func (e *Engine) pairLock(pair string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[pair]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pair] = l
	}
	return l
}

// RunCycle runs one pass for pair. A cycle already in flight for the same
// pair makes this call return immediately with OutcomeSkipped.
func (e *Engine) RunCycle(ctx context.Context, pair models.TradingPair) (res CycleResult, err error) {
	started := time.Now()
	res = CycleResult{Pair: pair.String(), StartedAt: e.clock()}

	lock := e.pairLock(res.Pair)
	if !lock.TryLock() {
		res.Outcome, res.Reason = OutcomeSkipped, "cycle already running"
		e.observer.CycleCompleted(0, string(OutcomeSkipped))
		return res, nil
	}
	defer lock.Unlock()
	defer func() {
		if err != nil {
			res.Outcome, res.Reason = OutcomeError, err.Error()
		}
		res.Duration = time.Since(started)
		e.finishCycle(res)
	}()

	if stopped, reason := e.risk.IsEmergencyStopped(); stopped {
		res.Outcome, res.Reason = OutcomeSkipped, "emergency stop active: "+reason
		return res, nil
	}

	e.applyResults(ctx, e.executor.RefreshActiveOrders(ctx))

	md, err := e.market.GetMarketData(ctx, pair)
	if err != nil {
		return res, fmt.Errorf("cycle %s: %w", pair, err)
	}
	res.Price = md.Price.String()
	e.syncRiskBalance(ctx, pair.Quote)
	if stopped, reason := e.stopCheck(); stopped {
		res.Outcome, res.Reason = OutcomeSkipped, "emergency stop active: "+reason
		return res, nil
	}
	pos := e.positions.Get(ctx, pair.Base)

	if handled, err := e.watchdog(ctx, pos, md, &res); handled || err != nil {
		return res, err
	}

	analyzed := time.Now()
	combined := e.strategies.AnalyzeMarket(ctx, pair, md, pos)
	e.observer.StrategyAnalyzed(time.Since(analyzed), !combined.IsHold())
	sig := combined.TradeSignal()
	res.Signal = &sig
	if sig.Type == models.SignalHold {
		res.Outcome, res.Reason = OutcomeHold, combined.Reasoning
		return res, nil
	}

	return e.trade(ctx, sig, pos, md, res)
}

// trade takes an actionable signal through risk, sizing, reservation and
// execution.
func (e *Engine) trade(ctx context.Context, sig models.TradeSignal, pos *models.Position, md models.MarketData, res CycleResult) (CycleResult, error) {
	if sig.Type != models.SignalEmergencyExit && e.risk.ShouldBlockTrading() {
		res.Outcome, res.Reason = OutcomeRejected, "trading blocked by risk manager"
		e.log.WithField("pair", sig.Pair.String()).Warn("🚫 trading blocked, signal dropped")
		return res, nil
	}
	sig, bundle, err := e.approve(ctx, sig, pos)
	res.Signal, res.Risk = &sig, &bundle
	if err != nil {
		return res, err
	}
	if !bundle.Approved {
		res.Outcome, res.Reason = OutcomeRejected, bundle.Overall.Description
		e.log.WithFields(logger.Fields{
			"pair":   sig.Pair.String(),
			"signal": sig.Type,
			"action": bundle.Overall.Action,
		}).Warn("🛡️ trade rejected by risk: " + bundle.Overall.Description)
		return res, nil
	}

	result, err := e.execute(ctx, sig, md, func(ctx context.Context) (models.OrderResult, error) {
		return e.executor.ExecuteSignal(ctx, sig)
	})
	if result.OrderID != "" {
		res.Order = &result
	}
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		res.Outcome, res.Reason = OutcomeRejected, err.Error()
		return res, nil
	case err != nil:
		return res, err
	case result.Status == models.OrderFailed:
		res.Outcome, res.Reason = OutcomeRejected, "order failed: "+result.ErrorMessage
		return res, nil
	}
	res.Outcome, res.Reason = OutcomeExecuted, sig.Reason
	return res, nil
}

// watchdog runs the emergency assessment and the risk manager's loss
// check. It returns true when it liquidated, ending the cycle.
func (e *Engine) watchdog(ctx context.Context, pos *models.Position, md models.MarketData, res *CycleResult) (bool, error) {
	a := e.emergency.Assess(ctx, pos, md.Price, md)
	if !a.Triggered {
		exit, why := e.risk.ShouldEmergencyExit(pos, md.Price)
		if !exit {
			return false, nil
		}
		a = emergency.Assessment{
			Triggered: true, Reason: why, ExitPercentage: 100, SeverityScore: 100,
			Trigger: emergency.TriggerStopLoss,
		}
	}

	targets := []models.Position{*pos}
	if a.Trigger.PortfolioWide() {
		targets = e.positions.All()
	}
	if !anyOpen(targets) {
		return false, nil
	}

	res.Emergency = &a
	results, err := e.emergency.ExecuteExit(ctx, targets, a.Trigger, a.ExitPercentage)
	e.applyResults(ctx, results)
	res.ExitOrders = results
	res.Outcome, res.Reason = OutcomeEmergencyExit, a.Reason
	if err != nil {
		if errors.Is(err, models.ErrEmergencyStop) {
			e.risk.ManualEmergencyStop("emergency exit failed: " + err.Error())
		}
		return true, err
	}
	return true, nil
}

func anyOpen(ps []models.Position) bool {
	for i := range ps {
		if !ps[i].IsEmpty() {
			return true
		}
	}
	return false
}

// approve caps a buy at CalculatePositionSize before assessing it, so an
// oversized request does not count as a critical assessment. When the
// position size is still out of bounds it resizes and assesses again.
func (e *Engine) approve(ctx context.Context, sig models.TradeSignal, pos *models.Position) (models.TradeSignal, risk.Bundle, error) {
	if sig.Type.IsBuy() {
		sized, err := e.fit(ctx, sig)
		if err != nil {
			return sig, risk.Bundle{}, err
		}
		sig = sized
	}
	bundle := e.risk.AssessTradeRisk(sig, pos)
	if bundle.Approved || !bundle.Limited {
		return sig, bundle, nil
	}

	resized, err := e.fit(ctx, sig)
	if err != nil {
		return sig, bundle, err
	}
	if resized.Quantity.Equal(sig.Quantity) {
		return sig, bundle, nil
	}
	return resized, e.risk.AssessTradeRisk(resized, pos), nil
}

// fit shrinks sig to the risk manager's position size for the free quote
// balance. A size of zero leaves sig untouched for the assessment to reject.
func (e *Engine) fit(ctx context.Context, sig models.TradeSignal) (models.TradeSignal, error) {
	info, err := e.balances.GetBalance(ctx, sig.Pair.Quote)
	if err != nil {
		return sig, fmt.Errorf("size %s: %w", sig.Pair, err)
	}
	qty := e.risk.CalculatePositionSize(sig, info.Free)
	if !qty.IsPositive() || !qty.LessThan(sig.Quantity) {
		return sig, nil
	}
	e.log.WithFields(logger.Fields{
		"pair":      sig.Pair.String(),
		"requested": sig.Quantity.String(),
		"resized":   qty.String(),
	}).Info("📐 signal resized to fit risk limits")
	return sig.WithQuantity(qty), nil
}

// execute reserves the quote funds a buy needs, runs place, releases the
// reservation and books the fill.
func (e *Engine) execute(ctx context.Context, sig models.TradeSignal, md models.MarketData, place func(context.Context) (models.OrderResult, error)) (models.OrderResult, error) {
	var reservation string
	if sig.Type.IsBuy() {
		amount := sig.Notional()
		if !amount.IsPositive() {
			amount = sig.Quantity.Mul(decimal.Max(md.Ask, md.Price))
		}
		desc := fmt.Sprintf("%s %s %s", sig.Type, sig.Quantity, sig.Pair)
		id, err := e.balances.Reserve(ctx, sig.Pair.Quote, amount, "order", desc, e.cfg.ReservationTTL)
		if err != nil {
			return models.OrderResult{}, err
		}
		reservation = id
	}

	started := time.Now()
	result, err := place(ctx)
	e.observer.OrderExecuted(time.Since(started), err == nil && result.Status != models.OrderFailed)
	if reservation != "" {
		e.balances.Release(reservation)
	}
	if err != nil {
		return result, err
	}
	e.applyResults(ctx, []models.OrderResult{result})
	return result, nil
}

func (e *Engine) applyResults(ctx context.Context, results []models.OrderResult) {
	for _, r := range results {
		e.applyResult(ctx, r)
	}
}

// applyResult books a fill on the position and the balances and records
// its realized P&L with the risk manager.
func (e *Engine) applyResult(ctx context.Context, r models.OrderResult) {
	trade, ok := r.Trade()
	if !ok {
		return
	}
	trade.ID = e.tradeID(r)
	if trade.Timestamp.IsZero() {
		trade.Timestamp = e.clock()
	}

	pnl := decimal.Zero
	if trade.Side == models.SideSell {
		pos := e.positions.Get(ctx, trade.Pair.Base)
		sold := decimal.Min(trade.Quantity, pos.Quantity)
		pnl = order.RealizedPnL(models.SideBuy, sold, pos.AveragePrice, trade.Price, trade.Commission)
	}

	if _, err := e.positions.ApplyTrade(ctx, trade); err != nil {
		e.log.WithField("trade_id", trade.ID).WithError(err).Error("❌ failed to apply trade to position")
		return
	}
	if err := e.balances.UpdateAfterTrade(trade); err != nil {
		e.log.WithField("trade_id", trade.ID).WithError(err).Error("❌ failed to apply trade to balances")
	}
	e.risk.RecordTrade(pnl)
	e.syncRiskBalance(ctx, trade.Pair.Quote)
}

// tradeID keeps trade ids unique across the partial fills of one order.
func (e *Engine) tradeID(r models.OrderResult) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.fills[r.OrderID] + 1
	if r.Status == models.OrderPartiallyFilled {
		e.fills[r.OrderID] = n
	} else {
		delete(e.fills, r.OrderID)
	}
	if n == 1 {
		return r.OrderID
	}
	return fmt.Sprintf("%s-%d", r.OrderID, n)
}

// syncRiskBalance hands the free quote balance to the risk manager.
func (e *Engine) syncRiskBalance(ctx context.Context, quote string) {
	info, err := e.balances.GetBalance(ctx, quote)
	if err != nil {
		e.log.WithField("currency", quote).WithError(err).Warn("⚠️ balance unavailable for risk limits")
		return
	}
	e.risk.UpdateBalance(info.Free)
}

// stopCheck evaluates the critical risk conditions against fresh metrics,
// latching the emergency stop when one holds.
func (e *Engine) stopCheck() (bool, string) {
	if !e.risk.EmergencyStopCheck() {
		return false, ""
	}
	return e.risk.IsEmergencyStopped()
}

func (e *Engine) finishCycle(res CycleResult) {
	e.observer.CycleCompleted(res.Duration, string(res.Outcome))
	e.mu.Lock()
	e.cycles++
	e.lastCycle = res.StartedAt
	e.mu.Unlock()

	entry := e.log.WithFields(logger.Fields{
		"pair":     res.Pair,
		"outcome":  res.Outcome,
		"duration": res.Duration.String(),
	})
	switch res.Outcome {
	case OutcomeError:
		entry.Error("❌ cycle failed: " + res.Reason)
	case OutcomeEmergencyExit:
		entry.Warn("🚨 cycle ended in emergency exit: " + res.Reason)
	case OutcomeExecuted:
		entry.Info("✅ cycle executed a trade")
	default:
		entry.Debug("cycle finished: " + res.Reason)
	}
}

// Run cycles every configured pair each interval until ctx is done. A
// non-positive interval uses the configured one. State is saved after
// every round when a store is attached.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if len(e.cfg.Pairs) == 0 {
		return models.NewValidationError("pairs", "no trading pairs configured")
	}
	if interval <= 0 {
		interval = e.cfg.Interval
	}
	e.setRunning(true)
	defer e.setRunning(false)

	e.log.WithFields(logger.Fields{"pairs": len(e.cfg.Pairs), "interval": interval.String()}).Info("🚀 trading engine started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.round(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("🛑 trading engine stopped")
			return nil
		case <-ticker.C:
			e.round(ctx)
		}
	}
}

func (e *Engine) round(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pair := range e.cfg.Pairs {
		wg.Add(1)
		go func(pair models.TradingPair) {
			defer wg.Done()
			_, _ = e.RunCycle(ctx, pair)
		}(pair)
	}
	wg.Wait()

	if e.store != nil && ctx.Err() == nil {
		if err := e.SaveState(ctx); err != nil {
			e.log.WithError(err).Warn("⚠️ failed to save engine state")
		}
	}
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

// SaveState persists strategy state and risk metrics.
func (e *Engine) SaveState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	st := State{
		Strategies: e.strategies.ExportState(),
		Risk:       e.risk.Snapshot(),
		SavedAt:    e.clock(),
	}
	return e.store.SaveData(ctx, stateKey, st)
}

// LoadState restores what SaveState wrote. A missing snapshot is not an
// error.
func (e *Engine) LoadState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var st State
	if err := e.store.LoadData(ctx, stateKey, &st); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load engine state: %w", err)
	}
	e.strategies.RestoreState(st.Strategies)
	e.risk.Restore(st.Risk)
	e.log.WithFields(logger.Fields{
		"strategies": len(st.Strategies),
		"saved_at":   st.SavedAt.Format(time.RFC3339),
	}).Info("📂 engine state restored")
	return nil
}

// PlaceOrder runs a manual order through risk, reservation and execution.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (CycleResult, error) {
	res := CycleResult{Pair: req.Pair.String(), StartedAt: e.clock()}
	if req.Pair.IsZero() {
		return res, models.NewValidationError("pair", "trading pair is required")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return res, models.NewValidationError("side", fmt.Sprintf("unknown side %q", req.Side))
	}
	if !req.Quantity.IsPositive() {
		return res, models.NewValidationError("quantity", "quantity must be positive")
	}
	if req.Price.IsNegative() {
		return res, models.NewValidationError("price", "price must not be negative")
	}
	if stopped, reason := e.risk.IsEmergencyStopped(); stopped {
		return res, &models.EmergencyStopError{Reason: reason}
	}

	lock := e.pairLock(res.Pair)
	lock.Lock()
	defer lock.Unlock()

	md, err := e.market.GetMarketData(ctx, req.Pair)
	if err != nil {
		return res, fmt.Errorf("place order %s: %w", req.Pair, err)
	}
	res.Price = md.Price.String()
	e.syncRiskBalance(ctx, req.Pair.Quote)
	if stopped, reason := e.stopCheck(); stopped {
		return res, &models.EmergencyStopError{Reason: reason}
	}
	if e.risk.ShouldBlockTrading() {
		res.Outcome, res.Reason = OutcomeRejected, "trading blocked by risk manager"
		return res, nil
	}
	pos := e.positions.Get(ctx, req.Pair.Base)

	sig := models.TradeSignal{
		Type:         models.SignalBuy,
		Pair:         req.Pair,
		Quantity:     req.Quantity,
		Confidence:   1,
		StrategyName: "manual_order",
		Reason:       "manual order",
		RiskLevel:    models.RiskMedium,
		Timestamp:    res.StartedAt,
	}
	if req.Side == models.SideSell {
		sig.Type = models.SignalSell
	}
	priced := sig.WithPrice(req.Price)
	if !req.Price.IsPositive() {
		priced = sig.WithPrice(md.Price)
	}

	sized, bundle, err := e.approve(ctx, priced, pos)
	res.Signal, res.Risk = &sized, &bundle
	if err != nil {
		return res, err
	}
	if !bundle.Approved {
		res.Outcome, res.Reason = OutcomeRejected, bundle.Overall.Description
		return res, nil
	}

	result, err := e.execute(ctx, sized, md, func(ctx context.Context) (models.OrderResult, error) {
		if req.Price.IsPositive() {
			return e.executor.ExecuteLimitOrder(ctx, req.Pair, req.Side, sized.Quantity, req.Price)
		}
		return e.executor.ExecuteMarketOrder(ctx, req.Pair, req.Side, sized.Quantity)
	})
	if result.OrderID != "" {
		res.Order = &result
	}
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		res.Outcome, res.Reason = OutcomeRejected, err.Error()
		return res, nil
	case err != nil:
		return res, err
	case result.Status == models.OrderFailed:
		res.Outcome, res.Reason = OutcomeRejected, "order failed: "+result.ErrorMessage
		return res, nil
	}
	res.Outcome = OutcomeExecuted
	return res, nil
}

// Status reports the loop and safety state.
func (e *Engine) Status() SystemStatus {
	stopped, reason := e.risk.IsEmergencyStopped()
	pairs := make([]string, 0, len(e.cfg.Pairs))
	for _, p := range e.cfg.Pairs {
		pairs = append(pairs, p.String())
	}
	sort.Strings(pairs)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return SystemStatus{
		Mode:            e.executor.Config().Mode,
		Pairs:           pairs,
		Interval:        e.cfg.Interval.String(),
		Running:         e.running,
		EmergencyStop:   stopped,
		EmergencyReason: reason,
		DangerLevel:     string(e.emergency.Level()),
		CyclesRun:       e.cycles,
		LastCycle:       e.lastCycle,
		Version:         e.cfg.Version,
		ServerTime:      e.now(),
	}
}

func (e *Engine) Positions() []models.Position { return e.positions.All() }

func (e *Engine) Balances(ctx context.Context) (map[string]balance.Info, error) {
	return e.balances.GetAllBalances(ctx)
}

func (e *Engine) Reservations() []balance.Reservation { return e.balances.Reservations() }

func (e *Engine) ActiveOrders() []order.ActiveOrder { return e.executor.ActiveOrders() }

func (e *Engine) OrderStatistics() order.Statistics { return e.executor.Statistics() }

func (e *Engine) Strategies() strategy.Statistics { return e.strategies.Statistics() }

func (e *Engine) RecentSignals(limit int) []strategy.CombinedSignal {
	return e.strategies.History(limit)
}

func (e *Engine) RiskStatistics() risk.Statistics { return e.risk.Statistics() }

func (e *Engine) EmergencyConditions() []emergency.ConditionStatus {
	return e.emergency.ConditionsStatus()
}

func (e *Engine) EmergencyHealth() emergency.Health { return e.emergency.Health() }

func (e *Engine) EmergencyHistory() []emergency.Action { return e.emergency.History() }

func (e *Engine) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return e.executor.CancelOrder(ctx, orderID)
}

func (e *Engine) PauseStrategy(id string) bool { return e.strategies.Pause(id) }

func (e *Engine) ResumeStrategy(id string) bool { return e.strategies.Resume(id) }

// TriggerEmergency liquidates pct percent of the named positions (all when
// currencies is empty) and books the fills.
func (e *Engine) TriggerEmergency(ctx context.Context, reason string, currencies []string, pct float64) ([]models.OrderResult, error) {
	results, err := e.emergency.ManualTrigger(ctx, reason, currencies, pct)
	e.applyResults(ctx, results)
	return results, err
}

// EmergencyStop halts trading until ResetEmergencyStop.
func (e *Engine) EmergencyStop(reason string) { e.risk.ManualEmergencyStop(reason) }

func (e *Engine) ResetEmergencyStop(reason, by string) bool {
	return e.risk.ResetEmergencyStop(reason, by)
}
