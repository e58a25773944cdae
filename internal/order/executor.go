package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
	exchange "doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

const rateWindow = time.Minute

// PriceSource quotes pairs for PAPER fills.
type PriceSource interface {
	GetMarketData(ctx context.Context, pair models.TradingPair) (models.MarketData, error)
}

// Executor turns trade signals into fills: synthetic in SIMULATION, against
// live quotes in PAPER and on the exchange in LIVE.
type Executor struct {
	cfg      Config
	exchange exchange.Exchange
	prices   PriceSource
	limiter  *exchange.SlidingWindowLimiter

	metrics Metrics
	active  map[string]ActiveOrder

	bus events.Publisher
	log *logger.Entry
	now func() time.Time
	mu  sync.RWMutex
}

// NewExecutor validates cfg and builds the service. ex and prices may be
// nil when the mode does not need them.
func NewExecutor(cfg Config, ex exchange.Exchange, prices PriceSource, bus events.Publisher, log *logger.Entry) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("order")
	e := &Executor{
		cfg:      cfg,
		exchange: ex,
		prices:   prices,
		limiter:  exchange.NewSlidingWindowLimiter(cfg.RequestsPerMinute, rateWindow, log),
		active:   make(map[string]ActiveOrder),
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
	e.log.WithFields(logger.Fields{
		"mode":         cfg.Mode,
		"rate_per_min": cfg.RequestsPerMinute,
		"min_order":    cfg.MinOrderValue.String(),
	}).Info("⚡ order execution service initialized")
	return e, nil
}

// WithClock swaps the time source of the service and its rate limiter.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
	e.limiter.WithClock(now)
	return e
}

// ExecuteSignal routes a signal to the buy, sell or emergency path. The
// result is always populated. The returned error is non-nil only for
// validation failures, local rate limiting, and an emergency sell that
// cannot reach the exchange at all (*models.EmergencyStopError).
// Exchange failures are reported through a FAILED result.
func (e *Executor) ExecuteSignal(ctx context.Context, sig models.TradeSignal) (models.OrderResult, error) {
	e.mu.RLock()
	cfg, now := e.cfg, e.now
	e.mu.RUnlock()
	start := now()

	if sig.Type == models.SignalHold {
		return holdResult(sig, start), nil
	}

	side, ok := sideFor(sig.Type)
	emergency := sig.Type == models.SignalEmergencyExit
	kind := models.KindMarket
	if sig.HasPrice() && !emergency {
		kind = models.KindLimit
	}
	req := fillRequest{id: newOrderID(cfg.Mode), signal: sig, side: side, kind: kind, at: start}

	e.mu.Lock()
	e.metrics.TotalRequests++
	e.mu.Unlock()

	if !ok {
		err := models.NewValidationError("signal_type", fmt.Sprintf("cannot execute %s", sig.Type))
		return e.reject(req, err), err
	}
	if err := validate(sig, cfg, emergency); err != nil {
		return e.reject(req, err), err
	}

	entry := e.log.WithFields(logger.Fields{
		"order_id": req.id,
		"pair":     sig.Pair.String(),
		"side":     side,
		"kind":     kind,
		"qty":      sig.Quantity.String(),
		"priority": priorityFor(sig).String(),
	})
	if emergency {
		entry.Warn("🚨 emergency sell")
	}

	if cfg.Mode != ModeSimulation {
		if err := e.admit(emergency); err != nil {
			return e.reject(req, err), err
		}
	}

	var (
		res   models.OrderResult
		fatal error
	)
	switch cfg.Mode {
	case ModeSimulation:
		res = simulateFill(req)
	case ModePaper:
		res = e.paper(ctx, req)
	case ModeLive:
		res, fatal = e.live(ctx, cfg, req, emergency)
	}
	res.Emergency = emergency
	res.Strategy = sig.StrategyName

	e.settle(res, cfg.Mode, now().Sub(start))

	switch {
	case res.Succeeded():
		entry.WithField("price", res.ExecutedPrice.Decimal.String()).Info("✅ order filled")
	case res.Status == models.OrderPending:
		entry.Info("⏳ order resting")
	default:
		entry.WithField("error", res.ErrorMessage).Error("❌ order failed")
	}
	return res, fatal
}

// ExecuteMarketOrder places a manual market order.
func (e *Executor) ExecuteMarketOrder(ctx context.Context, pair models.TradingPair, side models.Side, qty decimal.Decimal) (models.OrderResult, error) {
	return e.ExecuteSignal(ctx, e.manualSignal(pair, side, qty, "manual_order"))
}

// ExecuteLimitOrder places a manual limit order.
func (e *Executor) ExecuteLimitOrder(ctx context.Context, pair models.TradingPair, side models.Side, qty, price decimal.Decimal) (models.OrderResult, error) {
	return e.ExecuteSignal(ctx, e.manualSignal(pair, side, qty, "manual_limit_order").WithPrice(price))
}

// EmergencySell market-sells qty regardless of the rate limit and the
// minimum order value. refPrice, when positive, is the reference for
// slippage.
func (e *Executor) EmergencySell(ctx context.Context, pair models.TradingPair, qty, refPrice decimal.Decimal, reason string) (models.OrderResult, error) {
	sig := e.manualSignal(pair, models.SideSell, qty, "emergency_exit")
	sig.Type = models.SignalEmergencyExit
	sig.RiskLevel = models.RiskCritical
	sig.Reason = reason
	if refPrice.IsPositive() {
		sig = sig.WithPrice(refPrice)
	}
	return e.ExecuteSignal(ctx, sig)
}

func (e *Executor) manualSignal(pair models.TradingPair, side models.Side, qty decimal.Decimal, name string) models.TradeSignal {
	t := models.SignalBuy
	if side == models.SideSell {
		t = models.SignalSell
	}
	e.mu.RLock()
	now := e.now()
	e.mu.RUnlock()
	return models.TradeSignal{
		Type:         t,
		Pair:         pair,
		Quantity:     qty,
		Confidence:   1,
		StrategyName: name,
		RiskLevel:    models.RiskMedium,
		Timestamp:    now,
	}
}

func sideFor(t models.SignalType) (models.Side, bool) {
	switch {
	case t.IsBuy():
		return models.SideBuy, true
	case t.IsSell():
		return models.SideSell, true
	}
	return "", false
}

func validate(sig models.TradeSignal, cfg Config, emergency bool) error {
	if sig.Pair.IsZero() {
		return models.NewValidationError("pair", "trading pair is required")
	}
	if !sig.Quantity.IsPositive() {
		return models.NewValidationError("quantity", "quantity must be positive")
	}
	if sig.HasPrice() && !sig.Price.Decimal.IsPositive() {
		return models.NewValidationError("price", "price must be positive")
	}
	if sig.HasPrice() && !emergency {
		if value := sig.Notional(); value.LessThan(cfg.MinOrderValue) {
			return models.NewValidationError("order_value",
				fmt.Sprintf("order value %s below minimum %s", value.StringFixed(2), cfg.MinOrderValue.String()))
		}
	}
	return nil
}

// admit applies the local rate limit. The emergency path is counted but
// never refused.
func (e *Executor) admit(emergency bool) error {
	err := e.limiter.Allow()
	if err == nil {
		return nil
	}
	var rl *exchange.RateLimitError
	if !errors.As(err, &rl) {
		return err
	}
	e.mu.Lock()
	e.metrics.RateLimitHits++
	if emergency {
		e.metrics.EmergencyBypasses++
	}
	e.mu.Unlock()

	if emergency {
		e.limiter.Record()
		e.log.WithField("retry_after", rl.RetryAfter.String()).Warn("⚠️ rate limit bypassed for emergency sell")
		return nil
	}
	return &models.RateLimitExceededError{Limit: rl.Limit, Window: rl.Window, RetryAfter: rl.RetryAfter}
}

func (e *Executor) paper(ctx context.Context, req fillRequest) models.OrderResult {
	if e.prices == nil {
		return failed(req, "paper mode requires a market data source")
	}
	md, err := e.prices.GetMarketData(ctx, req.signal.Pair)
	if err != nil {
		e.mu.Lock()
		e.metrics.APIErrors++
		e.mu.Unlock()
		return failed(req, fmt.Sprintf("market data: %v", err))
	}
	if !md.Price.IsPositive() {
		return failed(req, "market data has no price")
	}
	return paperFill(req, md)
}

func (e *Executor) live(ctx context.Context, cfg Config, req fillRequest, emergency bool) (models.OrderResult, error) {
	if e.exchange == nil {
		err := &models.OrderExecutionError{Op: "create", Err: errors.New("no exchange available")}
		if emergency {
			return failed(req, err.Error()), &models.EmergencyStopError{Reason: "emergency sell impossible", Err: err}
		}
		return failed(req, err.Error()), nil
	}

	orderReq := exchange.OrderRequest{
		Symbol:   req.signal.Pair.Symbol(),
		Side:     exchange.Side(req.side),
		Type:     exchange.OrderTypeMarket,
		Qty:      req.signal.Quantity,
		ClientID: req.id,
	}
	if req.kind == models.KindLimit {
		orderReq.Type = exchange.OrderTypeLimit
		orderReq.Price = req.signal.PriceOrZero()
		orderReq.TimeInForce = exchange.TIFGTC
	}

	var ack exchange.OrderAck
	err := e.withRetry(ctx, cfg, "create order", func(ctx context.Context) error {
		a, err := e.exchange.CreateOrder(ctx, orderReq)
		if err != nil {
			return err
		}
		ack = a
		return nil
	})
	if err != nil {
		e.mu.Lock()
		e.metrics.APIErrors++
		if errors.Is(err, exchange.ErrRateLimited) {
			e.metrics.RateLimitHits++
		}
		e.mu.Unlock()
		res := failed(req, err.Error())
		if emergency && errors.Is(err, exchange.ErrConnection) {
			return res, &models.EmergencyStopError{Reason: "exchange unreachable during emergency sell", Err: err}
		}
		return res, nil
	}

	res := fromAck(req, ack, decimal.Zero)
	if res.Succeeded() && req.kind == models.KindMarket && req.signal.HasPrice() {
		limit := cfg.MaxSlippagePct.Div(decimal.NewFromInt(100))
		if res.Slippage.GreaterThan(limit) {
			e.log.WithFields(logger.Fields{
				"order_id": req.id,
				"slippage": res.Slippage.String(),
				"limit":    limit.String(),
			}).Warn("⚠️ slippage above configured maximum")
		}
	}
	return res, nil
}

// fromAck maps an exchange acknowledgement onto a result. alreadyFilled is
// subtracted so repeated status polls report only new fills.
func fromAck(req fillRequest, ack exchange.OrderAck, alreadyFilled decimal.Decimal) models.OrderResult {
	res := pending(req)
	if ack.ExchangeOrderID != "" {
		res.OrderID = ack.ExchangeOrderID
	}
	switch ack.Status {
	case exchange.StatusFilled:
		res.Status = models.OrderFilled
	case exchange.StatusPartial:
		res.Status = models.OrderPartiallyFilled
	case exchange.StatusCanceled, exchange.StatusExpired:
		res.Status = models.OrderCancelled
	case exchange.StatusRejected:
		res.Status = models.OrderFailed
		res.ErrorMessage = "rejected by exchange"
	}

	qty := ack.ExecutedQty.Sub(alreadyFilled)
	if qty.IsNegative() {
		qty = decimal.Zero
	}
	if res.Status == models.OrderFilled && !ack.ExecutedQty.IsPositive() {
		qty = req.signal.Quantity.Sub(alreadyFilled)
	}
	price := ack.AvgPrice
	if !price.IsPositive() {
		price = req.signal.PriceOrZero()
	}
	res.ExecutedQuantity = qty
	if qty.IsPositive() && price.IsPositive() {
		res.ExecutedPrice = decimal.NewNullDecimal(price)
		res.TotalCost = qty.Mul(price)
		res.Commission = ack.Commission
		if req.signal.HasPrice() {
			res.Slippage = relativeDiff(price, req.signal.Price.Decimal)
		}
	}
	if !ack.UpdatedAt.IsZero() {
		res.Timestamp = ack.UpdatedAt
	}
	return res
}

func (e *Executor) reject(req fillRequest, err error) models.OrderResult {
	e.mu.Lock()
	e.metrics.FailedExecutions++
	e.mu.Unlock()
	e.log.WithFields(logger.Fields{
		"pair":   req.signal.Pair.String(),
		"signal": req.signal.Type,
	}).WithError(err).Warn("❌ order rejected before execution")
	res := failed(req, err.Error())
	res.Emergency = req.signal.Type == models.SignalEmergencyExit
	res.Strategy = req.signal.StrategyName
	return res
}

func (e *Executor) settle(res models.OrderResult, mode Mode, elapsed time.Duration) {
	e.mu.Lock()
	switch {
	case res.Succeeded():
		e.metrics.SuccessfulExecutions++
		e.metrics.TotalSlippage = e.metrics.TotalSlippage.Add(res.Slippage)
	case res.Status == models.OrderFailed:
		e.metrics.FailedExecutions++
	}
	if e.metrics.AverageExecutionTime == 0 {
		e.metrics.AverageExecutionTime = elapsed
	} else {
		e.metrics.AverageExecutionTime = time.Duration(0.1*float64(elapsed) + 0.9*float64(e.metrics.AverageExecutionTime))
	}
	if res.Status == models.OrderPending || res.Status == models.OrderPartiallyFilled {
		e.active[res.OrderID] = ActiveOrder{
			OrderID:         res.OrderID,
			ExchangeOrderID: res.OrderID,
			Pair:            res.Pair,
			Side:            res.Side,
			Kind:            res.Kind,
			Quantity:        res.RequestedQuantity,
			Filled:          res.ExecutedQuantity,
			Price:           res.RequestedPrice.Decimal,
			Strategy:        res.Strategy,
			CreatedAt:       res.Timestamp,
		}
	}
	e.mu.Unlock()

	e.bus.Publish("order_execution_service", events.OrderExecuted{Result: res, Mode: string(mode)})
}

func holdResult(sig models.TradeSignal, now time.Time) models.OrderResult {
	return models.OrderResult{
		OrderID:           "hold-" + uuid.NewString(),
		Pair:              sig.Pair,
		Side:              models.SideBuy,
		Kind:              models.KindMarket,
		Status:            models.OrderFilled,
		RequestedQuantity: decimal.Zero,
		ExecutedQuantity:  decimal.Zero,
		Strategy:          sig.StrategyName,
		Timestamp:         now,
	}
}

func newOrderID(mode Mode) string {
	switch mode {
	case ModeSimulation:
		return "sim-" + uuid.NewString()
	case ModePaper:
		return "paper-" + uuid.NewString()
	}
	return uuid.NewString()
}

// RefreshActiveOrders polls resting orders and returns the ones that
// filled, partly filled or ended since the last poll. Executed quantities
// are deltas.
func (e *Executor) RefreshActiveOrders(ctx context.Context) []models.OrderResult {
	e.mu.RLock()
	cfg, now := e.cfg, e.now
	orders := make([]ActiveOrder, 0, len(e.active))
	for _, ao := range e.active {
		orders = append(orders, ao)
	}
	e.mu.RUnlock()
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })

	var out []models.OrderResult
	for _, ao := range orders {
		if ctx.Err() != nil {
			break
		}
		req := fillRequest{
			id:     ao.OrderID,
			signal: models.TradeSignal{Pair: ao.Pair, Quantity: ao.Quantity, StrategyName: ao.Strategy}.WithPrice(ao.Price),
			side:   ao.Side,
			kind:   ao.Kind,
			at:     now(),
		}
		var res models.OrderResult
		switch cfg.Mode {
		case ModeLive:
			if e.exchange == nil {
				continue
			}
			var ack exchange.OrderAck
			err := e.withRetry(ctx, cfg, "order status", func(ctx context.Context) error {
				a, err := e.exchange.GetOrderStatus(ctx, ao.Pair.Symbol(), ao.ExchangeOrderID)
				if err != nil {
					return err
				}
				ack = a
				return nil
			})
			if err != nil {
				e.log.WithField("order_id", ao.OrderID).WithError(err).Warn("⚠️ order status poll failed")
				continue
			}
			res = fromAck(req, ack, ao.Filled)
		case ModePaper:
			if e.prices == nil {
				continue
			}
			md, err := e.prices.GetMarketData(ctx, ao.Pair)
			if err != nil {
				continue
			}
			req.signal.Quantity = ao.Quantity.Sub(ao.Filled)
			res = paperFill(req, md)
			res.RequestedQuantity = ao.Quantity
		default:
			continue
		}
		res.Strategy = ao.Strategy

		e.mu.Lock()
		switch res.Status {
		case models.OrderPending:
			e.mu.Unlock()
			continue
		case models.OrderPartiallyFilled:
			ao.Filled = ao.Filled.Add(res.ExecutedQuantity)
			e.active[ao.OrderID] = ao
		default:
			delete(e.active, ao.OrderID)
		}
		if res.Succeeded() {
			e.metrics.SuccessfulExecutions++
			e.metrics.TotalSlippage = e.metrics.TotalSlippage.Add(res.Slippage)
		}
		e.mu.Unlock()

		if res.Status == models.OrderPartiallyFilled && !res.ExecutedQuantity.IsPositive() {
			continue
		}
		e.bus.Publish("order_execution_service", events.OrderExecuted{Result: res, Mode: string(cfg.Mode)})
		out = append(out, res)
	}
	return out
}

// CancelOrder cancels a resting order. Unknown ids return false.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	e.mu.RLock()
	ao, ok := e.active[orderID]
	cfg := e.cfg
	e.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if cfg.Mode == ModeLive {
		if e.exchange == nil {
			return false, &models.OrderExecutionError{Op: "cancel", Err: errors.New("no exchange available")}
		}
		if err := e.admit(false); err != nil {
			return false, err
		}
		err := e.withRetry(ctx, cfg, "cancel order", func(ctx context.Context) error {
			return e.exchange.CancelOrder(ctx, ao.Pair.Symbol(), ao.ExchangeOrderID)
		})
		if err != nil {
			return false, &models.OrderExecutionError{Op: "cancel", Err: err}
		}
	}

	e.mu.Lock()
	delete(e.active, orderID)
	e.mu.Unlock()
	e.log.WithField("order_id", orderID).Info("🛑 order cancelled")
	return true, nil
}

// ActiveOrders lists resting orders, oldest first.
func (e *Executor) ActiveOrders() []ActiveOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ActiveOrder, 0, len(e.active))
	for _, ao := range e.active {
		out = append(out, ao)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetMode switches the execution mode.
func (e *Executor) SetMode(mode Mode) error {
	m, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	e.mu.Lock()
	old := e.cfg.Mode
	e.cfg.Mode = m
	e.mu.Unlock()
	e.log.WithFields(logger.Fields{"from": old, "to": m}).Info("🔧 execution mode changed")
	return nil
}

// UpdateConfig replaces the configuration after validating it.
func (e *Executor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		e.log.WithError(err).Error("❌ invalid execution config")
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.limiter.Reconfigure(cfg.RequestsPerMinute, rateWindow)
	e.log.Info("⚙️ execution config updated")
	return nil
}

// Config returns the current configuration.
func (e *Executor) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Statistics reports metrics and limiter usage.
func (e *Executor) Statistics() Statistics {
	used, limit, _ := e.limiter.Usage()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Statistics{
		Mode:            e.cfg.Mode,
		Metrics:         e.metrics,
		SuccessRate:     e.metrics.SuccessRate(),
		AverageSlippage: e.metrics.AverageSlippage().String(),
		ActiveOrders:    len(e.active),
		RateLimitUsage:  used,
		RateLimit:       limit,
		MinOrderValue:   e.cfg.MinOrderValue.String(),
	}
}
