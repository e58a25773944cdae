package order

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
	exchange "doge-trader/pkg/exchanges/common"
)

var dogeEUR = models.MustPair("DOGE", "EUR")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestExecutor(t *testing.T, mode Mode, ex exchange.Exchange, prices PriceSource, bus events.Publisher) *Executor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.RetryDelay = 0
	e, err := NewExecutor(cfg, ex, prices, bus, nil)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return e.WithClock(func() time.Time { return now })
}

type fakePrices struct {
	mu sync.Mutex
	md models.MarketData
}

func (f *fakePrices) set(bid, ask string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.md = models.MarketData{Pair: dogeEUR, Price: d(bid).Add(d(ask)).Div(decimal.NewFromInt(2)), Bid: d(bid), Ask: d(ask)}
}

func (f *fakePrices) GetMarketData(context.Context, models.TradingPair) (models.MarketData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.md, nil
}

type fakeExchange struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	creates   int
	cancels   int
	ack       exchange.OrderAck
	statuses  []exchange.OrderAck
	lastOrder exchange.OrderRequest
}

func (f *fakeExchange) GetBalance(context.Context, string) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}

func (f *fakeExchange) GetBalances(context.Context) ([]exchange.Balance, error) { return nil, nil }

func (f *fakeExchange) GetTicker(context.Context, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (f *fakeExchange) CreateOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastOrder = req
	if f.failures > 0 {
		f.failures--
		return exchange.OrderAck{}, f.failWith
	}
	ack := f.ack
	ack.ClientID = req.ClientID
	return ack, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeExchange) GetOrderStatus(context.Context, string, string) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ack := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return ack, nil
}

func TestSimulatedMarketOrder(t *testing.T) {
	e := newTestExecutor(t, ModeSimulation, nil, nil, nil)

	res, err := e.ExecuteMarketOrder(context.Background(), dogeEUR, models.SideBuy, d("1000"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, res.Status)
	assert.Equal(t, models.KindMarket, res.Kind)
	assert.True(t, res.ExecutedPrice.Decimal.Equal(d("0.1001")), "price=%s", res.ExecutedPrice.Decimal)
	assert.True(t, res.TotalCost.Equal(d("100.1")))
	assert.True(t, res.Commission.Equal(d("0.3003")), "commission=%s", res.Commission)
	assert.True(t, res.Slippage.Equal(d("0.001")))
	assert.Equal(t, "manual_order", res.Strategy)
	assert.Contains(t, res.OrderID, "sim-")

	sell, err := e.ExecuteMarketOrder(context.Background(), dogeEUR, models.SideSell, d("1000"))
	require.NoError(t, err)
	assert.True(t, sell.ExecutedPrice.Decimal.Equal(d("0.0999")))

	stats := e.Statistics()
	assert.Equal(t, 2, stats.Metrics.TotalRequests)
	assert.Equal(t, 2, stats.Metrics.SuccessfulExecutions)
	assert.InDelta(t, 100.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, "0.001", stats.AverageSlippage)
}

func TestSimulatedLimitOrder(t *testing.T) {
	e := newTestExecutor(t, ModeSimulation, nil, nil, nil)

	res, err := e.ExecuteLimitOrder(context.Background(), dogeEUR, models.SideBuy, d("1000"), d("0.2"))
	require.NoError(t, err)
	assert.Equal(t, models.KindLimit, res.Kind)
	assert.True(t, res.ExecutedPrice.Decimal.Equal(d("0.2")))
	assert.True(t, res.Commission.Equal(d("0.4")))
	assert.True(t, res.Slippage.IsZero())
	assert.Equal(t, "manual_limit_order", res.Strategy)
}

func TestHoldIsNotExecuted(t *testing.T) {
	e := newTestExecutor(t, ModeSimulation, nil, nil, nil)
	res, err := e.ExecuteSignal(context.Background(), models.Hold(dogeEUR, "rsi", "flat", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, res.Status)
	assert.True(t, res.ExecutedQuantity.IsZero())
	_, ok := res.Trade()
	assert.False(t, ok)
	assert.Equal(t, 0, e.Statistics().Metrics.TotalRequests)
}

func TestValidationFailures(t *testing.T) {
	e := newTestExecutor(t, ModeSimulation, nil, nil, nil)
	ctx := context.Background()

	res, err := e.ExecuteLimitOrder(ctx, dogeEUR, models.SideBuy, d("10"), d("0.1"))
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, models.OrderFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "below minimum")

	_, err = e.ExecuteMarketOrder(ctx, dogeEUR, models.SideBuy, decimal.Zero)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.ExecuteMarketOrder(ctx, models.TradingPair{}, models.SideBuy, d("1"))
	assert.ErrorIs(t, err, models.ErrValidation)

	// Emergency sells ignore the minimum order value.
	res, err = e.EmergencySell(ctx, dogeEUR, d("10"), d("0.1"), "drawdown")
	require.NoError(t, err)
	assert.True(t, res.Emergency)
	assert.Equal(t, models.KindMarket, res.Kind)
	assert.Equal(t, models.SideSell, res.Side)

	stats := e.Statistics()
	assert.Equal(t, 4, stats.Metrics.TotalRequests)
	assert.Equal(t, 3, stats.Metrics.FailedExecutions)
}

func TestRateLimitAndEmergencyBypass(t *testing.T) {
	prices := &fakePrices{}
	prices.set("0.0999", "0.1001")
	e := newTestExecutor(t, ModePaper, nil, prices, nil)
	cfg := e.Config()
	cfg.RequestsPerMinute = 2
	require.NoError(t, e.UpdateConfig(cfg))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.ExecuteMarketOrder(ctx, dogeEUR, models.SideBuy, d("100"))
		require.NoError(t, err)
	}
	_, err := e.ExecuteMarketOrder(ctx, dogeEUR, models.SideBuy, d("100"))
	var rl *models.RateLimitExceededError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2, rl.Limit)
	assert.Equal(t, time.Minute, rl.RetryAfter)

	res, err := e.EmergencySell(ctx, dogeEUR, d("100"), decimal.Zero, "crash")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, res.Status)
	assert.True(t, res.ExecutedPrice.Decimal.Equal(d("0.0999")))

	stats := e.Statistics()
	assert.Equal(t, 2, stats.Metrics.RateLimitHits)
	assert.Equal(t, 1, stats.Metrics.EmergencyBypasses)
	assert.Equal(t, 3, stats.RateLimitUsage)
}

func TestSimulationIgnoresRateLimit(t *testing.T) {
	e := newTestExecutor(t, ModeSimulation, nil, nil, nil)
	cfg := e.Config()
	cfg.RequestsPerMinute = 1
	require.NoError(t, e.UpdateConfig(cfg))
	for i := 0; i < 3; i++ {
		_, err := e.ExecuteMarketOrder(context.Background(), dogeEUR, models.SideBuy, d("100"))
		require.NoError(t, err)
	}
}

func TestLiveRetriesConnectionErrors(t *testing.T) {
	ex := &fakeExchange{
		failures: 2,
		failWith: exchange.Wrap(exchange.ErrConnection, "create order", errors.New("eof")),
		ack: exchange.OrderAck{
			ExchangeOrderID: "X-1",
			Status:          exchange.StatusFilled,
			ExecutedQty:     d("1000"),
			AvgPrice:        d("0.1002"),
			Commission:      d("0.1"),
		},
	}
	e := newTestExecutor(t, ModeLive, ex, nil, nil)

	res, err := e.ExecuteSignal(context.Background(), models.TradeSignal{
		Type: models.SignalBuy, Pair: dogeEUR, Quantity: d("1000"), Confidence: 0.8, StrategyName: "rsi",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, ex.creates)
	assert.Equal(t, models.OrderFilled, res.Status)
	assert.Equal(t, "X-1", res.OrderID)
	assert.True(t, res.TotalCost.Equal(d("100.2")))
	assert.Equal(t, exchange.OrderTypeMarket, ex.lastOrder.Type)
	assert.Equal(t, "DOGEEUR", ex.lastOrder.Symbol)
	assert.NotEmpty(t, ex.lastOrder.ClientID)
}

func TestLiveAuthErrorIsNotRetried(t *testing.T) {
	ex := &fakeExchange{failures: 5, failWith: exchange.Wrap(exchange.ErrAuth, "create order", nil)}
	e := newTestExecutor(t, ModeLive, ex, nil, nil)

	res, err := e.ExecuteMarketOrder(context.Background(), dogeEUR, models.SideBuy, d("100"))
	require.NoError(t, err)
	assert.Equal(t, 1, ex.creates)
	assert.Equal(t, models.OrderFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "authentication")
	assert.Equal(t, 1, e.Statistics().Metrics.APIErrors)
}

func TestLiveEmergencyWithoutExchangeStops(t *testing.T) {
	e := newTestExecutor(t, ModeLive, nil, nil, nil)
	res, err := e.EmergencySell(context.Background(), dogeEUR, d("500"), d("0.1"), "crash")
	assert.ErrorIs(t, err, models.ErrEmergencyStop)
	assert.Equal(t, models.OrderFailed, res.Status)
	assert.True(t, res.Emergency)

	_, err = e.ExecuteMarketOrder(context.Background(), dogeEUR, models.SideBuy, d("100"))
	assert.NoError(t, err, "regular orders report failure through the result")
}

func TestLivePartialFillsAreReportedIncrementally(t *testing.T) {
	ex := &fakeExchange{
		ack: exchange.OrderAck{ExchangeOrderID: "X-9", Status: exchange.StatusNew},
		statuses: []exchange.OrderAck{
			{ExchangeOrderID: "X-9", Status: exchange.StatusPartial, ExecutedQty: d("400"), AvgPrice: d("0.1")},
			{ExchangeOrderID: "X-9", Status: exchange.StatusFilled, ExecutedQty: d("1000"), AvgPrice: d("0.1")},
		},
	}
	e := newTestExecutor(t, ModeLive, ex, nil, nil)
	ctx := context.Background()

	res, err := e.ExecuteLimitOrder(ctx, dogeEUR, models.SideBuy, d("1000"), d("0.1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, res.Status)
	assert.Equal(t, exchange.OrderTypeLimit, ex.lastOrder.Type)
	assert.Equal(t, exchange.TIFGTC, ex.lastOrder.TimeInForce)
	require.Len(t, e.ActiveOrders(), 1)

	fills := e.RefreshActiveOrders(ctx)
	require.Len(t, fills, 1)
	assert.Equal(t, models.OrderPartiallyFilled, fills[0].Status)
	assert.True(t, fills[0].ExecutedQuantity.Equal(d("400")))
	assert.True(t, e.ActiveOrders()[0].Filled.Equal(d("400")))

	fills = e.RefreshActiveOrders(ctx)
	require.Len(t, fills, 1)
	assert.Equal(t, models.OrderFilled, fills[0].Status)
	assert.True(t, fills[0].ExecutedQuantity.Equal(d("600")))
	assert.Empty(t, e.ActiveOrders())
}

func TestPaperLimitRestsUntilMarketable(t *testing.T) {
	prices := &fakePrices{}
	prices.set("0.0999", "0.1001")
	e := newTestExecutor(t, ModePaper, nil, prices, nil)
	ctx := context.Background()

	res, err := e.ExecuteLimitOrder(ctx, dogeEUR, models.SideBuy, d("1000"), d("0.09"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, res.Status)
	assert.Contains(t, res.OrderID, "paper-")
	assert.Empty(t, e.RefreshActiveOrders(ctx))

	prices.set("0.0849", "0.085")
	fills := e.RefreshActiveOrders(ctx)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].ExecutedPrice.Decimal.Equal(d("0.09")))
	assert.True(t, fills[0].ExecutedQuantity.Equal(d("1000")))
	assert.Empty(t, e.ActiveOrders())

	rest, err := e.ExecuteLimitOrder(ctx, dogeEUR, models.SideBuy, d("1000"), d("0.05"))
	require.NoError(t, err)
	ok, err := e.CancelOrder(ctx, rest.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.CancelOrder(ctx, rest.OrderID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderExecutedEventIsPublished(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventOrderExecuted, 4)
	defer unsub()
	e := newTestExecutor(t, ModeSimulation, nil, nil, bus)

	_, err := e.ExecuteMarketOrder(context.Background(), dogeEUR, models.SideBuy, d("100"))
	require.NoError(t, err)

	env := <-ch
	payload := env.Payload.(events.OrderExecuted)
	assert.Equal(t, "SIMULATION", payload.Mode)
	assert.Equal(t, models.OrderFilled, payload.Result.Status)
}

func TestSetModeAndConfigValidation(t *testing.T) {
	e := newTestExecutor(t, ModeSimulation, nil, nil, nil)
	require.NoError(t, e.SetMode("paper"))
	assert.Equal(t, ModePaper, e.Statistics().Mode)
	assert.ErrorIs(t, e.SetMode("YOLO"), models.ErrValidation)

	bad := DefaultConfig()
	bad.MinOrderValue = decimal.Zero
	assert.ErrorIs(t, e.UpdateConfig(bad), models.ErrValidation)
}

func TestRealizedPnL(t *testing.T) {
	assert.True(t, RealizedPnL(models.SideBuy, d("1000"), d("0.1"), d("0.12"), d("0.5")).Equal(d("19.5")))
	assert.True(t, RealizedPnL(models.SideSell, d("-1000"), d("0.1"), d("0.12"), decimal.Zero).Equal(d("-20")))
	assert.True(t, RealizedPnL(models.SideBuy, decimal.Zero, d("0.1"), d("0.2"), d("1")).IsZero())
}
