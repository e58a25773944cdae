// Package market turns exchange tickers into the MarketData snapshots the
// strategies, the executor and the emergency watchdog consume.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/indicators"
	"doge-trader/internal/models"
	"doge-trader/pkg/cache"
	exchange "doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

// Provider quotes one pair.
type Provider interface {
	GetMarketData(ctx context.Context, pair models.TradingPair) (models.MarketData, error)
}

// TickerClient is the slice of the exchange API the provider needs.
type TickerClient interface {
	GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// Config tunes ExchangeProvider.
type Config struct {
	// CacheTTL bounds how stale a served snapshot may be.
	CacheTTL time.Duration
	// VolatilityPeriod is the number of returns used for Volatility.
	VolatilityPeriod int
	// BTCSymbol is quoted for the market-wide 24h change. Empty disables it.
	BTCSymbol string
}

func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Second, VolatilityPeriod: 20, BTCSymbol: "BTCEUR"}
}

// ExchangeProvider builds snapshots from exchange tickers and keeps a short
// price history per pair for volatility.
type ExchangeProvider struct {
	cfg    Config
	client TickerClient
	cache  *cache.ShardedCache[models.MarketData]

	mu      sync.Mutex
	history map[string]*indicators.Series

	log *logger.Entry
	now func() time.Time
}

func NewExchangeProvider(cfg Config, client TickerClient, log *logger.Entry) (*ExchangeProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("market provider: ticker client is required")
	}
	if cfg.VolatilityPeriod < 2 {
		return nil, models.NewValidationError("volatility_period", "volatility period must be at least 2")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ExchangeProvider{
		cfg:     cfg,
		client:  client,
		cache:   cache.New[models.MarketData](cfg.CacheTTL),
		history: make(map[string]*indicators.Series),
		log:     log.WithComponent("market"),
		now:     time.Now,
	}, nil
}

// WithClock swaps the time source. Used by tests.
func (p *ExchangeProvider) WithClock(now func() time.Time) *ExchangeProvider {
	p.now = now
	p.cache.WithClock(now)
	return p
}

// GetMarketData serves a cached snapshot while fresh, otherwise asks the
// exchange.
func (p *ExchangeProvider) GetMarketData(ctx context.Context, pair models.TradingPair) (models.MarketData, error) {
	key := pair.String()
	if md, ok := p.cache.Get(key); ok {
		return md, nil
	}

	t, err := p.client.GetTicker(ctx, pair.Symbol())
	if err != nil {
		return models.MarketData{}, fmt.Errorf("market data %s: %w", pair, err)
	}
	if !t.Last.IsPositive() {
		return models.MarketData{}, fmt.Errorf("market data %s: ticker without price", pair)
	}

	md := models.MarketData{
		Pair:             pair,
		Price:            t.Last,
		Bid:              orDefault(t.Bid, t.Last),
		Ask:              orDefault(t.Ask, t.Last),
		Volume24h:        t.Volume24h,
		Change24hPercent: t.Change24hPercent,
		Volatility:       p.observe(key, t.Last),
		Timestamp:        t.Time,
	}
	if md.Timestamp.IsZero() {
		md.Timestamp = p.now()
	}
	if p.cfg.BTCSymbol != "" && pair.Symbol() != p.cfg.BTCSymbol {
		if btc, err := p.client.GetTicker(ctx, p.cfg.BTCSymbol); err == nil {
			md.BTCChange24h = btc.Change24hPercent
		} else {
			p.log.WithField("symbol", p.cfg.BTCSymbol).WithError(err).Warn("⚠️ BTC ticker unavailable")
		}
	}

	p.cache.Set(key, md)
	return md, nil
}

// observe appends price to the pair's history and returns its volatility.
func (p *ExchangeProvider) observe(key string, price decimal.Decimal) float64 {
	p.mu.Lock()
	s, ok := p.history[key]
	if !ok {
		s = indicators.NewSeries(p.cfg.VolatilityPeriod + 1)
		p.history[key] = s
	}
	p.mu.Unlock()

	f, _ := price.Float64()
	s.Push(f)
	return indicators.Volatility(s.Values(), p.cfg.VolatilityPeriod)
}

// Cached returns every fresh snapshot keyed by pair.
func (p *ExchangeProvider) Cached() map[string]models.MarketData {
	return p.cache.GetAll()
}

func orDefault(v, def decimal.Decimal) decimal.Decimal {
	if v.IsPositive() {
		return v
	}
	return def
}
