// Package reconciliation compares tracked positions with the exchange
// wallet and optionally adopts the exchange quantities.
package reconciliation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/models"
	exchange "doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

const reportKey = "reconciliation_report"

// BalanceSource is the wallet view of the exchange.
type BalanceSource interface {
	GetBalances(ctx context.Context) ([]exchange.Balance, error)
}

// PositionStore is the local position book.
type PositionStore interface {
	Get(ctx context.Context, currency string) *models.Position
	SetPosition(ctx context.Context, currency string, qty, avgPrice decimal.Decimal) (models.Position, error)
}

// PriceSource values positions the book has no entry price for.
type PriceSource interface {
	GetMarketData(ctx context.Context, pair models.TradingPair) (models.MarketData, error)
}

// ReportStore keeps the last report for audit.
type ReportStore interface {
	SaveData(ctx context.Context, key string, v any) error
}

type Config struct {
	Pairs     []models.TradingPair
	Interval  time.Duration
	Tolerance decimal.Decimal
	AutoSync  bool
}

func DefaultConfig(pairs []models.TradingPair) Config {
	return Config{
		Pairs:     pairs,
		Interval:  5 * time.Minute,
		Tolerance: decimal.RequireFromString("0.0001"),
		AutoSync:  true,
	}
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Timestamp   time.Time `json:"timestamp"`
	Diffs       []Diff    `json:"diffs"`
	SyncedCount int       `json:"synced_count"`
}

func (r Report) HasDiffs() bool { return len(r.Diffs) > 0 }

// Diff is one currency whose local quantity disagrees with the wallet.
type Diff struct {
	Currency    string          `json:"currency"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	Difference  decimal.Decimal `json:"difference"`
	Synced      bool            `json:"synced"`
}

// Service handles periodic reconciliation.
type Service struct {
	cfg       Config
	exchange  BalanceSource
	positions PositionStore
	prices    PriceSource
	reports   ReportStore
	log       *logger.Entry
	now       func() time.Time

	mu   sync.Mutex
	last *Report
}

func NewService(cfg Config, ex BalanceSource, positions PositionStore, prices PriceSource, reports ReportStore, log *logger.Entry) (*Service, error) {
	if ex == nil || positions == nil {
		return nil, errors.New("reconciliation: exchange and position store are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		cfg:       cfg,
		exchange:  ex,
		positions: positions,
		prices:    prices,
		reports:   reports,
		log:       log.WithComponent("reconciliation"),
		now:       time.Now,
	}, nil
}

// SetAutoSync enables or disables adopting exchange quantities.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AutoSync = enabled
	s.log.WithField("auto_sync", enabled).Info("📊 reconciliation auto-sync changed")
}

// Start reconciles every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.log.WithError(err).Warn("❌ reconciliation failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.WithFields(logger.Fields{
		"interval":  s.cfg.Interval.String(),
		"auto_sync": s.cfg.AutoSync,
	}).Info("✓ reconciliation service started")
}

// Reconcile compares every configured base currency with the wallet total.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balances, err := s.exchange.GetBalances(ctx)
	if err != nil {
		return Report{}, err
	}
	wallet := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		wallet[strings.ToUpper(b.Asset)] = b.Total()
	}

	report := Report{Timestamp: s.now()}
	seen := make(map[string]bool, len(s.cfg.Pairs))
	for _, pair := range s.cfg.Pairs {
		if seen[pair.Base] {
			continue
		}
		seen[pair.Base] = true

		local := s.positions.Get(ctx, pair.Base)
		exQty := wallet[pair.Base]
		diff := local.Quantity.Sub(exQty)
		if diff.Abs().LessThanOrEqual(s.cfg.Tolerance) {
			continue
		}
		d := Diff{
			Currency:    pair.Base,
			LocalQty:    local.Quantity,
			ExchangeQty: exQty,
			Difference:  diff,
		}
		if s.cfg.AutoSync && s.sync(ctx, pair, local, exQty) {
			d.Synced = true
			report.SyncedCount++
		}
		report.Diffs = append(report.Diffs, d)
	}

	s.handleReport(ctx, report)
	s.last = &report
	return report, nil
}

// sync adopts the exchange quantity. The local entry price is kept; a
// position the book never saw is valued at the current market price.
func (s *Service) sync(ctx context.Context, pair models.TradingPair, local *models.Position, exQty decimal.Decimal) bool {
	avg := local.AveragePrice
	if avg.IsZero() && exQty.IsPositive() && s.prices != nil {
		if md, err := s.prices.GetMarketData(ctx, pair); err == nil {
			avg = md.Price
		}
	}
	entry := s.log.WithFields(logger.Fields{
		"currency": pair.Base,
		"local":    local.Quantity.String(),
		"exchange": exQty.String(),
	})
	if _, err := s.positions.SetPosition(ctx, pair.Base, exQty, avg); err != nil {
		entry.WithError(err).Warn("❌ failed to sync position")
		return false
	}
	entry.Info("🔄 position synced to exchange balance")
	return true
}

func (s *Service) handleReport(ctx context.Context, report Report) {
	if !report.HasDiffs() {
		s.log.Debug("✅ reconciliation OK, all positions match")
		return
	}
	for _, d := range report.Diffs {
		s.log.WithFields(logger.Fields{
			"currency":   d.Currency,
			"local":      d.LocalQty.String(),
			"exchange":   d.ExchangeQty.String(),
			"difference": d.Difference.String(),
			"synced":     d.Synced,
		}).Warn("⚠️ position differs from exchange balance")
	}
	if s.reports != nil {
		if err := s.reports.SaveData(ctx, reportKey, report); err != nil {
			s.log.WithError(err).Warn("⚠️ saving reconciliation report failed")
		}
	}
}

// LastReport returns the most recent report, if any.
func (s *Service) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}
