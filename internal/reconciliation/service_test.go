package reconciliation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doge-trader/internal/market"
	"doge-trader/internal/models"
	"doge-trader/internal/persistence"
	"doge-trader/internal/position"
	exchange "doge-trader/pkg/exchanges/common"
)

var dogeEUR = models.MustPair("DOGE", "EUR")

type wallet struct {
	balances []exchange.Balance
	err      error
}

func (w *wallet) GetBalances(context.Context) ([]exchange.Balance, error) {
	return w.balances, w.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T, w *wallet, autoSync bool) (*Service, *position.Manager, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	positions := position.NewManager(store, nil, nil)
	prices := market.NewMockProvider(market.MockConfig{}, map[string]decimal.Decimal{"DOGE_EUR": d("0.2")})
	cfg := DefaultConfig([]models.TradingPair{dogeEUR})
	cfg.AutoSync = autoSync
	svc, err := NewService(cfg, w, positions, prices, store, nil)
	require.NoError(t, err)
	return svc, positions, store
}

func TestReconcileAdoptsExchangeQuantity(t *testing.T) {
	w := &wallet{balances: []exchange.Balance{{Asset: "DOGE", Free: d("900"), Locked: d("100")}}}
	svc, positions, store := newService(t, w, true)
	ctx := context.Background()
	_, err := positions.SetPosition(ctx, "DOGE", d("800"), d("0.1"))
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Diffs, 1)
	assert.True(t, report.Diffs[0].Synced)
	assert.True(t, d("-200").Equal(report.Diffs[0].Difference))
	assert.Equal(t, 1, report.SyncedCount)

	pos := positions.Get(ctx, "DOGE")
	assert.True(t, d("1000").Equal(pos.Quantity))
	assert.True(t, d("0.1").Equal(pos.AveragePrice))

	var saved Report
	require.NoError(t, store.LoadData(ctx, reportKey, &saved))
	assert.Len(t, saved.Diffs, 1)

	last, ok := svc.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Timestamp, last.Timestamp)
}

func TestReconcileValuesUnknownPositionAtMarket(t *testing.T) {
	w := &wallet{balances: []exchange.Balance{{Asset: "DOGE", Free: d("500")}}}
	svc, positions, _ := newService(t, w, true)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	pos := positions.Get(ctx, "DOGE")
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.True(t, pos.AveragePrice.IsPositive())
}

func TestReconcileWithinToleranceAndReportOnly(t *testing.T) {
	w := &wallet{balances: []exchange.Balance{{Asset: "DOGE", Free: d("1000.00005")}}}
	svc, positions, _ := newService(t, w, false)
	ctx := context.Background()
	_, err := positions.SetPosition(ctx, "DOGE", d("1000"), d("0.1"))
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasDiffs())

	w.balances = []exchange.Balance{{Asset: "DOGE", Free: d("10")}}
	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Diffs, 1)
	assert.False(t, report.Diffs[0].Synced)
	assert.True(t, d("1000").Equal(positions.Get(ctx, "DOGE").Quantity))
}

func TestReconcilePropagatesExchangeErrors(t *testing.T) {
	w := &wallet{err: errors.New("boom")}
	svc, _, _ := newService(t, w, true)
	_, err := svc.Reconcile(context.Background())
	assert.Error(t, err)
	_, ok := svc.LastReport()
	assert.False(t, ok)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(DefaultConfig(nil), nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
