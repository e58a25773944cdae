package balance

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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReservationReducesFreeBalance(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(map[string]decimal.Decimal{"EUR": d("1000")})

	id, err := tr.Reserve(ctx, "EUR", d("50"), "order", "pending buy", 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := tr.GetBalance(ctx, "eur")
	require.NoError(t, err)
	assert.True(t, info.Total.Equal(d("1000")))
	assert.True(t, info.Reserved.Equal(d("50")))
	assert.True(t, info.Free.Equal(d("950")), "free=%s", info.Free)

	ok, deficit, err := tr.CheckSufficiency(ctx, "EUR", d("980"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, deficit.Equal(d("30")))

	_, err = tr.Reserve(ctx, "EUR", d("980"), "order", "", 0)
	var ibe *models.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.True(t, ibe.Deficit.Equal(d("30")))
	assert.True(t, errors.Is(err, models.ErrInsufficientBalance))

	assert.True(t, tr.Release(id))
	assert.False(t, tr.Release(id))
	info, _ = tr.GetBalance(ctx, "EUR")
	assert.True(t, info.Free.Equal(d("1000")))
}

func TestExpiredReservationsAreSweptOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bus := events.NewBus()
	released, unsub := bus.Subscribe(events.EventReservationReleased, 4)
	defer unsub()

	tr := NewTracker(DefaultConfig(), nil, bus, nil).WithClock(func() time.Time { return now })
	require.NoError(t, tr.SetBalance("EUR", d("100")))

	_, err := tr.Reserve(ctx, "EUR", d("60"), "order", "", time.Minute)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	info, err := tr.GetBalance(ctx, "EUR")
	require.NoError(t, err)
	assert.True(t, info.Reserved.IsZero())
	assert.Empty(t, tr.Reservations())

	env := <-released
	payload := env.Payload.(events.ReservationChanged)
	assert.True(t, payload.Expired)
}

func TestReserveRejectsBadInput(t *testing.T) {
	tr := NewInMemory(nil)
	_, err := tr.Reserve(context.Background(), "EUR", decimal.Zero, "order", "", 0)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = tr.Reserve(context.Background(), " ", d("1"), "order", "", 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpdateAfterTrade(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(map[string]decimal.Decimal{"EUR": d("1000")})
	pair := models.MustPair("DOGE", "EUR")

	buy := models.Trade{ID: "b1", Pair: pair, Side: models.SideBuy, Quantity: d("1000"), Price: d("0.1"), Commission: d("0.3")}
	require.NoError(t, tr.UpdateAfterTrade(buy))

	eur, _ := tr.GetBalance(ctx, "EUR")
	doge, _ := tr.GetBalance(ctx, "DOGE")
	assert.True(t, eur.Total.Equal(d("899.7")), "eur=%s", eur.Total)
	assert.True(t, doge.Total.Equal(d("1000")))

	sell := models.Trade{ID: "s1", Pair: pair, Side: models.SideSell, Quantity: d("400"), Price: d("0.2"), TotalCost: d("80"), Commission: d("0.24")}
	require.NoError(t, tr.UpdateAfterTrade(sell))
	eur, _ = tr.GetBalance(ctx, "EUR")
	doge, _ = tr.GetBalance(ctx, "DOGE")
	assert.True(t, eur.Total.Equal(d("979.46")), "eur=%s", eur.Total)
	assert.True(t, doge.Total.Equal(d("600")))
}

type fakeExchange struct {
	mu    sync.Mutex
	calls int
	fail  bool
	eur   decimal.Decimal
}

func (f *fakeExchange) GetBalances(context.Context) ([]exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, exchange.Wrap(exchange.ErrConnection, "get balances", nil)
	}
	return []exchange.Balance{{Asset: "EUR", Free: f.eur, Locked: d("10")}}, nil
}

func TestExchangeBalancesAreCached(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := &fakeExchange{eur: d("490")}
	tr := NewTracker(DefaultConfig(), ex, nil, nil).WithClock(func() time.Time { return now })

	info, err := tr.GetBalance(ctx, "EUR")
	require.NoError(t, err)
	assert.True(t, info.Total.Equal(d("500")))

	_, _ = tr.GetBalance(ctx, "EUR")
	assert.Equal(t, 1, ex.calls)

	now = now.Add(31 * time.Second)
	ex.fail = true
	info, err = tr.GetBalance(ctx, "EUR")
	require.NoError(t, err, "stale value is served when refresh fails")
	assert.True(t, info.Total.Equal(d("500")))
	assert.Equal(t, 2, ex.calls)

	_, err = tr.GetBalance(ctx, "BTC")
	assert.ErrorIs(t, err, models.ErrOrderExecution)
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(map[string]decimal.Decimal{"EUR": d("100")})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Reserve(ctx, "EUR", d("7"), "order", "", 0); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, granted)
	info, _ := tr.GetBalance(ctx, "EUR")
	assert.True(t, info.Free.Equal(d("2")))
}
