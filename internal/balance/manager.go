package balance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
	"doge-trader/pkg/cache"
	exchange "doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

// ExchangeClient is the slice of the exchange the tracker needs.
type ExchangeClient interface {
	GetBalances(ctx context.Context) ([]exchange.Balance, error)
}

// Info is a point-in-time view of one currency.
type Info struct {
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Reserved  decimal.Decimal `json:"reserved"`
	Free      decimal.Decimal `json:"free"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Reservation earmarks funds for a pending order.
type Reservation struct {
	ID          string          `json:"id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (r *Reservation) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Config controls caching and reservation defaults.
type Config struct {
	CacheTTL       time.Duration
	ReservationTTL time.Duration
}

// DefaultConfig returns the stock tracker settings.
func DefaultConfig() Config {
	return Config{CacheTTL: 30 * time.Second, ReservationTTL: 5 * time.Minute}
}

// Tracker is the single writer of balance and reservation state. Totals come
// from the exchange when one is configured, otherwise they are kept locally.
type Tracker struct {
	cfg      Config
	exchange ExchangeClient
	fresh    *cache.ShardedCache[decimal.Decimal]
	bus      events.Publisher
	log      *logger.Entry
	now      func() time.Time

	mu           sync.RWMutex
	totals       map[string]decimal.Decimal
	updatedAt    map[string]time.Time
	reservations map[string]*Reservation
}

// NewTracker creates a tracker. exchange may be nil (simulation).
func NewTracker(cfg Config, client ExchangeClient, bus events.Publisher, log *logger.Entry) *Tracker {
	if bus == nil {
		bus = events.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		cfg:          cfg,
		exchange:     client,
		fresh:        cache.New[decimal.Decimal](cfg.CacheTTL),
		bus:          bus,
		log:          log.WithComponent("balance"),
		now:          time.Now,
		totals:       make(map[string]decimal.Decimal),
		updatedAt:    make(map[string]time.Time),
		reservations: make(map[string]*Reservation),
	}
}

// NewInMemory creates a local-only tracker seeded with balances.
func NewInMemory(initial map[string]decimal.Decimal) *Tracker {
	t := NewTracker(DefaultConfig(), nil, nil, nil)
	for cur, amt := range initial {
		t.totals[normalize(cur)] = amt
		t.updatedAt[normalize(cur)] = t.now()
	}
	return t
}

// WithClock swaps the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	t.now = now
	t.fresh.WithClock(now)
	t.mu.Unlock()
	return t
}

// Start begins periodic balance sync. No-op without an exchange.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if t.exchange == nil || interval <= 0 {
		return
	}
	if err := t.Sync(ctx); err != nil {
		t.log.WithError(err).Warn("❌ initial balance sync failed")
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Sync(ctx); err != nil {
					t.log.WithError(err).Warn("❌ balance sync error")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches latest balances from the exchange.
func (t *Tracker) Sync(ctx context.Context) error {
	if t.exchange == nil {
		return nil
	}
	balances, err := t.exchange.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}

	t.mu.Lock()
	now := t.now()
	for _, b := range balances {
		cur := normalize(b.Asset)
		t.totals[cur] = b.Total()
		t.updatedAt[cur] = now
		t.fresh.Set(cur, b.Total())
	}
	t.mu.Unlock()

	t.log.WithField("currencies", len(balances)).Debug("💰 balances synced")
	return nil
}

// GetBalance returns total, reserved and free funds for currency.
func (t *Tracker) GetBalance(ctx context.Context, currency string) (Info, error) {
	cur := normalize(currency)
	if cur == "" {
		return Info{}, models.NewValidationError("currency", "currency is required")
	}
	if err := t.refreshIfStale(ctx, cur); err != nil {
		return Info{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepExpiredLocked()
	return t.infoLocked(cur), nil
}

// GetAllBalances returns every known currency.
func (t *Tracker) GetAllBalances(ctx context.Context) (map[string]Info, error) {
	if t.exchange != nil && len(t.fresh.GetAll()) == 0 {
		if err := t.Sync(ctx); err != nil {
			t.log.WithError(err).Warn("using last known balances")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepExpiredLocked()

	out := make(map[string]Info, len(t.totals))
	for cur := range t.totals {
		out[cur] = t.infoLocked(cur)
	}
	for _, r := range t.reservations {
		if _, ok := out[r.Currency]; !ok {
			out[r.Currency] = t.infoLocked(r.Currency)
		}
	}
	return out, nil
}

// CheckSufficiency reports whether amount is free and, if not, the deficit.
func (t *Tracker) CheckSufficiency(ctx context.Context, currency string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	info, err := t.GetBalance(ctx, currency)
	if err != nil {
		return false, decimal.Zero, err
	}
	if info.Free.GreaterThanOrEqual(amount) {
		return true, decimal.Zero, nil
	}
	return false, amount.Sub(info.Free), nil
}

// Reserve earmarks amount of currency. ttl <= 0 uses the configured default;
// a non-positive configured default means no expiry.
func (t *Tracker) Reserve(ctx context.Context, currency string, amount decimal.Decimal, reason, description string, ttl time.Duration) (string, error) {
	cur := normalize(currency)
	if cur == "" {
		return "", models.NewValidationError("currency", "currency is required")
	}
	if !amount.IsPositive() {
		return "", models.NewValidationError("amount", "reservation amount must be positive")
	}
	if err := t.refreshIfStale(ctx, cur); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.sweepExpiredLocked()
	info := t.infoLocked(cur)
	if amount.GreaterThan(info.Free) {
		t.mu.Unlock()
		return "", models.NewInsufficientBalanceError(amount, info.Free, cur)
	}

	now := t.now()
	if ttl <= 0 {
		ttl = t.cfg.ReservationTTL
	}
	r := &Reservation{
		ID:          uuid.NewString(),
		Currency:    cur,
		Amount:      amount,
		Reason:      reason,
		Description: description,
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		r.ExpiresAt = &exp
	}
	t.reservations[r.ID] = r
	t.mu.Unlock()

	t.log.WithFields(logger.Fields{"id": r.ID, "currency": cur, "amount": amount.String(), "reason": reason}).
		Info("🔒 balance reserved")
	t.bus.Publish("balance_tracker", events.ReservationChanged{ReservationID: r.ID, Currency: cur, Amount: amount})
	return r.ID, nil
}

// Release drops a reservation. Returns false when the id is unknown.
func (t *Tracker) Release(id string) bool {
	t.mu.Lock()
	r, ok := t.reservations[id]
	if ok {
		delete(t.reservations, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	t.log.WithFields(logger.Fields{"id": id, "currency": r.Currency, "amount": r.Amount.String()}).Info("🔓 reservation released")
	t.bus.Publish("balance_tracker", events.ReservationChanged{ReservationID: id, Currency: r.Currency, Amount: r.Amount, Released: true})
	return true
}

// Reservations returns active reservations ordered by creation time.
func (t *Tracker) Reservations() []Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepExpiredLocked()

	out := make([]Reservation, 0, len(t.reservations))
	for _, r := range t.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateAfterTrade applies a fill: a buy adds base and spends quote plus
// commission, a sell removes base and credits quote minus commission.
func (t *Tracker) UpdateAfterTrade(trade models.Trade) error {
	if err := trade.Validate(); err != nil {
		return err
	}
	cost := trade.TotalCost
	if !cost.IsPositive() {
		cost = trade.Quantity.Mul(trade.Price)
	}
	base, quote := trade.Pair.Base, trade.Pair.Quote

	t.mu.Lock()
	switch trade.Side {
	case models.SideBuy:
		t.adjustLocked(base, trade.Quantity)
		t.adjustLocked(quote, cost.Add(trade.Commission).Neg())
	case models.SideSell:
		t.adjustLocked(base, trade.Quantity.Neg())
		t.adjustLocked(quote, cost.Sub(trade.Commission))
	}
	baseTotal, quoteTotal := t.totals[base], t.totals[quote]
	t.mu.Unlock()

	note := fmt.Sprintf("%s %s %s @ %s", trade.Side, trade.Quantity, base, trade.Price)
	t.bus.Publish("balance_tracker", events.BalanceUpdated{Currency: base, Change: "trade", Amount: baseTotal, Note: note})
	t.bus.Publish("balance_tracker", events.BalanceUpdated{Currency: quote, Change: "trade", Amount: quoteTotal, Note: note})
	t.log.WithFields(logger.Fields{"trade_id": trade.ID, base: baseTotal.String(), quote: quoteTotal.String()}).
		Info("💸 balances updated after trade")
	return nil
}

// SetBalance overwrites the total for currency (initial funding, manual correction).
func (t *Tracker) SetBalance(currency string, amount decimal.Decimal) error {
	cur := normalize(currency)
	if cur == "" {
		return models.NewValidationError("currency", "currency is required")
	}
	if amount.IsNegative() {
		return models.NewValidationError("amount", "balance must not be negative")
	}

	t.mu.Lock()
	t.totals[cur] = amount
	t.updatedAt[cur] = t.now()
	if t.exchange != nil {
		t.fresh.Set(cur, amount)
	}
	t.mu.Unlock()

	t.log.WithFields(logger.Fields{"currency": cur, "amount": amount.String()}).Info("💰 balance set")
	t.bus.Publish("balance_tracker", events.BalanceUpdated{Currency: cur, Change: "set", Amount: amount})
	return nil
}

// refreshIfStale re-fetches from the exchange when the cached total expired.
// On failure it falls back to the last known total if there is one.
func (t *Tracker) refreshIfStale(ctx context.Context, cur string) error {
	if t.exchange == nil {
		return nil
	}
	if _, ok := t.fresh.Get(cur); ok {
		return nil
	}
	err := t.Sync(ctx)
	if err == nil {
		return nil
	}
	t.mu.RLock()
	_, known := t.totals[cur]
	t.mu.RUnlock()
	if known {
		t.log.WithError(err).WithField("currency", cur).Warn("using stale balance")
		return nil
	}
	return &models.OrderExecutionError{Op: "get balance " + cur, Err: err}
}

func (t *Tracker) adjustLocked(cur string, delta decimal.Decimal) {
	next := t.totals[cur].Add(delta)
	if next.IsNegative() {
		t.log.WithFields(logger.Fields{"currency": cur, "delta": delta.String()}).Warn("balance would go negative, clamping at zero")
		next = decimal.Zero
	}
	t.totals[cur] = next
	t.updatedAt[cur] = t.now()
	if t.exchange != nil {
		t.fresh.Set(cur, next)
	}
}

func (t *Tracker) infoLocked(cur string) Info {
	total := t.totals[cur]
	reserved := decimal.Zero
	for _, r := range t.reservations {
		if r.Currency == cur {
			reserved = reserved.Add(r.Amount)
		}
	}
	free := total.Sub(reserved)
	if free.IsNegative() {
		free = decimal.Zero
	}
	return Info{Currency: cur, Total: total, Reserved: reserved, Free: free, UpdatedAt: t.updatedAt[cur]}
}

func (t *Tracker) sweepExpiredLocked() {
	now := t.now()
	for id, r := range t.reservations {
		if !r.expired(now) {
			continue
		}
		delete(t.reservations, id)
		t.log.WithFields(logger.Fields{"id": id, "currency": r.Currency}).Info("⌛ reservation expired")
		t.bus.Publish("balance_tracker", events.ReservationChanged{
			ReservationID: id, Currency: r.Currency, Amount: r.Amount, Released: true, Expired: true,
		})
	}
}

func normalize(cur string) string {
	return strings.ToUpper(strings.TrimSpace(cur))
}
