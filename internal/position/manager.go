// Package position keeps the in-memory view of holdings and persists every
// change.
package position

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/events"
	"doge-trader/internal/models"
	"doge-trader/internal/persistence"
	"doge-trader/pkg/logger"
)

// Manager owns positions per base currency. Persistence failures are
// logged; the in-memory state always reflects the executed trades.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	store     persistence.Service

	bus events.Publisher
	log *logger.Entry
	now func() time.Time
}

// NewManager builds a manager. store may be nil for a purely in-memory view.
func NewManager(store persistence.Service, bus events.Publisher, log *logger.Entry) *Manager {
	if bus == nil {
		bus = events.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		positions: make(map[string]*models.Position),
		store:     store,
		bus:       bus,
		log:       log.WithComponent("position"),
		now:       time.Now,
	}
}

// WithClock swaps the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Load seeds in-memory state from the store on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range stored {
		p := stored[i]
		m.positions[p.Currency] = &p
	}
	m.log.WithField("positions", len(stored)).Info("📂 positions loaded")
	return nil
}

// Get returns a copy of the position for currency. Unknown currencies
// yield an EMPTY position.
func (m *Manager) Get(ctx context.Context, currency string) *models.Position {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	m.mu.RLock()
	p, ok := m.positions[cur]
	m.mu.RUnlock()
	if ok {
		return p.Clone()
	}

	if m.store != nil {
		stored, err := m.store.LoadPosition(ctx, cur)
		if err == nil {
			m.mu.Lock()
			if _, raced := m.positions[cur]; !raced {
				m.positions[cur] = &stored
			}
			p = m.positions[cur]
			m.mu.Unlock()
			return p.Clone()
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			m.log.WithField("currency", cur).WithError(err).Warn("⚠️ position lookup failed")
		}
	}
	return models.NewPosition(cur)
}

// All returns copies of every known position ordered by currency.
func (m *Manager) All() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// ApplyTrade books a fill on the position of its base currency, persists
// both and publishes position_updated.
func (m *Manager) ApplyTrade(ctx context.Context, t models.Trade) (models.Position, error) {
	if err := t.Validate(); err != nil {
		return models.Position{}, err
	}
	cur := t.Pair.Base
	current := m.Get(ctx, cur)

	m.mu.Lock()
	p, ok := m.positions[cur]
	if !ok {
		p = current
		m.positions[cur] = p
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = m.now()
	}
	if err := p.Apply(t); err != nil {
		m.mu.Unlock()
		return models.Position{}, err
	}
	snap := *p.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap, &t)
	closed := snap.Status == models.PositionClosed
	m.bus.Publish("position_service", events.PositionUpdated{Position: snap, TradeID: t.ID, Closed: closed})

	entry := m.log.WithFields(logger.Fields{
		"currency": cur,
		"side":     t.Side,
		"qty":      t.Quantity.String(),
		"price":    t.Price.String(),
		"position": snap.Quantity.String(),
	})
	if closed {
		entry.Info("📕 position closed")
	} else {
		entry.Info("📈 position updated")
	}
	return snap, nil
}

// Close flattens a position without a trade, e.g. after an external
// liquidation. Unknown or already flat positions return false.
func (m *Manager) Close(ctx context.Context, currency, reason string) (models.Position, bool) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	m.Get(ctx, cur)

	m.mu.Lock()
	p, ok := m.positions[cur]
	if !ok || p.IsEmpty() {
		m.mu.Unlock()
		return models.Position{}, false
	}
	p.Quantity = decimal.Zero
	p.AveragePrice = decimal.Zero
	p.TotalCost = decimal.Zero
	p.Status = models.PositionClosed
	p.UpdatedAt = m.now()
	snap := *p.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap, nil)
	m.bus.Publish("position_service", events.PositionUpdated{Position: snap, Closed: true})
	m.log.WithFields(logger.Fields{"currency": cur, "reason": reason}).Warn("📕 position closed manually")
	return snap, true
}

// SetPosition overwrites a position with externally observed values, e.g.
// when the exchange balance disagrees after a restart.
func (m *Manager) SetPosition(ctx context.Context, currency string, qty, avgPrice decimal.Decimal) (models.Position, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		return models.Position{}, models.NewValidationError("currency", "currency is required")
	}
	if qty.IsNegative() || avgPrice.IsNegative() {
		return models.Position{}, models.NewValidationError("quantity", "quantity and price must not be negative")
	}

	m.mu.Lock()
	now := m.now()
	p, ok := m.positions[cur]
	if !ok {
		p = models.NewPosition(cur)
		m.positions[cur] = p
	}
	p.Quantity = qty
	p.UpdatedAt = now
	if qty.IsPositive() {
		p.AveragePrice = avgPrice
		p.TotalCost = qty.Mul(avgPrice)
		if p.Status != models.PositionOpen {
			p.OpenedAt = now
		}
		p.Status = models.PositionOpen
	} else {
		p.AveragePrice = decimal.Zero
		p.TotalCost = decimal.Zero
		if p.Status != models.PositionEmpty {
			p.Status = models.PositionClosed
		}
	}
	snap := *p.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap, nil)
	m.bus.Publish("position_service", events.PositionUpdated{Position: snap, Closed: snap.Status == models.PositionClosed})
	return snap, nil
}

// TotalValue sums quantity x price over positions with a known price.
// prices is keyed by base currency.
func (m *Manager) TotalValue(prices map[string]decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for cur, p := range m.positions {
		if price, ok := prices[cur]; ok && !p.IsEmpty() {
			total = total.Add(p.Value(price))
		}
	}
	return total
}

func (m *Manager) persist(ctx context.Context, p models.Position, t *models.Trade) {
	if m.store == nil {
		return
	}
	if t != nil {
		if err := m.store.SaveTrade(ctx, *t); err != nil {
			m.log.WithField("trade_id", t.ID).WithError(err).Error("❌ failed to persist trade")
		}
	}
	if err := m.store.SavePosition(ctx, p); err != nil {
		m.log.WithField("currency", p.Currency).WithError(err).Error("❌ failed to persist position")
	}
}
