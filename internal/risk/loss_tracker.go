package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LossTracker remembers since when each position has been at or below a
// loss threshold. A recovery above the threshold clears the entry.
type LossTracker struct {
	threshold decimal.Decimal // negative percent, e.g. -8
	positions map[string]*lossState
	mu        sync.RWMutex
}

type lossState struct {
	Since     time.Time
	WorstPct  decimal.Decimal
	LastPct   decimal.Decimal
	UpdatedAt time.Time
}

// LossState is a read-only view of one tracked position.
type LossState struct {
	Currency string          `json:"currency"`
	Since    time.Time       `json:"since"`
	WorstPct decimal.Decimal `json:"worst_pct"`
	LastPct  decimal.Decimal `json:"last_pct"`
}

// NewLossTracker tracks losses of at least thresholdPct percent (8 = -8%).
func NewLossTracker(thresholdPct decimal.Decimal) *LossTracker {
	return &LossTracker{
		threshold: thresholdPct.Abs().Neg(),
		positions: make(map[string]*lossState),
	}
}

// Observe records the latest P&L percent for currency and returns how long
// the position has been continuously under the threshold.
func (t *LossTracker) Observe(currency string, pnlPct decimal.Decimal, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pnlPct.GreaterThan(t.threshold) {
		delete(t.positions, currency)
		return 0
	}

	st, ok := t.positions[currency]
	if !ok {
		st = &lossState{Since: now, WorstPct: pnlPct}
		t.positions[currency] = st
	}
	if pnlPct.LessThan(st.WorstPct) {
		st.WorstPct = pnlPct
	}
	st.LastPct = pnlPct
	st.UpdatedAt = now
	return now.Sub(st.Since)
}

// Clear forgets currency, e.g. after the position is closed.
func (t *LossTracker) Clear(currency string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, currency)
}

// Get returns the tracked state for currency.
func (t *LossTracker) Get(currency string) (LossState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.positions[currency]
	if !ok {
		return LossState{}, false
	}
	return LossState{Currency: currency, Since: st.Since, WorstPct: st.WorstPct, LastPct: st.LastPct}, true
}

// All returns every tracked position.
func (t *LossTracker) All() []LossState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LossState, 0, len(t.positions))
	for cur, st := range t.positions {
		out = append(out, LossState{Currency: cur, Since: st.Since, WorstPct: st.WorstPct, LastPct: st.LastPct})
	}
	return out
}
