package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"doge-trader/internal/models"
)

// MemoryStore keeps everything in process. Used by tests and the memory
// backend.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]models.Position
	trades    []models.Trade
	seen      map[string]bool
	data      map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]models.Position),
		seen:      make(map[string]bool),
		data:      make(map[string][]byte),
	}
}

func (m *MemoryStore) SavePosition(_ context.Context, p models.Position) error {
	if p.Currency == "" {
		return models.NewValidationError("currency", "position currency is required")
	}
	p.Trades = nil
	m.mu.Lock()
	m.positions[p.Currency] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadPosition(_ context.Context, currency string) (models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[strings.ToUpper(currency)]
	if !ok {
		return models.Position{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) LoadPositions(context.Context) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) SaveTrade(_ context.Context, t models.Trade) error {
	if t.ID == "" {
		return models.NewValidationError("id", "trade id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[t.ID] {
		return nil
	}
	m.seen[t.ID] = true
	m.trades = append(m.trades, t)
	return nil
}

func (m *MemoryStore) LoadTrades(_ context.Context, base string, since time.Time) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trade
	for _, t := range m.trades {
		if base != "" && t.Pair.Base != base {
			continue
		}
		if t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) SaveData(ctx context.Context, key string, v any) error {
	return saveJSON(ctx, m, key, v)
}

func (m *MemoryStore) LoadData(ctx context.Context, key string, v any) error {
	return loadJSON(ctx, m, key, v)
}

// Put implements SnapshotStore.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// Get implements SnapshotStore.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Close() error { return nil }
