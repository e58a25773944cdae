// Package persistence stores positions, trades and component snapshots.
package persistence

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"

	"doge-trader/internal/models"
	"doge-trader/pkg/db"
)

// ErrNotFound is returned when nothing is stored under a key.
var ErrNotFound = db.ErrNotFound

// Service is the storage contract the trading core depends on.
type Service interface {
	SavePosition(ctx context.Context, p models.Position) error
	LoadPosition(ctx context.Context, currency string) (models.Position, error)
	LoadPositions(ctx context.Context) ([]models.Position, error)
	SaveTrade(ctx context.Context, t models.Trade) error
	LoadTrades(ctx context.Context, base string, since time.Time) ([]models.Trade, error)
	// SaveData stores v as JSON under key. LoadData decodes into v.
	SaveData(ctx context.Context, key string, v any) error
	LoadData(ctx context.Context, key string, v any) error
	Close() error
}

// SnapshotStore keeps opaque blobs by key.
type SnapshotStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// InstanceID identifies this host in persisted snapshots. It is derived
// from the machine id, hashed per application, and falls back to the
// hostname.
func InstanceID() string {
	if id, err := machineid.ProtectedID("doge-trader"); err == nil && id != "" {
		return id[:16]
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

func toRow(p models.Position) db.Position {
	return db.Position{
		Currency:     p.Currency,
		Quantity:     p.Quantity,
		AveragePrice: p.AveragePrice,
		TotalCost:    p.TotalCost,
		Status:       string(p.Status),
		OpenedAt:     p.OpenedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func fromRow(r db.Position) models.Position {
	return models.Position{
		Currency:     r.Currency,
		Quantity:     r.Quantity,
		AveragePrice: r.AveragePrice,
		TotalCost:    r.TotalCost,
		Status:       models.PositionStatus(r.Status),
		OpenedAt:     r.OpenedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toTradeRow(t models.Trade) db.Trade {
	return db.Trade{
		ID:         t.ID,
		Pair:       t.Pair.String(),
		Base:       t.Pair.Base,
		Side:       string(t.Side),
		Quantity:   t.Quantity,
		Price:      t.Price,
		Commission: t.Commission,
		TotalCost:  t.TotalCost,
		Strategy:   t.Strategy,
		Emergency:  t.Emergency,
		ExecutedAt: t.Timestamp,
	}
}

func fromTradeRow(r db.Trade) (models.Trade, error) {
	pair, err := models.ParsePair(r.Pair)
	if err != nil {
		return models.Trade{}, err
	}
	return models.Trade{
		ID:         r.ID,
		Pair:       pair,
		Side:       models.Side(r.Side),
		Quantity:   r.Quantity,
		Price:      r.Price,
		Commission: r.Commission,
		TotalCost:  r.TotalCost,
		Strategy:   r.Strategy,
		Emergency:  r.Emergency,
		Timestamp:  r.ExecutedAt,
	}, nil
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return models.NewValidationError("key", "snapshot key is required")
	}
	return nil
}
