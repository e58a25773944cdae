package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the persisted net holding of one base currency.
type Position struct {
	Currency     string
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
	TotalCost    decimal.Decimal
	Status       string
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// Trade represents a fill stored in the DB.
type Trade struct {
	ID         string
	Pair       string
	Base       string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	TotalCost  decimal.Decimal
	Strategy   string
	Emergency  bool
	ExecutedAt time.Time
}

// Snapshot is an opaque serialized blob keyed by name.
type Snapshot struct {
	Key        string
	InstanceID string
	Data       []byte
	UpdatedAt  time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
