package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	// Second run must be a no-op.
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Migrations are not idempotent: %v", err)
	}
	return database.Queries()
}

func TestPositionRoundTrip(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	pos := Position{
		Currency:     "DOGE",
		Quantity:     decimal.RequireFromString("1500.5"),
		AveragePrice: decimal.RequireFromString("0.123456789"),
		TotalCost:    decimal.RequireFromString("185.24"),
		Status:       "OPEN",
		OpenedAt:     opened,
		UpdatedAt:    opened.Add(time.Minute),
	}
	if err := q.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := q.GetPosition(ctx, "DOGE")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Quantity.Equal(pos.Quantity) || !got.AveragePrice.Equal(pos.AveragePrice) {
		t.Errorf("decimal mismatch: got %s @ %s", got.Quantity, got.AveragePrice)
	}
	if !got.OpenedAt.Equal(opened) {
		t.Errorf("opened_at = %v, want %v", got.OpenedAt, opened)
	}

	t.Run("upsert replaces", func(t *testing.T) {
		pos.Quantity = decimal.Zero
		pos.Status = "CLOSED"
		if err := q.UpsertPosition(ctx, pos); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		list, err := q.ListPositions(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].Status != "CLOSED" || !list[0].Quantity.IsZero() {
			t.Errorf("unexpected positions: %+v", list)
		}
	})

	t.Run("missing position", func(t *testing.T) {
		_, err := q.GetPosition(ctx, "XRP")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTradesFilterByBaseAndTime(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	trades := []Trade{
		{ID: "t1", Pair: "DOGE_EUR", Base: "DOGE", Side: "BUY", Quantity: decimal.NewFromInt(100), Price: decimal.RequireFromString("0.1"), ExecutedAt: base},
		{ID: "t2", Pair: "DOGE_EUR", Base: "DOGE", Side: "SELL", Quantity: decimal.NewFromInt(50), Price: decimal.RequireFromString("0.12"), Emergency: true, ExecutedAt: base.Add(2 * time.Hour)},
		{ID: "t3", Pair: "XRP_EUR", Base: "XRP", Side: "BUY", Quantity: decimal.NewFromInt(10), Price: decimal.RequireFromString("0.5"), ExecutedAt: base.Add(3 * time.Hour)},
	}
	for _, tr := range trades {
		if err := q.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("insert %s: %v", tr.ID, err)
		}
	}
	// Duplicate IDs are ignored.
	if err := q.InsertTrade(ctx, trades[0]); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	doge, err := q.ListTrades(ctx, "DOGE", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(doge) != 1 || doge[0].ID != "t2" || !doge[0].Emergency {
		t.Errorf("unexpected DOGE trades: %+v", doge)
	}

	all, err := q.ListTrades(ctx, "", time.Time{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t1" || all[2].ID != "t3" {
		t.Errorf("unexpected ordering: %+v", all)
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()

	if _, err := q.LoadSnapshot(ctx, "risk"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, payload := range []string{`{"v":1}`, `{"v":2}`} {
		if err := q.SaveSnapshot(ctx, Snapshot{Key: "risk", InstanceID: "node-a", Data: []byte(payload)}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	s, err := q.LoadSnapshot(ctx, "risk")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(s.Data) != `{"v":2}` || s.InstanceID != "node-a" {
		t.Errorf("unexpected snapshot: %+v", s)
	}
}
