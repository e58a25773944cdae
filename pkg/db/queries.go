package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Queries groups the read/write statements used by the persistence layer.
type Queries struct {
	db *sql.DB
}

// UpsertPosition inserts or replaces the position row for its currency.
func (q *Queries) UpsertPosition(ctx context.Context, p Position) error {
	if p.Currency == "" {
		return errors.New("position currency is required")
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO positions (currency, quantity, average_price, total_cost, status, opened_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(currency) DO UPDATE SET
    quantity = excluded.quantity,
    average_price = excluded.average_price,
    total_cost = excluded.total_cost,
    status = excluded.status,
    opened_at = excluded.opened_at,
    updated_at = excluded.updated_at`,
		p.Currency, p.Quantity.String(), p.AveragePrice.String(), p.TotalCost.String(),
		p.Status, toMillis(p.OpenedAt), toMillis(updated))
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Currency, err)
	}
	return nil
}

// GetPosition loads one position or ErrNotFound.
func (q *Queries) GetPosition(ctx context.Context, currency string) (Position, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT currency, quantity, average_price, total_cost, status, opened_at, updated_at
FROM positions WHERE currency = ?`, currency)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	return p, err
}

// ListPositions returns every stored position ordered by currency.
func (q *Queries) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT currency, quantity, average_price, total_cost, status, opened_at, updated_at
FROM positions ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes a position row. Missing rows are not an error.
func (q *Queries) DeletePosition(ctx context.Context, currency string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM positions WHERE currency = ?`, currency); err != nil {
		return fmt.Errorf("delete position %s: %w", currency, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (Position, error) {
	var (
		p               Position
		opened, updated int64
	)
	if err := r.Scan(&p.Currency, &p.Quantity, &p.AveragePrice, &p.TotalCost, &p.Status, &opened, &updated); err != nil {
		return Position{}, err
	}
	p.OpenedAt = fromMillis(opened)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertTrade appends a fill. Re-inserting the same ID is ignored.
func (q *Queries) InsertTrade(ctx context.Context, t Trade) error {
	return insertTrade(ctx, q.db, t)
}

// InsertTrades appends fills in one transaction. Any failure rolls back the
// whole batch.
func (q *Queries) InsertTrades(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade batch: %w", err)
	}
	for _, t := range trades {
		if err := insertTrade(ctx, tx, t); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade batch: %w", err)
	}
	return nil
}

func insertTrade(ctx context.Context, ex execer, t Trade) error {
	if t.ID == "" {
		return errors.New("trade id is required")
	}
	emergency := 0
	if t.Emergency {
		emergency = 1
	}
	_, err := ex.ExecContext(ctx, `
INSERT OR IGNORE INTO trades (id, pair, base, side, quantity, price, commission, total_cost, strategy, emergency, executed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Pair, t.Base, t.Side, t.Quantity.String(), t.Price.String(), t.Commission.String(),
		t.TotalCost.String(), t.Strategy, emergency, toMillis(t.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns fills for base at or after since, oldest first.
// An empty base lists every currency.
func (q *Queries) ListTrades(ctx context.Context, base string, since time.Time) ([]Trade, error) {
	query := `
SELECT id, pair, base, side, quantity, price, commission, total_cost, strategy, emergency, executed_at
FROM trades WHERE executed_at >= ?`
	args := []any{toMillis(since)}
	if base != "" {
		query += " AND base = ?"
		args = append(args, base)
	}
	query += " ORDER BY executed_at, id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t         Trade
			emergency int
			executed  int64
		)
		if err := rows.Scan(&t.ID, &t.Pair, &t.Base, &t.Side, &t.Quantity, &t.Price, &t.Commission,
			&t.TotalCost, &t.Strategy, &emergency, &executed); err != nil {
			return nil, err
		}
		t.Emergency = emergency != 0
		t.ExecutedAt = fromMillis(executed)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveSnapshot stores an opaque blob under key.
func (q *Queries) SaveSnapshot(ctx context.Context, s Snapshot) error {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO snapshots (key, instance_id, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    instance_id = excluded.instance_id,
    data = excluded.data,
    updated_at = excluded.updated_at`,
		s.Key, s.InstanceID, s.Data, toMillis(updated))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.Key, err)
	}
	return nil
}

// LoadSnapshot returns the blob stored under key or ErrNotFound.
func (q *Queries) LoadSnapshot(ctx context.Context, key string) (Snapshot, error) {
	var (
		s       Snapshot
		updated int64
	)
	err := q.db.QueryRowContext(ctx, `
SELECT key, instance_id, data, updated_at FROM snapshots WHERE key = ?`, key).
		Scan(&s.Key, &s.InstanceID, &s.Data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}
