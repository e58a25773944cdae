package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"doge-trader/internal/models"
	"doge-trader/pkg/db"
	"doge-trader/pkg/logger"
)

// SQLStore persists to SQLite through pkg/db. Trades go through a
// BatchWriter when one is attached; snapshots go to the snapshots table
// unless another SnapshotStore is attached.
type SQLStore struct {
	database  *db.Database
	q         *db.Queries
	writer    *BatchWriter
	snapshots SnapshotStore
	instance  string
	closers   []io.Closer
	log       *logger.Entry
}

// StoreOption customizes an SQLStore.
type StoreOption func(*SQLStore)

// WithBatchWriter buffers trades and writes them in batches.
func WithBatchWriter(maxSize int, interval time.Duration) StoreOption {
	return func(s *SQLStore) {
		s.writer = NewBatchWriter(s.q, maxSize, interval, s.log)
	}
}

// WithSnapshotStore routes SaveData/LoadData to another store.
func WithSnapshotStore(store SnapshotStore) StoreOption {
	return func(s *SQLStore) { s.snapshots = store }
}

// WithRedisSnapshots keeps snapshots in redis and falls back to the local
// snapshot table while redis is unhealthy.
func WithRedisSnapshots(opts RedisOptions) StoreOption {
	return func(s *SQLStore) {
		rs := NewRedisSnapshots(opts, s.LocalSnapshots(), s.log)
		s.snapshots = rs
		s.closers = append(s.closers, rs)
	}
}

// OpenSQLite opens path (":memory:" for tests) and applies migrations.
func OpenSQLite(path string, log *logger.Entry, opts ...StoreOption) (*SQLStore, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &SQLStore{
		database: database,
		q:        database.Queries(),
		instance: InstanceID(),
		log:      log.WithComponent("persistence"),
	}
	s.snapshots = sqlSnapshots{q: s.q, instance: s.instance}
	for _, opt := range opts {
		opt(s)
	}
	s.log.WithFields(logger.Fields{"path": path, "instance": s.instance}).Info("💾 sqlite persistence ready")
	return s, nil
}

// LocalSnapshots exposes the sqlite snapshot table, e.g. as the fallback
// of a RedisSnapshots store.
func (s *SQLStore) LocalSnapshots() SnapshotStore {
	return sqlSnapshots{q: s.q, instance: s.instance}
}

func (s *SQLStore) SavePosition(ctx context.Context, p models.Position) error {
	return s.q.UpsertPosition(ctx, toRow(p))
}

func (s *SQLStore) LoadPosition(ctx context.Context, currency string) (models.Position, error) {
	row, err := s.q.GetPosition(ctx, currency)
	if err != nil {
		return models.Position{}, err
	}
	return fromRow(row), nil
}

func (s *SQLStore) LoadPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.q.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *SQLStore) SaveTrade(ctx context.Context, t models.Trade) error {
	row := toTradeRow(t)
	if s.writer != nil {
		s.writer.Write(row)
		return nil
	}
	return s.q.InsertTrade(ctx, row)
}

// LoadTrades flushes buffered trades first so reads see every write.
func (s *SQLStore) LoadTrades(ctx context.Context, base string, since time.Time) ([]models.Trade, error) {
	if s.writer != nil {
		if err := s.writer.Flush(ctx); err != nil {
			return nil, err
		}
	}
	rows, err := s.q.ListTrades(ctx, base, since)
	if err != nil {
		return nil, err
	}
	out := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		t, err := fromTradeRow(r)
		if err != nil {
			s.log.WithField("trade_id", r.ID).WithError(err).Warn("⚠️ skipping unreadable trade")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLStore) SaveData(ctx context.Context, key string, v any) error {
	return saveJSON(ctx, s.snapshots, key, v)
}

func (s *SQLStore) LoadData(ctx context.Context, key string, v any) error {
	return loadJSON(ctx, s.snapshots, key, v)
}

// WriterMetrics reports batch writer counters, if one is attached.
func (s *SQLStore) WriterMetrics() (BatchWriterMetrics, bool) {
	if s.writer == nil {
		return BatchWriterMetrics{}, false
	}
	return s.writer.Metrics(), true
}

// Close flushes pending trades and closes the database.
func (s *SQLStore) Close() error {
	var errs []error
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.database.Close())
	return errors.Join(errs...)
}

type sqlSnapshots struct {
	q        *db.Queries
	instance string
}

func (s sqlSnapshots) Put(ctx context.Context, key string, data []byte) error {
	return s.q.SaveSnapshot(ctx, db.Snapshot{Key: key, InstanceID: s.instance, Data: data})
}

func (s sqlSnapshots) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := s.q.LoadSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Data, nil
}

func saveJSON(ctx context.Context, store SnapshotStore, key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Put(ctx, key, data)
}

func loadJSON(ctx context.Context, store SnapshotStore, key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
