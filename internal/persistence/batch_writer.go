package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"doge-trader/pkg/db"
	"doge-trader/pkg/logger"
)

// TradeInserter writes a batch of trades atomically.
type TradeInserter interface {
	InsertTrades(ctx context.Context, trades []db.Trade) error
}

// BatchWriter buffers trade rows and writes them in one transaction when
// the buffer fills or the flush interval elapses.
type BatchWriter struct {
	sink        TradeInserter
	buffer      []db.Trade
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	log         *logger.Entry
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts the background flusher.
// maxSize: max buffered trades before auto-flush
// interval: time-based flush interval
func NewBatchWriter(sink TradeInserter, maxSize int, interval time.Duration, log *logger.Entry) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}

	bw := &BatchWriter{
		sink:        sink,
		buffer:      make([]db.Trade, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         log.WithComponent("batch_writer"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write buffers one trade.
func (bw *BatchWriter) Write(t db.Trade) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, t)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush(context.Background())
	}
}

// Flush immediately writes all buffered trades. A failed batch is put back
// at the head of the buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]db.Trade, 0, bw.maxSize)
	bw.mu.Unlock()

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	if err := bw.sink.InsertTrades(ctx, batch); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.mu.Lock()
		bw.buffer = append(batch, bw.buffer...)
		bw.mu.Unlock()
		bw.log.WithError(err).WithField("batch", len(batch)).Error("❌ trade batch failed, kept for retry")
		return err
	}

	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()
	bw.log.WithField("batch", len(batch)).Debug("💾 trade batch flushed")
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.WithError(err).Warn("⚠️ background flush error")
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.WithError(err).Warn("⚠️ final flush error")
			}
			return
		}
	}
}

// Pending returns the number of buffered trades.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns the current counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	size, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is left and stops the background goroutine.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
