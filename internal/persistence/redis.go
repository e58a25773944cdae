package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"doge-trader/pkg/logger"
)

// RedisOptions configures the redis snapshot store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL of stored snapshots; zero keeps them forever.
	TTL time.Duration
}

// RedisSnapshots keeps snapshots in redis and degrades to a fallback store
// while redis is unhealthy. Writes always reach the fallback as well so a
// restart without redis still finds the last state.
type RedisSnapshots struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	fallback SnapshotStore
	log      *logger.Entry

	mu            sync.RWMutex
	healthy       bool
	failureCount  int
	lastCheck     time.Time
	maxFailures   int
	checkInterval time.Duration
}

// NewRedisSnapshots connects to redis. A failed initial ping leaves the
// store in degraded mode instead of failing.
func NewRedisSnapshots(opts RedisOptions, fallback SnapshotStore, log *logger.Entry) *RedisSnapshots {
	if log == nil {
		log = logger.Nop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	rs := &RedisSnapshots{
		client:        client,
		prefix:        opts.KeyPrefix,
		ttl:           opts.TTL,
		fallback:      fallback,
		log:           log.WithComponent("redis_snapshots"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		rs.lastCheck = time.Now()
		rs.log.WithError(err).WithField("addr", opts.Addr).Warn("⚠️ redis unavailable, snapshots degrade to local store")
		return rs
	}
	rs.healthy = true
	rs.lastCheck = time.Now()
	rs.log.WithField("addr", opts.Addr).Info("✅ redis snapshot store connected")
	return rs
}

// IsHealthy reports whether redis is currently used.
func (rs *RedisSnapshots) IsHealthy() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.healthy
}

func (rs *RedisSnapshots) key(k string) string { return rs.prefix + "snapshot:" + k }

func (rs *RedisSnapshots) Put(ctx context.Context, key string, data []byte) error {
	var fbErr error
	if rs.fallback != nil {
		fbErr = rs.fallback.Put(ctx, key, data)
	}
	rs.checkHealth(ctx)
	if !rs.IsHealthy() {
		if rs.fallback == nil {
			return errors.New("redis unavailable and no fallback store")
		}
		return fbErr
	}
	if err := rs.client.Set(ctx, rs.key(key), data, rs.ttl).Err(); err != nil {
		rs.recordFailure()
		if rs.fallback != nil {
			return fbErr
		}
		return err
	}
	rs.recordSuccess()
	return nil
}

func (rs *RedisSnapshots) Get(ctx context.Context, key string) ([]byte, error) {
	rs.checkHealth(ctx)
	if rs.IsHealthy() {
		data, err := rs.client.Get(ctx, rs.key(key)).Bytes()
		switch {
		case err == nil:
			rs.recordSuccess()
			return data, nil
		case errors.Is(err, redis.Nil):
			rs.recordSuccess()
		default:
			rs.recordFailure()
		}
	}
	if rs.fallback == nil {
		return nil, ErrNotFound
	}
	return rs.fallback.Get(ctx, key)
}

// Close releases the redis client.
func (rs *RedisSnapshots) Close() error { return rs.client.Close() }

func (rs *RedisSnapshots) recordFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failureCount++
	if rs.failureCount >= rs.maxFailures {
		if rs.healthy {
			rs.log.WithField("failures", rs.failureCount).Warn("🔌 redis marked unhealthy")
		}
		rs.healthy = false
		rs.lastCheck = time.Now()
	}
}

func (rs *RedisSnapshots) recordSuccess() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.healthy {
		rs.log.Info("✅ redis recovered")
	}
	rs.healthy = true
	rs.failureCount = 0
	rs.lastCheck = time.Now()
}

// checkHealth pings redis again once checkInterval has passed since it
// was marked unhealthy.
func (rs *RedisSnapshots) checkHealth(ctx context.Context) {
	rs.mu.RLock()
	due := !rs.healthy && time.Since(rs.lastCheck) >= rs.checkInterval
	rs.mu.RUnlock()
	if !due {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := rs.client.Ping(pctx).Err(); err != nil {
		rs.mu.Lock()
		rs.lastCheck = time.Now()
		rs.mu.Unlock()
		return
	}
	rs.recordSuccess()
}
