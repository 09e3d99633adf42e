package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// WarmConfig holds connection and scan settings for the Redis tier.
type WarmConfig struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	KeyPrefix      string
	TLS            bool

	// ScanCount bounds each SCAN page; ScanMaxIterations caps the cursor walk
	// so a pattern delete can never spin on a huge keyspace.
	ScanCount         int64
	ScanMaxIterations int
}

// WarmStats reports warm-tier health and counters.
type WarmStats struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Sets      int64     `json:"sets"`
	Errors    int64     `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastPing  time.Time `json:"last_ping"`
	Degraded  bool      `json:"degraded"`
}

// WarmCache wraps Redis behind bounded command timeouts. Every failure is
// returned as a typed ErrWarmCacheUnavailable so the orchestrator can degrade
// instead of surfacing infrastructure errors on the hot path. A circuit
// breaker trips after repeated failures; while open, calls fail fast.
type WarmCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker

	keyPrefix   string
	cmdTimeout  time.Duration
	scanCount   int64
	scanMaxIter int

	mu    sync.Mutex
	stats WarmStats
}

// NewWarmCache connects a warm cache with a bounded connection pool.
func NewWarmCache(cfg WarmConfig) *WarmCache {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return newWarmCache(redis.NewClient(opts), cfg)
}

// NewWarmCacheFromClient wraps an existing client. Used by tests and by the
// stream tier, which shares connection settings but a different DB.
func NewWarmCacheFromClient(client *redis.Client, cfg WarmConfig) *WarmCache {
	return newWarmCache(client, cfg)
}

func newWarmCache(client *redis.Client, cfg WarmConfig) *WarmCache {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	if cfg.ScanMaxIterations <= 0 {
		cfg.ScanMaxIterations = 10000
	}

	w := &WarmCache{
		client:      client,
		keyPrefix:   cfg.KeyPrefix,
		cmdTimeout:  cfg.CommandTimeout,
		scanCount:   cfg.ScanCount,
		scanMaxIter: cfg.ScanMaxIterations,
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "warm-cache",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Warm cache circuit state changed")
		},
	})
	return w
}

// Healthy reports whether the circuit allows traffic.
func (w *WarmCache) Healthy() bool {
	return w.breaker.State() != gobreaker.StateOpen
}

// Get fetches a value. A missing key is (nil, false, nil), not an error.
func (w *WarmCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		data, err := w.client.Get(ctx, w.keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		w.count(func(s *WarmStats) { s.Misses++ })
		return nil, false, nil
	}
	w.count(func(s *WarmStats) { s.Hits++ })
	return res.([]byte), true, nil
}

// Set stores a value with a TTL.
func (w *WarmCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, w.client.Set(ctx, w.keyPrefix+key, value, ttl).Err()
	})
	if err == nil {
		w.count(func(s *WarmStats) { s.Sets++ })
	}
	return err
}

// TTL returns the remaining lifetime of a key, or zero when absent.
func (w *WarmCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	res, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return w.client.PTTL(ctx, w.keyPrefix+key).Result()
	})
	if err != nil {
		return 0, err
	}
	ttl := res.(time.Duration)
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// MGet fetches several keys in one round-trip. Missing keys yield nil slots.
func (w *WarmCache) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = w.keyPrefix + k
	}
	res, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return w.client.MGet(ctx, full...).Result()
	})
	if err != nil {
		return nil, err
	}
	raw := res.([]interface{})
	out := make([][]byte, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
			w.count(func(st *WarmStats) { st.Hits++ })
		} else {
			w.count(func(st *WarmStats) { st.Misses++ })
		}
	}
	return out, nil
}

// MSet stores several values with a shared TTL via a pipeline. Redis MSET has
// no per-key expiry, so individual SETs are pipelined instead.
func (w *WarmCache) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	_, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		pipe := w.client.Pipeline()
		for k, v := range values {
			pipe.Set(ctx, w.keyPrefix+k, v, ttl)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err == nil {
		w.count(func(s *WarmStats) { s.Sets += int64(len(values)) })
	}
	return err
}

// Del removes keys.
func (w *WarmCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = w.keyPrefix + k
	}
	_, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, w.client.Del(ctx, full...).Err()
	})
	return err
}

// DelByPattern deletes all keys matching a glob pattern using an incremental
// SCAN with bounded COUNT and a hard iteration cap. Blocking KEYS is never
// issued. Returns the number of deleted keys.
func (w *WarmCache) DelByPattern(ctx context.Context, pattern string) (int, error) {
	res, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		deleted := 0
		var cursor uint64
		for i := 0; i < w.scanMaxIter; i++ {
			keys, next, err := w.client.Scan(ctx, cursor, w.keyPrefix+pattern, w.scanCount).Result()
			if err != nil {
				return deleted, err
			}
			if len(keys) > 0 {
				if err := w.client.Del(ctx, keys...).Err(); err != nil {
					return deleted, err
				}
				deleted += len(keys)
			}
			cursor = next
			if cursor == 0 {
				return deleted, nil
			}
		}
		log.Warn().Str("pattern", pattern).Int("deleted", deleted).
			Msg("Pattern delete hit iteration cap before cursor exhaustion")
		return deleted, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

// Acquire takes the named lock for ttl via SET NX, so only one process runs
// a coordinated task at a time. False with a nil error means another holder
// owns it.
func (w *WarmCache) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	res, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return w.client.SetNX(ctx, w.keyPrefix+name, 1, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Release drops a held lock. Expired locks release to a no-op.
func (w *WarmCache) Release(ctx context.Context, name string) error {
	return w.Del(ctx, name)
}

// HealthCheck pings the server.
func (w *WarmCache) HealthCheck(ctx context.Context) error {
	_, err := w.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, w.client.Ping(ctx).Err()
	})
	if err == nil {
		w.count(func(s *WarmStats) { s.LastPing = time.Now() })
	}
	return err
}

// Stats returns a snapshot of warm-tier counters.
func (w *WarmCache) Stats() WarmStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Degraded = !w.Healthy()
	return s
}

// Close releases the underlying client.
func (w *WarmCache) Close() error {
	return w.client.Close()
}

// execute runs fn under the breaker with the command timeout applied. Any
// failure is wrapped in ErrWarmCacheUnavailable.
func (w *WarmCache) execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	res, err := w.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, w.cmdTimeout)
		defer cancel()
		return fn(cctx)
	})
	if err != nil {
		w.count(func(s *WarmStats) {
			s.Errors++
			s.LastError = err.Error()
		})
		return nil, fmt.Errorf("%w: %v", ErrWarmCacheUnavailable, err)
	}
	return res, nil
}

func (w *WarmCache) count(update func(*WarmStats)) {
	w.mu.Lock()
	update(&w.stats)
	w.mu.Unlock()
}
