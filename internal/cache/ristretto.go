// Package cache provides in-memory result caching using Ristretto, with
// an optional Redis tier shared across instances. Schema snapshots and
// query results are the hot entries.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config controls cache sizing and expiry.
type Config struct {
	// MaxCost is the total cost budget; entries are charged their byte length.
	MaxCost int64
	// NumCounters sizes the frequency sketch; roughly 10x expected entries.
	NumCounters int64
	// BufferItems is the per-shard write buffer size.
	BufferItems int64
	// DefaultTTL applies to Set; SetWithTTL overrides it per entry.
	DefaultTTL time.Duration
}

// DefaultConfig returns sizing suitable for query-result caching.
func DefaultConfig() Config {
	return Config{
		MaxCost:     64 << 20,
		NumCounters: 100_000,
		BufferItems: 64,
		DefaultTTL:  5 * time.Minute,
	}
}

// Metrics tracks hits and misses per tier.
type Metrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// Manager is a two-tier cache:
//   - L1: in-process Ristretto (microsecond latency)
//   - L2: optional Redis (shared across instances)
type Manager struct {
	l1        *ristretto.Cache[string, []byte]
	l2        *redis.Client
	cfg       Config
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// NewManager creates the cache. redisClient may be nil for L1-only mode.
func NewManager(cfg Config, redisClient *redis.Client, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxCost == 0 {
		cfg.MaxCost = def.MaxCost
	}
	if cfg.NumCounters == 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.BufferItems == 0 {
		cfg.BufferItems = def.BufferItems
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}

	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &Manager{
		l1:     l1,
		l2:     redisClient,
		cfg:    cfg,
		logger: logger.Named("cache"),
	}, nil
}

// Get retrieves a value from L1, falling back to L2 when configured.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := m.l1.Get(key); found {
		m.record(func(mt *Metrics) { mt.L1Hits++ })
		return val, true
	}
	m.record(func(mt *Metrics) { mt.L1Misses++ })

	if m.l2 != nil {
		data, err := m.l2.Get(ctx, key).Bytes()
		if err == nil && len(data) > 0 {
			m.record(func(mt *Metrics) { mt.L2Hits++ })
			// Promote to L1 so the next lookup stays in-process.
			m.l1.SetWithTTL(key, data, int64(len(data)), m.cfg.DefaultTTL)
			return data, true
		}
		m.record(func(mt *Metrics) { mt.L2Misses++ })
	}
	return nil, false
}

// Set stores a value in both tiers with the default TTL.
func (m *Manager) Set(ctx context.Context, key string, data []byte) error {
	return m.SetWithTTL(ctx, key, data, m.cfg.DefaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. The L2 write is
// asynchronous; a Redis failure only logs.
func (m *Manager) SetWithTTL(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	m.l1.SetWithTTL(key, data, int64(len(data)), ttl)

	if m.l2 != nil {
		go func() {
			if err := m.l2.Set(context.WithoutCancel(ctx), key, data, ttl).Err(); err != nil {
				m.logger.Warn("failed to write L2 cache",
					zap.String("key", key),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// Delete removes a value from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.l1.Del(key)
	if m.l2 != nil {
		if err := m.l2.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("L2 delete failed: %w", err)
		}
	}
	return nil
}

// GetOrCompute returns the cached value or computes, stores, and
// returns it.
func (m *Manager) GetOrCompute(ctx context.Context, key string, fn func() ([]byte, error)) ([]byte, error) {
	if data, found := m.Get(ctx, key); found {
		return data, nil
	}
	data, err := fn()
	if err != nil {
		return nil, err
	}
	if err := m.Set(ctx, key, data); err != nil {
		m.logger.Warn("failed to cache computed value",
			zap.String("key", key),
			zap.Error(err))
	}
	return data, nil
}

// Clear drops every L1 entry. L2 entries expire on their own TTLs.
func (m *Manager) Clear(ctx context.Context) error {
	m.l1.Clear()
	return nil
}

// Wait blocks until buffered L1 writes are applied. Ristretto admits
// writes asynchronously; call this before reading a value just written.
func (m *Manager) Wait() {
	m.l1.Wait()
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	total := m.metrics.L1Hits + m.metrics.L1Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(m.metrics.L1Hits) / float64(total)
	}
	return map[string]interface{}{
		"max_cost":     m.cfg.MaxCost,
		"l1_hits":      m.metrics.L1Hits,
		"l1_misses":    m.metrics.L1Misses,
		"l2_hits":      m.metrics.L2Hits,
		"l2_misses":    m.metrics.L2Misses,
		"hit_rate":     hitRate,
		"ttl_seconds":  m.cfg.DefaultTTL.Seconds(),
		"l2_available": m.l2 != nil,
	}
}

// ResetMetrics zeroes the counters.
func (m *Manager) ResetMetrics() {
	m.metricsMu.Lock()
	m.metrics = Metrics{}
	m.metricsMu.Unlock()
}

// Close releases cache resources.
func (m *Manager) Close() error {
	m.l1.Close()
	return nil
}

func (m *Manager) record(fn func(*Metrics)) {
	m.metricsMu.Lock()
	fn(&m.metrics)
	m.metricsMu.Unlock()
}

// CachedQuery wraps a Manager with a key prefix for one class of
// queries. The schema provider and the query executor each hold one.
type CachedQuery struct {
	cache  *Manager
	prefix string
}

// NewCachedQuery creates a cache-aside helper under the given prefix.
func NewCachedQuery(cache *Manager, prefix string) *CachedQuery {
	return &CachedQuery{cache: cache, prefix: prefix}
}

// Execute returns the cached payload for key, or runs fn and caches its
// result with the given TTL. The second return reports a cache hit.
func (q *CachedQuery) Execute(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	full := q.prefix + ":" + key
	if data, found := q.cache.Get(ctx, full); found {
		return data, true, nil
	}
	data, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := q.cache.SetWithTTL(ctx, full, data, ttl); err != nil {
		q.cache.logger.Warn("failed to cache query result",
			zap.String("key", full),
			zap.Error(err))
	}
	return data, false, nil
}

// Invalidate drops one key under the prefix.
func (q *CachedQuery) Invalidate(ctx context.Context, key string) error {
	return q.cache.Delete(ctx, q.prefix+":"+key)
}
