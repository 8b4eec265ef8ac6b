package reason

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// PathCacheConfig bounds the path result cache.
type PathCacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultPathCacheConfig returns the standard sizing.
func DefaultPathCacheConfig() PathCacheConfig {
	return PathCacheConfig{
		MaxSize: 500,
		TTL:     10 * time.Minute,
	}
}

type cachedPaths struct {
	result   *PathResult
	cachedAt time.Time
}

// PathCache is an LRU of path results with per-entry TTL checked on
// read. Eviction and insertion share one lock.
type PathCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, cachedPaths]
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
	logger  *zap.Logger
}

// NewPathCache creates the cache.
func NewPathCache(cfg PathCacheConfig, logger *zap.Logger) (*PathCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPathCacheConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	entries, err := lru.New[string, cachedPaths](cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("reason: create path cache: %w", err)
	}
	return &PathCache{
		entries: entries,
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		logger:  logger.Named("reason.cache"),
	}, nil
}

// CacheKey derives the canonical cache key for a query: lowercased
// types and names (empty names become *), sorted relation types, and
// the hop bound, pipe-separated.
func CacheKey(q PathQuery) string {
	rels := make([]string, len(q.RelationTypes))
	for i, rt := range q.RelationTypes {
		rels[i] = strings.ToLower(rt)
	}
	sort.Strings(rels)

	part := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return "*"
		}
		return s
	}
	return strings.Join([]string{
		part(q.StartType),
		part(q.StartName),
		part(q.EndType),
		part(q.EndName),
		strings.Join(rels, ","),
		strconv.Itoa(q.MaxHops),
	}, "|")
}

// Get returns the cached result for key. Hits come back as copies
// flagged FromCache with the original store time.
func (c *PathCache) Get(key string) (*PathResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(entry.cachedAt) > c.ttl {
		c.entries.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++

	cp := *entry.result
	cp.FromCache = true
	cp.CachedAt = entry.cachedAt
	return &cp, true
}

// Set stores a result under key.
func (c *PathCache) Set(key string, result *PathResult) {
	if result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *result
	cp.FromCache = false
	cp.CachedAt = time.Time{}
	c.entries.Add(key, cachedPaths{result: &cp, cachedAt: time.Now()})
}

// fresh reports whether key is cached and unexpired without touching
// recency order or counters.
func (c *PathCache) fresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Peek(key)
	return ok && time.Since(entry.cachedAt) <= c.ttl
}

// Invalidate removes entries whose key contains pattern; an empty
// pattern clears everything. Returns the number removed.
func (c *PathCache) Invalidate(pattern string) int {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		n := c.entries.Len()
		c.entries.Purge()
		return n
	}
	removed := 0
	for _, key := range c.entries.Keys() {
		if strings.Contains(key, pattern) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// InvalidateByEntity removes entries whose start or end name equals
// name.
func (c *PathCache) InvalidateByEntity(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0
	}
	return c.invalidateMatching(func(parts []string) bool {
		return len(parts) == 6 && (parts[1] == name || parts[3] == name)
	})
}

// InvalidateByEntityType removes entries whose start or end type equals
// entityType.
func (c *PathCache) InvalidateByEntityType(entityType string) int {
	t := strings.ToLower(strings.TrimSpace(entityType))
	if t == "" {
		return 0
	}
	return c.invalidateMatching(func(parts []string) bool {
		return len(parts) == 6 && (parts[0] == t || parts[2] == t)
	})
}

func (c *PathCache) invalidateMatching(match func(parts []string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		if match(strings.Split(key, "|")) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// PathFetcher computes a result for one query during warm-up.
type PathFetcher func(ctx context.Context, q PathQuery) (*PathResult, error)

// WarmUp populates the cache for the given queries, skipping keys that
// are already fresh and continuing past individual fetch failures.
// Returns the number of entries stored.
func (c *PathCache) WarmUp(ctx context.Context, queries []PathQuery, fetch PathFetcher) (int, error) {
	warmed := 0
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		key := CacheKey(q)
		if c.fresh(key) {
			continue
		}
		result, err := fetch(ctx, q)
		if err != nil {
			c.logger.Warn("Warm-up fetch failed",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		c.Set(key, result)
		warmed++
	}
	c.logger.Info("Path cache warmed",
		zap.Int("requested", len(queries)),
		zap.Int("stored", warmed))
	return warmed, nil
}

// Len returns the number of cached entries.
func (c *PathCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns cache counters.
func (c *PathCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"size":        c.entries.Len(),
		"max_size":    c.maxSize,
		"hits":        c.hits,
		"misses":      c.misses,
		"hit_rate":    hitRate,
		"ttl_seconds": c.ttl.Seconds(),
	}
}
