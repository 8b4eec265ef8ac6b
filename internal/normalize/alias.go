package normalize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/graph"
)

// AliasRecord is one alias-to-canonical mapping.
type AliasRecord struct {
	Alias      string  `json:"alias"`
	Canonical  string  `json:"canonical"`
	EntityType string  `json:"entity_type,omitempty"`
	Confidence float64 `json:"confidence"`
	Stage      string  `json:"stage,omitempty"`
}

type cachedAlias struct {
	record   AliasRecord
	cachedAt time.Time
}

// AliasManagerConfig bounds the in-memory alias cache.
type AliasManagerConfig struct {
	MaxCacheSize int
	CacheTTL     time.Duration
}

// DefaultAliasManagerConfig caches 10k aliases for an hour.
func DefaultAliasManagerConfig() AliasManagerConfig {
	return AliasManagerConfig{
		MaxCacheSize: 10_000,
		CacheTTL:     time.Hour,
	}
}

// AliasManager persists alias mappings in the graph store behind an
// LRU cache with TTL checked on read.
type AliasManager struct {
	tm     *graph.TransactionManager
	cache  *lru.Cache[string, *cachedAlias]
	cfg    AliasManagerConfig
	logger *zap.Logger

	statsMu   sync.Mutex
	cacheHits int64
	storeHits int64
	misses    int64
}

// NewAliasManager creates a manager on top of the transaction manager.
func NewAliasManager(tm *graph.TransactionManager, cfg AliasManagerConfig, logger *zap.Logger) (*AliasManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 10_000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}

	cache, err := lru.New[string, *cachedAlias](cfg.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create alias cache: %w", err)
	}
	return &AliasManager{
		tm:     tm,
		cache:  cache,
		cfg:    cfg,
		logger: logger.Named("normalize.alias"),
	}, nil
}

// aliasKey is the persistent and cache key form of an alias.
func aliasKey(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// ResolveAlias looks an alias up in cache then store. Returns nil when
// unknown.
func (am *AliasManager) ResolveAlias(ctx context.Context, alias string) (*AliasRecord, error) {
	key := aliasKey(alias)
	if key == "" {
		return nil, nil
	}

	if cached, ok := am.cache.Get(key); ok {
		if time.Since(cached.cachedAt) < am.cfg.CacheTTL {
			am.count(&am.cacheHits)
			rec := cached.record
			return &rec, nil
		}
		am.cache.Remove(key)
	}

	out, err := am.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `MATCH (a:Alias {alias: $alias})
RETURN a.canonical AS canonical, a.entity_type AS entity_type, a.confidence AS confidence, a.stage AS stage`,
			map[string]any{"alias": key})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("alias lookup failed: %w", err)
	}

	result, _ := out.(*graph.Result)
	if result == nil || len(result.Records) == 0 {
		am.count(&am.misses)
		return nil, nil
	}

	rec := recordToAlias(key, result.Records[0])
	am.cache.Add(key, &cachedAlias{record: rec, cachedAt: time.Now()})
	am.count(&am.storeHits)
	return &rec, nil
}

// RegisterAlias upserts one alias in the store and cache.
func (am *AliasManager) RegisterAlias(ctx context.Context, rec AliasRecord) error {
	key := aliasKey(rec.Alias)
	if key == "" {
		return fmt.Errorf("alias cannot be empty")
	}
	if rec.Canonical == "" {
		return fmt.Errorf("canonical name cannot be empty")
	}
	rec.Alias = key

	_, err := am.tm.Write(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `MERGE (a:Alias {alias: $alias})
SET a.canonical = $canonical, a.entity_type = $entity_type, a.confidence = $confidence, a.stage = $stage, a.updated_at = datetime()`,
			map[string]any{
				"alias":       key,
				"canonical":   rec.Canonical,
				"entity_type": rec.EntityType,
				"confidence":  rec.Confidence,
				"stage":       rec.Stage,
			})
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to register alias %s: %w", key, err)
	}

	am.cache.Add(key, &cachedAlias{record: rec, cachedAt: time.Now()})
	am.logger.Debug("Registered alias",
		zap.String("alias", key),
		zap.String("canonical", rec.Canonical))
	return nil
}

// RegisterAliases upserts a batch in one statement.
func (am *AliasManager) RegisterAliases(ctx context.Context, recs []AliasRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := make([]map[string]any, 0, len(recs))
	now := time.Now()
	for _, rec := range recs {
		key := aliasKey(rec.Alias)
		if key == "" || rec.Canonical == "" {
			continue
		}
		batch = append(batch, map[string]any{
			"alias":       key,
			"canonical":   rec.Canonical,
			"entity_type": rec.EntityType,
			"confidence":  rec.Confidence,
			"stage":       rec.Stage,
		})
	}
	if len(batch) == 0 {
		return nil
	}

	_, err := am.tm.Write(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `UNWIND $batch AS row
MERGE (a:Alias {alias: row.alias})
SET a.canonical = row.canonical, a.entity_type = row.entity_type, a.confidence = row.confidence, a.stage = row.stage, a.updated_at = datetime()`,
			map[string]any{"batch": batch})
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to register %d aliases: %w", len(batch), err)
	}

	for _, row := range batch {
		key := row["alias"].(string)
		am.cache.Add(key, &cachedAlias{
			record: AliasRecord{
				Alias:      key,
				Canonical:  row["canonical"].(string),
				EntityType: row["entity_type"].(string),
				Confidence: row["confidence"].(float64),
				Stage:      row["stage"].(string),
			},
			cachedAt: now,
		})
	}
	am.logger.Info("Registered alias batch", zap.Int("count", len(batch)))
	return nil
}

// DeleteAlias removes an alias from cache and store.
func (am *AliasManager) DeleteAlias(ctx context.Context, alias string) error {
	key := aliasKey(alias)
	am.cache.Remove(key)

	_, err := am.tm.Write(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `MATCH (a:Alias {alias: $alias}) DELETE a`,
			map[string]any{"alias": key})
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete alias %s: %w", key, err)
	}
	return nil
}

// LoadCache bulk-loads the most recently updated aliases, newest
// first, up to the cache capacity. Returns the number loaded.
func (am *AliasManager) LoadCache(ctx context.Context) (int, error) {
	out, err := am.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `MATCH (a:Alias)
RETURN a.alias AS alias, a.canonical AS canonical, a.entity_type AS entity_type, a.confidence AS confidence, a.stage AS stage
ORDER BY a.updated_at DESC
LIMIT $limit`,
			map[string]any{"limit": am.cfg.MaxCacheSize})
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to load alias cache: %w", err)
	}

	result, _ := out.(*graph.Result)
	if result == nil {
		return 0, nil
	}

	now := time.Now()
	loaded := 0
	for _, record := range result.Records {
		alias, _ := record["alias"].(string)
		if alias == "" {
			continue
		}
		rec := recordToAlias(alias, record)
		am.cache.Add(alias, &cachedAlias{record: rec, cachedAt: now})
		loaded++
	}
	am.logger.Info("Alias cache loaded", zap.Int("count", loaded))
	return loaded, nil
}

// Stats returns cache counters.
func (am *AliasManager) Stats() map[string]interface{} {
	am.statsMu.Lock()
	defer am.statsMu.Unlock()
	return map[string]interface{}{
		"cache_size":  am.cache.Len(),
		"cache_max":   am.cfg.MaxCacheSize,
		"cache_hits":  am.cacheHits,
		"store_hits":  am.storeHits,
		"misses":      am.misses,
		"cache_ttl_s": am.cfg.CacheTTL.Seconds(),
	}
}

func (am *AliasManager) count(field *int64) {
	am.statsMu.Lock()
	*field++
	am.statsMu.Unlock()
}

func recordToAlias(alias string, record map[string]any) AliasRecord {
	rec := AliasRecord{Alias: alias}
	if v, ok := record["canonical"].(string); ok {
		rec.Canonical = v
	}
	if v, ok := record["entity_type"].(string); ok {
		rec.EntityType = v
	}
	if v, ok := record["confidence"].(float64); ok {
		rec.Confidence = v
	}
	if v, ok := record["stage"].(string); ok {
		rec.Stage = v
	}
	return rec
}
