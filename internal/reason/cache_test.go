package reason

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestPathCache(t *testing.T, cfg PathCacheConfig) *PathCache {
	t.Helper()
	c, err := NewPathCache(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPathCache failed: %v", err)
	}
	return c
}

func pathQueryFor(start, end string) PathQuery {
	return PathQuery{
		StartType: "Model", StartName: start,
		EndType: "Model", EndName: end,
		MaxHops: 2,
	}
}

func resultWithPaths(n int) *PathResult {
	paths := make([]Path, n)
	for i := range paths {
		paths[i] = Path{
			Nodes:     []PathNode{{Name: "a"}, {Name: "b"}},
			Relations: []PathRelation{{Type: "CITES"}},
			Hops:      1,
		}
	}
	return &PathResult{Paths: paths, Stats: computeStats(paths)}
}

func TestCacheKeyCanonicalForm(t *testing.T) {
	q := PathQuery{
		StartType:     "Paper",
		StartName:     " Attention ",
		EndType:       "Model",
		RelationTypes: []string{"USES", "CITES"},
		MaxHops:       3,
	}
	want := "paper|attention|model|*|cites,uses|3"
	if got := CacheKey(q); got != want {
		t.Errorf("CacheKey = %q, want %q", got, want)
	}

	// Order of relation types must not change the key.
	q2 := q
	q2.RelationTypes = []string{"CITES", "USES"}
	if CacheKey(q2) != want {
		t.Errorf("relation order changed the key: %q", CacheKey(q2))
	}
}

func TestPathCacheRoundTrip(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{})
	original := resultWithPaths(2)

	key := CacheKey(pathQueryFor("bert", "gpt"))
	c.Set(key, original)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if !got.FromCache || got.CachedAt.IsZero() {
		t.Errorf("hit not flagged: fromCache=%v cachedAt=%v", got.FromCache, got.CachedAt)
	}
	if len(got.Paths) != 2 {
		t.Errorf("expected 2 paths, got %d", len(got.Paths))
	}
	if original.FromCache {
		t.Error("Get mutated the stored result")
	}
}

func TestPathCacheTTLExpires(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{TTL: 20 * time.Millisecond})
	key := CacheKey(pathQueryFor("bert", "gpt"))
	c.Set(key, resultWithPaths(1))

	if _, ok := c.Get(key); !ok {
		t.Fatal("expected a hit before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Error("expected a miss after expiry")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", c.Len())
	}
}

func TestPathCacheEvictsOldest(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{MaxSize: 2})
	k1 := CacheKey(pathQueryFor("a", "b"))
	k2 := CacheKey(pathQueryFor("c", "d"))
	k3 := CacheKey(pathQueryFor("e", "f"))
	c.Set(k1, resultWithPaths(1))
	c.Set(k2, resultWithPaths(1))
	c.Set(k3, resultWithPaths(1))

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(k1); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("expected k2 to survive")
	}
	if _, ok := c.Get(k3); !ok {
		t.Error("expected k3 to survive")
	}
}

func TestPathCacheInvalidatePattern(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{})
	c.Set(CacheKey(pathQueryFor("BERT", "GPT")), resultWithPaths(1))
	c.Set(CacheKey(pathQueryFor("ViT", "DETR")), resultWithPaths(1))

	if removed := c.Invalidate("bert"); removed != 1 {
		t.Errorf("Invalidate(bert) removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
	if removed := c.Invalidate(""); removed != 1 {
		t.Errorf("Invalidate('') removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestPathCacheInvalidateByEntity(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{})
	c.Set(CacheKey(pathQueryFor("BERT", "GPT")), resultWithPaths(1))
	c.Set(CacheKey(pathQueryFor("T5", "BERT")), resultWithPaths(1))
	// Substring overlap must not match: only exact name segments do.
	c.Set(CacheKey(pathQueryFor("RoBERTa", "GPT")), resultWithPaths(1))

	if removed := c.InvalidateByEntity("bert"); removed != 2 {
		t.Errorf("InvalidateByEntity removed %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected the RoBERTa entry to survive, len = %d", c.Len())
	}
	if removed := c.InvalidateByEntity(""); removed != 0 {
		t.Errorf("empty name removed %d entries", removed)
	}
}

func TestPathCacheInvalidateByEntityType(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{})
	c.Set(CacheKey(PathQuery{StartType: "Model", EndType: "Paper", MaxHops: 2}), resultWithPaths(1))
	c.Set(CacheKey(PathQuery{StartType: "Paper", EndType: "Model", MaxHops: 3}), resultWithPaths(1))
	c.Set(CacheKey(PathQuery{StartType: "Paper", EndType: "Paper", MaxHops: 2}), resultWithPaths(1))

	if removed := c.InvalidateByEntityType("model"); removed != 2 {
		t.Errorf("InvalidateByEntityType removed %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
}

func TestPathCacheWarmUp(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{})
	q1 := pathQueryFor("alpha", "omega")
	q2 := pathQueryFor("beta", "omega")
	q3 := pathQueryFor("gamma", "omega")
	c.Set(CacheKey(q1), resultWithPaths(1))

	fetches := 0
	fetch := func(ctx context.Context, q PathQuery) (*PathResult, error) {
		fetches++
		if q.StartName == "beta" {
			return nil, fmt.Errorf("store unavailable")
		}
		return resultWithPaths(1), nil
	}

	warmed, err := c.WarmUp(context.Background(), []PathQuery{q1, q2, q3}, fetch)
	if err != nil {
		t.Fatalf("WarmUp failed: %v", err)
	}
	if warmed != 1 {
		t.Errorf("warmed = %d, want 1", warmed)
	}
	if fetches != 2 {
		t.Errorf("fetch called %d times, want 2 (cached query skipped)", fetches)
	}
	if !c.fresh(CacheKey(q3)) {
		t.Error("expected q3 to be cached after warm-up")
	}
	if c.fresh(CacheKey(q2)) {
		t.Error("failed fetch should not populate the cache")
	}
}

func TestPathCacheWarmUpStopsOnContext(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	warmed, err := c.WarmUp(ctx, []PathQuery{pathQueryFor("a", "b")}, func(context.Context, PathQuery) (*PathResult, error) {
		t.Fatal("fetch should not run after cancellation")
		return nil, nil
	})
	if err == nil {
		t.Error("expected a context error")
	}
	if warmed != 0 {
		t.Errorf("warmed = %d, want 0", warmed)
	}
}

func TestPathCacheStats(t *testing.T) {
	c := newTestPathCache(t, PathCacheConfig{MaxSize: 10})
	key := CacheKey(pathQueryFor("bert", "gpt"))
	c.Set(key, resultWithPaths(1))

	c.Get(key)
	c.Get("absent")

	stats := c.Stats()
	if stats["hits"] != int64(1) || stats["misses"] != int64(1) {
		t.Errorf("unexpected counters: %v", stats)
	}
	if stats["hit_rate"] != 0.5 {
		t.Errorf("hit_rate = %v, want 0.5", stats["hit_rate"])
	}
	if stats["size"] != 1 || stats["max_size"] != 10 {
		t.Errorf("unexpected sizing: %v", stats)
	}
}
