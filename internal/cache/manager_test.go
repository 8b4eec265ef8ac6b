package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(DefaultConfig(), nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSetGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Set(ctx, "schema:neo4j", []byte(`{"labels":["Paper"]}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m.Wait()

	got, found := m.Get(ctx, "schema:neo4j")
	if !found {
		t.Fatal("expected cache hit after Set")
	}
	if string(got) != `{"labels":["Paper"]}` {
		t.Errorf("unexpected cached value: %s", got)
	}
}

func TestGetMissRecordsMetrics(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, found := m.Get(ctx, "absent"); found {
		t.Fatal("expected miss for absent key")
	}
	m.Set(ctx, "present", []byte("x"))
	m.Wait()
	if _, found := m.Get(ctx, "present"); !found {
		t.Fatal("expected hit for present key")
	}

	stats := m.Stats()
	if stats["l1_hits"].(int64) != 1 {
		t.Errorf("expected 1 hit, got %v", stats["l1_hits"])
	}
	if stats["l1_misses"].(int64) != 1 {
		t.Errorf("expected 1 miss, got %v", stats["l1_misses"])
	}
	if stats["hit_rate"].(float64) != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats["hit_rate"])
	}
	if stats["l2_available"].(bool) {
		t.Error("expected l2_available=false without redis")
	}
}

func TestEntryExpires(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.SetWithTTL(ctx, "short", []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}
	m.Wait()
	if _, found := m.Get(ctx, "short"); !found {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(60 * time.Millisecond)
	if _, found := m.Get(ctx, "short"); found {
		t.Error("expected entry to expire")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.Set(ctx, "doomed", []byte("v"))
	m.Wait()
	if err := m.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found := m.Get(ctx, "doomed"); found {
		t.Error("expected miss after Delete")
	}
}

func TestGetOrComputeComputesOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	calls := 0

	compute := func() ([]byte, error) {
		calls++
		return []byte("expensive"), nil
	}
	got, err := m.GetOrCompute(ctx, "lazy", compute)
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if string(got) != "expensive" {
		t.Errorf("unexpected value: %s", got)
	}
	m.Wait()

	if _, err := m.GetOrCompute(ctx, "lazy", compute); err != nil {
		t.Fatalf("second GetOrCompute failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 compute call, got %d", calls)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	m := newTestManager(t)
	boom := errors.New("source down")

	_, err := m.GetOrCompute(context.Background(), "fails", func() ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected compute error, got %v", err)
	}
}

func TestCachedQueryCacheAside(t *testing.T) {
	m := newTestManager(t)
	cq := NewCachedQuery(m, "nlq")
	ctx := context.Background()
	calls := 0

	run := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`[{"name":"GPT-4"}]`), nil
	}

	data, fromCache, err := cq.Execute(ctx, "top-models", time.Minute, run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if fromCache {
		t.Error("first Execute should not report a cache hit")
	}
	if string(data) != `[{"name":"GPT-4"}]` {
		t.Errorf("unexpected result: %s", data)
	}
	m.Wait()

	data, fromCache, err = cq.Execute(ctx, "top-models", time.Minute, run)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if !fromCache {
		t.Error("second Execute should hit the cache")
	}
	if calls != 1 {
		t.Errorf("expected 1 underlying run, got %d", calls)
	}
	if string(data) != `[{"name":"GPT-4"}]` {
		t.Errorf("unexpected cached result: %s", data)
	}
}

func TestCachedQueryInvalidate(t *testing.T) {
	m := newTestManager(t)
	cq := NewCachedQuery(m, "nlq")
	ctx := context.Background()
	calls := 0

	run := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("rows"), nil
	}
	cq.Execute(ctx, "q", time.Minute, run)
	m.Wait()
	if err := cq.Invalidate(ctx, "q"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	cq.Execute(ctx, "q", time.Minute, run)
	if calls != 2 {
		t.Errorf("expected recompute after Invalidate, got %d calls", calls)
	}
}

func TestCachedQueryPrefixesIsolate(t *testing.T) {
	m := newTestManager(t)
	a := NewCachedQuery(m, "schema")
	b := NewCachedQuery(m, "nlq")
	ctx := context.Background()

	a.Execute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("schema-data"), nil
	})
	m.Wait()

	data, fromCache, err := b.Execute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("nlq-data"), nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if fromCache {
		t.Error("different prefixes must not share entries")
	}
	if string(data) != "nlq-data" {
		t.Errorf("unexpected result: %s", data)
	}
}
