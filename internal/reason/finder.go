// Package reason finds multi-hop connection chains between entities in
// the knowledge graph: breadth-bounded path expansion, weighted
// variants, chunked batch execution, and a TTL'd LRU result cache.
package reason

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/graph"
)

// PathQuery describes one path search. Empty names act as wildcards.
type PathQuery struct {
	StartType        string   `json:"start_type"`
	StartName        string   `json:"start_name,omitempty"`
	EndType          string   `json:"end_type"`
	EndName          string   `json:"end_name,omitempty"`
	MaxHops          int      `json:"max_hops"`
	RelationTypes    []string `json:"relation_types,omitempty"`
	ExcludeRelations []string `json:"exclude_relations,omitempty"`
}

// PathNode is one entity on a path.
type PathNode struct {
	ID     string   `json:"id,omitempty"`
	Name   string   `json:"name"`
	Labels []string `json:"labels,omitempty"`
}

// PathRelation is one edge on a path with its stored properties.
type PathRelation struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Path is a single acyclic chain from start to end.
type Path struct {
	Nodes     []PathNode     `json:"nodes"`
	Relations []PathRelation `json:"relations"`
	Hops      int            `json:"hops"`
	Weight    float64        `json:"weight,omitempty"`
}

// PathStats summarizes a result set.
type PathStats struct {
	Total       int         `json:"total"`
	MinHops     int         `json:"min_hops"`
	MaxHops     int         `json:"max_hops"`
	AvgHops     float64     `json:"avg_hops"`
	PathsByHops map[int]int `json:"paths_by_hops"`
}

// PathResult is the outcome of one path search.
type PathResult struct {
	Query      PathQuery `json:"query"`
	Paths      []Path    `json:"paths"`
	Stats      PathStats `json:"stats"`
	FromCache  bool      `json:"from_cache"`
	CachedAt   time.Time `json:"cached_at"`
	DurationMs int64     `json:"duration_ms"`
}

// WeightFn scores one relation. Higher is stronger.
type WeightFn func(rel PathRelation) float64

// defaultRelationWeight applies when a relation carries no confidence.
const defaultRelationWeight = 0.5

// FinderConfig tunes the path finder.
type FinderConfig struct {
	// MaxPaths caps raw paths per query.
	MaxPaths int
	// DefaultMaxHops applies when a query leaves MaxHops unset.
	DefaultMaxHops int
	// MaxConcurrency is the batch chunk size.
	MaxConcurrency int
}

// DefaultFinderConfig returns the standard limits.
func DefaultFinderConfig() FinderConfig {
	return FinderConfig{
		MaxPaths:       100,
		DefaultMaxHops: 3,
		MaxConcurrency: 5,
	}
}

// Finder runs path searches against the store.
type Finder struct {
	tm     *graph.TransactionManager
	cache  *PathCache
	cfg    FinderConfig
	logger *zap.Logger

	mu         sync.Mutex
	queries    int64
	pathsFound int64
	cacheHits  int64
}

// NewFinder creates a path finder. cache may be nil to disable result
// caching.
func NewFinder(tm *graph.TransactionManager, cache *PathCache, cfg FinderConfig, logger *zap.Logger) *Finder {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultFinderConfig()
	if cfg.MaxPaths <= 0 {
		cfg.MaxPaths = def.MaxPaths
	}
	if cfg.DefaultMaxHops <= 0 {
		cfg.DefaultMaxHops = def.DefaultMaxHops
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	return &Finder{
		tm:     tm,
		cache:  cache,
		cfg:    cfg,
		logger: logger.Named("reason"),
	}
}

// FindPaths searches for acyclic paths matching the query, sorted by
// hop count ascending.
func (f *Finder) FindPaths(ctx context.Context, q PathQuery) (*PathResult, error) {
	start := time.Now()
	if err := f.normalizeQuery(&q); err != nil {
		return nil, err
	}

	if f.cache != nil {
		if cached, ok := f.cache.Get(CacheKey(q)); ok {
			f.mu.Lock()
			f.cacheHits++
			f.mu.Unlock()
			return cached, nil
		}
	}

	paths, err := f.expand(ctx, q)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].Hops < paths[j].Hops
	})
	if len(paths) > f.cfg.MaxPaths {
		paths = paths[:f.cfg.MaxPaths]
	}

	result := &PathResult{
		Query:      q,
		Paths:      paths,
		Stats:      computeStats(paths),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if f.cache != nil {
		f.cache.Set(CacheKey(q), result)
	}

	f.mu.Lock()
	f.queries++
	f.pathsFound += int64(len(paths))
	f.mu.Unlock()
	f.logger.Debug("Path query completed",
		zap.String("start", q.StartName),
		zap.String("end", q.EndName),
		zap.Int("paths", len(paths)),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// FindWeightedPaths searches like FindPaths but scores each path by the
// sum of its relation weights and sorts by total weight descending.
// With a nil weightFn the relation's confidence property is used,
// defaulting to 0.5 when absent. Weighted results bypass the cache.
func (f *Finder) FindWeightedPaths(ctx context.Context, q PathQuery, weightFn WeightFn) (*PathResult, error) {
	start := time.Now()
	if err := f.normalizeQuery(&q); err != nil {
		return nil, err
	}

	paths, err := f.expand(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range paths {
		total := 0.0
		for _, rel := range paths[i].Relations {
			total += relationWeight(rel, weightFn)
		}
		paths[i].Weight = total
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].Weight > paths[j].Weight
	})
	if len(paths) > f.cfg.MaxPaths {
		paths = paths[:f.cfg.MaxPaths]
	}

	result := &PathResult{
		Query:      q,
		Paths:      paths,
		Stats:      computeStats(paths),
		DurationMs: time.Since(start).Milliseconds(),
	}
	f.mu.Lock()
	f.queries++
	f.pathsFound += int64(len(paths))
	f.mu.Unlock()
	return result, nil
}

// PathPair names one source/target combination for a batch run.
type PathPair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// BatchPathError records one failed pair.
type BatchPathError struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

// BatchPathResult is the outcome of a batch run. Results and Errors
// together cover every input pair, in input order.
type BatchPathResult struct {
	Results    []*PathResult    `json:"results"`
	Errors     []BatchPathError `json:"errors"`
	DurationMs int64            `json:"duration_ms"`
}

// FindPathsBatch runs the template query once per pair, overriding the
// start and end names. Pairs execute in chunks of MaxConcurrency;
// per-pair failures are collected and never abort the batch.
func (f *Finder) FindPathsBatch(ctx context.Context, template PathQuery, pairs []PathPair) (*BatchPathResult, error) {
	start := time.Now()
	if len(pairs) == 0 {
		return &BatchPathResult{Results: []*PathResult{}, Errors: []BatchPathError{}}, nil
	}

	results := make([]*PathResult, len(pairs))
	failures := make([]error, len(pairs))

	chunk := f.cfg.MaxConcurrency
	for lo := 0; lo < len(pairs); lo += chunk {
		hi := lo + chunk
		if hi > len(pairs) {
			hi = len(pairs)
		}
		if err := ctx.Err(); err != nil {
			for i := lo; i < len(pairs); i++ {
				failures[i] = err
			}
			break
		}

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				q := template
				q.StartName = pairs[i].Source
				q.EndName = pairs[i].Target
				res, err := f.FindPaths(ctx, q)
				if err != nil {
					failures[i] = err
					return
				}
				results[i] = res
			}(i)
		}
		wg.Wait()
	}

	out := &BatchPathResult{
		Results: make([]*PathResult, 0, len(pairs)),
		Errors:  make([]BatchPathError, 0),
	}
	for i, pair := range pairs {
		if failures[i] != nil {
			out.Errors = append(out.Errors, BatchPathError{
				Source: pair.Source,
				Target: pair.Target,
				Error:  failures[i].Error(),
			})
			continue
		}
		out.Results = append(out.Results, results[i])
	}
	out.DurationMs = time.Since(start).Milliseconds()
	if len(out.Errors) > 0 {
		f.logger.Warn("Batch path search had failures",
			zap.Int("pairs", len(pairs)),
			zap.Int("failed", len(out.Errors)))
	}
	return out, nil
}

// Stats returns finder counters.
func (f *Finder) Stats() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{
		"queries":     f.queries,
		"paths_found": f.pathsFound,
		"cache_hits":  f.cacheHits,
	}
}

func (f *Finder) normalizeQuery(q *PathQuery) error {
	if strings.TrimSpace(q.StartType) == "" {
		return fmt.Errorf("reason: start entity type is required")
	}
	if strings.TrimSpace(q.EndType) == "" {
		return fmt.Errorf("reason: end entity type is required")
	}
	if q.MaxHops <= 0 {
		q.MaxHops = f.cfg.DefaultMaxHops
	}
	return nil
}

// expand runs the store-side variable-length expansion and applies the
// cycle and exclusion post-filters.
func (f *Finder) expand(ctx context.Context, q PathQuery) ([]Path, error) {
	cypher, params, err := f.buildPathQuery(q)
	if err != nil {
		return nil, err
	}

	out, err := f.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, cypher, params)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("reason: path query failed: %w", err)
	}
	res, _ := out.(*graph.Result)

	excluded := make(map[string]bool, len(q.ExcludeRelations))
	for _, rt := range q.ExcludeRelations {
		excluded[strings.ToUpper(rt)] = true
	}

	paths := make([]Path, 0)
	for _, p := range parsePaths(res) {
		if hasCycle(p) || usesExcludedRelation(p, excluded) {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// identPattern restricts labels and relation types interpolated into
// query text; names go through bind parameters.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (f *Finder) buildPathQuery(q PathQuery) (string, map[string]any, error) {
	if !identPattern.MatchString(q.StartType) {
		return "", nil, fmt.Errorf("reason: invalid start entity type %q", q.StartType)
	}
	if !identPattern.MatchString(q.EndType) {
		return "", nil, fmt.Errorf("reason: invalid end entity type %q", q.EndType)
	}
	for _, rt := range q.RelationTypes {
		if !identPattern.MatchString(rt) {
			return "", nil, fmt.Errorf("reason: invalid relation type %q", rt)
		}
	}

	params := make(map[string]any)
	startFilter := ""
	if q.StartName != "" {
		startFilter = " {name: $startName}"
		params["startName"] = q.StartName
	}
	endFilter := ""
	if q.EndName != "" {
		endFilter = " {name: $endName}"
		params["endName"] = q.EndName
	}
	relFilter := ""
	if len(q.RelationTypes) > 0 {
		relFilter = ":" + strings.Join(q.RelationTypes, "|")
	}

	cypher := fmt.Sprintf(
		"MATCH p = (start:%s%s)-[%s*1..%d]-(end:%s%s)\n"+
			"RETURN [n IN nodes(p) | {id: n.id, name: n.name, labels: labels(n)}] AS nodes,\n"+
			"       [r IN relationships(p) | {type: type(r), properties: properties(r)}] AS rels\n"+
			"LIMIT %d",
		q.StartType, startFilter, relFilter, q.MaxHops, q.EndType, endFilter, f.cfg.MaxPaths)
	return cypher, params, nil
}

func parsePaths(res *graph.Result) []Path {
	if res == nil {
		return nil
	}
	paths := make([]Path, 0, len(res.Records))
	for _, rec := range res.Records {
		var p Path
		for _, raw := range asSlice(rec["nodes"]) {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			p.Nodes = append(p.Nodes, PathNode{
				ID:     asString(m["id"]),
				Name:   asString(m["name"]),
				Labels: asStringSlice(m["labels"]),
			})
		}
		for _, raw := range asSlice(rec["rels"]) {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			props, _ := m["properties"].(map[string]any)
			p.Relations = append(p.Relations, PathRelation{
				Type:       asString(m["type"]),
				Properties: props,
			})
		}
		if len(p.Nodes) == 0 {
			continue
		}
		p.Hops = len(p.Relations)
		paths = append(paths, p)
	}
	return paths
}

// hasCycle reports whether any node appears twice on the path.
func hasCycle(p Path) bool {
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		key := n.ID
		if key == "" {
			key = strings.ToLower(n.Name)
		}
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}

func usesExcludedRelation(p Path, excluded map[string]bool) bool {
	if len(excluded) == 0 {
		return false
	}
	for _, rel := range p.Relations {
		if excluded[strings.ToUpper(rel.Type)] {
			return true
		}
	}
	return false
}

func relationWeight(rel PathRelation, fn WeightFn) float64 {
	if fn != nil {
		return fn(rel)
	}
	if v, ok := rel.Properties["confidence"]; ok {
		switch c := v.(type) {
		case float64:
			return c
		case int:
			return float64(c)
		}
	}
	return defaultRelationWeight
}

func computeStats(paths []Path) PathStats {
	stats := PathStats{Total: len(paths), PathsByHops: make(map[int]int)}
	if len(paths) == 0 {
		return stats
	}
	stats.MinHops = paths[0].Hops
	sum := 0
	for _, p := range paths {
		if p.Hops < stats.MinHops {
			stats.MinHops = p.Hops
		}
		if p.Hops > stats.MaxHops {
			stats.MaxHops = p.Hops
		}
		sum += p.Hops
		stats.PathsByHops[p.Hops]++
	}
	stats.AvgHops = float64(sum) / float64(len(paths))
	return stats
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
