// Package entity provides fuzzy text search over canonical entity
// names using Bleve. The similarity matcher pulls its candidates from
// here before exact edit-distance scoring.
package entity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// Config holds configuration for the canonical-name index.
type Config struct {
	IndexPath string  // path for the persistent index; unused when InMemory
	InMemory  bool    // keep the index in memory only
	Fuzziness int     // Levenshtein distance for fuzzy matching
	Threshold float64 // minimum score for fuzzy hits; 0 keeps everything
}

// DefaultConfig returns an in-memory index with fuzziness 2. Candidate
// retrieval keeps every scored hit; callers rank and cut afterwards.
func DefaultConfig() Config {
	return Config{
		InMemory:  true,
		Fuzziness: 2,
	}
}

// Entry is one canonical name in the index.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Candidate is a scored fuzzy match.
type Candidate struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Index provides fast fuzzy lookup of canonical entity names.
type Index struct {
	index  bleve.Index
	config Config
	logger *zap.Logger
	mu     sync.Mutex

	statsMu       sync.RWMutex
	totalEntries  int64
	totalSearches int64
	totalHits     int64
	avgSearchMs   float64
	lastUpdated   time.Time
}

// NewIndex creates or opens a canonical-name index.
func NewIndex(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Fuzziness <= 0 {
		cfg.Fuzziness = 2
	}

	idx := &Index{
		config: cfg,
		logger: logger.Named("entity-index"),
	}

	var err error
	if cfg.InMemory {
		idx.index, err = bleve.NewMemOnly(idx.createMapping())
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", mkErr)
		}
		var opened bleve.Index
		opened, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			opened, err = bleve.New(cfg.IndexPath, idx.createMapping())
		}
		idx.index = opened
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open bleve index: %w", err)
	}

	idx.statsMu.Lock()
	idx.totalEntries = idx.countEntries()
	idx.statsMu.Unlock()

	idx.logger.Info("Canonical-name index ready",
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int64("entries", idx.totalEntries))
	return idx, nil
}

func (idx *Index) createMapping() mapping.IndexMapping {
	entryMapping := bleve.NewDocumentMapping()

	// Tokenized for fuzzy search.
	nameField := bleve.NewTextFieldMapping()
	nameField.Index = true
	nameField.Store = true
	nameField.IncludeTermVectors = true
	nameField.IncludeInAll = true

	// Verbatim sibling field for exact lookups.
	exactField := bleve.NewTextFieldMapping()
	exactField.Name = "name_exact"
	exactField.Analyzer = keyword.Name
	exactField.Index = true
	exactField.Store = false
	exactField.IncludeInAll = false
	entryMapping.AddFieldMappingsAt("name", nameField, exactField)

	idField := bleve.NewTextFieldMapping()
	idField.Analyzer = keyword.Name
	idField.Index = true
	idField.Store = true
	idField.IncludeInAll = false
	entryMapping.AddFieldMappingsAt("id", idField)

	typeField := bleve.NewTextFieldMapping()
	typeField.Analyzer = keyword.Name
	typeField.Index = true
	typeField.Store = true
	typeField.IncludeInAll = false
	entryMapping.AddFieldMappingsAt("type", typeField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("entry", entryMapping)
	indexMapping.DefaultAnalyzer = "standard"
	return indexMapping
}

// Add indexes or updates one canonical name.
func (idx *Index) Add(ctx context.Context, entry Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.index.Index(entry.ID, entry); err != nil {
		idx.logger.Error("Failed to index entry",
			zap.String("id", entry.ID),
			zap.String("name", entry.Name),
			zap.Error(err))
		return fmt.Errorf("failed to index entry: %w", err)
	}

	idx.statsMu.Lock()
	idx.totalEntries++
	idx.lastUpdated = time.Now()
	idx.statsMu.Unlock()
	return nil
}

// AddBatch indexes many canonical names in one batch.
func (idx *Index) AddBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	start := time.Now()
	batch := idx.index.NewBatch()
	for _, entry := range entries {
		if err := batch.Index(entry.ID, entry); err != nil {
			idx.logger.Warn("Failed to add entry to batch",
				zap.String("id", entry.ID),
				zap.Error(err))
		}
	}
	if err := idx.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch index: %w", err)
	}

	idx.statsMu.Lock()
	idx.totalEntries += int64(len(entries))
	idx.lastUpdated = time.Now()
	idx.statsMu.Unlock()

	idx.logger.Info("Batch indexed canonical names",
		zap.Int("count", len(entries)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// FuzzyFind returns scored candidates for name. When entityType is
// non-empty the fuzzy query is combined with a type filter.
func (idx *Index) FuzzyFind(ctx context.Context, entityType, name string, limit int) ([]Candidate, error) {
	start := time.Now()

	idx.statsMu.Lock()
	idx.totalSearches++
	idx.statsMu.Unlock()

	fuzzyQuery := query.NewFuzzyQuery(name)
	fuzzyQuery.SetField("name")
	fuzzyQuery.SetFuzziness(idx.config.Fuzziness)

	var finalQuery query.Query = fuzzyQuery
	if entityType != "" {
		typeQuery := query.NewTermQuery(entityType)
		typeQuery.SetField("type")
		finalQuery = query.NewConjunctionQuery([]query.Query{fuzzyQuery, typeQuery})
	}

	req := bleve.NewSearchRequest(finalQuery)
	req.Size = limit
	req.Fields = []string{"id", "name", "type"}

	result, err := idx.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search failed: %w", err)
	}

	candidates := make([]Candidate, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if idx.config.Threshold > 0 && hit.Score < idx.config.Threshold {
			continue
		}
		candidates = append(candidates, candidateFromFields(hit.Fields, hit.Score))
	}

	duration := time.Since(start)
	idx.statsMu.Lock()
	idx.totalHits += int64(len(candidates))
	idx.avgSearchMs = movingAvg(idx.avgSearchMs, float64(duration.Milliseconds()))
	idx.statsMu.Unlock()

	idx.logger.Debug("Fuzzy search completed",
		zap.String("query", name),
		zap.String("type", entityType),
		zap.Int("results", len(candidates)),
		zap.Duration("duration", duration))
	return candidates, nil
}

// ExactFind returns the single exact-name match, or nil when absent.
func (idx *Index) ExactFind(ctx context.Context, entityType, name string) (*Candidate, error) {
	termQuery := query.NewTermQuery(name)
	termQuery.SetField("name_exact")

	var finalQuery query.Query = termQuery
	if entityType != "" {
		typeQuery := query.NewTermQuery(entityType)
		typeQuery.SetField("type")
		finalQuery = query.NewConjunctionQuery([]query.Query{termQuery, typeQuery})
	}

	req := bleve.NewSearchRequest(finalQuery)
	req.Size = 1
	req.Fields = []string{"id", "name", "type"}

	result, err := idx.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("exact search failed: %w", err)
	}
	if len(result.Hits) == 0 {
		return nil, nil
	}
	candidate := candidateFromFields(result.Hits[0].Fields, result.Hits[0].Score)
	return &candidate, nil
}

// Get retrieves an entry by id, or nil when absent.
func (idx *Index) Get(ctx context.Context, id string) (*Entry, error) {
	docQuery := query.NewDocIDQuery([]string{id})
	req := bleve.NewSearchRequest(docQuery)
	req.Fields = []string{"id", "name", "type"}
	req.Size = 1

	result, err := idx.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	if len(result.Hits) == 0 {
		return nil, nil
	}

	hit := result.Hits[0]
	entry := &Entry{ID: id}
	if hit.Fields != nil {
		if n, ok := hit.Fields["name"].(string); ok {
			entry.Name = n
		}
		if t, ok := hit.Fields["type"].(string); ok {
			entry.Type = t
		}
	}
	return entry, nil
}

// Delete removes an entry from the index.
func (idx *Index) Delete(ctx context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.index.Delete(id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	idx.statsMu.Lock()
	idx.totalEntries--
	idx.lastUpdated = time.Now()
	idx.statsMu.Unlock()
	return nil
}

// Stats returns index counters.
func (idx *Index) Stats() map[string]interface{} {
	idx.statsMu.RLock()
	defer idx.statsMu.RUnlock()
	return map[string]interface{}{
		"total_entries":      idx.totalEntries,
		"total_searches":     idx.totalSearches,
		"total_hits":         idx.totalHits,
		"avg_search_time_ms": idx.avgSearchMs,
		"last_updated":       idx.lastUpdated,
	}
}

// Close releases index resources.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.index.Close()
}

func (idx *Index) countEntries() int64 {
	req := bleve.NewSearchRequest(query.NewMatchAllQuery())
	req.Size = 0

	result, err := idx.index.Search(req)
	if err != nil {
		return 0
	}
	return int64(result.Total)
}

func candidateFromFields(fields map[string]interface{}, score float64) Candidate {
	c := Candidate{Score: score}
	if fields == nil {
		return c
	}
	if v, ok := fields["id"].(string); ok {
		c.ID = v
	}
	if v, ok := fields["name"].(string); ok {
		c.Name = v
	}
	if v, ok := fields["type"].(string); ok {
		c.Type = v
	}
	return c
}

func movingAvg(current, latest float64) float64 {
	if current == 0 {
		return latest
	}
	return (current + latest) / 2
}
