package normalize

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/entity"
	"github.com/scholar-graph-pipeline/internal/vector"
)

// Embedder turns text into a vector. The model clients satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MatchCandidate is one scored canonical-name candidate.
type MatchCandidate struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type,omitempty"`
	Similarity float64 `json:"similarity"`
}

// MatchResult is the outcome of a similarity lookup.
type MatchResult struct {
	Matched    bool             `json:"matched"`
	Name       string           `json:"name,omitempty"`
	ID         string           `json:"id,omitempty"`
	Type       string           `json:"type,omitempty"`
	Similarity float64          `json:"similarity"`
	Candidates []MatchCandidate `json:"candidates"`
}

// SimilarityConfig tunes candidate retrieval and acceptance.
type SimilarityConfig struct {
	// Threshold is the minimum similarity for a match.
	Threshold float64
	// MaxCandidates bounds retrieval from each source.
	MaxCandidates int
	// VectorCollection names the qdrant collection; empty disables
	// vector retrieval even when a searcher is present.
	VectorCollection string
}

// DefaultSimilarityConfig matches at 0.8 over ten candidates.
func DefaultSimilarityConfig() SimilarityConfig {
	return SimilarityConfig{
		Threshold:     0.8,
		MaxCandidates: 10,
	}
}

// SimilarityMatcher retrieves candidates from the canonical-name index
// (and optionally vector search) and scores them by normalized edit
// distance.
type SimilarityMatcher struct {
	index    *entity.Index
	searcher vector.Searcher
	embedder Embedder
	cfg      SimilarityConfig
	logger   *zap.Logger
}

// NewSimilarityMatcher builds a matcher. searcher and embedder may be
// nil; vector retrieval needs both.
func NewSimilarityMatcher(index *entity.Index, searcher vector.Searcher, embedder Embedder, cfg SimilarityConfig, logger *zap.Logger) *SimilarityMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	return &SimilarityMatcher{
		index:    index,
		searcher: searcher,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("normalize.similarity"),
	}
}

// Match scores name against known canonical entities. entityType
// narrows index retrieval when non-empty.
func (m *SimilarityMatcher) Match(ctx context.Context, name, entityType string) (*MatchResult, error) {
	seen := make(map[string]MatchCandidate)

	if m.index != nil {
		found, err := m.index.FuzzyFind(ctx, entityType, strings.ToLower(name), m.cfg.MaxCandidates)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			m.addCandidate(seen, c.ID, c.Name, c.Type, name)
		}
	}

	if m.searcher != nil && m.embedder != nil && m.cfg.VectorCollection != "" {
		vec, err := m.embedder.Embed(ctx, name)
		if err != nil {
			m.logger.Warn("Embedding failed, vector candidates skipped", zap.Error(err))
		} else {
			hits, err := m.searcher.Search(ctx, m.cfg.VectorCollection, vec, m.cfg.MaxCandidates)
			if err != nil {
				m.logger.Warn("Vector search failed, vector candidates skipped", zap.Error(err))
			} else {
				for _, h := range hits {
					m.addCandidate(seen, h.ID, h.Payload["name"], h.Payload["type"], name)
				}
			}
		}
	}

	result := &MatchResult{Candidates: make([]MatchCandidate, 0, len(seen))}
	for _, c := range seen {
		result.Candidates = append(result.Candidates, c)
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		if result.Candidates[i].Similarity != result.Candidates[j].Similarity {
			return result.Candidates[i].Similarity > result.Candidates[j].Similarity
		}
		return result.Candidates[i].Name < result.Candidates[j].Name
	})

	if len(result.Candidates) > 0 && result.Candidates[0].Similarity >= m.cfg.Threshold {
		best := result.Candidates[0]
		result.Matched = true
		result.Name = best.Name
		result.ID = best.ID
		result.Type = best.Type
		result.Similarity = best.Similarity
	}
	return result, nil
}

func (m *SimilarityMatcher) addCandidate(seen map[string]MatchCandidate, id, candidateName, candidateType, query string) {
	if candidateName == "" {
		return
	}
	key := strings.ToLower(candidateName)
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = MatchCandidate{
		ID:         id,
		Name:       candidateName,
		Type:       candidateType,
		Similarity: NameSimilarity(query, candidateName),
	}
}

// NameSimilarity is normalized Levenshtein similarity over lowercased
// names: 1 − distance/len(longer). Identical names score 1.
func NameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}
