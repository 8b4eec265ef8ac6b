// Package dedup detects duplicate papers within an ingestion batch and
// against the already-stored corpus. Matching runs identifier checks
// first, then normalized-title edit distance with an author-overlap
// fallback for near-miss titles.
package dedup

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/sources"
)

// MatchType labels how a duplicate was identified.
type MatchType string

const (
	// MatchDOI covers any shared strong identifier, DOI or upstream id.
	MatchDOI MatchType = "doi"
	// MatchTitle is a high-similarity title match.
	MatchTitle MatchType = "title"
	// MatchTitleAuthor is a candidate-similarity title match confirmed
	// by author overlap.
	MatchTitleAuthor MatchType = "title_author"
)

// Verdict is the duplicate decision for one candidate paper.
type Verdict struct {
	IsDuplicate bool      `json:"is_duplicate"`
	MatchedID   string    `json:"matched_id,omitempty"`
	MatchType   MatchType `json:"match_type,omitempty"`
	Similarity  float64   `json:"similarity"`
	NeedsReview bool      `json:"needs_review"`
	// SharedIDKind records which identifier produced a MatchDOI verdict:
	// "doi" or "external_id".
	SharedIDKind string `json:"shared_id_kind,omitempty"`
}

// Config holds the similarity thresholds.
type Config struct {
	// ExactThreshold declares a title duplicate outright.
	ExactThreshold float64
	// CandidateThreshold admits a title for author confirmation.
	CandidateThreshold float64
	// MinAuthorMatches is the author overlap needed to confirm a
	// candidate title.
	MinAuthorMatches int
}

// DefaultConfig matches the thresholds the corpus was tuned with.
func DefaultConfig() Config {
	return Config{
		ExactThreshold:     0.95,
		CandidateThreshold: 0.80,
		MinAuthorMatches:   3,
	}
}

// Checker applies the duplicate-detection cascade.
type Checker struct {
	cfg    Config
	logger *zap.Logger
}

// NewChecker creates a Checker.
func NewChecker(cfg Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExactThreshold <= 0 {
		cfg.ExactThreshold = DefaultConfig().ExactThreshold
	}
	if cfg.CandidateThreshold <= 0 {
		cfg.CandidateThreshold = DefaultConfig().CandidateThreshold
	}
	if cfg.MinAuthorMatches <= 0 {
		cfg.MinAuthorMatches = DefaultConfig().MinAuthorMatches
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Check compares one candidate against the existing set. The first
// matching rule wins: shared DOI, shared external id, then normalized
// title similarity.
func (c *Checker) Check(candidate *sources.Paper, existing []*sources.Paper) Verdict {
	if candidate.DOI != "" {
		for _, e := range existing {
			if e.DOI != "" && e.DOI == candidate.DOI {
				return Verdict{
					IsDuplicate:  true,
					MatchedID:    e.ID,
					MatchType:    MatchDOI,
					Similarity:   1.0,
					SharedIDKind: "doi",
				}
			}
		}
	}

	if candidate.ExternalID != "" {
		for _, e := range existing {
			if e.ExternalID != "" && e.ExternalID == candidate.ExternalID {
				return Verdict{
					IsDuplicate:  true,
					MatchedID:    e.ID,
					MatchType:    MatchDOI,
					Similarity:   1.0,
					SharedIDKind: "external_id",
				}
			}
		}
	}

	candidateTitle := NormalizeTitle(candidate.Title)
	if candidateTitle == "" {
		return Verdict{}
	}

	for _, e := range existing {
		s := TitleSimilarity(candidateTitle, NormalizeTitle(e.Title))
		if s < c.cfg.CandidateThreshold {
			continue
		}

		if s >= c.cfg.ExactThreshold {
			return Verdict{
				IsDuplicate: true,
				MatchedID:   e.ID,
				MatchType:   MatchTitle,
				Similarity:  s,
				NeedsReview: s < 1.0,
			}
		}

		if countMatchingAuthors(candidate.Authors, e.Authors) >= c.cfg.MinAuthorMatches {
			return Verdict{
				IsDuplicate: true,
				MatchedID:   e.ID,
				MatchType:   MatchTitleAuthor,
				Similarity:  s,
				NeedsReview: true,
			}
		}
	}
	return Verdict{}
}

// CheckBatch evaluates each paper in order, folding accepted papers
// into the comparison set so duplicates inside the batch are caught.
func (c *Checker) CheckBatch(papers []*sources.Paper, existing []*sources.Paper) []Verdict {
	comparison := make([]*sources.Paper, len(existing))
	copy(comparison, existing)

	verdicts := make([]Verdict, 0, len(papers))
	for _, p := range papers {
		v := c.Check(p, comparison)
		verdicts = append(verdicts, v)
		if !v.IsDuplicate {
			comparison = append(comparison, p)
		}
	}

	c.logger.Debug("batch duplicate check complete",
		zap.Int("papers", len(papers)),
		zap.Int("existing", len(existing)))
	return verdicts
}

var titleStripRe = regexp.MustCompile(`[^\w\s]`)

// NormalizeTitle lowercases, strips punctuation and collapses
// whitespace so formatting differences do not mask duplicates.
func NormalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = titleStripRe.ReplaceAllString(t, "")
	return strings.Join(strings.Fields(t), " ")
}

// TitleSimilarity is a normalized edit-distance score in [0,1] over
// already-normalized titles.
func TitleSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

func normalizeAuthorName(name string) string {
	n := strings.ToLower(name)
	n = titleStripRe.ReplaceAllString(n, "")
	return strings.Join(strings.Fields(n), " ")
}

func countMatchingAuthors(a, b []sources.Author) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, author := range a {
		if n := normalizeAuthorName(author.Name); n != "" {
			set[n] = true
		}
	}
	matches := 0
	for _, author := range b {
		if set[normalizeAuthorName(author.Name)] {
			matches++
		}
	}
	return matches
}
