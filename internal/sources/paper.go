// Package sources defines the canonical Paper record and the HTTP
// clients that fetch papers from external scholarly APIs. Every client
// shares one rate limiter and returns papers in the same shape, so the
// ingestion pipeline never cares which upstream a record came from.
package sources

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Paper source identifiers.
const (
	SourceArxiv           = "arxiv"
	SourceSemanticScholar = "semantic_scholar"
	SourceManual          = "manual"
)

// ProcessingStatus tracks a paper through the extraction pipeline.
type ProcessingStatus string

const (
	StatusIngested   ProcessingStatus = "ingested"
	StatusExtracting ProcessingStatus = "extracting"
	StatusExtracted  ProcessingStatus = "extracted"
	StatusReviewing  ProcessingStatus = "reviewing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Author is one paper author. ExternalID is the upstream author id when
// the source provides one.
type Author struct {
	Name         string   `json:"name"`
	ExternalID   string   `json:"external_id,omitempty"`
	Affiliations []string `json:"affiliations,omitempty"`
}

// Paper is the canonical ingestion record shared by all sources.
// CitationCount and References are pointers/nil-able so enrichment can
// distinguish "absent" from "zero".
type Paper struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Authors       []Author         `json:"authors"`
	Abstract      string           `json:"abstract"`
	PublishedDate string           `json:"published_date,omitempty"`
	Source        string           `json:"source"`
	Categories    []string         `json:"categories,omitempty"`
	ContentHash   string           `json:"content_hash"`
	IngestionDate string           `json:"ingestion_date,omitempty"`
	LastUpdated   string           `json:"last_updated,omitempty"`
	Status        ProcessingStatus `json:"processing_status"`

	DOI           string   `json:"doi,omitempty"`
	ExternalID    string   `json:"external_id,omitempty"`
	CitationCount *int     `json:"citation_count,omitempty"`
	References    []string `json:"references,omitempty"`
	PDFURL        string   `json:"pdf_url,omitempty"`
}

// ComputeContentHash digests the identifying fields of a paper. The
// digest is stable across author-list reordering and category order, so
// re-fetching the same paper always yields the same hash.
func ComputeContentHash(p *Paper) string {
	names := make([]string, 0, len(p.Authors))
	for _, a := range p.Authors {
		names = append(names, normalizeForHash(a.Name))
	}
	sort.Strings(names)

	cats := make([]string, len(p.Categories))
	copy(cats, p.Categories)
	sort.Strings(cats)

	var b strings.Builder
	b.WriteString(normalizeForHash(p.Title))
	b.WriteByte('\n')
	b.WriteString(normalizeForHash(p.Abstract))
	b.WriteByte('\n')
	b.WriteString(strings.Join(names, "|"))
	b.WriteByte('\n')
	b.WriteString(strings.Join(cats, "|"))

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeForHash lowercases and collapses runs of whitespace so that
// formatting differences between sources do not change the digest.
func normalizeForHash(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MergeMissing copies enrichment fields from other onto p wherever p
// lacks them. Existing values are never overwritten.
func (p *Paper) MergeMissing(other *Paper) {
	if other == nil {
		return
	}
	if p.DOI == "" && other.DOI != "" {
		p.DOI = other.DOI
	}
	if p.ExternalID == "" && other.ExternalID != "" {
		p.ExternalID = other.ExternalID
	}
	if p.Abstract == "" && other.Abstract != "" {
		p.Abstract = other.Abstract
	}
	if p.CitationCount == nil && other.CitationCount != nil {
		n := *other.CitationCount
		p.CitationCount = &n
	}
	if len(p.References) == 0 && len(other.References) > 0 {
		p.References = append([]string(nil), other.References...)
	}
	if p.PDFURL == "" && other.PDFURL != "" {
		p.PDFURL = other.PDFURL
	}
}
