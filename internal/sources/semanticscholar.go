package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
	"github.com/scholar-graph-pipeline/internal/ratelimit"
)

// defaultS2Fields is the field list requested on every Semantic Scholar
// call. Unknown response fields are ignored on decode.
const defaultS2Fields = "externalIds,title,abstract,authors,authors.affiliations,publicationDate,year,s2FieldsOfStudy,citationCount,references.externalIds"

// SemanticScholarConfig configures the Graph API client.
type SemanticScholarConfig struct {
	BaseURL  string
	APIKey   string
	PageSize int
	Timeout  time.Duration
}

// DefaultSemanticScholarConfig returns the public API settings.
func DefaultSemanticScholarConfig() SemanticScholarConfig {
	return SemanticScholarConfig{
		BaseURL:  "https://api.semanticscholar.org/graph/v1",
		PageSize: 100,
		Timeout:  30 * time.Second,
	}
}

// SemanticScholarClient fetches papers from the Semantic Scholar Graph
// API. Every request passes through the shared rate limiter; the public
// tier allows roughly one request per three seconds.
type SemanticScholarClient struct {
	cfg        SemanticScholarConfig
	httpClient *http.Client
	limiter    ratelimit.Limiter
	logger     *zap.Logger
}

// NewSemanticScholarClient creates a client sharing the given limiter.
func NewSemanticScholarClient(cfg SemanticScholarConfig, limiter ratelimit.Limiter, logger *zap.Logger) *SemanticScholarClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSemanticScholarConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &SemanticScholarClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

type s2SearchResponse struct {
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Next   int       `json:"next"`
	Data   []s2Paper `json:"data"`
}

type s2Paper struct {
	PaperID         string           `json:"paperId"`
	ExternalIDs     map[string]any   `json:"externalIds"`
	Title           string           `json:"title"`
	Abstract        string           `json:"abstract"`
	Authors         []s2Author       `json:"authors"`
	PublicationDate string           `json:"publicationDate"`
	Year            int              `json:"year"`
	Fields          []s2FieldOfStudy `json:"s2FieldsOfStudy"`
	CitationCount   *int             `json:"citationCount"`
	References      []s2PaperRef     `json:"references"`
}

type s2Author struct {
	AuthorID     string   `json:"authorId"`
	Name         string   `json:"name"`
	Affiliations []string `json:"affiliations"`
}

type s2FieldOfStudy struct {
	Category string `json:"category"`
	Source   string `json:"source"`
}

type s2PaperRef struct {
	PaperID     string         `json:"paperId"`
	ExternalIDs map[string]any `json:"externalIds"`
}

// Search runs a paginated relevance search. Pagination is hidden; up to
// maxResults papers are returned.
func (c *SemanticScholarClient) Search(ctx context.Context, query string, maxResults int) ([]*Paper, error) {
	if maxResults <= 0 {
		maxResults = c.cfg.PageSize
	}

	var papers []*Paper
	offset := 0
	for len(papers) < maxResults {
		limit := c.cfg.PageSize
		if remaining := maxResults - len(papers); remaining < limit {
			limit = remaining
		}

		params := url.Values{
			"query":  {query},
			"offset": {fmt.Sprintf("%d", offset)},
			"limit":  {fmt.Sprintf("%d", limit)},
			"fields": {defaultS2Fields},
		}
		body, err := c.get(ctx, "/paper/search?"+params.Encode())
		if err != nil {
			return nil, err
		}

		var page s2SearchResponse
		if err := jsonx.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("semantic scholar search parse: %w", err)
		}
		if len(page.Data) == 0 {
			break
		}
		for i := range page.Data {
			papers = append(papers, s2ToPaper(&page.Data[i]))
		}
		if page.Next == 0 || page.Next <= offset {
			break
		}
		offset = page.Next
	}

	c.logger.Debug("semantic scholar search complete",
		zap.String("query", query),
		zap.Int("papers", len(papers)))
	return papers, nil
}

// GetByDOI fetches one paper by DOI. Returns (nil, nil) when unknown.
func (c *SemanticScholarClient) GetByDOI(ctx context.Context, doi string) (*Paper, error) {
	return c.getPaper(ctx, "DOI:"+doi)
}

// GetByExternalID fetches one paper by its arXiv identifier. Returns
// (nil, nil) when unknown.
func (c *SemanticScholarClient) GetByExternalID(ctx context.Context, arxivID string) (*Paper, error) {
	return c.getPaper(ctx, "ARXIV:"+arxivID)
}

func (c *SemanticScholarClient) getPaper(ctx context.Context, paperID string) (*Paper, error) {
	params := url.Values{"fields": {defaultS2Fields}}
	body, err := c.get(ctx, "/paper/"+url.PathEscape(paperID)+"?"+params.Encode())
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var raw s2Paper
	if err := jsonx.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("semantic scholar paper parse: %w", err)
	}
	if raw.PaperID == "" && raw.Title == "" {
		return nil, nil
	}
	return s2ToPaper(&raw), nil
}

// GetBatchByDOI resolves many DOIs through the batch endpoint, chunked
// at the API maximum of 500 ids. onProgress, when non-nil, is invoked
// after each chunk with (resolved, total). Unknown DOIs are absent from
// the returned map.
func (c *SemanticScholarClient) GetBatchByDOI(ctx context.Context, dois []string, onProgress func(done, total int)) (map[string]*Paper, error) {
	const chunkSize = 500
	result := make(map[string]*Paper, len(dois))

	for start := 0; start < len(dois); start += chunkSize {
		end := start + chunkSize
		if end > len(dois) {
			end = len(dois)
		}
		chunk := dois[start:end]

		ids := make([]string, len(chunk))
		for i, doi := range chunk {
			ids[i] = "DOI:" + doi
		}
		reqBody, err := jsonx.Marshal(map[string][]string{"ids": ids})
		if err != nil {
			return nil, err
		}

		params := url.Values{"fields": {defaultS2Fields}}
		body, err := c.post(ctx, "/paper/batch?"+params.Encode(), reqBody)
		if err != nil {
			return nil, err
		}

		var batch []*s2Paper
		if err := jsonx.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("semantic scholar batch parse: %w", err)
		}
		for i, raw := range batch {
			if raw == nil || i >= len(chunk) {
				continue
			}
			result[chunk[i]] = s2ToPaper(raw)
		}
		if onProgress != nil {
			onProgress(end, len(dois))
		}
	}
	return result, nil
}

func (c *SemanticScholarClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *SemanticScholarClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *SemanticScholarClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("semantic scholar rate limit: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("semantic scholar request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SourceError{Source: SourceSemanticScholar, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SourceError{Source: SourceSemanticScholar, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(SourceSemanticScholar, resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

func s2ToPaper(raw *s2Paper) *Paper {
	p := &Paper{
		ID:            uuid.New().String(),
		Title:         collapseWhitespace(raw.Title),
		Abstract:      collapseWhitespace(raw.Abstract),
		Source:        SourceSemanticScholar,
		CitationCount: raw.CitationCount,
		Status:        StatusIngested,
	}

	if raw.ExternalIDs != nil {
		if doi, ok := raw.ExternalIDs["DOI"].(string); ok {
			p.DOI = doi
		}
		if arxiv, ok := raw.ExternalIDs["ArXiv"].(string); ok {
			p.ExternalID = arxiv
		}
	}
	if p.ExternalID == "" {
		p.ExternalID = raw.PaperID
	}

	if raw.PublicationDate != "" {
		p.PublishedDate = raw.PublicationDate
	} else if raw.Year > 0 {
		p.PublishedDate = fmt.Sprintf("%d-01-01", raw.Year)
	}

	for _, a := range raw.Authors {
		p.Authors = append(p.Authors, Author{
			Name:         a.Name,
			ExternalID:   a.AuthorID,
			Affiliations: a.Affiliations,
		})
	}

	seen := map[string]bool{}
	for _, f := range raw.Fields {
		if f.Category != "" && !seen[f.Category] {
			seen[f.Category] = true
			p.Categories = append(p.Categories, f.Category)
		}
	}

	for _, ref := range raw.References {
		if ref.ExternalIDs != nil {
			if doi, ok := ref.ExternalIDs["DOI"].(string); ok && doi != "" {
				p.References = append(p.References, doi)
				continue
			}
		}
		if ref.PaperID != "" {
			p.References = append(p.References, ref.PaperID)
		}
	}

	p.IngestionDate = time.Now().UTC().Format(time.RFC3339)
	p.ContentHash = ComputeContentHash(p)
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
