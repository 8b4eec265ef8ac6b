package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/ratelimit"
)

// ArxivConfig configures the arXiv Atom API client.
type ArxivConfig struct {
	BaseURL  string
	PageSize int
	Timeout  time.Duration
}

// DefaultArxivConfig returns the public arXiv export endpoint settings.
func DefaultArxivConfig() ArxivConfig {
	return ArxivConfig{
		BaseURL:  "http://export.arxiv.org/api/query",
		PageSize: 100,
		Timeout:  30 * time.Second,
	}
}

// ArxivClient fetches papers from the arXiv Atom feed. All requests
// pass through the shared rate limiter.
type ArxivClient struct {
	cfg        ArxivConfig
	httpClient *http.Client
	limiter    ratelimit.Limiter
	logger     *zap.Logger
}

// NewArxivClient creates an arXiv client sharing the given limiter.
func NewArxivClient(cfg ArxivConfig, limiter ratelimit.Limiter, logger *zap.Logger) *ArxivClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultArxivConfig().BaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultArxivConfig().PageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ArxivClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// SearchOptions bounds an arXiv search.
type SearchOptions struct {
	// MaxResults caps the total papers returned across pages.
	MaxResults int
	// Category restricts results to one arXiv category, e.g. "cs.CL".
	Category string
	// SortBy is "submittedDate", "lastUpdatedDate" or "relevance".
	SortBy string
}

// Search runs a paginated query and returns up to opts.MaxResults
// papers. Pagination against the Atom feed is hidden from the caller.
func (c *ArxivClient) Search(ctx context.Context, query string, opts SearchOptions) ([]*Paper, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = c.cfg.PageSize
	}
	if opts.SortBy == "" {
		opts.SortBy = "submittedDate"
	}

	searchQuery := fmt.Sprintf("all:%s", query)
	if opts.Category != "" {
		searchQuery = fmt.Sprintf("cat:%s AND %s", opts.Category, searchQuery)
	}

	var papers []*Paper
	for start := 0; len(papers) < opts.MaxResults; start += c.cfg.PageSize {
		pageSize := c.cfg.PageSize
		if remaining := opts.MaxResults - len(papers); remaining < pageSize {
			pageSize = remaining
		}

		feed, err := c.fetchFeed(ctx, url.Values{
			"search_query": {searchQuery},
			"start":        {fmt.Sprintf("%d", start)},
			"max_results":  {fmt.Sprintf("%d", pageSize)},
			"sortBy":       {opts.SortBy},
			"sortOrder":    {"descending"},
		})
		if err != nil {
			return nil, err
		}
		if len(feed.Entries) == 0 {
			break
		}
		for i := range feed.Entries {
			papers = append(papers, entryToPaper(&feed.Entries[i]))
		}
		if len(feed.Entries) < pageSize {
			break
		}
	}

	c.logger.Debug("arxiv search complete",
		zap.String("query", query),
		zap.Int("papers", len(papers)))
	return papers, nil
}

// GetByExternalID fetches one paper by its arXiv identifier. Returns
// (nil, nil) when the id is unknown.
func (c *ArxivClient) GetByExternalID(ctx context.Context, id string) (*Paper, error) {
	feed, err := c.fetchFeed(ctx, url.Values{
		"id_list":     {id},
		"max_results": {"1"},
	})
	if err != nil {
		return nil, err
	}
	if len(feed.Entries) == 0 || feed.Entries[0].Title == "" {
		return nil, nil
	}
	return entryToPaper(&feed.Entries[0]), nil
}

func (c *ArxivClient) fetchFeed(ctx context.Context, params url.Values) (*atomFeed, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("arxiv rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("arxiv request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SourceError{Source: SourceArxiv, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SourceError{Source: SourceArxiv, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(SourceArxiv, resp.StatusCode, string(body))
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("arxiv feed parse: %w", err)
	}
	return &feed, nil
}

// Atom feed shapes. Field names follow the arXiv API namespaces; the
// xml package matches the local names regardless of prefix.
type atomFeed struct {
	XMLName      xml.Name    `xml:"feed"`
	TotalResults int         `xml:"totalResults"`
	Entries      []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Summary    string         `xml:"summary"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	DOI        string         `xml:"doi"`
	Authors    []atomAuthor   `xml:"author"`
	Categories []atomCategory `xml:"category"`
	Links      []atomLink     `xml:"link"`
}

type atomAuthor struct {
	Name        string `xml:"name"`
	Affiliation string `xml:"affiliation"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomLink struct {
	Title string `xml:"title,attr"`
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
}

func entryToPaper(e *atomEntry) *Paper {
	p := &Paper{
		ID:         uuid.New().String(),
		Title:      collapseWhitespace(e.Title),
		Abstract:   collapseWhitespace(e.Summary),
		Source:     SourceArxiv,
		ExternalID: arxivIDFromURL(e.ID),
		DOI:        e.DOI,
		Status:     StatusIngested,
	}

	if t, err := time.Parse(time.RFC3339, e.Published); err == nil {
		p.PublishedDate = t.Format("2006-01-02")
	}
	for _, a := range e.Authors {
		author := Author{Name: strings.TrimSpace(a.Name)}
		if a.Affiliation != "" {
			author.Affiliations = []string{a.Affiliation}
		}
		p.Authors = append(p.Authors, author)
	}
	for _, cat := range e.Categories {
		if cat.Term != "" {
			p.Categories = append(p.Categories, cat.Term)
		}
	}
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			p.PDFURL = l.Href
			break
		}
	}

	p.IngestionDate = time.Now().UTC().Format(time.RFC3339)
	p.ContentHash = ComputeContentHash(p)
	return p
}

// arxivIDFromURL extracts "2301.00001" from an entry id such as
// "http://arxiv.org/abs/2301.00001v2".
func arxivIDFromURL(entryID string) string {
	idx := strings.LastIndex(entryID, "/abs/")
	if idx < 0 {
		return entryID
	}
	id := entryID[idx+len("/abs/"):]
	if v := strings.LastIndex(id, "v"); v > 0 {
		if allDigits(id[v+1:]) {
			id = id[:v]
		}
	}
	return id
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
