// Package ingest orchestrates paper ingestion: fetch from a source,
// deduplicate against the stored corpus, enrich missing fields, and
// hand accepted papers to the sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/dedup"
	"github.com/scholar-graph-pipeline/internal/events"
	"github.com/scholar-graph-pipeline/internal/schedule"
	"github.com/scholar-graph-pipeline/internal/sources"
)

// ExistingPapersFn supplies the snapshot new papers are deduplicated
// against.
type ExistingPapersFn func(ctx context.Context) ([]*sources.Paper, error)

// SinkFn receives accepted papers, new and updated alike.
type SinkFn func(ctx context.Context, papers []*sources.Paper) error

// Options controls one ingestion run.
type Options struct {
	Query      string `json:"query" yaml:"query"`
	MaxResults int    `json:"max_results,omitempty" yaml:"max_results"`
	// Category restricts arXiv searches, e.g. "cs.CL".
	Category       string `json:"category,omitempty" yaml:"category"`
	SkipEnrichment bool   `json:"skip_enrichment,omitempty" yaml:"skip_enrichment"`
	// DryRun runs the pipeline without calling the sink.
	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run"`
}

// Result summarizes one ingestion run.
type Result struct {
	TotalFetched      int       `json:"total_fetched"`
	NewPapers         int       `json:"new_papers"`
	UpdatedPapers     int       `json:"updated_papers"`
	DuplicatesSkipped int       `json:"duplicates_skipped"`
	DurationMs        int64     `json:"duration_ms"`
	Errors            []string  `json:"errors,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Config tunes the service.
type Config struct {
	// MaxConcurrency bounds parallel per-paper enrichment.
	MaxConcurrency int
	// DefaultMaxResults applies when Options.MaxResults is unset.
	DefaultMaxResults int
}

// DefaultConfig returns conservative settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    4,
		DefaultMaxResults: 50,
	}
}

// Deps collects the service's collaborators. Checker and Runner default
// when nil; the rest are optional and disable their feature when nil.
type Deps struct {
	Arxiv      *sources.ArxivClient
	Scholar    *sources.SemanticScholarClient
	OpenAccess *sources.OpenAccessClient
	Checker    *dedup.Checker
	Runner     *schedule.Runner
	Publisher  *events.Publisher
	Existing   ExistingPapersFn
	Sink       SinkFn
}

// Service runs the ingestion pipeline.
type Service struct {
	cfg        Config
	arxiv      *sources.ArxivClient
	scholar    *sources.SemanticScholarClient
	openAccess *sources.OpenAccessClient
	checker    *dedup.Checker
	runner     *schedule.Runner
	publisher  *events.Publisher
	existing   ExistingPapersFn
	sink       SinkFn
	logger     *zap.Logger

	// queueDepth counts papers awaiting per-paper processing across
	// all active runs.
	queueDepth atomic.Int64

	mu         sync.Mutex
	activeRuns int
	lastResult *Result
}

// NewService assembles the pipeline.
func NewService(cfg Config, deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = def.DefaultMaxResults
	}
	if deps.Checker == nil {
		deps.Checker = dedup.NewChecker(dedup.DefaultConfig(), logger)
	}
	if deps.Runner == nil {
		deps.Runner = schedule.NewRunner(logger)
	}
	return &Service{
		cfg:        cfg,
		arxiv:      deps.Arxiv,
		scholar:    deps.Scholar,
		openAccess: deps.OpenAccess,
		checker:    deps.Checker,
		runner:     deps.Runner,
		publisher:  deps.Publisher,
		existing:   deps.Existing,
		sink:       deps.Sink,
		logger:     logger.Named("ingest"),
	}
}

// IngestFromArxiv fetches from arXiv and runs the shared pipeline.
func (s *Service) IngestFromArxiv(ctx context.Context, opts Options) (*Result, error) {
	if s.arxiv == nil {
		return nil, errors.New("ingest: no arXiv client configured")
	}
	if opts.Query == "" {
		return nil, errors.New("ingest: query cannot be empty")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = s.cfg.DefaultMaxResults
	}
	return s.run(ctx, sources.SourceArxiv, opts, func(ctx context.Context) ([]*sources.Paper, error) {
		return s.arxiv.Search(ctx, opts.Query, sources.SearchOptions{
			MaxResults: opts.MaxResults,
			Category:   opts.Category,
		})
	})
}

// IngestFromSemanticScholar fetches from Semantic Scholar and runs the
// shared pipeline.
func (s *Service) IngestFromSemanticScholar(ctx context.Context, opts Options) (*Result, error) {
	if s.scholar == nil {
		return nil, errors.New("ingest: no Semantic Scholar client configured")
	}
	if opts.Query == "" {
		return nil, errors.New("ingest: query cannot be empty")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = s.cfg.DefaultMaxResults
	}
	return s.run(ctx, sources.SourceSemanticScholar, opts, func(ctx context.Context) ([]*sources.Paper, error) {
		return s.scholar.Search(ctx, opts.Query, opts.MaxResults)
	})
}

type fetchFn func(ctx context.Context) ([]*sources.Paper, error)

// run executes fetch → dedup → enrich → sink and reports counts. The
// batch survives per-paper failures; only fetch, snapshot, and sink
// errors fail the run.
func (s *Service) run(ctx context.Context, source string, opts Options, fetch fetchFn) (*Result, error) {
	start := time.Now()
	s.mu.Lock()
	s.activeRuns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeRuns--
		s.mu.Unlock()
	}()

	result := &Result{Timestamp: start.UTC()}

	fetched, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch from %s: %w", source, err)
	}
	result.TotalFetched = len(fetched)

	var existing []*sources.Paper
	if s.existing != nil {
		existing, err = s.existing(ctx)
		if err != nil {
			return nil, fmt.Errorf("ingest: load existing papers: %w", err)
		}
	}

	accepted := s.partition(fetched, existing, result)

	var errMu sync.Mutex
	addErr := func(format string, args ...any) {
		errMu.Lock()
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		errMu.Unlock()
	}
	s.process(ctx, accepted, opts, addErr)

	if len(accepted) > 0 && s.sink != nil && !opts.DryRun {
		if err := s.sink(ctx, accepted); err != nil {
			s.finishRun(result, start)
			return result, fmt.Errorf("ingest: sink rejected %d papers: %w", len(accepted), err)
		}
	}

	s.finishRun(result, start)
	s.logger.Info("Ingestion run complete",
		zap.String("source", source),
		zap.Int("fetched", result.TotalFetched),
		zap.Int("new", result.NewPapers),
		zap.Int("updated", result.UpdatedPapers),
		zap.Int("duplicates", result.DuplicatesSkipped),
		zap.Int("errors", len(result.Errors)))

	for _, p := range accepted {
		_ = s.publisher.PublishPaperIngested(ctx, events.PaperIngested{
			PaperID:    p.ID,
			Title:      p.Title,
			Source:     source,
			DOI:        p.DOI,
			ExternalID: p.ExternalID,
		})
	}
	_ = s.publisher.PublishIngestCompleted(ctx, events.IngestCompleted{
		Source:            source,
		Query:             opts.Query,
		TotalFetched:      result.TotalFetched,
		NewPapers:         result.NewPapers,
		UpdatedPapers:     result.UpdatedPapers,
		DuplicatesSkipped: result.DuplicatesSkipped,
		ErrorCount:        len(result.Errors),
		DurationMs:        result.DurationMs,
	})

	return result, nil
}

// partition splits fetched papers into accepted (new or changed) and
// skipped duplicates. Changed papers inherit the stored id so the sink
// updates in place.
func (s *Service) partition(fetched, existing []*sources.Paper, result *Result) []*sources.Paper {
	byID := make(map[string]*sources.Paper, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}

	verdicts := s.checker.CheckBatch(fetched, existing)
	var accepted []*sources.Paper
	for i, v := range verdicts {
		p := fetched[i]
		if !v.IsDuplicate {
			result.NewPapers++
			accepted = append(accepted, p)
			continue
		}
		if stored := byID[v.MatchedID]; stored != nil && stored.ContentHash != "" &&
			sources.ComputeContentHash(p) != stored.ContentHash {
			p.ID = stored.ID
			p.IngestionDate = stored.IngestionDate
			result.UpdatedPapers++
			accepted = append(accepted, p)
			continue
		}
		result.DuplicatesSkipped++
	}
	return accepted
}

// process runs per-paper finalization with bounded concurrency.
func (s *Service) process(ctx context.Context, papers []*sources.Paper, opts Options, addErr func(string, ...any)) {
	if len(papers) == 0 {
		return
	}
	s.queueDepth.Add(int64(len(papers)))

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, p := range papers {
		wg.Add(1)
		go func(p *sources.Paper) {
			defer wg.Done()
			defer s.queueDepth.Add(-1)
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				addErr("%s: %v", paperIdent(p), ctx.Err())
				return
			}
			s.preparePaper(ctx, p, opts, addErr)
		}(p)
	}
	wg.Wait()
}

// preparePaper stamps lifecycle fields and enriches missing metadata.
func (s *Service) preparePaper(ctx context.Context, p *sources.Paper, opts Options, addErr func(string, ...any)) {
	now := time.Now().UTC().Format(time.RFC3339)
	if p.IngestionDate == "" {
		p.IngestionDate = now
	}
	p.LastUpdated = now
	if p.Status == "" {
		p.Status = sources.StatusIngested
	}

	if !opts.SkipEnrichment {
		s.enrich(ctx, p, addErr)
	}

	// Hash after enrichment so filled-in abstracts are covered.
	p.ContentHash = sources.ComputeContentHash(p)
}

// enrich pulls citation metadata and open-access locations for papers
// carrying a DOI or external id. Failures are recorded, never fatal.
func (s *Service) enrich(ctx context.Context, p *sources.Paper, addErr func(string, ...any)) {
	if p.DOI == "" && p.ExternalID == "" {
		return
	}

	if p.CitationCount == nil && s.scholar != nil {
		var (
			enriched *sources.Paper
			err      error
		)
		if p.DOI != "" {
			enriched, err = s.scholar.GetByDOI(ctx, p.DOI)
		} else {
			enriched, err = s.scholar.GetByExternalID(ctx, p.ExternalID)
		}
		switch {
		case err != nil:
			addErr("enrich %s: %v", paperIdent(p), err)
		case enriched != nil:
			p.MergeMissing(enriched)
		}
	}

	if p.PDFURL == "" && p.DOI != "" && s.openAccess != nil {
		if !s.openAccess.IsAvailable() {
			addErr("enrich %s: open-access circuit open", paperIdent(p))
			return
		}
		oa, err := s.openAccess.GetByDOI(ctx, p.DOI)
		switch {
		case err != nil:
			addErr("enrich %s: %v", paperIdent(p), err)
		case oa != nil && oa.IsOA && oa.PDFURL != "":
			p.PDFURL = oa.PDFURL
		}
	}
}

func (s *Service) finishRun(result *Result, start time.Time) {
	result.DurationMs = time.Since(start).Milliseconds()
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
}

func paperIdent(p *sources.Paper) string {
	switch {
	case p.DOI != "":
		return p.DOI
	case p.ExternalID != "":
		return p.ExternalID
	default:
		return p.ID
	}
}
