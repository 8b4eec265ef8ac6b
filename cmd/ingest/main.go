// Ingest CLI - run one ingestion against a paper source and print a
// summary. Meant for backfills and external cron; the long-running
// schedules live in the pipeline binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/config"
	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/ingest"
	"github.com/scholar-graph-pipeline/internal/papers"
	"github.com/scholar-graph-pipeline/internal/ratelimit"
	"github.com/scholar-graph-pipeline/internal/sources"
)

func main() {
	query := flag.String("query", "", "Search query (required)")
	source := flag.String("source", "arxiv", "Paper source: arxiv or semantic_scholar")
	maxResults := flag.Int("max-results", 0, "Papers to fetch; 0 uses the configured default")
	category := flag.String("category", "", "arXiv category filter, e.g. cs.CL")
	dryRun := flag.Bool("dry-run", false, "Fetch and deduplicate without storing")
	skipEnrichment := flag.Bool("skip-enrichment", false, "Skip open-access enrichment")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall run timeout")
	configPath := flag.String("config", os.Getenv("PIPELINE_CONFIG"), "Path to the YAML config file")
	verbose := flag.Bool("verbose", false, "Enable verbose output")

	flag.Parse()

	if *query == "" {
		fmt.Println("Error: --query is required")
		flag.Usage()
		os.Exit(1)
	}

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	storeCfg := graph.DefaultConfig()
	storeCfg.URI = cfg.Store.URI
	storeCfg.Database = cfg.Store.Database
	storeCfg.Username = cfg.Store.Username
	storeCfg.Password = cfg.Store.Password
	conn := graph.NewConnection(storeCfg, logger.Named("graph"))
	if err := conn.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect to Neo4j", zap.Error(err))
	}
	defer conn.Close(context.Background())
	tm := graph.NewTransactionManager(conn, logger.Named("graph"))
	repo := graph.NewRepository(tm, logger.Named("graph"))

	arxiv := sources.NewArxivClient(sources.DefaultArxivConfig(),
		ratelimit.NewTokenBucket(ratelimit.DefaultTokenBucketConfig(), logger.Named("ratelimit")),
		logger.Named("sources"))

	scholarCfg := sources.DefaultSemanticScholarConfig()
	scholarCfg.APIKey = cfg.Ingestion.SemanticScholarAPIKey
	scholar := sources.NewSemanticScholarClient(scholarCfg,
		ratelimit.NewTokenBucket(ratelimit.SemanticScholarConfig(), logger.Named("ratelimit")),
		logger.Named("sources"))

	var openAccess *sources.OpenAccessClient
	if cfg.Ingestion.UnpaywallEmail != "" {
		openAccess, err = sources.NewOpenAccessClient(
			sources.DefaultOpenAccessConfig(cfg.Ingestion.UnpaywallEmail),
			ratelimit.NewTokenBucket(ratelimit.DefaultTokenBucketConfig(), logger.Named("ratelimit")),
			logger.Named("sources"))
		if err != nil {
			logger.Warn("Open-access enrichment disabled", zap.Error(err))
		}
	}

	svc := ingest.NewService(
		ingest.Config{
			MaxConcurrency:    cfg.Ingestion.MaxConcurrency,
			DefaultMaxResults: cfg.Ingestion.DefaultMaxResults,
		},
		ingest.Deps{
			Arxiv:      arxiv,
			Scholar:    scholar,
			OpenAccess: openAccess,
			Existing:   papers.Existing(tm),
			Sink:       papers.Sink(repo, nil, logger),
		},
		logger)

	opts := ingest.Options{
		Query:          *query,
		MaxResults:     *maxResults,
		Category:       *category,
		SkipEnrichment: *skipEnrichment,
		DryRun:         *dryRun,
	}

	var result *ingest.Result
	switch *source {
	case sources.SourceArxiv:
		result, err = svc.IngestFromArxiv(ctx, opts)
	case sources.SourceSemanticScholar:
		result, err = svc.IngestFromSemanticScholar(ctx, opts)
	default:
		fmt.Printf("Error: unknown source %q\n", *source)
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("Ingestion failed", zap.Error(err))
	}

	printResult(result, *dryRun)
}

func printResult(r *ingest.Result, dryRun bool) {
	if dryRun {
		fmt.Println("\n=== DRY RUN RESULTS ===")
	} else {
		fmt.Println("\n=== INGESTION RESULTS ===")
	}
	fmt.Printf("Fetched:    %d\n", r.TotalFetched)
	fmt.Printf("New:        %d\n", r.NewPapers)
	fmt.Printf("Updated:    %d\n", r.UpdatedPapers)
	fmt.Printf("Duplicates: %d\n", r.DuplicatesSkipped)
	fmt.Printf("Duration:   %dms\n", r.DurationMs)

	if len(r.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}
