// The pipeline binary runs the full scholar graph service: ingestion
// with schedules, normalization, natural-language querying, path
// finding, and trend analysis behind one HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/api"
	"github.com/scholar-graph-pipeline/internal/cache"
	"github.com/scholar-graph-pipeline/internal/config"
	"github.com/scholar-graph-pipeline/internal/entity"
	"github.com/scholar-graph-pipeline/internal/events"
	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/ingest"
	"github.com/scholar-graph-pipeline/internal/llm"
	"github.com/scholar-graph-pipeline/internal/nlq"
	"github.com/scholar-graph-pipeline/internal/normalize"
	"github.com/scholar-graph-pipeline/internal/papers"
	"github.com/scholar-graph-pipeline/internal/ratelimit"
	"github.com/scholar-graph-pipeline/internal/reason"
	"github.com/scholar-graph-pipeline/internal/schedule"
	"github.com/scholar-graph-pipeline/internal/sources"
	"github.com/scholar-graph-pipeline/internal/temporal"
	"github.com/scholar-graph-pipeline/internal/vector"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("PIPELINE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting scholar graph pipeline", zap.Int("port", cfg.Server.Port))

	ctx := context.Background()

	// Graph store.
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

	// Redis is optional. With it the cache gains a shared tier and the
	// source rate limiters coordinate across replicas.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, continuing without it", zap.Error(err))
			redisClient = nil
		}
	}

	cacheManager, err := cache.NewManager(cache.DefaultConfig(), redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer cacheManager.Close()

	publisher := events.NewPublisher(events.Config{URL: cfg.NATS.URL}, logger)
	if err := publisher.Connect(); err != nil {
		logger.Warn("Event bus unavailable, continuing without it", zap.Error(err))
		publisher = nil
	}
	defer publisher.Close()

	var arxivLimiter, scholarLimiter, oaLimiter ratelimit.Limiter
	if redisClient != nil {
		arxivLimiter = ratelimit.NewSlidingWindow(redisClient,
			ratelimit.DefaultSlidingWindowConfig("arxiv"), logger.Named("ratelimit"))
		scholarLimiter = ratelimit.NewSlidingWindow(redisClient,
			ratelimit.DefaultSlidingWindowConfig("semantic_scholar"), logger.Named("ratelimit"))
		oaLimiter = ratelimit.NewSlidingWindow(redisClient,
			ratelimit.DefaultSlidingWindowConfig("unpaywall"), logger.Named("ratelimit"))
	} else {
		arxivLimiter = ratelimit.NewTokenBucket(ratelimit.DefaultTokenBucketConfig(), logger.Named("ratelimit"))
		scholarLimiter = ratelimit.NewTokenBucket(ratelimit.SemanticScholarConfig(), logger.Named("ratelimit"))
		oaLimiter = ratelimit.NewTokenBucket(ratelimit.DefaultTokenBucketConfig(), logger.Named("ratelimit"))
	}

	arxiv := sources.NewArxivClient(sources.DefaultArxivConfig(), arxivLimiter, logger.Named("sources"))

	scholarCfg := sources.DefaultSemanticScholarConfig()
	scholarCfg.APIKey = cfg.Ingestion.SemanticScholarAPIKey
	scholar := sources.NewSemanticScholarClient(scholarCfg, scholarLimiter, logger.Named("sources"))

	var openAccess *sources.OpenAccessClient
	if cfg.Ingestion.UnpaywallEmail != "" {
		openAccess, err = sources.NewOpenAccessClient(
			sources.DefaultOpenAccessConfig(cfg.Ingestion.UnpaywallEmail), oaLimiter, logger.Named("sources"))
		if err != nil {
			logger.Warn("Open-access enrichment disabled", zap.Error(err))
		}
	}

	idx, err := entity.NewIndex(entity.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to open entity index", zap.Error(err))
	}
	defer idx.Close()

	// One runner carries the ingestion schedules and the trend
	// snapshot job.
	runner := schedule.NewRunner(logger.Named("schedule"))

	ingestSvc := ingest.NewService(
		ingest.Config{
			MaxConcurrency:    cfg.Ingestion.MaxConcurrency,
			DefaultMaxResults: cfg.Ingestion.DefaultMaxResults,
		},
		ingest.Deps{
			Arxiv:      arxiv,
			Scholar:    scholar,
			OpenAccess: openAccess,
			Runner:     runner,
			Publisher:  publisher,
			Existing:   papers.Existing(tm),
			Sink:       papers.Sink(repo, idx, logger),
		},
		logger)
	defer ingestSvc.StopAllSchedules()

	for _, sched := range cfg.Ingestion.Schedules {
		if err := ingestSvc.ScheduleIngestion(sched); err != nil {
			logger.Warn("Failed to register schedule",
				zap.String("name", sched.Name), zap.Error(err))
		}
	}

	llmClient := buildLLMClient(cfg, logger)

	var searcher vector.Searcher
	vectorCollection := ""
	if cfg.Vector.Enabled {
		vcfg := vector.DefaultConfig()
		vcfg.Host = cfg.Vector.Host
		vcfg.Port = cfg.Vector.Port
		vclient, err := vector.NewClient(vcfg, logger)
		if err != nil {
			logger.Warn("Qdrant unavailable, vector retrieval disabled", zap.Error(err))
		} else {
			defer vclient.Close()
			searcher = vclient
			vectorCollection = cfg.Vector.Collection
		}
	}

	aliases, err := normalize.NewAliasManager(tm, normalize.DefaultAliasManagerConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize alias manager", zap.Error(err))
	}

	var rules *normalize.RuleNormalizer
	if cfg.Normalization.RulesPath != "" {
		loaded, err := normalize.LoadRules(cfg.Normalization.RulesPath)
		if err != nil {
			logger.Warn("Normalization rules not loaded",
				zap.String("path", cfg.Normalization.RulesPath), zap.Error(err))
		} else if rules, err = normalize.NewRuleNormalizer(loaded, logger); err != nil {
			logger.Warn("Invalid normalization rules", zap.Error(err))
		}
	}

	simCfg := normalize.DefaultSimilarityConfig()
	if cfg.Normalization.SimilarityThreshold > 0 {
		simCfg.Threshold = cfg.Normalization.SimilarityThreshold
	}
	simCfg.VectorCollection = vectorCollection
	var embedder normalize.Embedder
	if llmClient != nil {
		embedder = llmClient
	}
	matcher := normalize.NewSimilarityMatcher(idx, searcher, embedder, simCfg, logger)

	var confirmer *normalize.LLMConfirmer
	if llmClient != nil {
		confirmer = normalize.NewLLMConfirmer(llmClient, logger)
	}

	normCfg := normalize.DefaultServiceConfig()
	normCfg.UseLLMConfirmation = cfg.Normalization.UseLLMConfirmation
	normCfg.AutoRegisterAliases = cfg.Normalization.AutoRegisterAliases
	normSvc := normalize.NewService(aliases, rules, matcher, confirmer, normCfg, logger)

	schemaProvider := graph.NewSchemaProvider(conn, cacheManager, graph.DefaultSchemaProviderConfig(), logger.Named("graph.schema"))

	var hints []nlq.HintRule
	if cfg.NLQ.HintsPath != "" {
		if hints, err = nlq.LoadHints(cfg.NLQ.HintsPath); err != nil {
			logger.Warn("Intent hints not loaded",
				zap.String("path", cfg.NLQ.HintsPath), zap.Error(err))
			hints = nil
		}
	}
	classifier, err := nlq.NewIntentClassifier(llmClient, hints, logger)
	if err != nil {
		logger.Fatal("Failed to compile intent hints", zap.Error(err))
	}

	executor := nlq.NewExecutor(tm, cacheManager, nlq.ExecutorConfig{}, logger)

	genCfg := nlq.DefaultGeneratorConfig()
	if cfg.NLQ.Language != "" {
		genCfg.Language = cfg.NLQ.Language
	}
	// The executor doubles as the generator's validator via EXPLAIN.
	generator := nlq.NewCypherGenerator(llmClient, schemaProvider, executor, genCfg, logger)

	queryEngine := nlq.NewEngine(classifier, generator, executor, llmClient, logger)

	pathCache, err := reason.NewPathCache(reason.DefaultPathCacheConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize path cache", zap.Error(err))
	}
	finder := reason.NewFinder(tm, pathCache, reason.DefaultFinderConfig(), logger)

	trendSvc := temporal.NewService(tm, temporal.DefaultServiceConfig(), logger)
	forecaster := temporal.NewForecaster(tm, temporal.DefaultForecasterConfig(), logger)

	if err := runner.Register("trend-snapshot", "@daily", func(ctx context.Context) error {
		_, err := trendSvc.CaptureTrendSnapshot(ctx)
		return err
	}); err != nil {
		logger.Warn("Failed to register trend snapshot job", zap.Error(err))
	} else if err := runner.Start("trend-snapshot"); err != nil {
		logger.Warn("Failed to start trend snapshot job", zap.Error(err))
	}

	jwtMiddleware, err := api.NewJWTMiddleware(logger)
	if err != nil {
		logger.Fatal("Failed to initialize auth", zap.Error(err))
	}

	server := api.NewServer(api.Deps{
		Ingest:     ingestSvc,
		Normalize:  normSvc,
		Query:      queryEngine,
		Paths:      finder,
		Trends:     trendSvc,
		Forecaster: forecaster,
		Schema:     schemaProvider,
	}, jwtMiddleware, logger)

	router := mux.NewRouter()
	server.Routes(router)

	corsObj := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)

	srv := &http.Server{
		Handler:      corsObj(router),
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Pipeline API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server startup failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down pipeline...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", zap.Error(err))
	}
}

// buildLLMClient resolves the model client from the config section,
// falling back to environment-driven selection. A nil return degrades
// model-backed features instead of failing startup.
func buildLLMClient(cfg *config.Config, logger *zap.Logger) llm.Client {
	var llmCfg *llm.Config
	if cfg.LLM.Provider != "" {
		llmCfg = &llm.Config{
			Provider:       cfg.LLM.Provider,
			Model:          cfg.LLM.Model,
			BaseURL:        cfg.LLM.BaseURL,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
		}
		switch cfg.LLM.Provider {
		case llm.ProviderOpenAI:
			llmCfg.APIKey = os.Getenv("OPENAI_API_KEY")
		case llm.ProviderAnthropic:
			llmCfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	} else {
		llmCfg = llm.DefaultConfig()
		if cfg.LLM.Model != "" {
			llmCfg.Model = cfg.LLM.Model
		}
		if cfg.LLM.BaseURL != "" {
			llmCfg.BaseURL = cfg.LLM.BaseURL
		}
		if cfg.LLM.EmbeddingModel != "" {
			llmCfg.EmbeddingModel = cfg.LLM.EmbeddingModel
		}
	}

	client, err := llm.NewFromConfig(llmCfg, logger)
	if err != nil {
		logger.Warn("Language model disabled", zap.Error(err))
		return nil
	}
	logger.Info("Language model ready",
		zap.String("provider", client.Provider()),
		zap.String("model", client.ModelName()))
	return client
}
