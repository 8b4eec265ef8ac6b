// Package api exposes the pipeline's services over HTTP and WebSocket:
// ingestion runs and schedules, entity normalization, natural-language
// queries, path finding, trend analytics, and the graph schema.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/ingest"
	"github.com/scholar-graph-pipeline/internal/jsonx"
	"github.com/scholar-graph-pipeline/internal/nlq"
	"github.com/scholar-graph-pipeline/internal/normalize"
	"github.com/scholar-graph-pipeline/internal/reason"
	"github.com/scholar-graph-pipeline/internal/temporal"
)

// Deps collects the services the server fronts. Any entry may be nil;
// its routes then answer 503.
type Deps struct {
	Ingest     *ingest.Service
	Normalize  *normalize.Service
	Query      *nlq.Engine
	Paths      *reason.Finder
	Trends     *temporal.Service
	Forecaster *temporal.Forecaster
	Schema     *graph.SchemaProvider
}

// Server routes HTTP and WebSocket traffic to the pipeline services.
type Server struct {
	deps     Deps
	jwt      *JWTMiddleware
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the server. jwtMiddleware must not be nil.
func NewServer(deps Deps, jwtMiddleware *JWTMiddleware, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:   deps,
		jwt:    jwtMiddleware,
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Routes registers every endpoint on r. Mutating routes require a
// bearer token; read-only routes are open.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	protect := func(h http.HandlerFunc) http.Handler {
		return s.jwt.Middleware(h)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/ingest/arxiv", protect(s.handleIngestArxiv)).Methods("POST")
	api.Handle("/ingest/semanticscholar", protect(s.handleIngestSemanticScholar)).Methods("POST")
	api.HandleFunc("/ingest/status", s.handleIngestStatus).Methods("GET")
	api.Handle("/schedules", protect(s.handleCreateSchedule)).Methods("POST")
	api.Handle("/schedules/{name}", protect(s.handleRemoveSchedule)).Methods("DELETE")
	api.Handle("/schedules/{name}/start", protect(s.handleStartSchedule)).Methods("POST")
	api.Handle("/schedules/{name}/stop", protect(s.handleStopSchedule)).Methods("POST")
	api.Handle("/normalize", protect(s.handleNormalize)).Methods("POST")
	api.Handle("/query", protect(s.handleQuery)).Methods("POST")
	api.Handle("/paths", protect(s.handlePaths)).Methods("POST")
	api.Handle("/paths/batch", protect(s.handlePathsBatch)).Methods("POST")
	api.HandleFunc("/trends/hot", s.handleHotTopics).Methods("GET")
	api.HandleFunc("/trends/{entityId}/timeline", s.handleTimeline).Methods("GET")
	api.Handle("/trends/metrics", protect(s.handleRecordMetrics)).Methods("POST")
	api.Handle("/trends/forecast", protect(s.handleForecast)).Methods("POST")
	api.HandleFunc("/schema", s.handleSchema).Methods("GET")

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Handle("/query", protect(s.handleQueryStream))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleIngestArxiv(w http.ResponseWriter, r *http.Request) {
	s.runIngest(w, r, "arxiv")
}

func (s *Server) handleIngestSemanticScholar(w http.ResponseWriter, r *http.Request) {
	s.runIngest(w, r, "semantic_scholar")
}

func (s *Server) runIngest(w http.ResponseWriter, r *http.Request, source string) {
	if s.deps.Ingest == nil {
		http.Error(w, "Ingestion service unavailable", http.StatusServiceUnavailable)
		return
	}
	var opts ingest.Options
	if err := jsonx.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if opts.Query == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}

	run := s.deps.Ingest.IngestFromArxiv
	if source == "semantic_scholar" {
		run = s.deps.Ingest.IngestFromSemanticScholar
	}
	result, err := run(r.Context(), opts)
	if err != nil {
		s.logger.Error("Ingestion run failed", zap.String("source", source), zap.Error(err))
		http.Error(w, "Ingestion failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("Ingestion run finished",
		zap.String("source", source),
		zap.String("user_id", GetUserID(r.Context())),
		zap.Int("new_papers", result.NewPapers))
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		http.Error(w, "Ingestion service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.respond(w, http.StatusOK, s.deps.Ingest.GetStatus())
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		http.Error(w, "Ingestion service unavailable", http.StatusServiceUnavailable)
		return
	}
	var cfg ingest.ScheduleConfig
	if err := jsonx.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.deps.Ingest.ScheduleIngestion(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"name": cfg.Name, "status": "scheduled"})
}

func (s *Server) handleStartSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleAction(w, r, "started", s.deps.Ingest.StartSchedule)
}

func (s *Server) handleStopSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleAction(w, r, "stopped", s.deps.Ingest.StopSchedule)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleAction(w, r, "removed", s.deps.Ingest.RemoveSchedule)
}

func (s *Server) scheduleAction(w http.ResponseWriter, r *http.Request, status string, action func(string) error) {
	if s.deps.Ingest == nil {
		http.Error(w, "Ingestion service unavailable", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["name"]
	if err := action(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"name": name, "status": status})
}

// NormalizeRequest is the body of POST /api/v1/normalize.
type NormalizeRequest struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type,omitempty"`
	SkipLLM    bool   `json:"skip_llm,omitempty"`
	ForceLLM   bool   `json:"force_llm,omitempty"`
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Normalize == nil {
		http.Error(w, "Normalization service unavailable", http.StatusServiceUnavailable)
		return
	}
	var req NormalizeRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}
	result := s.deps.Normalize.Normalize(r.Context(), req.Name, &normalize.Options{
		EntityType: req.EntityType,
		SkipLLM:    req.SkipLLM,
		ForceLLM:   req.ForceLLM,
	})
	s.respond(w, http.StatusOK, result)
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		http.Error(w, "Query engine unavailable", http.StatusServiceUnavailable)
		return
	}
	var req QueryRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}
	answer := s.deps.Query.Answer(r.Context(), req.Question)
	s.respond(w, http.StatusOK, answer)
}

// PathRequest is the body of POST /api/v1/paths. Weighted switches to
// confidence-weighted ordering.
type PathRequest struct {
	reason.PathQuery
	Weighted bool `json:"weighted,omitempty"`
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	if s.deps.Paths == nil {
		http.Error(w, "Path finder unavailable", http.StatusServiceUnavailable)
		return
	}
	var req PathRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		result *reason.PathResult
		err    error
	)
	if req.Weighted {
		result, err = s.deps.Paths.FindWeightedPaths(r.Context(), req.PathQuery, nil)
	} else {
		result, err = s.deps.Paths.FindPaths(r.Context(), req.PathQuery)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, http.StatusOK, result)
}

// BatchPathRequest is the body of POST /api/v1/paths/batch.
type BatchPathRequest struct {
	Template reason.PathQuery  `json:"template"`
	Pairs    []reason.PathPair `json:"pairs"`
}

func (s *Server) handlePathsBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Paths == nil {
		http.Error(w, "Path finder unavailable", http.StatusServiceUnavailable)
		return
	}
	var req BatchPathRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Pairs) == 0 {
		http.Error(w, "At least one pair is required", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Paths.FindPathsBatch(r.Context(), req.Template, req.Pairs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleHotTopics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trends == nil {
		http.Error(w, "Trend service unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	minMomentum := 5.0
	if raw := r.URL.Query().Get("min_momentum"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			minMomentum = v
		}
	}
	result, err := s.deps.Trends.GetHotTopics(r.Context(), limit, minMomentum)
	if err != nil {
		s.logger.Error("Hot topics query failed", zap.Error(err))
		http.Error(w, "Trend query failed", http.StatusInternalServerError)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trends == nil {
		http.Error(w, "Trend service unavailable", http.StatusServiceUnavailable)
		return
	}
	granularity := temporal.Granularity(r.URL.Query().Get("granularity"))
	switch granularity {
	case "", temporal.GranularityDay, temporal.GranularityWeek, temporal.GranularityMonth:
	default:
		http.Error(w, "Unsupported granularity", http.StatusBadRequest)
		return
	}
	entityID := mux.Vars(r)["entityId"]
	points, err := s.deps.Trends.GetTimeline(r.Context(), entityID, granularity)
	if err != nil {
		s.logger.Error("Timeline query failed", zap.String("entity_id", entityID), zap.Error(err))
		http.Error(w, "Timeline query failed", http.StatusInternalServerError)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"timeline":  points,
	})
}

// MetricsRequest is the body of POST /api/v1/trends/metrics.
type MetricsRequest struct {
	Metrics []temporal.MetricInput `json:"metrics"`
}

func (s *Server) handleRecordMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trends == nil {
		http.Error(w, "Trend service unavailable", http.StatusServiceUnavailable)
		return
	}
	var req MetricsRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Metrics) == 0 {
		http.Error(w, "At least one metric is required", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Trends.RecordBatch(r.Context(), req.Metrics)
	if err != nil {
		s.logger.Error("Metric batch failed", zap.Error(err))
		http.Error(w, "Recording metrics failed", http.StatusInternalServerError)
		return
	}
	s.respond(w, http.StatusOK, result)
}

// ForecastRequest is the body of POST /api/v1/trends/forecast. An empty
// method selects the ensemble.
type ForecastRequest struct {
	EntityID string `json:"entity_id"`
	Method   string `json:"method,omitempty"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Forecaster == nil {
		http.Error(w, "Forecaster unavailable", http.StatusServiceUnavailable)
		return
	}
	var req ForecastRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.EntityID == "" {
		http.Error(w, "Entity id is required", http.StatusBadRequest)
		return
	}
	method := temporal.ForecastMethod(strings.ToLower(req.Method))
	valid := req.Method == "" || method == temporal.MethodEnsemble
	for _, m := range temporal.ForecastMethods {
		if method == m {
			valid = true
		}
	}
	if !valid {
		http.Error(w, "Unknown forecast method", http.StatusBadRequest)
		return
	}

	var (
		forecast *temporal.Forecast
		err      error
	)
	if req.Method == "" || method == temporal.MethodEnsemble {
		forecast, err = s.deps.Forecaster.ForecastEnsemble(r.Context(), req.EntityID)
	} else {
		forecast, err = s.deps.Forecaster.Forecast(r.Context(), req.EntityID, method)
	}
	if err != nil {
		s.logger.Error("Forecast failed", zap.String("entity_id", req.EntityID), zap.Error(err))
		http.Error(w, "Forecast failed", http.StatusInternalServerError)
		return
	}
	s.respond(w, http.StatusOK, forecast)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schema == nil {
		http.Error(w, "Schema provider unavailable", http.StatusServiceUnavailable)
		return
	}
	schema, err := s.deps.Schema.GetSchema(r.Context())
	if err != nil {
		s.logger.Error("Schema fetch failed", zap.Error(err))
		http.Error(w, "Schema fetch failed", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "compact" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(schema.FormatCompact()))
		return
	}
	s.respond(w, http.StatusOK, schema)
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
