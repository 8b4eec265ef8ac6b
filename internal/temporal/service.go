// Package temporal tracks how graph entities trend over time: daily
// citation metrics with velocity, momentum, and adoption phase, hot
// topic detection, timelines, and numeric forecasting over the stored
// series.
package temporal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/jsonx"
)

const dateLayout = "2006-01-02"

// Phase is an entity's adoption stage.
type Phase string

const (
	PhaseEmerging  Phase = "emerging"
	PhaseGrowing   Phase = "growing"
	PhaseMature    Phase = "mature"
	PhaseDeclining Phase = "declining"
)

// Granularity selects the timeline bucket size.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// PhaseThresholds drive the adoption-phase classifier. The phase is a
// pure function of the metric inputs and these values.
type PhaseThresholds struct {
	// DecliningMomentum is the momentum at or below which an entity is
	// declining.
	DecliningMomentum float64
	// EmergingMaxMonths bounds publication age for the emerging phase.
	EmergingMaxMonths int
	// EmergingMomentum is the minimum momentum for the emerging phase.
	EmergingMomentum float64
	// EmergingMaxCitations caps how cited an emerging entity can be.
	EmergingMaxCitations int
	// GrowingMomentum and GrowingVelocity gate the growing phase;
	// either is sufficient.
	GrowingMomentum float64
	GrowingVelocity float64
}

// DefaultPhaseThresholds returns the standard classifier settings.
func DefaultPhaseThresholds() PhaseThresholds {
	return PhaseThresholds{
		DecliningMomentum:    -5,
		EmergingMaxMonths:    6,
		EmergingMomentum:     20,
		EmergingMaxCitations: 500,
		GrowingMomentum:      10,
		GrowingVelocity:      5,
	}
}

// ClassifyPhase assigns an adoption phase. monthsSincePublication may
// be negative when the publication date is unknown, which rules out the
// emerging phase.
func ClassifyPhase(momentum, velocity float64, citationCount, monthsSincePublication int, th PhaseThresholds) Phase {
	switch {
	case momentum <= th.DecliningMomentum:
		return PhaseDeclining
	case monthsSincePublication >= 0 && monthsSincePublication <= th.EmergingMaxMonths &&
		momentum >= th.EmergingMomentum && citationCount < th.EmergingMaxCitations:
		return PhaseEmerging
	case momentum >= th.GrowingMomentum || velocity >= th.GrowingVelocity:
		return PhaseGrowing
	default:
		return PhaseMature
	}
}

// DailyMetric is one recorded trend sample for an entity.
type DailyMetric struct {
	EntityID      string  `json:"entity_id"`
	Date          string  `json:"date"`
	CitationCount int     `json:"citation_count"`
	Velocity      float64 `json:"velocity"`
	Momentum      float64 `json:"momentum"`
	Phase         Phase   `json:"phase"`
}

// MetricInput is one batch recording request.
type MetricInput struct {
	EntityID      string `json:"entity_id"`
	Date          string `json:"date"`
	CitationCount int    `json:"citation_count"`
}

// BatchFailure records one entity that could not be recorded.
type BatchFailure struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

// BatchResult summarizes a batch recording run.
type BatchResult struct {
	Recorded int            `json:"recorded"`
	Failed   []BatchFailure `json:"failed"`
}

// HotTopic is one trending entity.
type HotTopic struct {
	EntityID      string  `json:"entity_id"`
	Name          string  `json:"name"`
	CitationCount int     `json:"citation_count"`
	Velocity      float64 `json:"velocity"`
	Momentum      float64 `json:"momentum"`
	Phase         Phase   `json:"phase"`
}

// HotTopicsResult is the trending set plus its summary.
type HotTopicsResult struct {
	Topics []HotTopic `json:"topics"`
	// TotalEmerging counts topics with momentum above 1.5x the
	// requested minimum.
	TotalEmerging int     `json:"total_emerging"`
	AvgMomentum   float64 `json:"avg_momentum"`
	MinMomentum   float64 `json:"min_momentum"`
}

// TimelinePoint is one bucket of an entity's history.
type TimelinePoint struct {
	Date          string  `json:"date"`
	CitationCount int     `json:"citation_count"`
	Velocity      float64 `json:"velocity"`
	Momentum      float64 `json:"momentum"`
}

// TrendSnapshot is a materialized view of the whole graph's trend
// state at one moment.
type TrendSnapshot struct {
	CapturedAt  time.Time      `json:"captured_at"`
	PhaseCounts map[string]int `json:"phase_counts"`
	TopTopics   []HotTopic     `json:"top_topics"`
}

// ServiceConfig tunes the metrics service.
type ServiceConfig struct {
	Thresholds PhaseThresholds
	// SnapshotTopics is how many hot topics a snapshot materializes.
	SnapshotTopics int
	// SnapshotMinMomentum filters snapshot topics.
	SnapshotMinMomentum float64
}

// DefaultServiceConfig returns the standard settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Thresholds:          DefaultPhaseThresholds(),
		SnapshotTopics:      10,
		SnapshotMinMomentum: 5,
	}
}

// Service records and reads trend metrics.
type Service struct {
	tm     *graph.TransactionManager
	cfg    ServiceConfig
	logger *zap.Logger

	mu        sync.Mutex
	recorded  int64
	snapshots int64
}

// NewService creates the metrics service.
func NewService(tm *graph.TransactionManager, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultServiceConfig()
	if cfg.Thresholds == (PhaseThresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.SnapshotTopics <= 0 {
		cfg.SnapshotTopics = def.SnapshotTopics
	}
	if cfg.SnapshotMinMomentum <= 0 {
		cfg.SnapshotMinMomentum = def.SnapshotMinMomentum
	}
	return &Service{
		tm:     tm,
		cfg:    cfg,
		logger: logger.Named("temporal"),
	}
}

// RecordDailyMetrics computes velocity, momentum, and adoption phase
// for one entity on one day against its latest prior record, stores
// the sample, and returns it.
func (s *Service) RecordDailyMetrics(ctx context.Context, entityID, date string, citationCount int) (*DailyMetric, error) {
	metric, err := s.computeMetric(ctx, entityID, date, citationCount)
	if err != nil {
		return nil, err
	}
	if err := s.storeMetric(ctx, metric); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.recorded++
	s.mu.Unlock()
	s.logger.Debug("Daily metric recorded",
		zap.String("entity", entityID),
		zap.String("date", date),
		zap.Float64("momentum", metric.Momentum),
		zap.String("phase", string(metric.Phase)))
	return metric, nil
}

// RecordBatch computes metrics for every input, collecting per-entity
// failures, and flushes all successful samples in one store batch.
func (s *Service) RecordBatch(ctx context.Context, items []MetricInput) (*BatchResult, error) {
	result := &BatchResult{Failed: []BatchFailure{}}
	metrics := make([]*DailyMetric, 0, len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, BatchFailure{EntityID: item.EntityID, Error: err.Error()})
			continue
		}
		metric, err := s.computeMetric(ctx, item.EntityID, item.Date, item.CitationCount)
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{EntityID: item.EntityID, Error: err.Error()})
			continue
		}
		metrics = append(metrics, metric)
	}

	if len(metrics) > 0 {
		if err := s.flushMetrics(ctx, metrics); err != nil {
			return result, fmt.Errorf("temporal: flush metric batch: %w", err)
		}
		result.Recorded = len(metrics)
	}

	s.mu.Lock()
	s.recorded += int64(result.Recorded)
	s.mu.Unlock()
	if len(result.Failed) > 0 {
		s.logger.Warn("Batch recording had failures",
			zap.Int("recorded", result.Recorded),
			zap.Int("failed", len(result.Failed)))
	}
	return result, nil
}

// GetHotTopics returns the highest-momentum entities at or above
// minMomentum, with an emerging count and average momentum computed
// over the returned set.
func (s *Service) GetHotTopics(ctx context.Context, limit int, minMomentum float64) (*HotTopicsResult, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `MATCH (e)-[:HAS_METRIC]->(m:TrendMetric)
WITH e, m ORDER BY m.date DESC
WITH e, collect(m)[0] AS latest
WHERE latest.momentum >= $minMomentum
RETURN e.id AS entityId, e.name AS name,
       latest.citation_count AS citationCount,
       latest.velocity AS velocity,
       latest.momentum AS momentum,
       latest.phase AS phase
ORDER BY momentum DESC
LIMIT $limit`

	res, err := s.read(ctx, query, map[string]any{
		"minMomentum": minMomentum,
		"limit":       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: fetch hot topics: %w", err)
	}

	out := &HotTopicsResult{Topics: make([]HotTopic, 0, len(res.Records)), MinMomentum: minMomentum}
	emergingCut := 1.5 * minMomentum
	var sum float64
	for _, rec := range res.Records {
		topic := HotTopic{
			EntityID:      recString(rec, "entityId"),
			Name:          recString(rec, "name"),
			CitationCount: int(recNum(rec, "citationCount")),
			Velocity:      recNum(rec, "velocity"),
			Momentum:      recNum(rec, "momentum"),
			Phase:         Phase(recString(rec, "phase")),
		}
		out.Topics = append(out.Topics, topic)
		if topic.Momentum > emergingCut {
			out.TotalEmerging++
		}
		sum += topic.Momentum
	}
	if len(out.Topics) > 0 {
		out.AvgMomentum = sum / float64(len(out.Topics))
	}
	return out, nil
}

// GetTimeline returns an entity's metric history. Day granularity is
// the raw series; week and month aggregate in the store.
func (s *Service) GetTimeline(ctx context.Context, entityID string, granularity Granularity) ([]TimelinePoint, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("temporal: entity id is required")
	}

	var query string
	switch granularity {
	case GranularityDay, "":
		query = `MATCH (e {id: $entityId})-[:HAS_METRIC]->(m:TrendMetric)
RETURN m.date AS date, m.citation_count AS citationCount,
       m.velocity AS velocity, m.momentum AS momentum
ORDER BY date ASC`
	case GranularityWeek, GranularityMonth:
		query = fmt.Sprintf(`MATCH (e {id: $entityId})-[:HAS_METRIC]->(m:TrendMetric)
WITH toString(date.truncate('%s', date(m.date))) AS bucket,
     max(m.citation_count) AS citationCount,
     avg(m.velocity) AS velocity,
     avg(m.momentum) AS momentum
RETURN bucket AS date, citationCount, velocity, momentum
ORDER BY date ASC`, granularity)
	default:
		return nil, fmt.Errorf("temporal: unsupported granularity %q", granularity)
	}

	res, err := s.read(ctx, query, map[string]any{"entityId": entityID})
	if err != nil {
		return nil, fmt.Errorf("temporal: fetch timeline: %w", err)
	}

	points := make([]TimelinePoint, 0, len(res.Records))
	for _, rec := range res.Records {
		points = append(points, TimelinePoint{
			Date:          recString(rec, "date"),
			CitationCount: int(recNum(rec, "citationCount")),
			Velocity:      recNum(rec, "velocity"),
			Momentum:      recNum(rec, "momentum"),
		})
	}
	return points, nil
}

// CaptureTrendSnapshot materializes the current phase distribution and
// top hot topics as a snapshot node and returns them.
func (s *Service) CaptureTrendSnapshot(ctx context.Context) (*TrendSnapshot, error) {
	res, err := s.read(ctx, `MATCH (e)-[:HAS_METRIC]->(m:TrendMetric)
WITH e, m ORDER BY m.date DESC
WITH e, collect(m)[0] AS latest
RETURN latest.phase AS phase, count(*) AS n`, nil)
	if err != nil {
		return nil, fmt.Errorf("temporal: fetch phase distribution: %w", err)
	}

	snapshot := &TrendSnapshot{
		CapturedAt:  time.Now().UTC(),
		PhaseCounts: make(map[string]int),
	}
	for _, rec := range res.Records {
		phase := recString(rec, "phase")
		if phase == "" {
			continue
		}
		snapshot.PhaseCounts[phase] = int(recNum(rec, "n"))
	}

	hot, err := s.GetHotTopics(ctx, s.cfg.SnapshotTopics, s.cfg.SnapshotMinMomentum)
	if err != nil {
		return nil, err
	}
	snapshot.TopTopics = hot.Topics

	phasesJSON, err := jsonx.MarshalToString(snapshot.PhaseCounts)
	if err != nil {
		return nil, fmt.Errorf("temporal: encode snapshot phases: %w", err)
	}
	topicsJSON, err := jsonx.MarshalToString(snapshot.TopTopics)
	if err != nil {
		return nil, fmt.Errorf("temporal: encode snapshot topics: %w", err)
	}
	_, err = s.tm.Write(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `CREATE (s:TrendSnapshot {
			captured_at: $capturedAt,
			phase_counts: $phases,
			top_topics: $topics
		})`, map[string]any{
			"capturedAt": snapshot.CapturedAt.Format(time.RFC3339),
			"phases":     phasesJSON,
			"topics":     topicsJSON,
		})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("temporal: store snapshot: %w", err)
	}

	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
	s.logger.Info("Trend snapshot captured",
		zap.Int("phases", len(snapshot.PhaseCounts)),
		zap.Int("top_topics", len(snapshot.TopTopics)))
	return snapshot, nil
}

// Stats returns service counters.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"metrics_recorded": s.recorded,
		"snapshots":        s.snapshots,
	}
}

// previousRecord is what the store knows about an entity before a given
// date.
type previousRecord struct {
	count        int
	exists       bool
	published    time.Time
	hasPublished bool
}

func (s *Service) computeMetric(ctx context.Context, entityID, date string, citationCount int) (*DailyMetric, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("temporal: entity id is required")
	}
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("temporal: invalid date %q: %w", date, err)
	}
	if citationCount < 0 {
		return nil, fmt.Errorf("temporal: citation count cannot be negative")
	}

	prev, err := s.fetchPrevious(ctx, entityID, date)
	if err != nil {
		return nil, err
	}

	velocity := 0.0
	momentum := 0.0
	if prev.exists {
		velocity = float64(citationCount - prev.count)
		if prev.count > 0 {
			momentum = (float64(citationCount-prev.count) / float64(prev.count)) * 100
		}
	}
	months := -1
	if prev.hasPublished {
		months = monthsBetween(prev.published, day)
	}

	return &DailyMetric{
		EntityID:      entityID,
		Date:          date,
		CitationCount: citationCount,
		Velocity:      velocity,
		Momentum:      momentum,
		Phase:         ClassifyPhase(momentum, velocity, citationCount, months, s.cfg.Thresholds),
	}, nil
}

func (s *Service) fetchPrevious(ctx context.Context, entityID, date string) (previousRecord, error) {
	res, err := s.read(ctx, `MATCH (e {id: $entityId})
OPTIONAL MATCH (e)-[:HAS_METRIC]->(m:TrendMetric)
WHERE m.date < $date
WITH e, m ORDER BY m.date DESC LIMIT 1
RETURN m.citation_count AS prevCount, e.published_date AS publishedDate`,
		map[string]any{"entityId": entityID, "date": date})
	if err != nil {
		return previousRecord{}, fmt.Errorf("temporal: fetch previous record: %w", err)
	}
	if len(res.Records) == 0 {
		return previousRecord{}, fmt.Errorf("temporal: unknown entity %q", entityID)
	}

	rec := res.Records[0]
	prev := previousRecord{}
	if v, ok := rec["prevCount"]; ok && v != nil {
		prev.count = int(recNum(rec, "prevCount"))
		prev.exists = true
	}
	if published := recString(rec, "publishedDate"); published != "" {
		if t, err := time.Parse(dateLayout, published); err == nil {
			prev.published = t
			prev.hasPublished = true
		}
	}
	return prev, nil
}

func (s *Service) storeMetric(ctx context.Context, m *DailyMetric) error {
	_, err := s.tm.Write(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `MATCH (e {id: $entityId})
MERGE (e)-[:HAS_METRIC]->(m:TrendMetric {date: $date})
SET m.citation_count = $citationCount,
    m.velocity = $velocity,
    m.momentum = $momentum,
    m.phase = $phase,
    m.recorded_at = $recordedAt`, map[string]any{
			"entityId":      m.EntityID,
			"date":          m.Date,
			"citationCount": m.CitationCount,
			"velocity":      m.Velocity,
			"momentum":      m.Momentum,
			"phase":         string(m.Phase),
			"recordedAt":    time.Now().UTC().Format(time.RFC3339),
		})
	}, nil)
	if err != nil {
		return fmt.Errorf("temporal: store metric: %w", err)
	}
	return nil
}

func (s *Service) flushMetrics(ctx context.Context, metrics []*DailyMetric) error {
	rows := make([]map[string]any, 0, len(metrics))
	recordedAt := time.Now().UTC().Format(time.RFC3339)
	for _, m := range metrics {
		rows = append(rows, map[string]any{
			"entityId":      m.EntityID,
			"date":          m.Date,
			"citationCount": m.CitationCount,
			"velocity":      m.Velocity,
			"momentum":      m.Momentum,
			"phase":         string(m.Phase),
			"recordedAt":    recordedAt,
		})
	}
	_, err := s.tm.Write(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `UNWIND $rows AS row
MATCH (e {id: row.entityId})
MERGE (e)-[:HAS_METRIC]->(m:TrendMetric {date: row.date})
SET m.citation_count = row.citationCount,
    m.velocity = row.velocity,
    m.momentum = row.momentum,
    m.phase = row.phase,
    m.recorded_at = row.recordedAt`, map[string]any{"rows": rows})
	}, nil)
	return err
}

func (s *Service) read(ctx context.Context, query string, params map[string]any) (*graph.Result, error) {
	out, err := s.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, query, params)
	}, nil)
	if err != nil {
		return nil, err
	}
	res, ok := out.(*graph.Result)
	if !ok || res == nil {
		return &graph.Result{}, nil
	}
	return res, nil
}

// monthsBetween counts whole 30-day months from pub to day, never
// negative.
func monthsBetween(pub, day time.Time) int {
	if day.Before(pub) {
		return 0
	}
	return int(day.Sub(pub).Hours() / (24 * 30))
}

func recNum(rec map[string]any, key string) float64 {
	switch v := rec[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func recString(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}
