package temporal

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/jsonx"
)

// fakeTrendStore answers transactional HTTP requests, routing each
// statement through a configurable responder.
type fakeTrendStore struct {
	srv *httptest.Server

	mu         sync.Mutex
	statements []string
	params     []map[string]any
	respond    func(stmt string, params map[string]any) ([]string, [][]any)
	failMsg    string
}

func newFakeTrendStore(t *testing.T) *fakeTrendStore {
	t.Helper()
	f := &fakeTrendStore{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"results":[],"errors":[]}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tx"):
			w.Header().Set("Location", f.srv.URL+"/db/neo4j/tx/1")
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"results":[],"errors":[],"commit":"%s/db/neo4j/tx/1/commit"}`, f.srv.URL)
		default:
			f.runStatements(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTrendStore) runStatements(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Statements []struct {
			Statement  string         `json:"statement"`
			Parameters map[string]any `json:"parameters"`
		} `json:"statements"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	type row struct {
		Row []any `json:"row"`
	}
	type resultSet struct {
		Columns []string `json:"columns"`
		Data    []row    `json:"data"`
	}
	type storeError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	out := struct {
		Results []resultSet  `json:"results"`
		Errors  []storeError `json:"errors"`
	}{Results: []resultSet{}, Errors: []storeError{}}

	f.mu.Lock()
	responder, failMsg := f.respond, f.failMsg
	for _, st := range req.Statements {
		f.statements = append(f.statements, st.Statement)
		f.params = append(f.params, st.Parameters)
	}
	f.mu.Unlock()

	for _, st := range req.Statements {
		if failMsg != "" {
			out.Errors = append(out.Errors, storeError{
				Code:    "Neo.ClientError.Statement.SyntaxError",
				Message: failMsg,
			})
			break
		}
		rs := resultSet{Columns: []string{}, Data: []row{}}
		if responder != nil {
			cols, rows := responder(st.Statement, st.Parameters)
			rs.Columns = cols
			for _, rr := range rows {
				rs.Data = append(rs.Data, row{Row: rr})
			}
		}
		out.Results = append(out.Results, rs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = jsonx.NewEncoder(w).Encode(out)
}

func (f *fakeTrendStore) setRespond(fn func(stmt string, params map[string]any) ([]string, [][]any)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeTrendStore) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statements {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func (f *fakeTrendStore) paramsFor(substr string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.statements {
		if strings.Contains(s, substr) {
			return f.params[i]
		}
	}
	return nil
}

func newTrendService(t *testing.T, store *fakeTrendStore, cfg ServiceConfig) *Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conn := graph.NewConnection(graph.Config{URI: store.srv.URL, Database: "neo4j"}, logger)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	return NewService(graph.NewTransactionManager(conn, logger), cfg, logger)
}

func previousColumns() []string { return []string{"prevCount", "publishedDate"} }

func TestRecordDailyMetricsComputesVelocityAndMomentum(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})
	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		if strings.Contains(stmt, "OPTIONAL MATCH") {
			return previousColumns(), [][]any{{100, "2026-01-10"}}
		}
		return nil, nil
	})

	metric, err := svc.RecordDailyMetrics(context.Background(), "e1", "2026-08-20", 150)
	if err != nil {
		t.Fatalf("RecordDailyMetrics failed: %v", err)
	}
	if metric.Velocity != 50 {
		t.Errorf("velocity = %v, want 50", metric.Velocity)
	}
	if metric.Momentum != 50 {
		t.Errorf("momentum = %v, want 50", metric.Momentum)
	}
	// Published over six months ago, so high momentum means growing.
	if metric.Phase != PhaseGrowing {
		t.Errorf("phase = %q, want growing", metric.Phase)
	}
	if got := store.count("MERGE (e)-[:HAS_METRIC]"); got != 1 {
		t.Errorf("expected 1 store write, got %d", got)
	}
	params := store.paramsFor("SET m.citation_count = $citationCount")
	if params["citationCount"] != float64(150) {
		t.Errorf("unexpected write params: %v", params)
	}
}

func TestRecordDailyMetricsFirstSample(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})
	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		if strings.Contains(stmt, "OPTIONAL MATCH") {
			return previousColumns(), [][]any{{nil, nil}}
		}
		return nil, nil
	})

	metric, err := svc.RecordDailyMetrics(context.Background(), "e1", "2026-08-20", 42)
	if err != nil {
		t.Fatalf("RecordDailyMetrics failed: %v", err)
	}
	if metric.Velocity != 0 || metric.Momentum != 0 {
		t.Errorf("first sample should have zero deltas, got v=%v m=%v", metric.Velocity, metric.Momentum)
	}
	if metric.Phase != PhaseMature {
		t.Errorf("phase = %q, want mature", metric.Phase)
	}
}

func TestRecordDailyMetricsUnknownEntity(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})
	// No responder: the previous-record lookup returns no rows.

	_, err := svc.RecordDailyMetrics(context.Background(), "ghost", "2026-08-20", 5)
	if err == nil || !strings.Contains(err.Error(), "unknown entity") {
		t.Errorf("expected unknown entity error, got %v", err)
	}
}

func TestRecordDailyMetricsValidation(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})

	if _, err := svc.RecordDailyMetrics(context.Background(), "", "2026-08-20", 5); err == nil {
		t.Error("expected error for empty entity id")
	}
	if _, err := svc.RecordDailyMetrics(context.Background(), "e1", "20-08-2026", 5); err == nil {
		t.Error("expected error for malformed date")
	}
	if _, err := svc.RecordDailyMetrics(context.Background(), "e1", "2026-08-20", -1); err == nil {
		t.Error("expected error for negative count")
	}
}

func TestClassifyPhase(t *testing.T) {
	th := DefaultPhaseThresholds()
	cases := []struct {
		name     string
		momentum float64
		velocity float64
		count    int
		months   int
		want     Phase
	}{
		{"negative momentum", -10, 0, 50, 12, PhaseDeclining},
		{"young and hot", 30, 3, 100, 3, PhaseEmerging},
		{"young but already cited", 30, 3, 100000, 3, PhaseGrowing},
		{"old with momentum", 15, 0, 200, 12, PhaseGrowing},
		{"velocity only", 0, 8, 200, 12, PhaseGrowing},
		{"flat", 0, 0, 200, -1, PhaseMature},
		{"hot but unknown age", 25, 0, 100, -1, PhaseGrowing},
	}
	for _, tc := range cases {
		if got := ClassifyPhase(tc.momentum, tc.velocity, tc.count, tc.months, th); got != tc.want {
			t.Errorf("%s: phase = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRecordBatchCollectsFailuresAndFlushesOnce(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})
	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		if strings.Contains(stmt, "OPTIONAL MATCH") {
			return previousColumns(), [][]any{{50, nil}}
		}
		return nil, nil
	})

	result, err := svc.RecordBatch(context.Background(), []MetricInput{
		{EntityID: "e1", Date: "2026-08-20", CitationCount: 60},
		{EntityID: "e2", Date: "not-a-date", CitationCount: 10},
		{EntityID: "e3", Date: "2026-08-20", CitationCount: 75},
		{EntityID: "", Date: "2026-08-20", CitationCount: 5},
	})
	if err != nil {
		t.Fatalf("RecordBatch failed: %v", err)
	}
	if result.Recorded != 2 {
		t.Errorf("recorded = %d, want 2", result.Recorded)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("failed = %d, want 2", len(result.Failed))
	}
	if result.Failed[0].EntityID != "e2" || !strings.Contains(result.Failed[0].Error, "invalid date") {
		t.Errorf("unexpected first failure: %+v", result.Failed[0])
	}

	if got := store.count("UNWIND $rows"); got != 1 {
		t.Errorf("expected 1 batch flush, got %d", got)
	}
	if got := store.count("{date: $date}"); got != 0 {
		t.Errorf("expected no single-row writes, got %d", got)
	}
	params := store.paramsFor("UNWIND $rows")
	rows, _ := params["rows"].([]any)
	if len(rows) != 2 {
		t.Errorf("flushed %d rows, want 2", len(rows))
	}
}

func TestGetHotTopicsSummary(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})
	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		if !strings.Contains(stmt, "latest.momentum >= $minMomentum") {
			return nil, nil
		}
		cols := []string{"entityId", "name", "citationCount", "velocity", "momentum", "phase"}
		return cols, [][]any{
			{"e1", "transformers", 900, 12.0, 40.0, "growing"},
			{"e2", "diffusion", 400, 6.0, 20.0, "emerging"},
			{"e3", "distillation", 150, 2.0, 10.0, "growing"},
		}
	})

	res, err := svc.GetHotTopics(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("GetHotTopics failed: %v", err)
	}
	if len(res.Topics) != 3 {
		t.Fatalf("expected 3 topics, got %d", len(res.Topics))
	}
	if res.Topics[0].Name != "transformers" || res.Topics[0].Phase != PhaseGrowing {
		t.Errorf("unexpected first topic: %+v", res.Topics[0])
	}
	// Emerging cut is 1.5x the minimum: momentum above 15.
	if res.TotalEmerging != 2 {
		t.Errorf("totalEmerging = %d, want 2", res.TotalEmerging)
	}
	if math.Abs(res.AvgMomentum-70.0/3) > 1e-9 {
		t.Errorf("avgMomentum = %v, want %v", res.AvgMomentum, 70.0/3)
	}

	params := store.paramsFor("latest.momentum >= $minMomentum")
	if params["limit"] != float64(5) || params["minMomentum"] != float64(10) {
		t.Errorf("unexpected query params: %v", params)
	}
}

func TestGetTimelineGranularities(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{})
	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		cols := []string{"date", "citationCount", "velocity", "momentum"}
		switch {
		case strings.Contains(stmt, "date.truncate('week'"):
			return cols, [][]any{{"2026-07-27", 12, 1.5, 6.0}}
		case strings.Contains(stmt, "date.truncate('month'"):
			return cols, [][]any{{"2026-07-01", 15, 1.2, 4.0}}
		case strings.Contains(stmt, "m.date AS date"):
			return cols, [][]any{
				{"2026-08-01", 10, 1.0, 5.0},
				{"2026-08-02", 12, 2.0, 20.0},
			}
		}
		return nil, nil
	})

	day, err := svc.GetTimeline(context.Background(), "e1", GranularityDay)
	if err != nil {
		t.Fatalf("day timeline failed: %v", err)
	}
	if len(day) != 2 || day[1].CitationCount != 12 || day[1].Momentum != 20 {
		t.Errorf("unexpected day timeline: %+v", day)
	}

	week, err := svc.GetTimeline(context.Background(), "e1", GranularityWeek)
	if err != nil {
		t.Fatalf("week timeline failed: %v", err)
	}
	if len(week) != 1 || week[0].Date != "2026-07-27" {
		t.Errorf("unexpected week timeline: %+v", week)
	}

	month, err := svc.GetTimeline(context.Background(), "e1", GranularityMonth)
	if err != nil {
		t.Fatalf("month timeline failed: %v", err)
	}
	if len(month) != 1 || month[0].CitationCount != 15 {
		t.Errorf("unexpected month timeline: %+v", month)
	}

	if _, err := svc.GetTimeline(context.Background(), "e1", "year"); err == nil {
		t.Error("expected error for unsupported granularity")
	}
	if _, err := svc.GetTimeline(context.Background(), "", GranularityDay); err == nil {
		t.Error("expected error for empty entity id")
	}
}

func TestCaptureTrendSnapshot(t *testing.T) {
	store := newFakeTrendStore(t)
	svc := newTrendService(t, store, ServiceConfig{SnapshotTopics: 3, SnapshotMinMomentum: 5})
	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		switch {
		case strings.Contains(stmt, "latest.phase AS phase, count(*)"):
			return []string{"phase", "n"}, [][]any{
				{"growing", 3},
				{"mature", 5},
			}
		case strings.Contains(stmt, "latest.momentum >= $minMomentum"):
			cols := []string{"entityId", "name", "citationCount", "velocity", "momentum", "phase"}
			return cols, [][]any{{"e1", "transformers", 900, 12.0, 40.0, "growing"}}
		}
		return nil, nil
	})

	snapshot, err := svc.CaptureTrendSnapshot(context.Background())
	if err != nil {
		t.Fatalf("CaptureTrendSnapshot failed: %v", err)
	}
	if snapshot.PhaseCounts["growing"] != 3 || snapshot.PhaseCounts["mature"] != 5 {
		t.Errorf("unexpected phase counts: %v", snapshot.PhaseCounts)
	}
	if len(snapshot.TopTopics) != 1 || snapshot.TopTopics[0].Name != "transformers" {
		t.Errorf("unexpected top topics: %+v", snapshot.TopTopics)
	}
	if snapshot.CapturedAt.IsZero() {
		t.Error("capture time not set")
	}

	if got := store.count("CREATE (s:TrendSnapshot"); got != 1 {
		t.Errorf("expected 1 snapshot write, got %d", got)
	}
	params := store.paramsFor("CREATE (s:TrendSnapshot")
	phases, _ := params["phases"].(string)
	if !strings.Contains(phases, `"growing":3`) {
		t.Errorf("snapshot phases not serialized: %q", phases)
	}

	if svc.Stats()["snapshots"] != int64(1) {
		t.Errorf("unexpected stats: %v", svc.Stats())
	}
}
