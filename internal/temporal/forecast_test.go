package temporal

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/scholar-graph-pipeline/internal/graph"
)

func newForecaster(t *testing.T, cfg ForecasterConfig) *Forecaster {
	t.Helper()
	return NewForecaster(nil, cfg, zaptest.NewLogger(t))
}

// dailySeries builds consecutive daily points starting at start.
func dailySeries(t *testing.T, start string, counts ...int) []TimelinePoint {
	t.Helper()
	day, err := time.Parse(dateLayout, start)
	if err != nil {
		t.Fatalf("bad start date: %v", err)
	}
	series := make([]TimelinePoint, len(counts))
	for i, c := range counts {
		series[i] = TimelinePoint{
			Date:          day.AddDate(0, 0, i).Format(dateLayout),
			CitationCount: c,
		}
	}
	return series
}

func risingCounts(start, step, n int) []int {
	counts := make([]int, n)
	for i := range counts {
		counts[i] = start + step*i
	}
	return counts
}

func TestForecastSeriesInsufficientData(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	series := dailySeries(t, "2026-08-01", 10, 11, 12)

	fc, err := f.ForecastSeries("e1", series, MethodLinear)
	if err != nil {
		t.Fatalf("ForecastSeries failed: %v", err)
	}
	if len(fc.Predictions) != 0 {
		t.Errorf("expected no predictions, got %d", len(fc.Predictions))
	}
	if fc.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", fc.Confidence)
	}
	if fc.SampleCount != 3 {
		t.Errorf("sampleCount = %d, want 3", fc.SampleCount)
	}
}

func TestForecastSeriesLinearRisingTrend(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	values := risingCounts(10, 2, 20)
	series := dailySeries(t, "2026-08-01", values...)

	fc, err := f.ForecastSeries("e1", series, MethodLinear)
	if err != nil {
		t.Fatalf("ForecastSeries failed: %v", err)
	}
	if len(fc.Predictions) != 7 {
		t.Fatalf("expected 7 predictions, got %d", len(fc.Predictions))
	}
	if fc.TrendDirection != TrendUp {
		t.Errorf("direction = %q, want up", fc.TrendDirection)
	}

	// A perfectly linear series: one-step holdout predictions are exact.
	floats := make([]float64, len(values))
	for i, v := range values {
		floats[i] = float64(v)
	}
	if fc.RMSE > stddev(floats) {
		t.Errorf("holdout RMSE %v exceeds historical stddev %v", fc.RMSE, stddev(floats))
	}
	if fc.Confidence <= 0.3 {
		t.Errorf("confidence = %v, want > 0.3", fc.Confidence)
	}

	first := fc.Predictions[0]
	if math.Abs(first.Predicted-50) > 1e-9 {
		t.Errorf("first prediction = %v, want 50", first.Predicted)
	}
	if first.Date != "2026-08-21" {
		t.Errorf("first prediction date = %q, want 2026-08-21", first.Date)
	}
	if fc.Predictions[6].Predicted <= first.Predicted {
		t.Error("rising trend should project upward across the horizon")
	}
}

func TestForecastSeriesFallingTrendClampsAtZero(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	series := dailySeries(t, "2026-08-01", 30, 25, 20, 15, 10, 5)

	fc, err := f.ForecastSeries("e1", series, MethodLinear)
	if err != nil {
		t.Fatalf("ForecastSeries failed: %v", err)
	}
	if fc.TrendDirection != TrendDown {
		t.Errorf("direction = %q, want down", fc.TrendDirection)
	}
	for i, p := range fc.Predictions {
		if p.Predicted < 0 || p.LowerBound < 0 {
			t.Errorf("prediction %d went negative: %+v", i, p)
		}
	}
	last := fc.Predictions[len(fc.Predictions)-1]
	if last.Predicted != 0 {
		t.Errorf("steep decline should bottom out at zero, got %v", last.Predicted)
	}
}

func TestForecastSeriesStableSeries(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	series := dailySeries(t, "2026-08-01", 10, 10, 10, 10, 10, 10, 10, 10)

	fc, err := f.ForecastSeries("e1", series, MethodSMA)
	if err != nil {
		t.Fatalf("ForecastSeries failed: %v", err)
	}
	if fc.TrendDirection != TrendStable {
		t.Errorf("direction = %q, want stable", fc.TrendDirection)
	}
	if fc.RMSE != 0 {
		t.Errorf("constant series should hold out exactly, RMSE = %v", fc.RMSE)
	}
	for _, p := range fc.Predictions {
		if p.Predicted != 10 {
			t.Errorf("constant series should project flat, got %v", p.Predicted)
		}
	}
}

func TestForecastSeriesMethodDamping(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	series := dailySeries(t, "2026-08-01", risingCounts(10, 2, 20)...)

	sma, err := f.ForecastSeries("e1", series, MethodSMA)
	if err != nil {
		t.Fatalf("sma failed: %v", err)
	}
	linear, err := f.ForecastSeries("e1", series, "LINEAR")
	if err != nil {
		t.Fatalf("linear failed: %v", err)
	}
	// SMA starts from the window mean with a dampened trend, so on a
	// rising series it projects below the linear fit.
	if sma.Predictions[0].Predicted >= linear.Predictions[0].Predicted {
		t.Errorf("sma %v should be below linear %v on a rising series",
			sma.Predictions[0].Predicted, linear.Predictions[0].Predicted)
	}
	if linear.Method != MethodLinear {
		t.Errorf("method not normalized: %q", linear.Method)
	}

	if _, err := f.ForecastSeries("e1", series, "prophet"); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestForecastSeriesUncertaintyWidens(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	series := dailySeries(t, "2026-08-01", 10, 14, 9, 16, 12, 18, 11, 20)

	fc, err := f.ForecastSeries("e1", series, MethodEMA)
	if err != nil {
		t.Fatalf("ForecastSeries failed: %v", err)
	}
	firstBand := fc.Predictions[0].UpperBound - fc.Predictions[0].LowerBound
	lastBand := fc.Predictions[6].UpperBound - fc.Predictions[6].LowerBound
	if lastBand <= firstBand {
		t.Errorf("uncertainty should widen with the horizon: first %v, last %v", firstBand, lastBand)
	}
}

func TestConfidenceScoreBounds(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})

	if got := f.confidenceScore(1, 1e9); got != 0.1 {
		t.Errorf("tiny sample with huge error should floor at 0.1, got %v", got)
	}
	if got := f.confidenceScore(100, 0); got != 1 {
		t.Errorf("ample data with exact holdout should cap at 1, got %v", got)
	}
}

func TestEnsembleSeriesCombines(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	series := dailySeries(t, "2026-08-01", risingCounts(10, 2, 20)...)

	fc, err := f.EnsembleSeries("e1", series)
	if err != nil {
		t.Fatalf("EnsembleSeries failed: %v", err)
	}
	if fc.Method != MethodEnsemble {
		t.Errorf("method = %q, want ensemble", fc.Method)
	}
	if fc.TrendDirection != TrendUp {
		t.Errorf("direction = %q, want up", fc.TrendDirection)
	}
	if len(fc.Predictions) != 7 {
		t.Fatalf("expected 7 predictions, got %d", len(fc.Predictions))
	}
	// The linear model holds out exactly on a perfect line, so its
	// weight dominates and the ensemble tracks its projection.
	if fc.Predictions[0].Predicted <= 49 {
		t.Errorf("ensemble first step = %v, want near the linear 50", fc.Predictions[0].Predicted)
	}
	if fc.SampleCount != 20 {
		t.Errorf("sampleCount = %d, want 20", fc.SampleCount)
	}
}

func TestEnsembleSeriesInsufficientData(t *testing.T) {
	f := newForecaster(t, ForecasterConfig{})
	fc, err := f.EnsembleSeries("e1", dailySeries(t, "2026-08-01", 5, 6))
	if err != nil {
		t.Fatalf("EnsembleSeries failed: %v", err)
	}
	if len(fc.Predictions) != 0 || fc.Confidence != 0 {
		t.Errorf("expected empty ensemble forecast, got %+v", fc)
	}
}

func TestMajorityDirection(t *testing.T) {
	cases := []struct {
		votes map[string]int
		want  string
	}{
		{map[string]int{TrendUp: 3, TrendDown: 1}, TrendUp},
		{map[string]int{TrendUp: 2, TrendDown: 2}, TrendStable},
		{map[string]int{TrendDown: 3, TrendStable: 1}, TrendDown},
		{map[string]int{}, TrendStable},
	}
	for i, tc := range cases {
		if got := majorityDirection(tc.votes); got != tc.want {
			t.Errorf("case %d: direction = %q, want %q", i, got, tc.want)
		}
	}
}

func TestForecastFetchesSeries(t *testing.T) {
	store := newFakeTrendStore(t)
	logger := zaptest.NewLogger(t)
	conn := graph.NewConnection(graph.Config{URI: store.srv.URL, Database: "neo4j"}, logger)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	f := NewForecaster(graph.NewTransactionManager(conn, logger), ForecasterConfig{}, logger)

	store.setRespond(func(stmt string, params map[string]any) ([]string, [][]any) {
		if !strings.Contains(stmt, "WHERE m.date >= $since") {
			return nil, nil
		}
		cols := []string{"date", "citationCount"}
		rows := make([][]any, 0, 6)
		day, _ := time.Parse(dateLayout, "2026-08-10")
		for i := 0; i < 6; i++ {
			rows = append(rows, []any{day.AddDate(0, 0, i).Format(dateLayout), 10 + i*3})
		}
		return cols, rows
	})

	fc, err := f.Forecast(context.Background(), "e1", MethodWMA)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if fc.SampleCount != 6 {
		t.Errorf("sampleCount = %d, want 6", fc.SampleCount)
	}
	if len(fc.Predictions) != 7 {
		t.Errorf("expected 7 predictions, got %d", len(fc.Predictions))
	}
	params := store.paramsFor("WHERE m.date >= $since")
	if params["entityId"] != "e1" || params["since"] == nil {
		t.Errorf("unexpected series query params: %v", params)
	}

	if _, err := f.Forecast(context.Background(), "", MethodSMA); err == nil {
		t.Error("expected error for empty entity id")
	}
}
