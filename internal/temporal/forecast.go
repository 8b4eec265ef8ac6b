package temporal

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/graph"
)

// ForecastMethod selects the projection model.
type ForecastMethod string

const (
	MethodSMA      ForecastMethod = "sma"
	MethodEMA      ForecastMethod = "ema"
	MethodWMA      ForecastMethod = "wma"
	MethodLinear   ForecastMethod = "linear"
	MethodEnsemble ForecastMethod = "ensemble"
)

// ForecastMethods lists the single-model methods.
var ForecastMethods = []ForecastMethod{MethodSMA, MethodEMA, MethodWMA, MethodLinear}

// Trend directions.
const (
	TrendUp     = "up"
	TrendStable = "stable"
	TrendDown   = "down"
)

// ForecasterConfig tunes the forecaster.
type ForecasterConfig struct {
	// WindowSize is the number of recent points the base value uses;
	// the input series covers twice this many days.
	WindowSize int
	// EMASmoothingFactor is the alpha of the EMA recurrence.
	EMASmoothingFactor float64
	// ForecastHorizon is how many days ahead to project.
	ForecastHorizon int
	// ConfidenceLevel selects the interval width multiplier.
	ConfidenceLevel float64
	// MinDataPoints is the minimum series length for a forecast.
	MinDataPoints int
	// SlopeUpThreshold and SlopeDownThreshold bound the stable trend
	// direction.
	SlopeUpThreshold   float64
	SlopeDownThreshold float64
}

// DefaultForecasterConfig returns the standard settings.
func DefaultForecasterConfig() ForecasterConfig {
	return ForecasterConfig{
		WindowSize:         14,
		EMASmoothingFactor: 0.3,
		ForecastHorizon:    7,
		ConfidenceLevel:    0.95,
		MinDataPoints:      5,
		SlopeUpThreshold:   0.5,
		SlopeDownThreshold: -0.5,
	}
}

// ForecastPoint is one projected day.
type ForecastPoint struct {
	Date       string  `json:"date"`
	Predicted  float64 `json:"predicted"`
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
}

// Forecast is a projection over an entity's citation series with its
// holdout validation scores.
type Forecast struct {
	EntityID       string          `json:"entity_id"`
	Method         ForecastMethod  `json:"method"`
	Predictions    []ForecastPoint `json:"predictions"`
	TrendDirection string          `json:"trend_direction"`
	Confidence     float64         `json:"confidence"`
	MAE            float64         `json:"mae"`
	RMSE           float64         `json:"rmse"`
	SampleCount    int             `json:"sample_count"`
}

// Forecaster projects citation series forward.
type Forecaster struct {
	tm     *graph.TransactionManager
	cfg    ForecasterConfig
	logger *zap.Logger
}

// NewForecaster creates a forecaster.
func NewForecaster(tm *graph.TransactionManager, cfg ForecasterConfig, logger *zap.Logger) *Forecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultForecasterConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.EMASmoothingFactor <= 0 || cfg.EMASmoothingFactor > 1 {
		cfg.EMASmoothingFactor = def.EMASmoothingFactor
	}
	if cfg.ForecastHorizon <= 0 {
		cfg.ForecastHorizon = def.ForecastHorizon
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = def.ConfidenceLevel
	}
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = def.MinDataPoints
	}
	if cfg.SlopeUpThreshold == 0 {
		cfg.SlopeUpThreshold = def.SlopeUpThreshold
	}
	if cfg.SlopeDownThreshold == 0 {
		cfg.SlopeDownThreshold = def.SlopeDownThreshold
	}
	return &Forecaster{
		tm:     tm,
		cfg:    cfg,
		logger: logger.Named("temporal.forecast"),
	}
}

// Forecast fetches the entity's recent series and projects it with the
// given method.
func (f *Forecaster) Forecast(ctx context.Context, entityID string, method ForecastMethod) (*Forecast, error) {
	series, err := f.fetchSeries(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return f.ForecastSeries(entityID, series, method)
}

// ForecastEnsemble fetches the entity's recent series and combines all
// methods, weighting each by its holdout accuracy.
func (f *Forecaster) ForecastEnsemble(ctx context.Context, entityID string) (*Forecast, error) {
	series, err := f.fetchSeries(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return f.EnsembleSeries(entityID, series)
}

// ForecastSeries projects an already-fetched series. A series shorter
// than MinDataPoints yields no predictions and confidence 0.
func (f *Forecaster) ForecastSeries(entityID string, series []TimelinePoint, method ForecastMethod) (*Forecast, error) {
	method = ForecastMethod(strings.ToLower(string(method)))
	if !validMethod(method) {
		return nil, fmt.Errorf("temporal: unknown forecast method %q", method)
	}

	values := seriesValues(series)
	n := len(values)
	if n < f.cfg.MinDataPoints {
		return &Forecast{
			EntityID:       entityID,
			Method:         method,
			Predictions:    []ForecastPoint{},
			TrendDirection: TrendStable,
			SampleCount:    n,
		}, nil
	}

	w := f.cfg.WindowSize
	if w > n {
		w = n
	}
	window := values[n-w:]
	base := f.baseValue(method, window)
	trend := slopeOf(window)
	sigma := stddev(values)
	z := zMultiplier(f.cfg.ConfidenceLevel)
	k := dampingFactor(method)

	lastDate, err := time.Parse(dateLayout, series[n-1].Date)
	if err != nil {
		lastDate = time.Now().UTC()
	}

	predictions := make([]ForecastPoint, 0, f.cfg.ForecastHorizon)
	for i := 1; i <= f.cfg.ForecastHorizon; i++ {
		pred := base + trend*float64(i)*k
		if pred < 0 {
			pred = 0
		}
		u := sigma * math.Sqrt(float64(i)/7) * z
		lower := pred - u
		if lower < 0 {
			lower = 0
		}
		predictions = append(predictions, ForecastPoint{
			Date:       lastDate.AddDate(0, 0, i).Format(dateLayout),
			Predicted:  pred,
			LowerBound: lower,
			UpperBound: pred + u,
		})
	}

	mae, rmse := f.holdout(values, method)
	forecast := &Forecast{
		EntityID:       entityID,
		Method:         method,
		Predictions:    predictions,
		TrendDirection: f.direction(trend),
		Confidence:     f.confidenceScore(n, rmse),
		MAE:            mae,
		RMSE:           rmse,
		SampleCount:    n,
	}
	f.logger.Debug("Forecast computed",
		zap.String("entity", entityID),
		zap.String("method", string(method)),
		zap.Int("samples", n),
		zap.String("direction", forecast.TrendDirection),
		zap.Float64("rmse", rmse))
	return forecast, nil
}

// EnsembleSeries combines every method's forecast for one series.
// Methods are weighted by 1/(RMSE+0.01), normalized; the direction is
// a majority vote with ties resolved to stable.
func (f *Forecaster) EnsembleSeries(entityID string, series []TimelinePoint) (*Forecast, error) {
	forecasts := make([]*Forecast, 0, len(ForecastMethods))
	for _, method := range ForecastMethods {
		fc, err := f.ForecastSeries(entityID, series, method)
		if err != nil {
			return nil, err
		}
		forecasts = append(forecasts, fc)
	}

	n := forecasts[0].SampleCount
	if len(forecasts[0].Predictions) == 0 {
		return &Forecast{
			EntityID:       entityID,
			Method:         MethodEnsemble,
			Predictions:    []ForecastPoint{},
			TrendDirection: TrendStable,
			SampleCount:    n,
		}, nil
	}

	weights := make([]float64, len(forecasts))
	var total float64
	for i, fc := range forecasts {
		weights[i] = 1 / (fc.RMSE + 0.01)
		total += weights[i]
	}
	for i := range weights {
		weights[i] /= total
	}

	steps := len(forecasts[0].Predictions)
	predictions := make([]ForecastPoint, steps)
	for step := 0; step < steps; step++ {
		point := ForecastPoint{Date: forecasts[0].Predictions[step].Date}
		for i, fc := range forecasts {
			point.Predicted += weights[i] * fc.Predictions[step].Predicted
			point.LowerBound += weights[i] * fc.Predictions[step].LowerBound
			point.UpperBound += weights[i] * fc.Predictions[step].UpperBound
		}
		predictions[step] = point
	}

	var confidence, mae, rmse float64
	votes := make(map[string]int)
	for i, fc := range forecasts {
		confidence += weights[i] * fc.Confidence
		mae += weights[i] * fc.MAE
		rmse += weights[i] * fc.RMSE
		votes[fc.TrendDirection]++
	}

	return &Forecast{
		EntityID:       entityID,
		Method:         MethodEnsemble,
		Predictions:    predictions,
		TrendDirection: majorityDirection(votes),
		Confidence:     confidence,
		MAE:            mae,
		RMSE:           rmse,
		SampleCount:    n,
	}, nil
}

func (f *Forecaster) fetchSeries(ctx context.Context, entityID string) ([]TimelinePoint, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("temporal: entity id is required")
	}
	since := time.Now().UTC().AddDate(0, 0, -2*f.cfg.WindowSize).Format(dateLayout)
	out, err := f.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, `MATCH (e {id: $entityId})-[:HAS_METRIC]->(m:TrendMetric)
WHERE m.date >= $since
RETURN m.date AS date, m.citation_count AS citationCount
ORDER BY date ASC`, map[string]any{"entityId": entityID, "since": since})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("temporal: fetch series: %w", err)
	}
	res, _ := out.(*graph.Result)
	if res == nil {
		return nil, nil
	}

	series := make([]TimelinePoint, 0, len(res.Records))
	for _, rec := range res.Records {
		series = append(series, TimelinePoint{
			Date:          recString(rec, "date"),
			CitationCount: int(recNum(rec, "citationCount")),
		})
	}
	return series, nil
}

// baseValue computes the method-specific level over the window.
func (f *Forecaster) baseValue(method ForecastMethod, window []float64) float64 {
	switch method {
	case MethodSMA:
		return mean(window)
	case MethodEMA:
		alpha := f.cfg.EMASmoothingFactor
		e := window[0]
		for _, x := range window[1:] {
			e = alpha*x + (1-alpha)*e
		}
		return e
	case MethodWMA:
		var num, den float64
		for i, x := range window {
			weight := float64(i + 1)
			num += weight * x
			den += weight
		}
		return num / den
	default:
		intercept, slope := linearFit(window)
		return intercept + slope*float64(len(window)-1)
	}
}

// holdout predicts the last few observed points one step ahead from a
// sliding window over the preceding samples.
func (f *Forecaster) holdout(values []float64, method ForecastMethod) (mae, rmse float64) {
	h := 5
	if h > len(values)-1 {
		h = len(values) - 1
	}
	if h <= 0 {
		return 0, 0
	}
	k := dampingFactor(method)
	var absSum, sqSum float64
	for j := len(values) - h; j < len(values); j++ {
		lo := j - f.cfg.WindowSize
		if lo < 0 {
			lo = 0
		}
		window := values[lo:j]
		pred := f.baseValue(method, window) + slopeOf(window)*k
		if pred < 0 {
			pred = 0
		}
		diff := pred - values[j]
		absSum += math.Abs(diff)
		sqSum += diff * diff
	}
	mae = absSum / float64(h)
	rmse = math.Sqrt(sqSum / float64(h))
	return mae, rmse
}

// confidenceScore averages data sufficiency with holdout accuracy,
// floored at 0.1.
func (f *Forecaster) confidenceScore(n int, rmse float64) float64 {
	sufficiency := float64(n) / float64(3*f.cfg.MinDataPoints)
	if sufficiency > 1 {
		sufficiency = 1
	}
	accuracy := 1 / (1 + rmse/100)
	confidence := (sufficiency + accuracy) / 2
	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func (f *Forecaster) direction(slope float64) string {
	switch {
	case slope > f.cfg.SlopeUpThreshold:
		return TrendUp
	case slope < f.cfg.SlopeDownThreshold:
		return TrendDown
	default:
		return TrendStable
	}
}

func majorityDirection(votes map[string]int) string {
	best, bestCount, tied := TrendStable, 0, false
	for _, dir := range []string{TrendUp, TrendStable, TrendDown} {
		switch count := votes[dir]; {
		case count > bestCount:
			best, bestCount, tied = dir, count, false
		case count == bestCount && count > 0:
			tied = true
		}
	}
	if tied {
		return TrendStable
	}
	return best
}

func validMethod(m ForecastMethod) bool {
	for _, known := range ForecastMethods {
		if m == known {
			return true
		}
	}
	return false
}

// dampingFactor tempers how strongly the trend extends into the
// horizon for each method.
func dampingFactor(m ForecastMethod) float64 {
	switch m {
	case MethodSMA:
		return 0.5
	case MethodEMA:
		return 0.8
	case MethodWMA:
		return 0.9
	default:
		return 1.0
	}
}

// zMultiplier maps a confidence level to its normal-distribution
// critical value.
func zMultiplier(level float64) float64 {
	switch {
	case level >= 0.99:
		return 2.576
	case level >= 0.95:
		return 1.96
	case level >= 0.90:
		return 1.645
	case level >= 0.80:
		return 1.282
	default:
		return 1.96
	}
}

func seriesValues(series []TimelinePoint) []float64 {
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = float64(p.CitationCount)
	}
	return values
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// linearFit least-squares a series indexed 0..n-1, returning intercept
// and slope.
func linearFit(ys []float64) (float64, float64) {
	if len(ys) == 0 {
		return 0, 0
	}
	if len(ys) == 1 {
		return ys[0], 0
	}
	n := float64(len(ys))
	var sx, sy, sxy, sxx float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return ys[0], 0
	}
	slope := (n*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / n
	return intercept, slope
}

func slopeOf(ys []float64) float64 {
	_, slope := linearFit(ys)
	return slope
}
