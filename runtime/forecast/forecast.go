// Package forecast derives cost forecasts, trend classifications and per-type
// cost breakdowns from historical trace records. The forecaster is a pure
// consumer: it reads persisted records through the Store interface and never
// stores anything itself.
package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

// Confidence qualifies a forecast by sample size and dispersion.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Trend classifies the recent direction of per-query cost.
type Trend string

const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// historyCap bounds how many recent traces one forecast consumes.
const historyCap = 1000

type (
	// Store lists persisted trace records for a workflow, most recent first.
	Store interface {
		ListTraces(ctx context.Context, workflowID string, limit int) ([]trace.Record, error)
	}

	// Result is a derived cost forecast; it is never stored.
	Result struct {
		WorkflowID      string     `json:"workflow_id"`
		ExpectedQueries int        `json:"expected_queries"`
		AvgCost         float64    `json:"avg_cost_per_query"`
		MedianCost      float64    `json:"median_cost_per_query"`
		MinCost         float64    `json:"min_cost_per_query"`
		MaxCost         float64    `json:"max_cost_per_query"`
		StdDev          float64    `json:"std_dev"`
		ForecastTotal   float64    `json:"forecast_total"`
		ForecastDaily   float64    `json:"forecast_daily"`
		ForecastMonthly float64    `json:"forecast_monthly"`
		P25             float64    `json:"p25"`
		P50             float64    `json:"p50"`
		P75             float64    `json:"p75"`
		Confidence      Confidence `json:"confidence"`
		SampleSize      int        `json:"sample_size"`
	}

	// TrendReport summarises per-day and per-week cost averages with a trend
	// classification.
	TrendReport struct {
		WorkflowID string             `json:"workflow_id"`
		Trend      Trend              `json:"trend"`
		Daily      map[string]float64 `json:"daily"`  // "2026-03-01" → avg cost
		Weekly     map[string]float64 `json:"weekly"` // "2026-W09" → avg cost
	}

	// TypeBreakdown aggregates span cost for one span type.
	TypeBreakdown struct {
		Cost       float64 `json:"cost"`
		Count      int     `json:"count"`
		Percentage float64 `json:"percentage"`
	}

	// Forecaster computes statistics over a workflow's trace history.
	Forecaster struct {
		store Store
		now   func() time.Time
	}

	// Option configures the Forecaster.
	Option func(*Forecaster)
)

// WithClock overrides the forecaster time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Forecaster) { f.now = now }
}

// New builds a Forecaster over the given trace store.
func New(store Store, opts ...Option) *Forecaster {
	f := &Forecaster{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForecastCost projects the cost of running expectedQueries over a window of
// days, based on the workflow's historical per-trace cost. Traces with zero or
// missing cost are dropped from the sample. An empty sample yields a zero
// forecast with confidence none.
func (f *Forecaster) ForecastCost(ctx context.Context, workflowID string, expectedQueries, days int, userID string) (Result, error) {
	if days <= 0 {
		days = 30
	}
	records, err := f.history(ctx, workflowID, userID, 0)
	if err != nil {
		return Result{}, err
	}

	costs := make([]float64, 0, len(records))
	for _, r := range records {
		if r.TotalCost > 0 {
			costs = append(costs, r.TotalCost)
		}
	}

	result := Result{
		WorkflowID:      workflowID,
		ExpectedQueries: expectedQueries,
		SampleSize:      len(costs),
		Confidence:      ConfidenceNone,
	}
	if len(costs) == 0 {
		return result, nil
	}

	sort.Float64s(costs)
	result.AvgCost = mean(costs)
	result.MedianCost = median(costs)
	result.MinCost = costs[0]
	result.MaxCost = costs[len(costs)-1]
	result.StdDev = sampleStdDev(costs, result.AvgCost)

	result.ForecastTotal = result.AvgCost * float64(expectedQueries)
	result.ForecastDaily = result.ForecastTotal / float64(days)
	result.ForecastMonthly = result.ForecastDaily * 30

	if len(costs) >= 4 {
		result.P25 = percentile(costs, 0.25)
		result.P50 = percentile(costs, 0.50)
		result.P75 = percentile(costs, 0.75)
	} else {
		result.P25 = result.MedianCost
		result.P50 = result.MedianCost
		result.P75 = result.MedianCost
	}

	result.Confidence = classifyConfidence(len(costs), result.AvgCost, result.StdDev)
	return result, nil
}

// AnalyzeCostTrends buckets the workflow's trace costs by calendar day and ISO
// week and classifies the recent trend: the mean of the latest seven days is
// compared to the preceding seven; a swing beyond ±10% is increasing or
// decreasing, anything inside the band is stable. Fewer than fourteen distinct
// days of data is insufficient.
func (f *Forecaster) AnalyzeCostTrends(ctx context.Context, workflowID string, days int) (TrendReport, error) {
	if days <= 0 {
		days = 30
	}
	records, err := f.history(ctx, workflowID, "", days)
	if err != nil {
		return TrendReport{}, err
	}

	type bucket struct {
		sum   float64
		count int
	}
	dayBuckets := make(map[string]*bucket)
	for _, r := range records {
		if r.TotalCost <= 0 {
			continue
		}
		day := r.StartedAt.UTC().Format("2006-01-02")
		b := dayBuckets[day]
		if b == nil {
			b = &bucket{}
			dayBuckets[day] = b
		}
		b.sum += r.TotalCost
		b.count++
	}

	report := TrendReport{
		WorkflowID: workflowID,
		Daily:      make(map[string]float64, len(dayBuckets)),
		Weekly:     make(map[string]float64),
	}
	weekBuckets := make(map[string]*bucket)
	for day, b := range dayBuckets {
		avg := b.sum / float64(b.count)
		report.Daily[day] = avg
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		year, week := t.ISOWeek()
		wk := fmt.Sprintf("%d-W%02d", year, week)
		wb := weekBuckets[wk]
		if wb == nil {
			wb = &bucket{}
			weekBuckets[wk] = wb
		}
		wb.sum += avg
		wb.count++
	}
	for wk, b := range weekBuckets {
		report.Weekly[wk] = b.sum / float64(b.count)
	}

	report.Trend = classifyTrend(report.Daily)
	return report, nil
}

// CostBreakdown sums span cost per span type over the window and reports each
// type's share of the grand total.
func (f *Forecaster) CostBreakdown(ctx context.Context, workflowID string, days int) (map[trace.SpanType]TypeBreakdown, error) {
	if days <= 0 {
		days = 30
	}
	records, err := f.history(ctx, workflowID, "", days)
	if err != nil {
		return nil, err
	}

	breakdown := make(map[trace.SpanType]TypeBreakdown)
	var grand float64
	for _, r := range records {
		for _, s := range r.Spans {
			if s.Cost <= 0 {
				continue
			}
			entry := breakdown[s.Type]
			entry.Cost += s.Cost
			entry.Count++
			breakdown[s.Type] = entry
			grand += s.Cost
		}
	}
	if grand > 0 {
		for typ, entry := range breakdown {
			entry.Percentage = entry.Cost / grand * 100
			breakdown[typ] = entry
		}
	}
	return breakdown, nil
}

// history fetches and filters the workflow's recent records. days of zero
// disables the time filter.
func (f *Forecaster) history(ctx context.Context, workflowID, userID string, days int) ([]trace.Record, error) {
	records, err := f.store.ListTraces(ctx, workflowID, historyCap)
	if err != nil {
		return nil, fmt.Errorf("list traces for %q: %w", workflowID, err)
	}
	var cutoff time.Time
	if days > 0 {
		cutoff = f.now().AddDate(0, 0, -days)
	}
	filtered := records[:0]
	for _, r := range records {
		if userID != "" && r.UserID != userID {
			continue
		}
		if !cutoff.IsZero() && r.StartedAt.Before(cutoff) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// classifyConfidence applies the sample-size and dispersion ladder.
func classifyConfidence(n int, avg, stdev float64) Confidence {
	var cv float64
	if avg > 0 {
		cv = stdev / avg
	}
	switch {
	case n < 10:
		return ConfidenceLow
	case n < 50:
		return ConfidenceMedium
	case n < 100:
		if cv > 0.5 {
			return ConfidenceMedium
		}
		return ConfidenceHigh
	default:
		if cv > 0.3 {
			return ConfidenceMedium
		}
		return ConfidenceHigh
	}
}

// classifyTrend compares the latest seven daily averages to the preceding
// seven.
func classifyTrend(daily map[string]float64) Trend {
	if len(daily) < 14 {
		return TrendInsufficientData
	}
	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)

	recent := days[len(days)-7:]
	previous := days[len(days)-14 : len(days)-7]
	var recentSum, previousSum float64
	for _, d := range recent {
		recentSum += daily[d]
	}
	for _, d := range previous {
		previousSum += daily[d]
	}
	recentAvg := recentSum / 7
	previousAvg := previousSum / 7
	if previousAvg == 0 {
		return TrendStable
	}
	ratio := recentAvg / previousAvg
	switch {
	case ratio >= 1.1:
		return TrendIncreasing
	case ratio <= 0.9:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// mean of a non-empty sample.
func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median of a sorted non-empty sample.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sampleStdDev of a sample; zero when n < 2.
func sampleStdDev(values []float64, avg float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - avg
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}

// percentile indexes into a sorted sample.
func percentile(sorted []float64, p float64) float64 {
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
