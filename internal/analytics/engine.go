// Package analytics computes performance grades, model comparisons, usage
// reports, and dashboard feeds over recorded traces.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

// Engine reads recorded traces and derives analytics views.
type Engine struct {
	store trace.Store
}

func NewEngine(store trace.Store) *Engine {
	return &Engine{store: store}
}

// PerformanceMetrics is the graded wrapper around raw trace metrics.
type PerformanceMetrics struct {
	Metrics         *trace.Metrics `json:"metrics"`
	Grade           string         `json:"grade"`
	Recommendations []string       `json:"recommendations"`
}

// GetPerformanceMetrics grades the filtered metric set A through F on error
// rate, average duration, and average first-token latency.
func (e *Engine) GetPerformanceMetrics(ctx context.Context, filter trace.Filter) (*PerformanceMetrics, error) {
	metrics, err := e.store.GetMetrics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("performance metrics: %w", err)
	}

	return &PerformanceMetrics{
		Metrics:         metrics,
		Grade:           gradeMetrics(metrics),
		Recommendations: recommendFrom(metrics),
	}, nil
}

func gradeMetrics(m *trace.Metrics) string {
	switch {
	case m.ErrorRate < 1 && m.AverageDurationMS < 2000 && m.AverageLatencyMS < 500:
		return "A"
	case m.ErrorRate < 5 && m.AverageDurationMS < 5000 && m.AverageLatencyMS < 1000:
		return "B"
	case m.ErrorRate < 10 && m.AverageDurationMS < 10000 && m.AverageLatencyMS < 2000:
		return "C"
	case m.ErrorRate < 20 && m.AverageDurationMS < 20000 && m.AverageLatencyMS < 5000:
		return "D"
	default:
		return "F"
	}
}

func recommendFrom(m *trace.Metrics) []string {
	recommendations := make([]string, 0, 4)
	if m.ErrorRate > 5 {
		recommendations = append(recommendations,
			fmt.Sprintf("Error rate is %.1f%%. Investigate the most frequent error codes and add retries for transient provider failures.", m.ErrorRate))
	}
	if m.AverageDurationMS > 10000 {
		recommendations = append(recommendations,
			fmt.Sprintf("Average duration is %.0fms. Consider a faster model or lower max_tokens for latency-sensitive paths.", m.AverageDurationMS))
	}
	if m.AverageLatencyMS > 2000 {
		recommendations = append(recommendations,
			fmt.Sprintf("Average first-token latency is %.0fms. Check provider region and connection reuse.", m.AverageLatencyMS))
	}
	if m.TotalTraces > 0 && m.StreamingRate < 50 {
		recommendations = append(recommendations,
			fmt.Sprintf("Only %.0f%% of requests stream. Streaming improves perceived latency for interactive callers.", m.StreamingRate))
	}
	return recommendations
}

// ModelPerformance is one model's aggregate over the analysis window.
type ModelPerformance struct {
	ModelID            string  `json:"model_id"`
	RequestCount       int64   `json:"request_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationMS      float64 `json:"avg_duration_ms"`
	AvgCost            float64 `json:"avg_cost"`
	TotalCost          float64 `json:"total_cost"`
	TotalTokens        int64   `json:"total_tokens"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`
	AvgQuality         float64 `json:"avg_quality,omitempty"`
	CostEfficiency     float64 `json:"cost_efficiency"`
	Recommendation     string  `json:"recommendation"`
}

// AnalyzeModelPerformance groups traces by model and rates each model
// excellent, good, fair, or poor. Results sort by popularity.
func (e *Engine) AnalyzeModelPerformance(ctx context.Context, from, to time.Time) ([]ModelPerformance, error) {
	traces, err := e.store.TracesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("analyze model performance: %w", err)
	}

	type modelAccum struct {
		requests     int64
		successes    int64
		durationSum  float64
		durationN    int64
		costSum      float64
		tokensSum    int64
		tpsSum       float64
		tpsN         int64
		qualitySum   float64
		qualityCount int64
	}

	byModel := make(map[string]*modelAccum)
	for _, row := range traces {
		accum := byModel[row.ModelID]
		if accum == nil {
			accum = &modelAccum{}
			byModel[row.ModelID] = accum
		}
		accum.requests++
		if row.Status == trace.StatusSuccess {
			accum.successes++
		}
		if row.DurationMS > 0 {
			accum.durationSum += float64(row.DurationMS)
			accum.durationN++
		}
		if row.Cost != nil {
			accum.costSum += row.Cost.Total
		}
		if row.Tokens != nil {
			accum.tokensSum += int64(row.Tokens.Total)
		}
		if row.TokensPerSecond > 0 {
			accum.tpsSum += row.TokensPerSecond
			accum.tpsN++
		}
		if row.QualityScore != nil {
			accum.qualitySum += *row.QualityScore
			accum.qualityCount++
		}
	}

	results := make([]ModelPerformance, 0, len(byModel))
	for modelID, accum := range byModel {
		perf := ModelPerformance{
			ModelID:      modelID,
			RequestCount: accum.requests,
			TotalCost:    accum.costSum,
			TotalTokens:  accum.tokensSum,
		}
		if accum.requests > 0 {
			perf.SuccessRate = float64(accum.successes) / float64(accum.requests) * 100
			perf.AvgCost = accum.costSum / float64(accum.requests)
		}
		if accum.durationN > 0 {
			perf.AvgDurationMS = accum.durationSum / float64(accum.durationN)
		}
		if accum.tpsN > 0 {
			perf.AvgTokensPerSecond = accum.tpsSum / float64(accum.tpsN)
		}
		if accum.qualityCount > 0 {
			perf.AvgQuality = accum.qualitySum / float64(accum.qualityCount)
		}
		if accum.tokensSum > 0 {
			perf.CostEfficiency = accum.costSum / float64(accum.tokensSum)
		}
		perf.Recommendation = rateModel(perf)
		results = append(results, perf)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].RequestCount != results[j].RequestCount {
			return results[i].RequestCount > results[j].RequestCount
		}
		return results[i].ModelID < results[j].ModelID
	})
	return results, nil
}

func rateModel(perf ModelPerformance) string {
	switch {
	case perf.SuccessRate >= 99 && perf.AvgDurationMS < 2000 && perf.CostEfficiency < 0.00002:
		return "excellent"
	case perf.SuccessRate >= 95 && perf.AvgDurationMS < 5000 && perf.CostEfficiency < 0.0001:
		return "good"
	case perf.SuccessRate >= 90 && perf.AvgDurationMS < 10000:
		return "fair"
	default:
		return "poor"
	}
}

// UsageReport totals a date range with per-model shares, a daily cost series,
// and an error breakdown.
type UsageReport struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	TotalRequests int64   `json:"total_requests"`
	UniqueUsers   int64   `json:"unique_users"`
	TotalCost     float64 `json:"total_cost"`
	TotalTokens   int64   `json:"total_tokens"`

	ModelUsage     []ModelShare     `json:"model_usage"`
	DailyCostTrend []DailyCostPoint `json:"daily_cost_trend"`
	CostTrend      string           `json:"cost_trend"`
	ErrorBreakdown []ErrorShare     `json:"error_breakdown"`
}

type ModelShare struct {
	ModelID  string  `json:"model_id"`
	Requests int64   `json:"requests"`
	SharePct float64 `json:"share_pct"`
}

type DailyCostPoint struct {
	Day  time.Time `json:"day"`
	Cost float64   `json:"cost"`
}

type ErrorShare struct {
	ErrorCode string  `json:"error_code"`
	Count     int64   `json:"count"`
	SharePct  float64 `json:"share_pct"`
}

func (e *Engine) GenerateUsageReport(ctx context.Context, from, to time.Time) (*UsageReport, error) {
	traces, err := e.store.TracesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("usage report: %w", err)
	}

	report := &UsageReport{From: from.UTC(), To: to.UTC()}
	users := make(map[string]struct{})
	modelRequests := make(map[string]int64)
	dailyCost := make(map[time.Time]float64)
	errorCounts := make(map[string]int64)
	var totalErrors int64

	for _, row := range traces {
		report.TotalRequests++
		if row.UserID != "" {
			users[row.UserID] = struct{}{}
		}
		if row.Cost != nil {
			report.TotalCost += row.Cost.Total
			dailyCost[dayOf(row.StartTime)] += row.Cost.Total
		}
		if row.Tokens != nil {
			report.TotalTokens += int64(row.Tokens.Total)
		}
		modelRequests[row.ModelID]++
		if row.Status == trace.StatusError {
			code := row.ErrorCode
			if code == "" {
				code = "unknown"
			}
			errorCounts[code]++
			totalErrors++
		}
	}
	report.UniqueUsers = int64(len(users))

	for modelID, requests := range modelRequests {
		share := ModelShare{ModelID: modelID, Requests: requests}
		if report.TotalRequests > 0 {
			share.SharePct = float64(requests) / float64(report.TotalRequests) * 100
		}
		report.ModelUsage = append(report.ModelUsage, share)
	}
	sort.Slice(report.ModelUsage, func(i, j int) bool {
		if report.ModelUsage[i].Requests != report.ModelUsage[j].Requests {
			return report.ModelUsage[i].Requests > report.ModelUsage[j].Requests
		}
		return report.ModelUsage[i].ModelID < report.ModelUsage[j].ModelID
	})

	days := make([]time.Time, 0, len(dailyCost))
	for day := range dailyCost {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	costSeries := make([]float64, 0, len(days))
	for _, day := range days {
		report.DailyCostTrend = append(report.DailyCostTrend, DailyCostPoint{Day: day, Cost: dailyCost[day]})
		costSeries = append(costSeries, dailyCost[day])
	}
	report.CostTrend = ClassifyTrend(costSeries)

	for code, count := range errorCounts {
		share := ErrorShare{ErrorCode: code, Count: count}
		if totalErrors > 0 {
			share.SharePct = float64(count) / float64(totalErrors) * 100
		}
		report.ErrorBreakdown = append(report.ErrorBreakdown, share)
	}
	sort.Slice(report.ErrorBreakdown, func(i, j int) bool {
		if report.ErrorBreakdown[i].Count != report.ErrorBreakdown[j].Count {
			return report.ErrorBreakdown[i].Count > report.ErrorBreakdown[j].Count
		}
		return report.ErrorBreakdown[i].ErrorCode < report.ErrorBreakdown[j].ErrorCode
	})

	return report, nil
}

// PerformanceInsights carries the daily latency/quality series and the
// top-prompt leaderboard.
type PerformanceInsights struct {
	Daily        []DailyInsight `json:"daily"`
	QualityTrend string         `json:"quality_trend"`
	LatencyTrend string         `json:"latency_trend"`
	TopPrompts   []PromptScore  `json:"top_prompts"`
	CostInsight  string         `json:"cost_insight,omitempty"`
}

type DailyInsight struct {
	Day               time.Time `json:"day"`
	Requests          int64     `json:"requests"`
	MeanLatencyMS     float64   `json:"mean_latency_ms"`
	P95LatencyMS      float64   `json:"p95_latency_ms"`
	RequestsPerHour   float64   `json:"requests_per_hour"`
	AvgQuality        float64   `json:"avg_quality,omitempty"`
	QualitySampleSize int64     `json:"quality_sample_size,omitempty"`
}

type PromptScore struct {
	PromptID   string  `json:"prompt_id"`
	Uses       int64   `json:"uses"`
	AvgQuality float64 `json:"avg_quality"`
}

func (e *Engine) GetPerformanceInsights(ctx context.Context, from, to time.Time) (*PerformanceInsights, error) {
	traces, err := e.store.TracesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("performance insights: %w", err)
	}

	type dayAccum struct {
		requests  int64
		latencies []float64
		quality   float64
		qualityN  int64
	}
	type promptAccum struct {
		uses     int64
		quality  float64
		qualityN int64
	}

	byDay := make(map[time.Time]*dayAccum)
	byPrompt := make(map[string]*promptAccum)
	type modelCost struct {
		cost float64
		n    int64
	}
	byModelCost := make(map[string]*modelCost)

	for _, row := range traces {
		day := dayOf(row.StartTime)
		accum := byDay[day]
		if accum == nil {
			accum = &dayAccum{}
			byDay[day] = accum
		}
		accum.requests++
		if row.FirstTokenLatencyMS > 0 {
			accum.latencies = append(accum.latencies, float64(row.FirstTokenLatencyMS))
		}
		if row.QualityScore != nil {
			accum.quality += *row.QualityScore
			accum.qualityN++
		}

		if row.PromptID != "" {
			prompt := byPrompt[row.PromptID]
			if prompt == nil {
				prompt = &promptAccum{}
				byPrompt[row.PromptID] = prompt
			}
			prompt.uses++
			if row.QualityScore != nil {
				prompt.quality += *row.QualityScore
				prompt.qualityN++
			}
		}

		if row.Cost != nil {
			mc := byModelCost[row.ModelID]
			if mc == nil {
				mc = &modelCost{}
				byModelCost[row.ModelID] = mc
			}
			mc.cost += row.Cost.Total
			mc.n++
		}
	}

	insights := &PerformanceInsights{}
	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	latencySeries := make([]float64, 0, len(days))
	qualitySeries := make([]float64, 0, len(days))
	for _, day := range days {
		accum := byDay[day]
		insight := DailyInsight{
			Day:             day,
			Requests:        accum.requests,
			MeanLatencyMS:   mean(accum.latencies),
			P95LatencyMS:    percentile95(accum.latencies),
			RequestsPerHour: float64(accum.requests) / 24,
		}
		if accum.qualityN > 0 {
			insight.AvgQuality = accum.quality / float64(accum.qualityN)
			insight.QualitySampleSize = accum.qualityN
			qualitySeries = append(qualitySeries, insight.AvgQuality)
		}
		latencySeries = append(latencySeries, insight.MeanLatencyMS)
		insights.Daily = append(insights.Daily, insight)
	}
	insights.LatencyTrend = ClassifyTrend(latencySeries)
	insights.QualityTrend = ClassifyTrend(qualitySeries)

	for promptID, accum := range byPrompt {
		if accum.qualityN == 0 {
			continue
		}
		insights.TopPrompts = append(insights.TopPrompts, PromptScore{
			PromptID:   promptID,
			Uses:       accum.uses,
			AvgQuality: accum.quality / float64(accum.qualityN),
		})
	}
	sort.Slice(insights.TopPrompts, func(i, j int) bool {
		if insights.TopPrompts[i].AvgQuality != insights.TopPrompts[j].AvgQuality {
			return insights.TopPrompts[i].AvgQuality > insights.TopPrompts[j].AvgQuality
		}
		return insights.TopPrompts[i].PromptID < insights.TopPrompts[j].PromptID
	})
	if len(insights.TopPrompts) > 10 {
		insights.TopPrompts = insights.TopPrompts[:10]
	}

	var worstModel string
	var worstAvg float64
	for modelID, mc := range byModelCost {
		if mc.n == 0 {
			continue
		}
		avg := mc.cost / float64(mc.n)
		if avg > worstAvg {
			worstAvg = avg
			worstModel = modelID
		}
	}
	if worstModel != "" {
		insights.CostInsight = fmt.Sprintf("%s has the highest average cost per request ($%.4f). Review whether a cheaper model could serve part of its traffic.", worstModel, worstAvg)
	}

	return insights, nil
}

// percentile95 is the sorted-array index convention ceil(n*0.95)-1.
func percentile95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	index := int(math.Ceil(float64(len(sorted))*0.95)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// Dashboard alert severities.
const (
	AlertError   = "error"
	AlertWarning = "warning"
)

type DashboardAlert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// DashboardData is the composed real-time view.
type DashboardData struct {
	Live          *trace.LiveSnapshot `json:"live"`
	TodayRequests int64               `json:"today_requests"`
	TodayCost     float64             `json:"today_cost"`
	TodayQuality  float64             `json:"today_quality,omitempty"`
	TopModel      string              `json:"top_model,omitempty"`
	Alerts        []DashboardAlert    `json:"alerts"`
}

func (e *Engine) GetDashboardData(ctx context.Context) (*DashboardData, error) {
	live, err := e.store.LiveTraces(ctx, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("dashboard live feed: %w", err)
	}

	dayStart := dayOf(time.Now().UTC())
	traces, err := e.store.TracesInRange(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("dashboard day aggregates: %w", err)
	}

	data := &DashboardData{Live: live, Alerts: []DashboardAlert{}}
	modelCounts := make(map[string]int64)
	var qualitySum float64
	var qualityN int64
	var errored int64
	var latencySum float64
	var latencyN int64

	for _, row := range traces {
		data.TodayRequests++
		if row.Cost != nil {
			data.TodayCost += row.Cost.Total
		}
		if row.QualityScore != nil {
			qualitySum += *row.QualityScore
			qualityN++
		}
		if row.Status == trace.StatusError {
			errored++
		}
		if row.FirstTokenLatencyMS > 0 {
			latencySum += float64(row.FirstTokenLatencyMS)
			latencyN++
		}
		modelCounts[row.ModelID]++
	}
	if qualityN > 0 {
		data.TodayQuality = qualitySum / float64(qualityN)
	}

	var topCount int64
	for modelID, count := range modelCounts {
		if count > topCount || (count == topCount && modelID < data.TopModel) {
			topCount = count
			data.TopModel = modelID
		}
	}

	if data.TodayRequests > 0 {
		errorRate := float64(errored) / float64(data.TodayRequests) * 100
		if errorRate > 10 {
			data.Alerts = append(data.Alerts, DashboardAlert{
				Severity: AlertError,
				Message:  fmt.Sprintf("Error rate today is %.1f%%", errorRate),
			})
		}
	}
	if latencyN > 0 {
		avgLatency := latencySum / float64(latencyN)
		if avgLatency > 5000 {
			data.Alerts = append(data.Alerts, DashboardAlert{
				Severity: AlertWarning,
				Message:  fmt.Sprintf("Average first-token latency today is %.0fms", avgLatency),
			})
		}
	}

	return data, nil
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
