// Package aggregate runs the batch rollup passes. Every pass is idempotent:
// rows upsert on their natural key (entity plus period boundaries), so
// re-running a pass for the same window rewrites the same rows.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

// Summary reports what one pass touched. Failures count entities whose
// upsert failed; a pass never aborts on a single entity.
type Summary struct {
	Pass      string `json:"pass"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Periods   int    `json:"periods"`
}

// Service computes rollups from raw traces.
type Service struct {
	store  trace.Store
	logger *slog.Logger
}

func NewService(store trace.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// RunAll executes every pass for the given reference time: daily usage, user
// activity, and prompt performance for ref's day, model statistics and cost
// analysis for ref's hour and day.
func (s *Service) RunAll(ctx context.Context, ref time.Time) []Summary {
	summaries := make([]Summary, 0, 7)

	run := func(pass string, fn func() (*Summary, error)) {
		summary, err := fn()
		if err != nil {
			s.logger.Error("aggregation pass failed", slog.String("pass", pass), slog.Any("error", err))
			summaries = append(summaries, Summary{Pass: pass, Failed: 1})
			return
		}
		summaries = append(summaries, *summary)
	}

	run("daily_usage", func() (*Summary, error) { return s.AggregateDailyUsage(ctx, ref) })
	run("model_statistics_hour", func() (*Summary, error) { return s.AggregateModelStatistics(ctx, trace.PeriodHour, ref) })
	run("model_statistics_day", func() (*Summary, error) { return s.AggregateModelStatistics(ctx, trace.PeriodDay, ref) })
	run("cost_analysis_day", func() (*Summary, error) { return s.AggregateCostAnalysis(ctx, trace.PeriodDay, ref) })
	run("user_activity", func() (*Summary, error) { return s.AggregateUserActivity(ctx, ref) })
	run("prompt_performance", func() (*Summary, error) { return s.AggregatePromptPerformance(ctx, ref) })

	return summaries
}

// AggregateDailyUsage rolls the day containing ref into one
// usage_analytics_daily row. A day with no traces still upserts a zero row so
// downstream consumers see an explicit empty day.
func (s *Service) AggregateDailyUsage(ctx context.Context, ref time.Time) (*Summary, error) {
	day := dayOf(ref)
	traces, err := s.store.TracesInRange(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("aggregate daily usage: %w", err)
	}

	row := &trace.DailyUsage{Day: day}
	users := make(map[string]struct{})
	for _, item := range traces {
		row.TotalRequests++
		if item.UserID != "" {
			users[item.UserID] = struct{}{}
		}
		if item.Cost != nil {
			row.TotalCost += item.Cost.Total
		}
		if item.Tokens != nil {
			row.TotalTokens += int64(item.Tokens.Total)
		}
		if item.Status == trace.StatusError {
			row.ErrorCount++
		}
	}
	row.UniqueUsers = int64(len(users))

	if err := s.store.UpsertDailyUsage(ctx, row); err != nil {
		return nil, fmt.Errorf("aggregate daily usage: %w", err)
	}
	return &Summary{Pass: "daily_usage", Processed: len(traces), Periods: 1}, nil
}

// AggregateModelStatistics rolls one period (hour, day, Sunday-start week, or
// month) into one model_usage_statistics row per model. Quality buckets use
// the 0-1 scale: excellent >= 0.9, good [0.7, 0.9), fair [0.5, 0.7),
// poor < 0.5.
func (s *Service) AggregateModelStatistics(ctx context.Context, periodType string, ref time.Time) (*Summary, error) {
	start, end, err := PeriodBounds(periodType, ref)
	if err != nil {
		return nil, err
	}

	traces, err := s.store.TracesInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregate model statistics: %w", err)
	}

	type accum struct {
		requests    int64
		successes   int64
		errors      int64
		durationSum float64
		durationN   int64
		tpsSum      float64
		tpsN        int64
		cost        float64
		tokens      int64
		excellent   int64
		good        int64
		fair        int64
		poor        int64
		errorCodes  map[string]int64
	}

	byModel := make(map[string]*accum)
	for _, item := range traces {
		a := byModel[item.ModelID]
		if a == nil {
			a = &accum{errorCodes: make(map[string]int64)}
			byModel[item.ModelID] = a
		}
		a.requests++
		switch item.Status {
		case trace.StatusSuccess:
			a.successes++
		case trace.StatusError:
			a.errors++
			code := item.ErrorCode
			if code == "" {
				code = "unknown"
			}
			a.errorCodes[code]++
		}
		if item.DurationMS > 0 {
			a.durationSum += float64(item.DurationMS)
			a.durationN++
		}
		if item.TokensPerSecond > 0 {
			a.tpsSum += item.TokensPerSecond
			a.tpsN++
		}
		if item.Cost != nil {
			a.cost += item.Cost.Total
		}
		if item.Tokens != nil {
			a.tokens += int64(item.Tokens.Total)
		}
		if item.QualityScore != nil {
			switch q := *item.QualityScore; {
			case q >= 0.9:
				a.excellent++
			case q >= 0.7:
				a.good++
			case q >= 0.5:
				a.fair++
			default:
				a.poor++
			}
		}
	}

	summary := &Summary{Pass: "model_statistics", Periods: 1}
	for modelID, a := range byModel {
		row := &trace.ModelStatistics{
			ModelID:          modelID,
			PeriodType:       periodType,
			PeriodStart:      start,
			PeriodEnd:        end,
			RequestCount:     a.requests,
			SuccessCount:     a.successes,
			ErrorCount:       a.errors,
			TotalCost:        a.cost,
			TotalTokens:      a.tokens,
			QualityExcellent: a.excellent,
			QualityGood:      a.good,
			QualityFair:      a.fair,
			QualityPoor:      a.poor,
			TopErrorCodes:    topErrorCodes(a.errorCodes, 5),
		}
		if a.requests > 0 {
			row.SuccessRate = float64(a.successes) / float64(a.requests) * 100
			row.ErrorRate = float64(a.errors) / float64(a.requests) * 100
			row.CostPerRequest = a.cost / float64(a.requests)
		}
		if a.durationN > 0 {
			row.AvgResponseTimeMS = a.durationSum / float64(a.durationN)
		}
		if a.tpsN > 0 {
			row.AvgTokensPerSecond = a.tpsSum / float64(a.tpsN)
		}
		if a.tokens > 0 {
			row.CostPerToken = a.cost / float64(a.tokens)
		}

		if err := s.store.UpsertModelStatistics(ctx, row); err != nil {
			summary.Failed++
			s.logger.Warn("model statistics upsert failed",
				slog.String("model_id", modelID), slog.Any("error", err))
			continue
		}
		summary.Processed++
	}

	return summary, nil
}

func topErrorCodes(counts map[string]int64, limit int) []trace.ErrorCodeCount {
	codes := make([]trace.ErrorCodeCount, 0, len(counts))
	for code, count := range counts {
		codes = append(codes, trace.ErrorCodeCount{Code: code, Count: count})
	}
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].Count != codes[j].Count {
			return codes[i].Count > codes[j].Count
		}
		return codes[i].Code < codes[j].Code
	})
	if len(codes) > limit {
		codes = codes[:limit]
	}
	return codes
}

// AggregateCostAnalysis rolls one period into a cost_analysis_summary row
// with per-model and per-user cost maps, optimization recommendations, and a
// naive ten-percent-growth forecast.
func (s *Service) AggregateCostAnalysis(ctx context.Context, periodType string, ref time.Time) (*Summary, error) {
	start, end, err := PeriodBounds(periodType, ref)
	if err != nil {
		return nil, err
	}

	traces, err := s.store.TracesInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregate cost analysis: %w", err)
	}

	row := &trace.CostAnalysis{
		PeriodType:  periodType,
		PeriodStart: start,
		PeriodEnd:   end,
		ModelCosts:  make(map[string]float64),
		UserCosts:   make(map[string]float64),
	}
	for _, item := range traces {
		row.TotalRequests++
		if item.Cost == nil {
			continue
		}
		row.TotalCost += item.Cost.Total
		row.ModelCosts[item.ModelID] += item.Cost.Total
		if item.UserID != "" {
			row.UserCosts[item.UserID] += item.Cost.Total
		}
	}

	row.Recommendations = costRecommendations(row)
	row.ForecastNextPeriod = row.TotalCost * 1.10

	if err := s.store.UpsertCostAnalysis(ctx, row); err != nil {
		return nil, fmt.Errorf("aggregate cost analysis: %w", err)
	}
	return &Summary{Pass: "cost_analysis", Processed: len(traces), Periods: 1}, nil
}

func costRecommendations(row *trace.CostAnalysis) []trace.CostRecommendation {
	recommendations := make([]trace.CostRecommendation, 0, 3)

	var topModel string
	var topModelCost float64
	for modelID, cost := range row.ModelCosts {
		if cost > topModelCost || (cost == topModelCost && modelID < topModel) {
			topModel = modelID
			topModelCost = cost
		}
	}
	if topModel != "" && row.TotalCost > 0 && topModelCost/row.TotalCost > 0.5 {
		recommendations = append(recommendations, trace.CostRecommendation{
			Type:             "model_swap",
			Description:      fmt.Sprintf("%s drives %.0f%% of period spend. Evaluate a cheaper model for part of its traffic.", topModel, topModelCost/row.TotalCost*100),
			EstimatedSavings: topModelCost * 0.3,
		})
	}

	var topUser string
	var topUserCost float64
	for userID, cost := range row.UserCosts {
		if cost > topUserCost || (cost == topUserCost && userID < topUser) {
			topUser = userID
			topUserCost = cost
		}
	}
	if topUser != "" && row.TotalCost > 0 && topUserCost/row.TotalCost > 0.25 {
		recommendations = append(recommendations, trace.CostRecommendation{
			Type:             "user_caching",
			Description:      fmt.Sprintf("User %s drives %.0f%% of period spend. Response caching could cut their repeat calls.", topUser, topUserCost/row.TotalCost*100),
			EstimatedSavings: topUserCost * 0.2,
		})
	}

	if row.TotalCost > 1000 {
		recommendations = append(recommendations, trace.CostRecommendation{
			Type:             "batch_processing",
			Description:      "Period spend exceeds $1000. Batching non-interactive requests typically reduces cost.",
			EstimatedSavings: row.TotalCost * 0.15,
		})
	}

	return recommendations
}

// AggregateUserActivity rolls the day containing ref into one
// user_activity_metrics row per user. The peak usage hour comes from the
// actual trace timestamps.
func (s *Service) AggregateUserActivity(ctx context.Context, ref time.Time) (*Summary, error) {
	day := dayOf(ref)
	traces, err := s.store.TracesInRange(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("aggregate user activity: %w", err)
	}

	type accum struct {
		requests  int64
		cost      float64
		tokens    int64
		models    map[string]int64
		hourCount [24]int64
	}

	byUser := make(map[string]*accum)
	for _, item := range traces {
		if item.UserID == "" {
			continue
		}
		a := byUser[item.UserID]
		if a == nil {
			a = &accum{models: make(map[string]int64)}
			byUser[item.UserID] = a
		}
		a.requests++
		if item.Cost != nil {
			a.cost += item.Cost.Total
		}
		if item.Tokens != nil {
			a.tokens += int64(item.Tokens.Total)
		}
		a.models[item.ModelID]++
		a.hourCount[item.StartTime.UTC().Hour()]++
	}

	summary := &Summary{Pass: "user_activity", Periods: 1}
	for userID, a := range byUser {
		row := &trace.UserActivity{
			UserID:         userID,
			Day:            day,
			RequestCount:   a.requests,
			TotalCost:      a.cost,
			TotalTokens:    a.tokens,
			DistinctModels: int64(len(a.models)),
		}

		var topCount int64
		for modelID, count := range a.models {
			if count > topCount || (count == topCount && modelID < row.TopModel) {
				topCount = count
				row.TopModel = modelID
			}
		}

		peakHour, peakCount := 0, int64(0)
		for hour, count := range a.hourCount {
			if count > peakCount {
				peakHour, peakCount = hour, count
			}
		}
		if peakCount > 0 {
			row.PeakUsageHour = &peakHour
		}

		if err := s.store.UpsertUserActivity(ctx, row); err != nil {
			summary.Failed++
			s.logger.Warn("user activity upsert failed",
				slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		summary.Processed++
	}

	return summary, nil
}

// AggregatePromptPerformance rolls the day containing ref into one
// prompt_performance_trends row per prompt.
func (s *Service) AggregatePromptPerformance(ctx context.Context, ref time.Time) (*Summary, error) {
	day := dayOf(ref)
	traces, err := s.store.TracesInRange(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("aggregate prompt performance: %w", err)
	}

	type accum struct {
		uses        int64
		users       map[string]struct{}
		cost        float64
		durationSum float64
		durationN   int64
		successes   int64
		quality     float64
		qualityN    int64
		models      map[string]int64
	}

	byPrompt := make(map[string]*accum)
	for _, item := range traces {
		if item.PromptID == "" {
			continue
		}
		a := byPrompt[item.PromptID]
		if a == nil {
			a = &accum{users: make(map[string]struct{}), models: make(map[string]int64)}
			byPrompt[item.PromptID] = a
		}
		a.uses++
		if item.UserID != "" {
			a.users[item.UserID] = struct{}{}
		}
		if item.Cost != nil {
			a.cost += item.Cost.Total
		}
		if item.DurationMS > 0 {
			a.durationSum += float64(item.DurationMS)
			a.durationN++
		}
		if item.Status == trace.StatusSuccess {
			a.successes++
		}
		if item.QualityScore != nil {
			a.quality += *item.QualityScore
			a.qualityN++
		}
		a.models[item.ModelID]++
	}

	summary := &Summary{Pass: "prompt_performance", Periods: 1}
	for promptID, a := range byPrompt {
		row := &trace.PromptPerformance{
			PromptID:    promptID,
			Day:         day,
			Uses:        a.uses,
			UniqueUsers: int64(len(a.users)),
			TotalCost:   a.cost,
			ModelUsage:  a.models,
		}
		if a.durationN > 0 {
			row.AvgDurationMS = a.durationSum / float64(a.durationN)
		}
		if a.uses > 0 {
			row.SuccessRate = float64(a.successes) / float64(a.uses) * 100
		}
		if a.qualityN > 0 {
			avgQuality := a.quality / float64(a.qualityN)
			row.AvgQuality = &avgQuality
		}

		if err := s.store.UpsertPromptPerformance(ctx, row); err != nil {
			summary.Failed++
			s.logger.Warn("prompt performance upsert failed",
				slog.String("prompt_id", promptID), slog.Any("error", err))
			continue
		}
		summary.Processed++
	}

	return summary, nil
}
