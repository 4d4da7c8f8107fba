package aggregate

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

type rollupStore struct {
	trace.Store

	rows []*trace.Trace

	failModelUpsert bool

	daily   []*trace.DailyUsage
	models  []*trace.ModelStatistics
	costs   []*trace.CostAnalysis
	users   []*trace.UserActivity
	prompts []*trace.PromptPerformance
}

func (s *rollupStore) TracesInRange(_ context.Context, from, to time.Time) ([]*trace.Trace, error) {
	matched := make([]*trace.Trace, 0, len(s.rows))
	for _, row := range s.rows {
		if !row.StartTime.Before(from) && row.StartTime.Before(to) {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

func (s *rollupStore) UpsertDailyUsage(_ context.Context, row *trace.DailyUsage) error {
	s.daily = append(s.daily, row)
	return nil
}

func (s *rollupStore) UpsertModelStatistics(_ context.Context, row *trace.ModelStatistics) error {
	if s.failModelUpsert {
		return errors.New("upsert failed")
	}
	s.models = append(s.models, row)
	return nil
}

func (s *rollupStore) UpsertCostAnalysis(_ context.Context, row *trace.CostAnalysis) error {
	s.costs = append(s.costs, row)
	return nil
}

func (s *rollupStore) UpsertUserActivity(_ context.Context, row *trace.UserActivity) error {
	s.users = append(s.users, row)
	return nil
}

func (s *rollupStore) UpsertPromptPerformance(_ context.Context, row *trace.PromptPerformance) error {
	s.prompts = append(s.prompts, row)
	return nil
}

func score(v float64) *float64 { return &v }

func TestPeriodBounds(t *testing.T) {
	ref := time.Date(2026, 3, 4, 14, 37, 12, 0, time.UTC) // a Wednesday

	cases := []struct {
		periodType string
		wantStart  time.Time
		wantEnd    time.Time
	}{
		{trace.PeriodHour, time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC), time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)},
		{trace.PeriodDay, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)},
		{trace.PeriodWeek, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)},
		{trace.PeriodMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.periodType, func(t *testing.T) {
			start, end, err := PeriodBounds(tc.periodType, ref)
			if err != nil {
				t.Fatalf("PeriodBounds: %v", err)
			}
			if !start.Equal(tc.wantStart) || !end.Equal(tc.wantEnd) {
				t.Fatalf("bounds = [%v, %v), want [%v, %v)", start, end, tc.wantStart, tc.wantEnd)
			}
		})
	}

	if _, _, err := PeriodBounds("quarter", ref); err == nil {
		t.Fatal("unknown period type must fail")
	}
}

func TestAggregateDailyUsage(t *testing.T) {
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	store := &rollupStore{rows: []*trace.Trace{
		{UserID: "u1", StartTime: day.Add(2 * time.Hour), Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.5}, Tokens: &trace.TokenUsage{Total: 100}},
		{UserID: "u1", StartTime: day.Add(3 * time.Hour), Status: trace.StatusError, Cost: &trace.Cost{Total: 0.25}, Tokens: &trace.TokenUsage{Total: 50}},
		{UserID: "u2", StartTime: day.Add(4 * time.Hour), Status: trace.StatusSuccess},
		// The next day must not leak into the rollup.
		{UserID: "u3", StartTime: day.AddDate(0, 0, 1).Add(time.Hour), Status: trace.StatusSuccess},
	}}

	summary, err := NewService(store, nil).AggregateDailyUsage(context.Background(), day.Add(9*time.Hour))
	if err != nil {
		t.Fatalf("AggregateDailyUsage: %v", err)
	}
	if summary.Processed != 3 || summary.Periods != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	if len(store.daily) != 1 {
		t.Fatalf("upserted %d rows, want 1", len(store.daily))
	}
	row := store.daily[0]
	if !row.Day.Equal(day) {
		t.Fatalf("Day = %v, want %v", row.Day, day)
	}
	if row.TotalRequests != 3 || row.UniqueUsers != 2 || row.ErrorCount != 1 {
		t.Fatalf("row = %+v", row)
	}
	if math.Abs(row.TotalCost-0.75) > 1e-9 || row.TotalTokens != 150 {
		t.Fatalf("row totals = %+v", row)
	}
}

func TestAggregateDailyUsageWritesExplicitEmptyDay(t *testing.T) {
	store := &rollupStore{}
	summary, err := NewService(store, nil).AggregateDailyUsage(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("AggregateDailyUsage: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("Processed = %d, want 0", summary.Processed)
	}
	if len(store.daily) != 1 || store.daily[0].TotalRequests != 0 {
		t.Fatalf("empty day must still upsert a zero row, got %+v", store.daily)
	}
}

func TestAggregateModelStatistics(t *testing.T) {
	hour := time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC)
	store := &rollupStore{rows: []*trace.Trace{
		{ModelID: "m", StartTime: hour.Add(5 * time.Minute), Status: trace.StatusSuccess, DurationMS: 1000, TokensPerSecond: 40, Cost: &trace.Cost{Total: 0.02}, Tokens: &trace.TokenUsage{Total: 200}, QualityScore: score(0.95)},
		{ModelID: "m", StartTime: hour.Add(10 * time.Minute), Status: trace.StatusSuccess, DurationMS: 3000, TokensPerSecond: 60, Cost: &trace.Cost{Total: 0.02}, Tokens: &trace.TokenUsage{Total: 200}, QualityScore: score(0.8)},
		{ModelID: "m", StartTime: hour.Add(15 * time.Minute), Status: trace.StatusSuccess, QualityScore: score(0.6)},
		{ModelID: "m", StartTime: hour.Add(20 * time.Minute), Status: trace.StatusError, ErrorCode: "TIMEOUT", QualityScore: score(0.2)},
		// Outside the hour window.
		{ModelID: "m", StartTime: hour.Add(2 * time.Hour), Status: trace.StatusSuccess},
	}}

	summary, err := NewService(store, nil).AggregateModelStatistics(context.Background(), trace.PeriodHour, hour.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("AggregateModelStatistics: %v", err)
	}
	if summary.Processed != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	if len(store.models) != 1 {
		t.Fatalf("upserted %d rows, want 1", len(store.models))
	}
	row := store.models[0]
	if row.PeriodType != trace.PeriodHour || !row.PeriodStart.Equal(hour) {
		t.Fatalf("period = %s [%v, %v)", row.PeriodType, row.PeriodStart, row.PeriodEnd)
	}
	if row.RequestCount != 4 || row.SuccessCount != 3 || row.ErrorCount != 1 {
		t.Fatalf("counts = %+v", row)
	}
	if row.SuccessRate != 75 || row.ErrorRate != 25 {
		t.Fatalf("rates = %v/%v", row.SuccessRate, row.ErrorRate)
	}
	if row.AvgResponseTimeMS != 2000 || row.AvgTokensPerSecond != 50 {
		t.Fatalf("averages = %+v", row)
	}
	if math.Abs(row.CostPerRequest-0.01) > 1e-9 || math.Abs(row.CostPerToken-0.0001) > 1e-9 {
		t.Fatalf("cost ratios = %v/%v", row.CostPerRequest, row.CostPerToken)
	}
	if row.QualityExcellent != 1 || row.QualityGood != 1 || row.QualityFair != 1 || row.QualityPoor != 1 {
		t.Fatalf("quality buckets = %+v", row)
	}
	if len(row.TopErrorCodes) != 1 || row.TopErrorCodes[0].Code != "TIMEOUT" {
		t.Fatalf("TopErrorCodes = %+v", row.TopErrorCodes)
	}
}

func TestAggregateModelStatisticsIsolatesUpsertFailures(t *testing.T) {
	now := time.Now().UTC()
	store := &rollupStore{
		failModelUpsert: true,
		rows: []*trace.Trace{
			{ModelID: "a", StartTime: now, Status: trace.StatusSuccess},
			{ModelID: "b", StartTime: now, Status: trace.StatusSuccess},
		},
	}

	summary, err := NewService(store, nil).AggregateModelStatistics(context.Background(), trace.PeriodDay, now)
	if err != nil {
		t.Fatalf("AggregateModelStatistics: %v", err)
	}
	if summary.Processed != 0 || summary.Failed != 2 {
		t.Fatalf("summary = %+v, want both models counted as failed", summary)
	}
}

func TestTopErrorCodes(t *testing.T) {
	codes := topErrorCodes(map[string]int64{
		"TIMEOUT":    5,
		"RATE_LIMIT": 5,
		"BAD_INPUT":  2,
	}, 2)
	if len(codes) != 2 {
		t.Fatalf("codes = %+v, want limit applied", codes)
	}
	// Ties break alphabetically.
	if codes[0].Code != "RATE_LIMIT" || codes[1].Code != "TIMEOUT" {
		t.Fatalf("codes = %+v", codes)
	}
}

func TestAggregateCostAnalysis(t *testing.T) {
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	store := &rollupStore{rows: []*trace.Trace{
		{ModelID: "expensive", UserID: "heavy", StartTime: day.Add(time.Hour), Cost: &trace.Cost{Total: 900}},
		{ModelID: "cheap", UserID: "light", StartTime: day.Add(2 * time.Hour), Cost: &trace.Cost{Total: 300}},
	}}

	summary, err := NewService(store, nil).AggregateCostAnalysis(context.Background(), trace.PeriodDay, day.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("AggregateCostAnalysis: %v", err)
	}
	if summary.Processed != 2 {
		t.Fatalf("summary = %+v", summary)
	}

	if len(store.costs) != 1 {
		t.Fatalf("upserted %d rows, want 1", len(store.costs))
	}
	row := store.costs[0]
	if row.TotalCost != 1200 || row.TotalRequests != 2 {
		t.Fatalf("row = %+v", row)
	}
	if row.ModelCosts["expensive"] != 900 || row.UserCosts["heavy"] != 900 {
		t.Fatalf("cost maps = %v / %v", row.ModelCosts, row.UserCosts)
	}
	if math.Abs(row.ForecastNextPeriod-1320) > 1e-9 {
		t.Fatalf("ForecastNextPeriod = %v, want 1320", row.ForecastNextPeriod)
	}

	// Dominant model, dominant user, and the $1000 threshold all trip here.
	if len(row.Recommendations) != 3 {
		t.Fatalf("Recommendations = %+v", row.Recommendations)
	}
	types := make(map[string]bool)
	for _, rec := range row.Recommendations {
		types[rec.Type] = true
		if rec.EstimatedSavings <= 0 {
			t.Fatalf("recommendation without savings estimate: %+v", rec)
		}
	}
	for _, want := range []string{"model_swap", "user_caching", "batch_processing"} {
		if !types[want] {
			t.Fatalf("missing %s recommendation in %+v", want, row.Recommendations)
		}
	}
	if !strings.Contains(row.Recommendations[0].Description, "expensive") {
		t.Fatalf("model_swap description = %q", row.Recommendations[0].Description)
	}
}

func TestAggregateUserActivity(t *testing.T) {
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	store := &rollupStore{rows: []*trace.Trace{
		{UserID: "u1", ModelID: "m1", StartTime: day.Add(9 * time.Hour), Cost: &trace.Cost{Total: 1}, Tokens: &trace.TokenUsage{Total: 100}},
		{UserID: "u1", ModelID: "m1", StartTime: day.Add(9*time.Hour + 30*time.Minute)},
		{UserID: "u1", ModelID: "m2", StartTime: day.Add(15 * time.Hour)},
		// Anonymous traffic never produces a user row.
		{UserID: "", ModelID: "m1", StartTime: day.Add(10 * time.Hour)},
	}}

	summary, err := NewService(store, nil).AggregateUserActivity(context.Background(), day)
	if err != nil {
		t.Fatalf("AggregateUserActivity: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	if len(store.users) != 1 {
		t.Fatalf("upserted %d rows, want 1", len(store.users))
	}
	row := store.users[0]
	if row.UserID != "u1" || row.RequestCount != 3 || row.DistinctModels != 2 {
		t.Fatalf("row = %+v", row)
	}
	if row.TopModel != "m1" {
		t.Fatalf("TopModel = %s, want m1", row.TopModel)
	}
	if row.PeakUsageHour == nil || *row.PeakUsageHour != 9 {
		t.Fatalf("PeakUsageHour = %v, want 9", row.PeakUsageHour)
	}
}

func TestAggregatePromptPerformance(t *testing.T) {
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	store := &rollupStore{rows: []*trace.Trace{
		{PromptID: "p1", UserID: "u1", ModelID: "m1", StartTime: day.Add(time.Hour), Status: trace.StatusSuccess, DurationMS: 1000, Cost: &trace.Cost{Total: 0.1}, QualityScore: score(0.9)},
		{PromptID: "p1", UserID: "u2", ModelID: "m1", StartTime: day.Add(2 * time.Hour), Status: trace.StatusError, DurationMS: 3000, QualityScore: score(0.5)},
		// Traces without a prompt id stay out of the rollup.
		{PromptID: "", UserID: "u1", StartTime: day.Add(3 * time.Hour), Status: trace.StatusSuccess},
	}}

	summary, err := NewService(store, nil).AggregatePromptPerformance(context.Background(), day)
	if err != nil {
		t.Fatalf("AggregatePromptPerformance: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	if len(store.prompts) != 1 {
		t.Fatalf("upserted %d rows, want 1", len(store.prompts))
	}
	row := store.prompts[0]
	if row.PromptID != "p1" || row.Uses != 2 || row.UniqueUsers != 2 {
		t.Fatalf("row = %+v", row)
	}
	if row.SuccessRate != 50 || row.AvgDurationMS != 2000 {
		t.Fatalf("row rates = %+v", row)
	}
	if row.AvgQuality == nil || math.Abs(*row.AvgQuality-0.7) > 1e-9 {
		t.Fatalf("AvgQuality = %v, want 0.7", row.AvgQuality)
	}
	if row.ModelUsage["m1"] != 2 {
		t.Fatalf("ModelUsage = %v", row.ModelUsage)
	}
}

func TestRunAllExecutesEveryPass(t *testing.T) {
	now := time.Now().UTC()
	store := &rollupStore{rows: []*trace.Trace{
		{ModelID: "m", UserID: "u", PromptID: "p", StartTime: now, Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.1}},
	}}

	summaries := NewService(store, nil).RunAll(context.Background(), now)
	if len(summaries) != 6 {
		t.Fatalf("RunAll produced %d summaries, want 6", len(summaries))
	}
	for _, summary := range summaries {
		if summary.Failed != 0 {
			t.Fatalf("pass %s reported failures: %+v", summary.Pass, summary)
		}
	}

	if len(store.daily) != 1 || len(store.costs) != 1 || len(store.users) != 1 || len(store.prompts) != 1 {
		t.Fatal("RunAll must feed every rollup table")
	}
	// Model statistics run for both the hour and the day window.
	if len(store.models) != 2 {
		t.Fatalf("model statistics rows = %d, want 2", len(store.models))
	}
}
