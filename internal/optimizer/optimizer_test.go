package optimizer

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

type optimizerStore struct {
	trace.Store

	rows  []*trace.Trace
	daily []trace.DailyUsage
}

func (s *optimizerStore) TracesInRange(context.Context, time.Time, time.Time) ([]*trace.Trace, error) {
	return s.rows, nil
}

func (s *optimizerStore) DailyUsageRange(context.Context, time.Time, time.Time) ([]trace.DailyUsage, error) {
	return s.daily, nil
}

func quality(v float64) *float64 { return &v }

func TestImpactFor(t *testing.T) {
	o := New(&optimizerStore{}, Config{})

	cases := []struct {
		savings float64
		want    string
	}{
		{600, ImpactHigh},
		{500, ImpactHigh},
		{250, ImpactMedium},
		{10, ImpactLow},
	}
	for _, tc := range cases {
		if got := o.impactFor(tc.savings); got != tc.want {
			t.Fatalf("impactFor(%v) = %s, want %s", tc.savings, got, tc.want)
		}
	}
}

func TestPromptSignature(t *testing.T) {
	cases := []struct {
		prompt string
		want   string
	}{
		{"summarize the quarterly sales report", "summarize quarterly report"},
		{"Summarize The QUARTERLY sales REPORT", "summarize quarterly report"},
		{"a an it to", ""},
		{"", ""},
		{"translate this", "translate this"},
	}
	for _, tc := range cases {
		if got := promptSignature(tc.prompt); got != tc.want {
			t.Fatalf("promptSignature(%q) = %q, want %q", tc.prompt, got, tc.want)
		}
	}
}

func TestGenerateRecommendationsModelSwitch(t *testing.T) {
	rows := []*trace.Trace{
		{ModelID: "big", PromptContent: "first distinct question", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 300}, Tokens: &trace.TokenUsage{Total: 500000}, QualityScore: quality(0.9)},
		{ModelID: "big", PromptContent: "second distinct question", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 300}, Tokens: &trace.TokenUsage{Total: 500000}, QualityScore: quality(0.9)},
		{ModelID: "small", PromptContent: "third distinct question", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.5}, Tokens: &trace.TokenUsage{Total: 50000}, QualityScore: quality(0.85)},
		{ModelID: "small", PromptContent: "fourth distinct question", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.5}, Tokens: &trace.TokenUsage{Total: 50000}, QualityScore: quality(0.85)},
	}
	o := New(&optimizerStore{rows: rows}, Config{})

	recommendations, err := o.GenerateRecommendations(context.Background(), time.Time{}, time.Now(), 0)
	if err != nil {
		t.Fatalf("GenerateRecommendations: %v", err)
	}
	if len(recommendations) != 1 {
		t.Fatalf("recommendations = %+v, want exactly the model switch", recommendations)
	}

	rec := recommendations[0]
	if rec.Type != "model_switch" {
		t.Fatalf("Type = %s", rec.Type)
	}
	// (0.0006 - 0.00001) per token across the expensive model's million tokens.
	if math.Abs(rec.PotentialSavings-590) > 1e-6 {
		t.Fatalf("PotentialSavings = %v, want 590", rec.PotentialSavings)
	}
	if rec.Impact != ImpactHigh {
		t.Fatalf("Impact = %s, want high", rec.Impact)
	}
	if rec.Details["from_model"] != "big" || rec.Details["to_model"] != "small" {
		t.Fatalf("Details = %v", rec.Details)
	}

	filtered, err := o.GenerateRecommendations(context.Background(), time.Time{}, time.Now(), 1000)
	if err != nil {
		t.Fatalf("GenerateRecommendations: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("minSavings filter kept %+v", filtered)
	}
}

func TestModelSwitchRespectsQualityFloor(t *testing.T) {
	rows := []*trace.Trace{
		{ModelID: "big", PromptContent: "alpha question", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 300}, Tokens: &trace.TokenUsage{Total: 500000}, QualityScore: quality(0.9)},
		// The cheap model's quality sits below 90% of the expensive model's.
		{ModelID: "small", PromptContent: "bravo question", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.5}, Tokens: &trace.TokenUsage{Total: 50000}, QualityScore: quality(0.5)},
	}
	o := New(&optimizerStore{rows: rows}, Config{})

	if got := o.modelSwitchAnalysis(rows); len(got) != 0 {
		t.Fatalf("quality floor ignored: %+v", got)
	}
}

func TestUsagePatternAnalysisFlagsHeavyUsers(t *testing.T) {
	rows := []*trace.Trace{
		{ModelID: "m", UserID: "heavy", Cost: &trace.Cost{Total: 60}},
		{ModelID: "m", UserID: "u1", Cost: &trace.Cost{Total: 5}},
		{ModelID: "m", UserID: "u2", Cost: &trace.Cost{Total: 5}},
		{ModelID: "m", Cost: &trace.Cost{Total: 30}},
	}
	o := New(&optimizerStore{}, Config{})

	recommendations := o.usagePatternAnalysis(rows)
	if len(recommendations) != 1 {
		t.Fatalf("recommendations = %+v, want only the heavy user", recommendations)
	}
	rec := recommendations[0]
	if rec.Type != "usage_pattern" || rec.Details["user_id"] != "heavy" {
		t.Fatalf("rec = %+v", rec)
	}
	// 20% of the user's $60 spend.
	if math.Abs(rec.PotentialSavings-12) > 1e-9 {
		t.Fatalf("PotentialSavings = %v, want 12", rec.PotentialSavings)
	}
}

func TestBatchOpportunityAnalysis(t *testing.T) {
	rows := make([]*trace.Trace, 0, 12)
	for i := 0; i < 10; i++ {
		rows = append(rows, &trace.Trace{
			ModelID:       "m",
			PromptContent: "summarize the weekly incident report",
			Cost:          &trace.Cost{Total: 2},
		})
	}
	rows = append(rows,
		&trace.Trace{ModelID: "m", PromptContent: "translate something short", Cost: &trace.Cost{Total: 2}},
		&trace.Trace{ModelID: "m", PromptContent: "it is a no op"},
	)
	o := New(&optimizerStore{}, Config{})

	recommendations := o.batchOpportunityAnalysis(rows)
	if len(recommendations) != 1 {
		t.Fatalf("recommendations = %+v, want one bucket over the threshold", recommendations)
	}
	rec := recommendations[0]
	if rec.Type != "batch_opportunity" || rec.Details["occurrences"] != 10 {
		t.Fatalf("rec = %+v", rec)
	}
	// 15% of the $20 bucket.
	if math.Abs(rec.PotentialSavings-3) > 1e-9 {
		t.Fatalf("PotentialSavings = %v, want 3", rec.PotentialSavings)
	}
}

func TestCacheOpportunityAnalysis(t *testing.T) {
	rows := []*trace.Trace{
		{ModelID: "m", PromptContent: "what is the refund policy", Cost: &trace.Cost{Total: 2}},
		{ModelID: "m", PromptContent: "what is the refund policy", Cost: &trace.Cost{Total: 2}},
		{ModelID: "m", PromptContent: "what is the refund policy", Cost: &trace.Cost{Total: 2}},
		{ModelID: "m", PromptContent: "something else entirely", Cost: &trace.Cost{Total: 2}},
	}
	o := New(&optimizerStore{}, Config{})

	recommendations := o.cacheOpportunityAnalysis(rows)
	if len(recommendations) != 1 {
		t.Fatalf("recommendations = %+v", recommendations)
	}
	rec := recommendations[0]
	if rec.Details["cacheable_calls"] != 2 {
		t.Fatalf("Details = %v, want two repeats beyond the first call", rec.Details)
	}
	if math.Abs(rec.PotentialSavings-4) > 1e-9 {
		t.Fatalf("PotentialSavings = %v, want the repeated calls' cost", rec.PotentialSavings)
	}
	if rec.Confidence != 0.9 {
		t.Fatalf("Confidence = %v, want 0.9 for an exact measurement", rec.Confidence)
	}

	if got := o.cacheOpportunityAnalysis(rows[3:]); len(got) != 0 {
		t.Fatalf("no repeats must yield no recommendation, got %+v", got)
	}
}

func TestGenerateCostForecast(t *testing.T) {
	t.Run("unknown period", func(t *testing.T) {
		o := New(&optimizerStore{}, Config{})
		if _, err := o.GenerateCostForecast(context.Background(), "fortnight", 30); err == nil {
			t.Fatal("unknown period must fail")
		}
	})

	t.Run("no history", func(t *testing.T) {
		o := New(&optimizerStore{}, Config{})
		forecast, err := o.GenerateCostForecast(context.Background(), trace.PeriodDay, 30)
		if err != nil {
			t.Fatalf("GenerateCostForecast: %v", err)
		}
		if forecast.Projected != 0 || forecast.Trend != "stable" {
			t.Fatalf("forecast = %+v", forecast)
		}
		if forecast.Confidence != 0.3 {
			t.Fatalf("Confidence = %v, want the floor", forecast.Confidence)
		}
	})

	t.Run("flat series clamps confidence to the ceiling", func(t *testing.T) {
		daily := make([]trace.DailyUsage, 5)
		for i := range daily {
			daily[i] = trace.DailyUsage{TotalCost: 10}
		}
		o := New(&optimizerStore{daily: daily}, Config{})
		forecast, err := o.GenerateCostForecast(context.Background(), trace.PeriodDay, 5)
		if err != nil {
			t.Fatalf("GenerateCostForecast: %v", err)
		}
		if forecast.DailyAverage != 10 || forecast.Projected != 10 {
			t.Fatalf("forecast = %+v", forecast)
		}
		if forecast.Confidence != 0.95 {
			t.Fatalf("Confidence = %v, want the ceiling", forecast.Confidence)
		}
	})

	t.Run("growth doubles the projection", func(t *testing.T) {
		daily := make([]trace.DailyUsage, 14)
		for i := range daily {
			cost := 10.0
			if i >= 7 {
				cost = 20
			}
			daily[i] = trace.DailyUsage{TotalCost: cost}
		}
		o := New(&optimizerStore{daily: daily}, Config{})
		forecast, err := o.GenerateCostForecast(context.Background(), trace.PeriodWeek, 14)
		if err != nil {
			t.Fatalf("GenerateCostForecast: %v", err)
		}
		if forecast.Trend != "increasing" {
			t.Fatalf("Trend = %s, want increasing", forecast.Trend)
		}
		// Daily average 15 over a 7-day window with a 2x trend multiplier.
		if math.Abs(forecast.Projected-210) > 1e-9 {
			t.Fatalf("Projected = %v, want 210", forecast.Projected)
		}
		if math.Abs(forecast.Confidence-0.75) > 1e-9 {
			t.Fatalf("Confidence = %v, want 0.75", forecast.Confidence)
		}
	})
}

func TestAnalyzeModelEfficiency(t *testing.T) {
	rows := []*trace.Trace{
		{ModelID: "efficient", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.2}, Tokens: &trace.TokenUsage{Total: 50000}, QualityScore: quality(0.9)},
		{ModelID: "efficient", Status: trace.StatusSuccess, Cost: &trace.Cost{Total: 0.2}, Tokens: &trace.TokenUsage{Total: 50000}, QualityScore: quality(0.9)},
	}
	for i := 0; i < 10; i++ {
		row := &trace.Trace{
			ModelID:             "wasteful",
			Status:              trace.StatusSuccess,
			Cost:                &trace.Cost{Total: 0.1},
			Tokens:              &trace.TokenUsage{Total: 100},
			FirstTokenLatencyMS: 3000,
		}
		if i < 2 {
			row.Status = trace.StatusError
		}
		rows = append(rows, row)
	}

	o := New(&optimizerStore{rows: rows}, Config{})
	results, err := o.AnalyzeModelEfficiency(context.Background(), time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("AnalyzeModelEfficiency: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	// Sorted by total cost descending.
	if results[0].ModelID != "wasteful" || results[1].ModelID != "efficient" {
		t.Fatalf("order = %s, %s", results[0].ModelID, results[1].ModelID)
	}

	wasteful := results[0]
	if wasteful.EfficiencyRating != "poor" {
		t.Fatalf("wasteful rating = %s", wasteful.EfficiencyRating)
	}
	if wasteful.ErrorRate != 20 || wasteful.SuccessRate != 80 {
		t.Fatalf("wasteful rates = %+v", wasteful)
	}
	// Error rate, latency, and success rate all warrant advice here.
	if len(wasteful.Recommendations) != 3 {
		t.Fatalf("wasteful advice = %+v", wasteful.Recommendations)
	}

	efficient := results[1]
	if efficient.EfficiencyRating != "excellent" {
		t.Fatalf("efficient rating = %s", efficient.EfficiencyRating)
	}
	if len(efficient.Recommendations) != 0 {
		t.Fatalf("efficient advice = %+v", efficient.Recommendations)
	}
}

func TestGetCostAlerts(t *testing.T) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	daily := []trace.DailyUsage{{Day: yesterday, TotalCost: 250}}
	for i := 2; i <= 8; i++ {
		daily = append(daily, trace.DailyUsage{Day: today.AddDate(0, 0, -i), TotalCost: 50})
	}
	rows := []*trace.Trace{
		{ModelID: "dominant", StartTime: yesterday.Add(time.Hour), Cost: &trace.Cost{Total: 200}},
		{ModelID: "other", StartTime: yesterday.Add(2 * time.Hour), Cost: &trace.Cost{Total: 50}},
	}

	o := New(&optimizerStore{rows: rows, daily: daily}, Config{})
	alerts, err := o.GetCostAlerts(context.Background())
	if err != nil {
		t.Fatalf("GetCostAlerts: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("alerts = %+v, want budget, spike, and concentration", alerts)
	}

	byType := make(map[string]CostAlert)
	for _, alert := range alerts {
		byType[alert.Type] = alert
	}

	budget, ok := byType["budget_exceeded"]
	if !ok || budget.Severity != AlertSeverityCritical || budget.Amount != 250 {
		t.Fatalf("budget alert = %+v", budget)
	}
	spike, ok := byType["spend_spike"]
	if !ok || spike.Severity != AlertSeverityWarning {
		t.Fatalf("spike alert = %+v", spike)
	}
	concentration, ok := byType["model_concentration"]
	if !ok || !strings.Contains(concentration.Message, "dominant") {
		t.Fatalf("concentration alert = %+v", concentration)
	}
}

func TestGetCostAlertsQuietDay(t *testing.T) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	daily := []trace.DailyUsage{{Day: yesterday, TotalCost: 40}}
	for i := 2; i <= 8; i++ {
		daily = append(daily, trace.DailyUsage{Day: today.AddDate(0, 0, -i), TotalCost: 50})
	}
	rows := []*trace.Trace{
		{ModelID: "a", StartTime: yesterday.Add(time.Hour), Cost: &trace.Cost{Total: 20}},
		{ModelID: "b", StartTime: yesterday.Add(2 * time.Hour), Cost: &trace.Cost{Total: 20}},
	}

	o := New(&optimizerStore{rows: rows, daily: daily}, Config{})
	alerts, err := o.GetCostAlerts(context.Background())
	if err != nil {
		t.Fatalf("GetCostAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("alerts = %+v, want none under budget", alerts)
	}
}
