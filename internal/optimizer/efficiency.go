package optimizer

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ModelEfficiency rates one model's cost effectiveness.
type ModelEfficiency struct {
	ModelID          string   `json:"model_id"`
	Requests         int64    `json:"requests"`
	TotalCost        float64  `json:"total_cost"`
	CostPerToken     float64  `json:"cost_per_token"`
	CostPerRequest   float64  `json:"cost_per_request"`
	AvgQuality       float64  `json:"avg_quality,omitempty"`
	SuccessRate      float64  `json:"success_rate"`
	ErrorRate        float64  `json:"error_rate"`
	AvgLatencyMS     float64  `json:"avg_latency_ms"`
	EfficiencyRating string   `json:"efficiency_rating"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

// AnalyzeModelEfficiency rates every model used in the window.
func (o *Optimizer) AnalyzeModelEfficiency(ctx context.Context, from, to time.Time) ([]ModelEfficiency, error) {
	traces, err := o.store.TracesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("analyze model efficiency: %w", err)
	}

	profiles := o.profileModels(traces)
	results := make([]ModelEfficiency, 0, len(profiles))
	for _, profile := range profiles {
		item := ModelEfficiency{
			ModelID:      profile.modelID,
			Requests:     profile.requests,
			TotalCost:    profile.totalCost,
			CostPerToken: profile.costPerToken,
			SuccessRate:  profile.successRate,
			ErrorRate:    profile.errorRate,
			AvgLatencyMS: profile.avgLatencyMS,
			AvgQuality:   profile.avgQuality,
		}
		if profile.requests > 0 {
			item.CostPerRequest = profile.totalCost / float64(profile.requests)
		}
		item.EfficiencyRating = rateEfficiency(profile)
		item.Recommendations = efficiencyAdvice(profile)
		results = append(results, item)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TotalCost != results[j].TotalCost {
			return results[i].TotalCost > results[j].TotalCost
		}
		return results[i].ModelID < results[j].ModelID
	})
	return results, nil
}

// rateEfficiency combines cost per token with quality into a label. Models
// with no quality samples are rated on cost alone.
func rateEfficiency(profile modelProfile) string {
	hasQuality := profile.qualityN > 0
	switch {
	case profile.costPerToken < 0.000005 && (!hasQuality || profile.avgQuality >= 0.8):
		return "excellent"
	case profile.costPerToken < 0.00002 && (!hasQuality || profile.avgQuality >= 0.6):
		return "good"
	case profile.costPerToken < 0.0001:
		return "average"
	default:
		return "poor"
	}
}

func efficiencyAdvice(profile modelProfile) []string {
	advice := make([]string, 0, 3)
	if profile.errorRate > 5 {
		advice = append(advice, fmt.Sprintf("Error rate is %.1f%%; failed calls still bill input tokens. Fix the top error codes first.", profile.errorRate))
	}
	if profile.avgLatencyMS > 2000 {
		advice = append(advice, fmt.Sprintf("First-token latency averages %.0fms; slow responses push callers to retry and double spend.", profile.avgLatencyMS))
	}
	if profile.successRate < 90 {
		advice = append(advice, fmt.Sprintf("Success rate is %.1f%%; below 90%% the effective cost per useful response rises sharply.", profile.successRate))
	}
	return advice
}
