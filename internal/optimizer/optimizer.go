// Package optimizer mines recorded traces for cost-saving opportunities,
// forecasts spend, rates model efficiency, and raises budget alerts.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

// Impact levels, assigned by absolute savings thresholds.
const (
	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

// Config carries every heuristic constant. Defaults mirror the documented
// placeholder values; production deployments tune them in the config file.
type Config struct {
	DailyBudgetUSD       float64 // budget alert threshold
	HighImpactUSD        float64 // savings above this are high impact
	MediumImpactUSD      float64 // savings above this are medium impact
	SwitchQualityFloor   float64 // cheap model must retain this share of quality
	SwitchPerformFloor   float64 // cheap model must retain this share of performance
	HeavyUserSpendShare  float64 // user share of total spend that flags them
	HeavyUserSavingsRate float64 // assumed savings from heavy-user optimization
	BatchMinOccurrences  int     // prompt-signature bucket size that flags batching
	BatchSavingsRate     float64 // assumed savings from batching
	SpikeMultiplier      float64 // yesterday vs trailing average spike factor
	ModelShareAlert      float64 // single-model share of a day's spend that alerts
	ConfidenceFloor      float64
	ConfidenceCeiling    float64
}

func DefaultConfig() Config {
	return Config{
		DailyBudgetUSD:       100,
		HighImpactUSD:        500,
		MediumImpactUSD:      200,
		SwitchQualityFloor:   0.90,
		SwitchPerformFloor:   0.80,
		HeavyUserSpendShare:  0.10,
		HeavyUserSavingsRate: 0.20,
		BatchMinOccurrences:  10,
		BatchSavingsRate:     0.15,
		SpikeMultiplier:      2.0,
		ModelShareAlert:      0.50,
		ConfidenceFloor:      0.3,
		ConfidenceCeiling:    0.95,
	}
}

// Recommendation is one cost-saving suggestion.
type Recommendation struct {
	Type                 string         `json:"type"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	Impact               string         `json:"impact"`
	PotentialSavings     float64        `json:"potential_savings"`
	ImplementationEffort string         `json:"implementation_effort"`
	Confidence           float64        `json:"confidence"`
	Details              map[string]any `json:"details,omitempty"`
	ActionItems          []string       `json:"action_items,omitempty"`
}

// Optimizer reads traces and rollups to produce recommendations.
type Optimizer struct {
	store trace.Store
	cfg   Config
}

func New(store trace.Store, cfg Config) *Optimizer {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Optimizer{store: store, cfg: cfg}
}

func (o *Optimizer) impactFor(savings float64) string {
	switch {
	case savings >= o.cfg.HighImpactUSD:
		return ImpactHigh
	case savings >= o.cfg.MediumImpactUSD:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

type modelProfile struct {
	modelID      string
	requests     int64
	totalCost    float64
	totalTokens  int64
	costPerToken float64
	successRate  float64
	avgQuality   float64
	qualityN     int64
	errorRate    float64
	avgLatencyMS float64
	latencyN     int64
}

func (o *Optimizer) profileModels(traces []*trace.Trace) []modelProfile {
	type accum struct {
		requests   int64
		successes  int64
		errors     int64
		cost       float64
		tokens     int64
		quality    float64
		qualityN   int64
		latencySum float64
		latencyN   int64
	}

	byModel := make(map[string]*accum)
	for _, item := range traces {
		a := byModel[item.ModelID]
		if a == nil {
			a = &accum{}
			byModel[item.ModelID] = a
		}
		a.requests++
		if item.Status == trace.StatusSuccess {
			a.successes++
		}
		if item.Status == trace.StatusError {
			a.errors++
		}
		if item.Cost != nil {
			a.cost += item.Cost.Total
		}
		if item.Tokens != nil {
			a.tokens += int64(item.Tokens.Total)
		}
		if item.QualityScore != nil {
			a.quality += *item.QualityScore
			a.qualityN++
		}
		if item.FirstTokenLatencyMS > 0 {
			a.latencySum += float64(item.FirstTokenLatencyMS)
			a.latencyN++
		}
	}

	profiles := make([]modelProfile, 0, len(byModel))
	for modelID, a := range byModel {
		profile := modelProfile{
			modelID:     modelID,
			requests:    a.requests,
			totalCost:   a.cost,
			totalTokens: a.tokens,
			qualityN:    a.qualityN,
			latencyN:    a.latencyN,
		}
		if a.tokens > 0 {
			profile.costPerToken = a.cost / float64(a.tokens)
		}
		if a.requests > 0 {
			profile.successRate = float64(a.successes) / float64(a.requests) * 100
			profile.errorRate = float64(a.errors) / float64(a.requests) * 100
		}
		if a.qualityN > 0 {
			profile.avgQuality = a.quality / float64(a.qualityN)
		}
		if a.latencyN > 0 {
			profile.avgLatencyMS = a.latencySum / float64(a.latencyN)
		}
		profiles = append(profiles, profile)
	}
	return profiles
}

// GenerateRecommendations runs the four analyses, drops anything below
// minSavings, and returns the rest sorted by savings descending.
func (o *Optimizer) GenerateRecommendations(ctx context.Context, from, to time.Time, minSavings float64) ([]Recommendation, error) {
	traces, err := o.store.TracesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("generate recommendations: %w", err)
	}

	recommendations := make([]Recommendation, 0, 8)
	recommendations = append(recommendations, o.modelSwitchAnalysis(traces)...)
	recommendations = append(recommendations, o.usagePatternAnalysis(traces)...)
	recommendations = append(recommendations, o.batchOpportunityAnalysis(traces)...)
	recommendations = append(recommendations, o.cacheOpportunityAnalysis(traces)...)

	filtered := recommendations[:0]
	for _, rec := range recommendations {
		if rec.PotentialSavings >= minSavings {
			filtered = append(filtered, rec)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].PotentialSavings != filtered[j].PotentialSavings {
			return filtered[i].PotentialSavings > filtered[j].PotentialSavings
		}
		return filtered[i].Title < filtered[j].Title
	})
	return filtered, nil
}

// modelSwitchAnalysis pairs each of the three most expensive models with a
// cheaper model that retains enough quality and performance.
func (o *Optimizer) modelSwitchAnalysis(traces []*trace.Trace) []Recommendation {
	profiles := o.profileModels(traces)
	if len(profiles) < 2 {
		return nil
	}

	byCost := append([]modelProfile(nil), profiles...)
	sort.Slice(byCost, func(i, j int) bool { return byCost[i].totalCost > byCost[j].totalCost })
	expensive := byCost
	if len(expensive) > 3 {
		expensive = expensive[:3]
	}

	byRate := append([]modelProfile(nil), profiles...)
	sort.Slice(byRate, func(i, j int) bool { return byRate[i].costPerToken < byRate[j].costPerToken })
	cheap := byRate
	if len(cheap) > 3 {
		cheap = cheap[:3]
	}

	recommendations := make([]Recommendation, 0, 3)
	for _, exp := range expensive {
		for _, alt := range cheap {
			if alt.modelID == exp.modelID || alt.costPerToken >= exp.costPerToken {
				continue
			}
			if exp.qualityN > 0 && alt.qualityN > 0 && alt.avgQuality < exp.avgQuality*o.cfg.SwitchQualityFloor {
				continue
			}
			if alt.successRate < exp.successRate*o.cfg.SwitchPerformFloor {
				continue
			}

			savings := (exp.costPerToken - alt.costPerToken) * float64(exp.totalTokens)
			if savings <= 0 {
				continue
			}
			recommendations = append(recommendations, Recommendation{
				Type:                 "model_switch",
				Title:                fmt.Sprintf("Switch %s traffic to %s", exp.modelID, alt.modelID),
				Description:          fmt.Sprintf("%s delivers comparable quality at $%.6f/token versus $%.6f/token for %s.", alt.modelID, alt.costPerToken, exp.costPerToken, exp.modelID),
				Impact:               o.impactFor(savings),
				PotentialSavings:     savings,
				ImplementationEffort: "medium",
				Confidence:           0.7,
				Details: map[string]any{
					"from_model":          exp.modelID,
					"to_model":            alt.modelID,
					"from_cost_per_token": exp.costPerToken,
					"to_cost_per_token":   alt.costPerToken,
					"affected_tokens":     exp.totalTokens,
				},
				ActionItems: []string{
					fmt.Sprintf("Run an A/B comparison of %s against %s on a traffic slice", alt.modelID, exp.modelID),
					"Verify quality scores hold before switching the remainder",
				},
			})
			break
		}
	}
	return recommendations
}

// usagePatternAnalysis flags users responsible for an outsized spend share.
func (o *Optimizer) usagePatternAnalysis(traces []*trace.Trace) []Recommendation {
	userCosts := make(map[string]float64)
	var totalCost float64
	for _, item := range traces {
		if item.Cost == nil {
			continue
		}
		totalCost += item.Cost.Total
		if item.UserID != "" {
			userCosts[item.UserID] += item.Cost.Total
		}
	}
	if totalCost <= 0 {
		return nil
	}

	recommendations := make([]Recommendation, 0, 2)
	for userID, cost := range userCosts {
		if cost/totalCost <= o.cfg.HeavyUserSpendShare {
			continue
		}
		savings := cost * o.cfg.HeavyUserSavingsRate
		recommendations = append(recommendations, Recommendation{
			Type:                 "usage_pattern",
			Title:                fmt.Sprintf("Review usage by %s", userID),
			Description:          fmt.Sprintf("User %s accounts for %.0f%% of spend in the window. Workflow optimization typically recovers about %.0f%% of such spend.", userID, cost/totalCost*100, o.cfg.HeavyUserSavingsRate*100),
			Impact:               o.impactFor(savings),
			PotentialSavings:     savings,
			ImplementationEffort: "low",
			Confidence:           0.5,
			Details: map[string]any{
				"user_id":    userID,
				"user_cost":  cost,
				"total_cost": totalCost,
			},
			ActionItems: []string{
				"Audit this user's highest-cost prompts",
				"Check for redundant or retried calls",
			},
		})
	}

	sort.Slice(recommendations, func(i, j int) bool {
		return recommendations[i].PotentialSavings > recommendations[j].PotentialSavings
	})
	return recommendations
}

// promptSignature buckets prompts by their three longest significant words,
// lowercased, kept in original order.
func promptSignature(prompt string) string {
	words := strings.Fields(strings.ToLower(prompt))
	type indexed struct {
		word  string
		index int
	}
	significant := make([]indexed, 0, len(words))
	for i, word := range words {
		if len(word) > 3 {
			significant = append(significant, indexed{word: word, index: i})
		}
	}

	sort.SliceStable(significant, func(i, j int) bool {
		return len(significant[i].word) > len(significant[j].word)
	})
	if len(significant) > 3 {
		significant = significant[:3]
	}
	sort.Slice(significant, func(i, j int) bool {
		return significant[i].index < significant[j].index
	})

	parts := make([]string, len(significant))
	for i, item := range significant {
		parts[i] = item.word
	}
	return strings.Join(parts, " ")
}

// batchOpportunityAnalysis flags prompt-signature buckets big enough to batch.
func (o *Optimizer) batchOpportunityAnalysis(traces []*trace.Trace) []Recommendation {
	type bucket struct {
		count int
		cost  float64
	}
	buckets := make(map[string]*bucket)
	for _, item := range traces {
		signature := promptSignature(item.PromptContent)
		if signature == "" {
			continue
		}
		b := buckets[signature]
		if b == nil {
			b = &bucket{}
			buckets[signature] = b
		}
		b.count++
		if item.Cost != nil {
			b.cost += item.Cost.Total
		}
	}

	recommendations := make([]Recommendation, 0, 2)
	for signature, b := range buckets {
		if b.count < o.cfg.BatchMinOccurrences {
			continue
		}
		savings := b.cost * o.cfg.BatchSavingsRate
		recommendations = append(recommendations, Recommendation{
			Type:                 "batch_opportunity",
			Title:                fmt.Sprintf("Batch %d similar requests", b.count),
			Description:          fmt.Sprintf("%d requests share the prompt pattern %q. Batching similar requests typically saves about %.0f%%.", b.count, signature, o.cfg.BatchSavingsRate*100),
			Impact:               o.impactFor(savings),
			PotentialSavings:     savings,
			ImplementationEffort: "medium",
			Confidence:           0.5,
			Details: map[string]any{
				"signature":   signature,
				"occurrences": b.count,
				"bucket_cost": b.cost,
			},
			ActionItems: []string{
				"Group these requests into scheduled batch runs",
			},
		})
	}

	sort.Slice(recommendations, func(i, j int) bool {
		return recommendations[i].PotentialSavings > recommendations[j].PotentialSavings
	})
	return recommendations
}

// cacheOpportunityAnalysis totals the cost of exact (model, prompt) repeats.
// Unlike the other analyses this is an exact-match measurement, not a
// heuristic.
func (o *Optimizer) cacheOpportunityAnalysis(traces []*trace.Trace) []Recommendation {
	type key struct {
		model  string
		prompt string
	}
	type bucket struct {
		count          int
		cacheableCost  float64
		cacheableCalls int
	}
	buckets := make(map[key]*bucket)
	for _, item := range traces {
		k := key{model: item.ModelID, prompt: item.PromptContent}
		b := buckets[k]
		if b == nil {
			b = &bucket{}
			buckets[k] = b
		}
		b.count++
		if b.count > 1 {
			b.cacheableCalls++
			if item.Cost != nil {
				b.cacheableCost += item.Cost.Total
			}
		}
	}

	var totalCacheable float64
	var totalCalls int
	for _, b := range buckets {
		totalCacheable += b.cacheableCost
		totalCalls += b.cacheableCalls
	}
	if totalCalls == 0 {
		return nil
	}

	return []Recommendation{{
		Type:                 "cache_opportunity",
		Title:                fmt.Sprintf("Cache %d repeated prompts", totalCalls),
		Description:          fmt.Sprintf("%d calls repeated an identical (model, prompt) pair. An exact-match response cache would have absorbed them.", totalCalls),
		Impact:               o.impactFor(totalCacheable),
		PotentialSavings:     totalCacheable,
		ImplementationEffort: "low",
		Confidence:           0.9,
		Details: map[string]any{
			"cacheable_calls": totalCalls,
			"cacheable_cost":  totalCacheable,
		},
		ActionItems: []string{
			"Add an exact-match response cache keyed on model and prompt",
		},
	}}
}
