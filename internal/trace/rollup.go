package trace

import "time"

// Rollup period types.
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// DailyUsage is one row of the usage_analytics_daily rollup, keyed by day.
type DailyUsage struct {
	Day           time.Time
	TotalRequests int64
	UniqueUsers   int64
	TotalCost     float64
	TotalTokens   int64
	ErrorCount    int64
	UpdatedAt     time.Time
}

// ErrorCodeCount is one entry of a model's most frequent error codes.
type ErrorCodeCount struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// ModelStatistics is one row of the model_usage_statistics rollup, keyed by
// model + period type + period start.
//
// The quality buckets are counted on a 0-1 scale (excellent >= 0.9,
// good [0.7, 0.9), fair [0.5, 0.7), poor < 0.5). The trace viewer grades the
// same quality_score field on a 0-5 letter scale; both threshold sets are
// kept as-is.
type ModelStatistics struct {
	ModelID     string
	PeriodType  string
	PeriodStart time.Time
	PeriodEnd   time.Time

	RequestCount int64
	SuccessCount int64
	ErrorCount   int64
	SuccessRate  float64
	ErrorRate    float64

	AvgResponseTimeMS  float64
	AvgTokensPerSecond float64
	CostPerToken       float64
	CostPerRequest     float64
	TotalCost          float64
	TotalTokens        int64

	QualityExcellent int64
	QualityGood      int64
	QualityFair      int64
	QualityPoor      int64

	TopErrorCodes []ErrorCodeCount
	UpdatedAt     time.Time
}

// CostRecommendation is one optimization suggestion attached to a cost
// analysis rollup row.
type CostRecommendation struct {
	Type             string  `json:"type"`
	Description      string  `json:"description"`
	EstimatedSavings float64 `json:"estimated_savings"`
}

// CostAnalysis is one row of the cost_analysis_summary rollup, keyed by
// period type + period start.
type CostAnalysis struct {
	PeriodType  string
	PeriodStart time.Time
	PeriodEnd   time.Time

	TotalCost     float64
	TotalRequests int64
	ModelCosts    map[string]float64
	UserCosts     map[string]float64

	Recommendations    []CostRecommendation
	ForecastNextPeriod float64
	UpdatedAt          time.Time
}

// UserActivity is one row of the user_activity_metrics rollup, keyed by
// user + day. PeakUsageHour is nil when no traces carried usable timestamps.
type UserActivity struct {
	UserID         string
	Day            time.Time
	RequestCount   int64
	TotalCost      float64
	TotalTokens    int64
	DistinctModels int64
	TopModel       string
	PeakUsageHour  *int
	UpdatedAt      time.Time
}

// PromptPerformance is one row of the prompt_performance_trends rollup,
// keyed by prompt + day.
type PromptPerformance struct {
	PromptID      string
	Day           time.Time
	Uses          int64
	UniqueUsers   int64
	TotalCost     float64
	AvgDurationMS float64
	SuccessRate   float64
	AvgQuality    *float64
	ModelUsage    map[string]int64
	UpdatedAt     time.Time
}
