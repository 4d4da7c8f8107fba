package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

// Forecast projects spend for one upcoming period.
type Forecast struct {
	Period         string  `json:"period"`
	WindowDays     int     `json:"window_days"`
	HistoricalDays int     `json:"historical_days"`
	DailyAverage   float64 `json:"daily_average"`
	Projected      float64 `json:"projected"`
	Trend          string  `json:"trend"`
	Confidence     float64 `json:"confidence"`
}

func forecastWindowDays(period string) (int, error) {
	switch period {
	case trace.PeriodDay:
		return 1, nil
	case trace.PeriodWeek:
		return 7, nil
	case trace.PeriodMonth:
		return 30, nil
	default:
		return 0, fmt.Errorf("unknown forecast period %q", period)
	}
}

// GenerateCostForecast projects the next period from the daily usage rollup:
// daily average times window days times a trend multiplier from comparing the
// most recent seven days to the oldest seven in the historical window.
// Confidence falls as the daily series gets noisier, clamped to the
// configured band.
func (o *Optimizer) GenerateCostForecast(ctx context.Context, period string, historicalDays int) (*Forecast, error) {
	windowDays, err := forecastWindowDays(period)
	if err != nil {
		return nil, err
	}
	if historicalDays <= 0 {
		historicalDays = 30
	}

	now := time.Now().UTC()
	dayEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayStart := dayEnd.AddDate(0, 0, -historicalDays)

	rows, err := o.store.DailyUsageRange(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("cost forecast: %w", err)
	}

	forecast := &Forecast{
		Period:         period,
		WindowDays:     windowDays,
		HistoricalDays: historicalDays,
		Trend:          "stable",
		Confidence:     o.cfg.ConfidenceFloor,
	}
	if len(rows) == 0 {
		return forecast, nil
	}

	series := make([]float64, len(rows))
	var total float64
	for i, row := range rows {
		series[i] = row.TotalCost
		total += row.TotalCost
	}
	forecast.DailyAverage = total / float64(len(series))

	multiplier := 1.0
	if len(series) >= 14 {
		oldest := meanOf(series[:7])
		recent := meanOf(series[len(series)-7:])
		if oldest > 0 {
			ratio := recent / oldest
			switch {
			case ratio > 1.10:
				forecast.Trend = "increasing"
				multiplier = ratio
			case ratio < 0.90:
				forecast.Trend = "decreasing"
				multiplier = ratio
			}
		}
	}

	forecast.Projected = forecast.DailyAverage * float64(windowDays) * multiplier
	forecast.Confidence = o.clampConfidence(confidenceFromVariance(series, forecast.DailyAverage))
	return forecast, nil
}

// confidenceFromVariance maps the coefficient of variation of the daily
// series into (0, 1]: a flat series approaches 1, a noisy one approaches 0.
func confidenceFromVariance(series []float64, average float64) float64 {
	if len(series) < 2 || average <= 0 {
		return 0
	}
	var variance float64
	for _, value := range series {
		diff := value - average
		variance += diff * diff
	}
	variance /= float64(len(series))
	coefficient := math.Sqrt(variance) / average
	return 1 / (1 + coefficient)
}

func (o *Optimizer) clampConfidence(confidence float64) float64 {
	if confidence < o.cfg.ConfidenceFloor {
		return o.cfg.ConfidenceFloor
	}
	if confidence > o.cfg.ConfidenceCeiling {
		return o.cfg.ConfidenceCeiling
	}
	return confidence
}

func meanOf(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, value := range series {
		sum += value
	}
	return sum / float64(len(series))
}
