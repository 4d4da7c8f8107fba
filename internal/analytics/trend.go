package analytics

// Trend labels.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// ClassifyTrend compares the average of the recent half of the series to the
// average of the older half. A change beyond ten percent in either direction
// labels the trend; anything inside the band is stable. This band is the
// system-wide convention, shared with aggregation and the cost optimizer.
func ClassifyTrend(series []float64) string {
	if len(series) < 2 {
		return TrendStable
	}

	half := len(series) / 2
	older := series[:half]
	recent := series[len(series)-half:]

	olderAvg := mean(older)
	recentAvg := mean(recent)

	if olderAvg == 0 {
		if recentAvg > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}

	change := (recentAvg - olderAvg) / olderAvg
	switch {
	case change > 0.10:
		return TrendIncreasing
	case change < -0.10:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, value := range series {
		sum += value
	}
	return sum / float64(len(series))
}
