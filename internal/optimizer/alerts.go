package optimizer

import (
	"context"
	"fmt"
	"time"
)

// Alert severities.
const (
	AlertSeverityCritical = "critical"
	AlertSeverityWarning  = "warning"
)

// CostAlert is one triggered spend condition.
type CostAlert struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
	Amount   float64 `json:"amount"`
}

// GetCostAlerts checks yesterday's spend against the daily budget, against
// the trailing seven-day daily average, and for any single model dominating
// the day's spend.
func (o *Optimizer) GetCostAlerts(ctx context.Context) ([]CostAlert, error) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	alerts := make([]CostAlert, 0, 3)

	rows, err := o.store.DailyUsageRange(ctx, yesterday.AddDate(0, 0, -7), today)
	if err != nil {
		return nil, fmt.Errorf("cost alerts: %w", err)
	}

	var yesterdayCost float64
	var trailingSum float64
	var trailingDays int
	for _, row := range rows {
		if row.Day.Equal(yesterday) {
			yesterdayCost = row.TotalCost
			continue
		}
		trailingSum += row.TotalCost
		trailingDays++
	}

	if yesterdayCost > o.cfg.DailyBudgetUSD {
		alerts = append(alerts, CostAlert{
			Type:     "budget_exceeded",
			Severity: AlertSeverityCritical,
			Message:  fmt.Sprintf("Yesterday's spend $%.2f exceeded the daily budget of $%.2f", yesterdayCost, o.cfg.DailyBudgetUSD),
			Amount:   yesterdayCost,
		})
	}

	if trailingDays > 0 {
		trailingAvg := trailingSum / float64(trailingDays)
		if trailingAvg > 0 && yesterdayCost > trailingAvg*o.cfg.SpikeMultiplier {
			alerts = append(alerts, CostAlert{
				Type:     "spend_spike",
				Severity: AlertSeverityWarning,
				Message:  fmt.Sprintf("Yesterday's spend $%.2f is %.1fx the trailing 7-day average of $%.2f", yesterdayCost, yesterdayCost/trailingAvg, trailingAvg),
				Amount:   yesterdayCost,
			})
		}
	}

	traces, err := o.store.TracesInRange(ctx, yesterday, today)
	if err != nil {
		return nil, fmt.Errorf("cost alerts: %w", err)
	}
	modelCosts := make(map[string]float64)
	var dayTotal float64
	for _, item := range traces {
		if item.Cost == nil {
			continue
		}
		modelCosts[item.ModelID] += item.Cost.Total
		dayTotal += item.Cost.Total
	}
	if dayTotal > 0 {
		for modelID, cost := range modelCosts {
			if cost/dayTotal > o.cfg.ModelShareAlert {
				alerts = append(alerts, CostAlert{
					Type:     "model_concentration",
					Severity: AlertSeverityWarning,
					Message:  fmt.Sprintf("%s accounted for %.0f%% of yesterday's spend", modelID, cost/dayTotal*100),
					Amount:   cost,
				})
			}
		}
	}

	return alerts, nil
}
