package aiclient

import "github.com/promptlab/engine/internal/trace"

type modelRates struct {
	inputPer1K  float64
	outputPer1K float64
}

// Per-1K-token USD rates. Unknown models fall back to defaultRates so cost
// accounting never silently records zero for a billable call.
var pricing = map[string]modelRates{
	"gpt-4o":        {inputPer1K: 0.005, outputPer1K: 0.015},
	"gpt-4o-mini":   {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gpt-4-turbo":   {inputPer1K: 0.01, outputPer1K: 0.03},
	"gpt-3.5-turbo": {inputPer1K: 0.0005, outputPer1K: 0.0015},
	"o1":            {inputPer1K: 0.015, outputPer1K: 0.06},
	"o1-mini":       {inputPer1K: 0.003, outputPer1K: 0.012},
	"simulated":     {inputPer1K: 0.001, outputPer1K: 0.002},
}

var defaultRates = modelRates{inputPer1K: 0.001, outputPer1K: 0.002}

// EstimateCost prices token usage for a model.
func EstimateCost(model string, usage Usage) trace.Cost {
	rates, ok := pricing[model]
	if !ok {
		rates = defaultRates
	}
	cost := trace.Cost{
		Input:  float64(usage.Input) / 1000 * rates.inputPer1K,
		Output: float64(usage.Output) / 1000 * rates.outputPer1K,
	}
	cost.Total = cost.Input + cost.Output
	return cost
}

// KnownModels lists every model with an explicit pricing entry.
func KnownModels() []string {
	models := make([]string, 0, len(pricing))
	for model := range pricing {
		models = append(models, model)
	}
	return models
}
