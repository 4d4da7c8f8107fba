package eval

import (
	"context"
	"fmt"
	"time"
)

// CompositeEvaluator runs a weighted set of sub-evaluators. Weights are
// normalized to sum to one; when a sub-evaluator fails, the remaining weights
// are renormalized over the evaluators that succeeded. The composite itself
// fails only when every sub-evaluator fails, in which case it scores 0.
type CompositeEvaluator struct {
	id       string
	registry *Registry
	weights  map[string]float64
}

func NewCompositeEvaluator(id string, registry *Registry, weights map[string]float64) *CompositeEvaluator {
	normalized := make(map[string]float64, len(weights))
	var sum float64
	for _, weight := range weights {
		sum += weight
	}
	if sum > 0 {
		for evaluatorID, weight := range weights {
			normalized[evaluatorID] = weight / sum
		}
	}
	return &CompositeEvaluator{id: id, registry: registry, weights: normalized}
}

// DefaultQualityWeights is the weighting used for the trace quality score.
var DefaultQualityWeights = map[string]float64{
	"relevance":   0.35,
	"coherence":   0.25,
	"helpfulness": 0.25,
	"safety":      0.15,
}

func (e *CompositeEvaluator) ID() string {
	return e.id
}

func (e *CompositeEvaluator) Evaluate(ctx context.Context, req Request) (*Result, error) {
	type subResult struct {
		id     string
		weight float64
		result *Result
	}

	succeeded := make([]subResult, 0, len(e.weights))
	failures := make(map[string]string)

	for evaluatorID, weight := range e.weights {
		sub, ok := e.registry.Get(evaluatorID)
		if !ok {
			failures[evaluatorID] = "not registered"
			continue
		}
		subReq := req
		subReq.EvaluatorID = evaluatorID
		result, err := sub.Evaluate(ctx, subReq)
		if err != nil || result == nil {
			if err != nil {
				failures[evaluatorID] = err.Error()
			} else {
				failures[evaluatorID] = "nil result"
			}
			continue
		}
		succeeded = append(succeeded, subResult{id: evaluatorID, weight: weight, result: result})
	}

	now := time.Now().UTC()
	if len(succeeded) == 0 {
		return &Result{
			Score:     0,
			Reasoning: "all sub-evaluators failed",
			Metadata: map[string]any{
				"evaluator": e.id,
				"failures":  failures,
			},
			Timestamp: now,
		}, nil
	}

	var weightSum float64
	for _, sub := range succeeded {
		weightSum += sub.weight
	}

	var score float64
	scores := make(map[string]float64, len(succeeded))
	for _, sub := range succeeded {
		score += sub.result.Score * (sub.weight / weightSum)
		scores[sub.id] = sub.result.Score
	}

	metadata := map[string]any{
		"evaluator":  e.id,
		"sub_scores": scores,
	}
	if len(failures) > 0 {
		metadata["failures"] = failures
	}

	return &Result{
		Score:     clampScore(score),
		Reasoning: fmt.Sprintf("weighted composite of %d sub-evaluators", len(succeeded)),
		Metadata:  metadata,
		Timestamp: now,
	}, nil
}

// NewDefaultRegistry wires the standard evaluator set: the three LLM-judged
// dimensions, rule-based safety, and the composite/quality pair.
func NewDefaultRegistry(judge JudgeCaller) (*Registry, error) {
	registry := NewRegistry(SafetyEvaluator{})

	for _, id := range []string{"relevance", "coherence", "helpfulness"} {
		evaluator, err := NewLLMEvaluator(id, judge)
		if err != nil {
			return nil, err
		}
		registry.Register(evaluator)
	}

	registry.Register(NewCompositeEvaluator("composite", registry, DefaultQualityWeights))
	registry.Register(NewCompositeEvaluator("quality", registry, DefaultQualityWeights))
	return registry, nil
}
