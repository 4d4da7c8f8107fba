// Package eval scores AI responses. Evaluators share one contract and a
// string-keyed registry; the tracing side consumes the composite score as the
// trace quality_score.
package eval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Request is one scoring call.
type Request struct {
	Prompt         string
	Response       string
	Context        string
	ExpectedOutput string
	EvaluatorID    string
	Metadata       map[string]any
}

// Result is one evaluation outcome. Score is always in [0, 1].
type Result struct {
	Score     float64
	Reasoning string
	Metadata  map[string]any
	Timestamp time.Time
}

// Evaluator scores one response.
type Evaluator interface {
	ID() string
	Evaluate(ctx context.Context, req Request) (*Result, error)
}

// Registry maps evaluator ids to instances.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

func NewRegistry(evaluators ...Evaluator) *Registry {
	registry := &Registry{evaluators: make(map[string]Evaluator, len(evaluators))}
	for _, evaluator := range evaluators {
		registry.evaluators[evaluator.ID()] = evaluator
	}
	return registry
}

func (r *Registry) Register(evaluator Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[evaluator.ID()] = evaluator
}

func (r *Registry) Get(id string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evaluator, ok := r.evaluators[id]
	return evaluator, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.evaluators))
	for id := range r.evaluators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evaluate dispatches to the evaluator named by req.EvaluatorID.
func (r *Registry) Evaluate(ctx context.Context, req Request) (*Result, error) {
	evaluator, ok := r.Get(req.EvaluatorID)
	if !ok {
		return nil, fmt.Errorf("unknown evaluator %q", req.EvaluatorID)
	}
	return evaluator.Evaluate(ctx, req)
}

// BatchEvaluate runs the requests in parallel, preserving input order.
// Per-request failures land in the errors slice at the same index.
func (r *Registry) BatchEvaluate(ctx context.Context, requests []Request) ([]*Result, []error) {
	results := make([]*Result, len(requests))
	errs := make([]error, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i], errs[i] = r.Evaluate(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return results, errs
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
