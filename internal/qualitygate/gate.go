package qualitygate

import (
	"context"
	"fmt"

	"github.com/panelforge/engine/internal/domain"
)

// Verdict is the Quality Gate's decision for one stage attempt (spec.md
// §4.3).
type Verdict string

const (
	Pass     Verdict = "pass"
	Retry    Verdict = "retry"
	Fallback Verdict = "fallback"
)

// Decision is the outcome of evaluating one StageResult: a score plus what
// the engine should do next.
type Decision struct {
	Score   domain.QualityScore
	Verdict Verdict
	Reason  string
}

// Gate holds the configured category weights and pass threshold and runs
// the registered evaluators over a stage's output.
type Gate struct {
	registry  *Registry
	weights   map[string]float64
	threshold float64
	maxAttempts int
}

func NewGate(registry *Registry, weights map[string]float64, threshold float64, maxAttempts int) *Gate {
	return &Gate{registry: registry, weights: weights, threshold: threshold, maxAttempts: maxAttempts}
}

// Evaluate scores a stage attempt's output across every weighted category
// and applies the decision rule (spec.md §4.3): score >= threshold -> pass;
// score < threshold and attempt < max -> retry; otherwise -> fallback. An
// admin override forces pass and is recorded on the returned score so the
// caller can persist it to the version log.
func (g *Gate) Evaluate(ctx context.Context, stage domain.StageIndex, output any, attempt int, override bool) (Decision, error) {
	categories := make(map[string]float64, len(g.weights))
	var overall float64

	for name, weight := range g.weights {
		evaluator, ok := g.registry.Get(name)
		if !ok {
			return Decision{}, fmt.Errorf("qualitygate: no evaluator registered for category=%s", name)
		}
		score, err := evaluator.Evaluate(ctx, stage, output)
		if err != nil {
			return Decision{}, fmt.Errorf("qualitygate: category=%s: %w", name, err)
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		categories[name] = score
		overall += weight * score
	}

	qs := domain.QualityScore{Overall: overall, Categories: categories, Override: override}

	if override {
		return Decision{Score: qs, Verdict: Pass, Reason: "admin override"}, nil
	}
	if overall >= g.threshold {
		return Decision{Score: qs, Verdict: Pass, Reason: "score meets threshold"}, nil
	}
	if attempt < g.maxAttempts {
		return Decision{Score: qs, Verdict: Retry, Reason: "score below threshold, attempts remain"}, nil
	}
	return Decision{Score: qs, Verdict: Fallback, Reason: "score below threshold, attempts exhausted"}, nil
}
