package qualitygate

import (
	"context"
	"testing"

	"github.com/panelforge/engine/internal/domain"
)

func fixedEvaluator(category string, score float64) *heuristicEvaluator {
	return &heuristicEvaluator{category: category, score: func(domain.StageIndex, any) float64 { return score }}
}

func singleCategoryGate(t *testing.T, score, threshold float64, maxAttempts int) *Gate {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(fixedEvaluator("only", score)); err != nil {
		t.Fatal(err)
	}
	return NewGate(reg, map[string]float64{"only": 1.0}, threshold, maxAttempts)
}

func TestGatePassesAtThreshold(t *testing.T) {
	g := singleCategoryGate(t, 0.70, 0.70, 3)
	d, err := g.Evaluate(context.Background(), domain.StagePlot, map[string]any{}, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != Pass {
		t.Fatalf("expected pass at exact threshold, got %s", d.Verdict)
	}
}

func TestGateRetriesBelowThresholdWithAttemptsRemaining(t *testing.T) {
	g := singleCategoryGate(t, 0.50, 0.70, 3)
	d, err := g.Evaluate(context.Background(), domain.StagePlot, map[string]any{}, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != Retry {
		t.Fatalf("expected retry, got %s", d.Verdict)
	}
}

func TestGateFallsBackWhenAttemptsExhausted(t *testing.T) {
	g := singleCategoryGate(t, 0.50, 0.70, 3)
	d, err := g.Evaluate(context.Background(), domain.StagePlot, map[string]any{}, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != Fallback {
		t.Fatalf("expected fallback, got %s", d.Verdict)
	}
}

func TestGateAdminOverrideForcesPassRegardlessOfScore(t *testing.T) {
	g := singleCategoryGate(t, 0.10, 0.70, 3)
	d, err := g.Evaluate(context.Background(), domain.StagePlot, map[string]any{}, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != Pass {
		t.Fatalf("expected override to force pass, got %s", d.Verdict)
	}
	if !d.Score.Override {
		t.Fatal("expected QualityScore.Override to be recorded true")
	}
}

func TestRegisterDefaultsCoversAllPublishedCategories(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterDefaults(reg); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"visual-consistency", "narrative-coherence", "technical-quality",
		"readability", "pacing-flow", "character-development", "artistic-appeal",
	}
	for _, c := range want {
		if _, ok := reg.Get(c); !ok {
			t.Fatalf("missing default evaluator for category %s", c)
		}
	}
}

func TestRegisterDefaultsRejectsDuplicateCategory(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(fixedEvaluator("visual-consistency", 0.5)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(fixedEvaluator("visual-consistency", 0.9)); err == nil {
		t.Fatal("expected duplicate category registration to fail")
	}
}
