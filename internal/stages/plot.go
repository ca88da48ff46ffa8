package stages

import (
	"fmt"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
)

// NewPlotWorker builds stage 3 (spec.md §6: act1/act2/act3, key-points,
// scene-breakdown). Depends on stages 1-2. HITL-enabled by default.
func NewPlotWorker(model aimodel.TextModel) Worker {
	return &textStage{
		stageIdx:   domain.StagePlot,
		model:      model,
		schemaName: "plot_v1",
		systemText: "You are a story editor. Build a three-act structure for this comic.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"act1":            map[string]any{"type": "string"},
				"act2":            map[string]any{"type": "string"},
				"act3":            map[string]any{"type": "string"},
				"key_points":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"scene_breakdown": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"act1", "act2", "act3", "key_points", "scene_breakdown"},
		},
		buildUser: func(in Input) string {
			concept := in.Prior[domain.StageConcept]
			characters := in.Prior[domain.StageCharacters]
			return fmt.Sprintf(
				"Submission text:\n%s\n\nConcept:\n%s\n\nCharacters:\n%s",
				in.Session.SubmissionText, marshalPrior(concept), marshalPrior(characters),
			)
		},
		checkInput: func(in Input) error {
			for _, s := range []domain.StageIndex{domain.StageConcept, domain.StageCharacters} {
				if _, ok := in.Prior[s]; !ok {
					return fmt.Errorf("plot stage requires stage %s output", s)
				}
			}
			return nil
		},
		checkOutput: func(obj map[string]any) error {
			return requireKeys(obj, "act1", "act2", "act3", "key_points", "scene_breakdown")
		},
	}
}
