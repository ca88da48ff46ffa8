package stages

import (
	"fmt"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
)

// NewStoryboardWorker builds stage 4 (spec.md §6 "Name"): pages of panels
// with size, camera angle, description, and optional dialogue. Depends on
// stages 1-3; its output seeds stage 5's ImageTasks.
func NewStoryboardWorker(model aimodel.TextModel) Worker {
	return &textStage{
		stageIdx:   domain.StageStoryboard,
		model:      model,
		schemaName: "storyboard_v1",
		systemText: "You are a comic storyboard artist. Break the plot into pages of panels.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pages": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"panels": map[string]any{
								"type": "array",
								"items": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"size":         map[string]any{"type": "string"},
										"camera_angle": map[string]any{"type": "string"},
										"description":  map[string]any{"type": "string"},
										"dialogue":     map[string]any{"type": "string"},
									},
									"required": []string{"size", "camera_angle", "description"},
								},
							},
						},
						"required": []string{"panels"},
					},
				},
			},
			"required": []string{"pages"},
		},
		buildUser: func(in Input) string {
			plot := in.Prior[domain.StagePlot]
			characters := in.Prior[domain.StageCharacters]
			return fmt.Sprintf(
				"Plot:\n%s\n\nCharacters:\n%s",
				marshalPrior(plot), marshalPrior(characters),
			)
		},
		checkInput: func(in Input) error {
			for _, s := range []domain.StageIndex{domain.StageConcept, domain.StageCharacters, domain.StagePlot} {
				if _, ok := in.Prior[s]; !ok {
					return fmt.Errorf("storyboard stage requires stage %s output", s)
				}
			}
			return nil
		},
		checkOutput: func(obj map[string]any) error {
			return requireKeys(obj, "pages")
		},
	}
}
