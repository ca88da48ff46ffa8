package stages

import (
	"fmt"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
)

// NewDialogueWorker builds stage 6 (spec.md §6: dialogues[], sound-effects[]).
// Depends on every prior stage including the stage-5 image results, since
// dialogue placement reacts to what was actually rendered. HITL-enabled by
// default.
func NewDialogueWorker(model aimodel.TextModel) Worker {
	return &textStage{
		stageIdx:   domain.StageDialogue,
		model:      model,
		schemaName: "dialogue_v1",
		systemText: "You are a comic letterer. Write dialogue and sound effects for the rendered panels.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dialogues": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"character":   map[string]any{"type": "string"},
							"text":        map[string]any{"type": "string"},
							"bubble_type": map[string]any{"type": "string"},
							"panel_id":    map[string]any{"type": "string"},
						},
						"required": []string{"character", "text", "bubble_type", "panel_id"},
					},
				},
				"sound_effects": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"dialogues", "sound_effects"},
		},
		buildUser: func(in Input) string {
			storyboard := in.Prior[domain.StageStoryboard]
			images := in.Prior[domain.StageSceneImages]
			return fmt.Sprintf("Storyboard:\n%s\n\nRendered panels:\n%s", marshalPrior(storyboard), marshalPrior(images))
		},
		checkInput: func(in Input) error {
			for _, s := range []domain.StageIndex{domain.StageStoryboard, domain.StageSceneImages} {
				if _, ok := in.Prior[s]; !ok {
					return fmt.Errorf("dialogue stage requires stage %s output", s)
				}
			}
			return nil
		},
		checkOutput: func(obj map[string]any) error {
			return requireKeys(obj, "dialogues", "sound_effects")
		},
	}
}
