package stages

import (
	"fmt"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
)

// NewCharactersWorker builds stage 2 (spec.md §6: characters[]). Depends on
// stage 1's output.
func NewCharactersWorker(model aimodel.TextModel) Worker {
	return &textStage{
		stageIdx:   domain.StageCharacters,
		model:      model,
		schemaName: "characters_v1",
		systemText: "You are a character designer. Derive a cast that fits the given concept.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"characters": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":        map[string]any{"type": "string"},
							"role":        map[string]any{"type": "string"},
							"appearance":  map[string]any{"type": "string"},
							"personality": map[string]any{"type": "string"},
						},
						"required": []string{"name", "role", "appearance", "personality"},
					},
				},
			},
			"required": []string{"characters"},
		},
		buildUser: func(in Input) string {
			concept := in.Prior[domain.StageConcept]
			return fmt.Sprintf("Submission text:\n%s\n\nConcept:\n%s", in.Session.SubmissionText, marshalPrior(concept))
		},
		checkInput: func(in Input) error {
			if _, ok := in.Prior[domain.StageConcept]; !ok {
				return fmt.Errorf("characters stage requires stage 1 output")
			}
			return nil
		},
		checkOutput: func(obj map[string]any) error {
			return requireKeys(obj, "characters")
		},
	}
}
