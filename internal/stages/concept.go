package stages

import (
	"fmt"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
)

// NewConceptWorker builds stage 1 (spec.md §6: theme, genres, world-setting,
// target-audience, estimated-pages). It depends on the submission only.
func NewConceptWorker(model aimodel.TextModel) Worker {
	return &textStage{
		stageIdx:   domain.StageConcept,
		model:      model,
		schemaName: "concept_v1",
		systemText: "You are a comic concept architect. Read the submitted story and extract its core concept.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"theme":            map[string]any{"type": "string"},
				"genres":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"world_setting":    map[string]any{"type": "string"},
				"target_audience":  map[string]any{"type": "string"},
				"estimated_pages":  map[string]any{"type": "integer"},
			},
			"required": []string{"theme", "genres", "world_setting", "target_audience", "estimated_pages"},
		},
		buildUser: func(in Input) string {
			return fmt.Sprintf("Submission text:\n%s", in.Session.SubmissionText)
		},
		checkOutput: func(obj map[string]any) error {
			return requireKeys(obj, "theme", "genres", "world_setting", "target_audience", "estimated_pages")
		},
	}
}
