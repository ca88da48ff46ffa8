package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
)

// textStage is the shared shape of the five stages driven purely by a
// TextModel (concept, characters, plot, storyboard, dialogue). Each
// concrete stage supplies its own stage index, prompt builder, schema, and
// output validator; Execute itself is identical across all of them.
type textStage struct {
	stageIdx    domain.StageIndex
	model       aimodel.TextModel
	schemaName  string
	schema      map[string]any
	systemText  string
	buildUser   func(in Input) string
	checkInput  func(in Input) error
	checkOutput func(out map[string]any) error
}

func (s *textStage) Stage() domain.StageIndex { return s.stageIdx }

func (s *textStage) ValidateInput(ctx context.Context, in Input) error {
	if in.Session == nil {
		return fmt.Errorf("stage %s: nil session", s.stageIdx)
	}
	if s.checkInput != nil {
		return s.checkInput(in)
	}
	return nil
}

func (s *textStage) Execute(ctx context.Context, in Input) (any, error) {
	user := s.buildUser(in) + modificationsText(in)
	return s.model.GenerateJSON(ctx, s.systemText, user, s.schemaName, s.schema)
}

func (s *textStage) ValidateOutput(ctx context.Context, out any) error {
	obj, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("stage %s: output is not a JSON object", s.stageIdx)
	}
	if s.checkOutput != nil {
		return s.checkOutput(obj)
	}
	return nil
}

// marshalPrior renders a prior stage's output as compact JSON for inclusion
// in a downstream prompt; stage outputs are opaque maps (spec.md §3) so this
// is a generic projection rather than a typed serializer.
func marshalPrior(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func modificationsText(in Input) string {
	if len(in.Modifications) == 0 {
		return ""
	}
	b, _ := json.Marshal(in.Modifications)
	return fmt.Sprintf("\n\nApply these user-directed modifications:\n%s", string(b))
}

func requireKeys(obj map[string]any, keys ...string) error {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return fmt.Errorf("missing required key %q", k)
		}
	}
	return nil
}
