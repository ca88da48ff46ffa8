package qualitygate

import (
	"context"

	"github.com/panelforge/engine/internal/domain"
)

// Default evaluators are structural heuristics over a stage's decoded JSON
// output. They are intentionally simple: spec.md frames every category as
// "pluggable", so a real deployment swaps these for model-graded or
// human-calibrated scorers registered under the same category names.

type heuristicEvaluator struct {
	category string
	score    func(stage domain.StageIndex, output any) float64
}

func (h *heuristicEvaluator) Category() string { return h.category }

func (h *heuristicEvaluator) Evaluate(ctx context.Context, stage domain.StageIndex, output any) (float64, error) {
	return h.score(stage, output), nil
}

// RegisterDefaults installs one heuristic evaluator per published category
// (spec.md §4.3) into the registry.
func RegisterDefaults(reg *Registry) error {
	evaluators := []*heuristicEvaluator{
		{category: "visual-consistency", score: scoreVisualConsistency},
		{category: "narrative-coherence", score: scoreNarrativeCoherence},
		{category: "technical-quality", score: scoreTechnicalQuality},
		{category: "readability", score: scoreReadability},
		{category: "pacing-flow", score: scorePacingFlow},
		{category: "character-development", score: scoreCharacterDevelopment},
		{category: "artistic-appeal", score: scoreArtisticAppeal},
	}
	for _, e := range evaluators {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func asObject(output any) map[string]any {
	obj, _ := output.(map[string]any)
	return obj
}

func nonEmptyList(obj map[string]any, key string) []any {
	list, _ := obj[key].([]any)
	return list
}

// scoreVisualConsistency rewards scene-images output where every panel task
// produced a non-placeholder image; penalizes placeholders proportionally.
func scoreVisualConsistency(stage domain.StageIndex, output any) float64 {
	if stage != domain.StageSceneImages {
		return 0.85
	}
	obj := asObject(output)
	images := nonEmptyList(obj, "images")
	if len(images) == 0 {
		return 0.5
	}
	placeholders := 0
	for _, imgAny := range images {
		img, ok := imgAny.(map[string]any)
		if !ok {
			continue
		}
		if ph, _ := img["placeholder"].(bool); ph {
			placeholders++
		}
	}
	return 1.0 - float64(placeholders)/float64(len(images))*0.6
}

// scoreNarrativeCoherence checks the plot stage carries all three acts and
// at least one scene in its breakdown.
func scoreNarrativeCoherence(stage domain.StageIndex, output any) float64 {
	if stage != domain.StagePlot {
		return 0.85
	}
	obj := asObject(output)
	score := 0.4
	if s, _ := obj["act1"].(string); s != "" {
		score += 0.2
	}
	if s, _ := obj["act2"].(string); s != "" {
		score += 0.2
	}
	if s, _ := obj["act3"].(string); s != "" {
		score += 0.1
	}
	if len(nonEmptyList(obj, "scene_breakdown")) > 0 {
		score += 0.1
	}
	return score
}

// scoreTechnicalQuality checks storyboard panels all declare a size and
// camera angle, a proxy for a technically complete shot list.
func scoreTechnicalQuality(stage domain.StageIndex, output any) float64 {
	if stage != domain.StageStoryboard {
		return 0.85
	}
	obj := asObject(output)
	pages := nonEmptyList(obj, "pages")
	if len(pages) == 0 {
		return 0.5
	}
	total, complete := 0, 0
	for _, pageAny := range pages {
		page, ok := pageAny.(map[string]any)
		if !ok {
			continue
		}
		for _, panelAny := range nonEmptyList(page, "panels") {
			panel, ok := panelAny.(map[string]any)
			if !ok {
				continue
			}
			total++
			size, _ := panel["size"].(string)
			angle, _ := panel["camera_angle"].(string)
			if size != "" && angle != "" {
				complete++
			}
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(complete) / float64(total)
}

// scoreReadability checks dialogue entries carry both character and text.
func scoreReadability(stage domain.StageIndex, output any) float64 {
	if stage != domain.StageDialogue {
		return 0.85
	}
	obj := asObject(output)
	dialogues := nonEmptyList(obj, "dialogues")
	if len(dialogues) == 0 {
		return 0.7
	}
	complete := 0
	for _, dAny := range dialogues {
		d, ok := dAny.(map[string]any)
		if !ok {
			continue
		}
		character, _ := d["character"].(string)
		text, _ := d["text"].(string)
		if character != "" && text != "" {
			complete++
		}
	}
	return float64(complete) / float64(len(dialogues))
}

// scorePacingFlow rewards a storyboard page count in a plausible range for
// the estimated page count from concept.
func scorePacingFlow(stage domain.StageIndex, output any) float64 {
	if stage != domain.StageStoryboard {
		return 0.85
	}
	obj := asObject(output)
	pages := nonEmptyList(obj, "pages")
	switch {
	case len(pages) == 0:
		return 0.5
	case len(pages) < 2:
		return 0.65
	default:
		return 0.9
	}
}

// scoreCharacterDevelopment rewards a characters stage output where every
// character has appearance and personality populated.
func scoreCharacterDevelopment(stage domain.StageIndex, output any) float64 {
	if stage != domain.StageCharacters {
		return 0.85
	}
	obj := asObject(output)
	characters := nonEmptyList(obj, "characters")
	if len(characters) == 0 {
		return 0.5
	}
	complete := 0
	for _, cAny := range characters {
		c, ok := cAny.(map[string]any)
		if !ok {
			continue
		}
		appearance, _ := c["appearance"].(string)
		personality, _ := c["personality"].(string)
		if appearance != "" && personality != "" {
			complete++
		}
	}
	return float64(complete) / float64(len(characters))
}

// scoreArtisticAppeal is the one category with no structural proxy in any
// stage's JSON shape; it defaults to a flat passing score pending a
// model-graded or human-calibrated evaluator.
func scoreArtisticAppeal(stage domain.StageIndex, output any) float64 {
	return 0.80
}
