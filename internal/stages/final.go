package stages

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/panelforge/engine/internal/compositor"
	"github.com/panelforge/engine/internal/domain"
)

// finalWorker is stage 7: it composes the generated panel images and
// dialogue into finished pages (spec.md §6 "Final") using the compositor,
// and does not call a TextModel or ImageModel itself.
type finalWorker struct {
	compositor *compositor.Compositor
}

func NewFinalWorker(c *compositor.Compositor) Worker {
	return &finalWorker{compositor: c}
}

func (w *finalWorker) Stage() domain.StageIndex { return domain.StageFinal }

func (w *finalWorker) ValidateInput(ctx context.Context, in Input) error {
	for _, s := range []domain.StageIndex{domain.StageStoryboard, domain.StageSceneImages, domain.StageDialogue} {
		if _, ok := in.Prior[s]; !ok {
			return fmt.Errorf("final stage requires stage %s output", s)
		}
	}
	return nil
}

func (w *finalWorker) Execute(ctx context.Context, in Input) (any, error) {
	storyboard, _ := in.Prior[domain.StageStoryboard].(map[string]any)
	images, _ := in.Prior[domain.StageSceneImages].(map[string]any)
	dialogue, _ := in.Prior[domain.StageDialogue].(map[string]any)

	imageByPanel := indexImagesByPanel(images)
	bubblesByPanel := indexDialogueByPanel(dialogue)

	pagesAny, _ := storyboard["pages"].([]any)
	renderedPages := make([]map[string]any, 0, len(pagesAny))

	for pageIdx, pageAny := range pagesAny {
		page, ok := pageAny.(map[string]any)
		if !ok {
			continue
		}
		panelsAny, _ := page["panels"].([]any)
		render := compositor.Page{Number: pageIdx + 1}
		panelSummaries := make([]map[string]any, 0, len(panelsAny))

		for panelIdx, panelAny := range panelsAny {
			panel, ok := panelAny.(map[string]any)
			if !ok {
				continue
			}
			panelID := fmt.Sprintf("p%d-%d", pageIdx+1, panelIdx+1)
			sizeStr, _ := panel["size"].(string)
			render.Panels = append(render.Panels, compositor.PanelRender{
				PanelID: panelID,
				Image:   imageByPanel[panelID],
				Size:    sizeStr,
				Bubbles: bubblesByPanel[panelID],
			})
			panelSummaries = append(panelSummaries, map[string]any{"panel_id": panelID, "size": sizeStr})
		}

		rendered, err := w.compositor.RenderPage(render)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", pageIdx+1, err)
		}
		renderedPages = append(renderedPages, map[string]any{
			"image":  base64.StdEncoding.EncodeToString(rendered.PNG),
			"panels": panelSummaries,
		})
	}

	return map[string]any{
		"pages":          renderedPages,
		"quality-scores": qualityScoresByStage(in.Quality),
		"stats": map[string]any{
			"page_count": len(renderedPages),
		},
		"output_pointer": fmt.Sprintf("session:%s:final", in.Session.ID),
	}, nil
}

func (w *finalWorker) ValidateOutput(ctx context.Context, out any) error {
	obj, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("final stage: output is not a JSON object")
	}
	if _, ok := obj["pages"]; !ok {
		return fmt.Errorf("final stage: missing pages")
	}
	return nil
}

// indexImagesByPanel resolves stage-5's images[{panel id, url|bytes, prompt,
// cache-hit}] entries (spec.md §6) into raw panel bytes for the compositor.
// An entry with no bytes (a placeholder result, or a url-only CDN-backed
// result this worker doesn't fetch) renders as a placeholder panel border.
func indexImagesByPanel(images map[string]any) map[string][]byte {
	out := map[string][]byte{}
	list, _ := images["images"].([]any)
	for _, itemAny := range list {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		panelID, _ := item["panel_id"].(string)
		if panelID == "" {
			continue
		}
		encoded, _ := item["bytes"].(string)
		if encoded == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		out[panelID] = raw
	}
	return out
}

// qualityScoresByStage flattens the quality gate's per-stage verdicts into
// the plain-JSON shape spec.md §6 names for stage 7's output.
func qualityScoresByStage(quality map[domain.StageIndex]domain.QualityScore) map[string]any {
	out := make(map[string]any, len(quality))
	for stage, score := range quality {
		out[stage.String()] = map[string]any{
			"overall":    score.Overall,
			"categories": score.Categories,
			"override":   score.Override,
		}
	}
	return out
}

func indexDialogueByPanel(dialogue map[string]any) map[string][]compositor.Bubble {
	out := map[string][]compositor.Bubble{}
	list, _ := dialogue["dialogues"].([]any)
	for _, itemAny := range list {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		panelID, _ := item["panel_id"].(string)
		character, _ := item["character"].(string)
		text, _ := item["text"].(string)
		bubbleType, _ := item["bubble_type"].(string)
		if panelID == "" {
			continue
		}
		out[panelID] = append(out[panelID], compositor.Bubble{
			Character:  character,
			Text:       text,
			BubbleType: bubbleType,
		})
	}
	return out
}
