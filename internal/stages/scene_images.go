package stages

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/imagefanout"
)

// sceneImagesWorker is stage 5: it delegates concurrency, retry, caching,
// and circuit-breaking entirely to imagefanout.Executor (C2), translating
// the stage-4 storyboard into ImageTasks and the executor's Report back
// into the stage-5 output shape (spec.md §6).
type sceneImagesWorker struct {
	exec *imagefanout.Executor
}

func NewSceneImagesWorker(exec *imagefanout.Executor) Worker {
	return &sceneImagesWorker{exec: exec}
}

func (w *sceneImagesWorker) Stage() domain.StageIndex { return domain.StageSceneImages }

func (w *sceneImagesWorker) ValidateInput(ctx context.Context, in Input) error {
	if _, ok := in.Prior[domain.StageStoryboard]; !ok {
		return fmt.Errorf("scene images stage requires stage %s output", domain.StageStoryboard)
	}
	return nil
}

func (w *sceneImagesWorker) Execute(ctx context.Context, in Input) (any, error) {
	tasks, err := tasksFromStoryboard(in)
	if err != nil {
		return nil, err
	}
	report, err := w.exec.Run(ctx, in.Session.Options.Quality, tasks)
	if err != nil {
		return nil, err
	}

	images := make([]map[string]any, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		entry := map[string]any{
			"panel_id":  o.Result.PanelID,
			"prompt":    o.Result.Prompt,
			"cache_hit": o.Result.CacheHit,
		}
		if len(o.Result.Bytes) > 0 {
			entry["bytes_len"] = len(o.Result.Bytes)
			entry["bytes"] = base64.StdEncoding.EncodeToString(o.Result.Bytes)
		}
		if o.Result.URL != "" {
			entry["url"] = o.Result.URL
		}
		if o.Result.Placeholder {
			entry["placeholder"] = true
		}
		images = append(images, entry)
	}
	return map[string]any{
		"images":     images,
		"efficiency": report.Efficiency,
	}, nil
}

func (w *sceneImagesWorker) ValidateOutput(ctx context.Context, out any) error {
	obj, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("scene images stage: output is not a JSON object")
	}
	if _, ok := obj["images"]; !ok {
		return fmt.Errorf("scene images stage: missing images")
	}
	return nil
}

// tasksFromStoryboard walks the stage-4 output's pages/panels and builds one
// ImageTask per panel, computing priority per spec.md §4.2.
func tasksFromStoryboard(in Input) ([]domain.ImageTask, error) {
	storyboard, ok := in.Prior[domain.StageStoryboard].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("storyboard output is not a JSON object")
	}
	pagesAny, _ := storyboard["pages"].([]any)
	tasks := make([]domain.ImageTask, 0, len(pagesAny))

	for pageIdx, pageAny := range pagesAny {
		page, ok := pageAny.(map[string]any)
		if !ok {
			continue
		}
		panelsAny, _ := page["panels"].([]any)
		for panelIdx, panelAny := range panelsAny {
			panel, ok := panelAny.(map[string]any)
			if !ok {
				continue
			}
			description, _ := panel["description"].(string)
			sizeStr, _ := panel["size"].(string)
			panelID := fmt.Sprintf("p%d-%d", pageIdx+1, panelIdx+1)

			task := domain.ImageTask{
				SessionID:  in.Session.ID,
				PanelID:    panelID,
				Prompt:     description,
				PageNumber: pageIdx + 1,
				Size:       domain.PanelSize(sizeStr),
				Tone:       domain.ToneNeutral,
			}
			task.CacheKey = imagefanout.CacheKeyOf(task.Prompt, task.NegativePrompt, task.Style)
			task.Priority = domain.PriorityOf(task)
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}
