package imagefanout

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/config"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/resourcepool"
)

func testExecutor(t *testing.T, model aimodel.ImageModel) (*Executor, Cache) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatal(err)
	}
	cache := NewInMemoryCache()
	cfg := Config{
		PerSessionCap:  5,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		JitterFrac:     0,
		CacheTTLByQuality: map[string]time.Duration{
			"medium": time.Minute,
		},
	}
	return NewExecutor(log, model, cache, cfg, semaphore.NewWeighted(100), nil), cache
}

func TestExecutorCacheRoundTrip(t *testing.T) {
	fake := aimodel.NewFakeImageModel()
	exec, _ := testExecutor(t, fake)
	sessionID := uuid.New()
	task := domain.ImageTask{SessionID: sessionID, PanelID: "p1", Prompt: "a hero", MaxAttempts: 3}

	rep1, err := exec.Run(context.Background(), domain.QualityMedium, []domain.ImageTask{task})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if rep1.Outcomes[0].Result.CacheHit {
		t.Fatal("first run should be a cache miss")
	}

	rep2, err := exec.Run(context.Background(), domain.QualityMedium, []domain.ImageTask{task})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !rep2.Outcomes[0].Result.CacheHit {
		t.Fatal("second run should hit cache")
	}
	if string(rep1.Outcomes[0].Result.Bytes) != string(rep2.Outcomes[0].Result.Bytes) {
		t.Fatal("cached bytes must be identical")
	}
	if len(fake.Calls) != 1 {
		t.Fatalf("expected exactly 1 model call, got %d", len(fake.Calls))
	}
}

func TestExecutorRecordsCacheLookupsAgainstPoolMetricsWithoutPanicking(t *testing.T) {
	log, err := logger.New("dev")
	if err != nil {
		t.Fatal(err)
	}
	pool := resourcepool.New(config.Default())
	cache := NewInMemoryCache()
	cfg := Config{
		PerSessionCap:  5,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		CacheTTLByQuality: map[string]time.Duration{
			"medium": time.Minute,
		},
	}
	exec := NewExecutor(log, aimodel.NewFakeImageModel(), cache, cfg, semaphore.NewWeighted(100), pool.Metrics())

	task := domain.ImageTask{SessionID: uuid.New(), PanelID: "p1", Prompt: "a hero", MaxAttempts: 1}
	if _, err := exec.Run(context.Background(), domain.QualityMedium, []domain.ImageTask{task}); err != nil {
		t.Fatalf("first run (cache miss): %v", err)
	}
	if _, err := exec.Run(context.Background(), domain.QualityMedium, []domain.ImageTask{task}); err != nil {
		t.Fatalf("second run (cache hit): %v", err)
	}
}

func TestExecutorRetryThenSuccess(t *testing.T) {
	fake := aimodel.NewFakeImageModel()
	fake.FailuresBeforeSuccess = 1
	exec, _ := testExecutor(t, fake)
	task := domain.ImageTask{SessionID: uuid.New(), PanelID: "p1", Prompt: "retry-me", MaxAttempts: 3}

	rep, err := exec.Run(context.Background(), domain.QualityMedium, []domain.ImageTask{task})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcomes[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts (1 failure + 1 success), got %d", rep.Outcomes[0].Attempts)
	}
	if rep.Outcomes[0].Result.Placeholder {
		t.Fatal("should have succeeded on second attempt, not fallen back to placeholder")
	}
}

func TestExecutorContentPolicyYieldsPlaceholderImmediately(t *testing.T) {
	exec, _ := testExecutor(t, &contentPolicyModel{})
	task := domain.ImageTask{SessionID: uuid.New(), PanelID: "p1", Prompt: "blocked", MaxAttempts: 3}

	rep, err := exec.Run(context.Background(), domain.QualityMedium, []domain.ImageTask{task})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Outcomes[0].Result.Placeholder {
		t.Fatal("content policy violation should yield a placeholder")
	}
	if rep.Outcomes[0].Attempts != 1 {
		t.Fatalf("content policy should terminate after exactly 1 attempt, got %d", rep.Outcomes[0].Attempts)
	}
}

type contentPolicyModel struct{}

func (c *contentPolicyModel) GenerateImage(ctx context.Context, prompt, negativePrompt string, style map[string]string) (aimodel.ImageGeneration, error) {
	return aimodel.ImageGeneration{}, &aimodel.ErrContentPolicy{Reason: "blocked content"}
}

func TestPriorityOfOrdering(t *testing.T) {
	tasks := []domain.ImageTask{
		{PanelID: "z", PageNumber: 2, Size: domain.PanelSizeSmall, Tone: domain.ToneNeutral},
		{PanelID: "a", PageNumber: 1, Size: domain.PanelSizeSplash, Tone: domain.ToneClimax},
	}
	q := newTaskQueue(tasks)
	first := (*q)[0]
	for _, it := range *q {
		if it.priority > first.priority {
			first = it
		}
	}
	if first.task.PanelID != "a" {
		t.Fatalf("expected panel 'a' to have the higher priority, got %s", first.task.PanelID)
	}
}
