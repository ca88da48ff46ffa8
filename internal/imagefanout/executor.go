package imagefanout

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/resourcepool"
)

// Config is C2's tunables, sourced from the shared process Config.
type Config struct {
	PerSessionCap  int64
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	JitterFrac     float64
	CacheTTLByQuality map[string]time.Duration
}

// Executor fans ImageTasks out under a bounded per-session semaphore plus a
// global one shared across all sessions, in priority order, with retry,
// content-addressed caching, and a circuit breaker guarding the backend
// (grounded on internal/jobs/learning/steps/node_figures_render.go's
// errgroup.SetLimit fan-out, generalized to priority ordering + retry since
// the teacher's fan-out had neither).
type Executor struct {
	log     *logger.Logger
	model   aimodel.ImageModel
	cache   Cache
	cfg     Config
	global  *semaphore.Weighted
	cb      *gobreaker.CircuitBreaker
	metrics *resourcepool.Metrics
}

// global is the process-wide image-task admission gate. Callers pass in
// internal/resourcepool's shared semaphore (Pool.ImageSemaphore) so the
// fan-out executor and the resource pool's metrics both observe the same
// global cap instead of keeping two independent counters; tests may pass a
// freshly constructed one. metrics feeds spec.md §4.8's cache-hit-rate
// instrument directly from the cache lookups this executor makes; a nil
// metrics recorder is valid and simply skips recording (tests constructing
// an Executor without a resourcepool.Pool).
func NewExecutor(log *logger.Logger, model aimodel.ImageModel, cache Cache, cfg Config, global *semaphore.Weighted, metrics *resourcepool.Metrics) *Executor {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "imagefanout",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	return &Executor{
		log:     log.With("component", "imagefanout"),
		model:   model,
		cache:   cache,
		cfg:     cfg,
		global:  global,
		cb:      cb,
		metrics: metrics,
	}
}

// Outcome is one task's final result plus the attempts it took.
type Outcome struct {
	Result   domain.ImageResult
	Attempts int
}

// Report is the aggregate result of one Run call (spec.md §4.2).
type Report struct {
	Outcomes  []Outcome
	Efficiency float64
}

// Run fans a session's image tasks out under the per-session cap, admits in
// priority order, and returns once every task has a terminal ImageResult or
// ctx is cancelled.
func (e *Executor) Run(ctx context.Context, quality domain.Quality, tasks []domain.ImageTask) (Report, error) {
	if len(tasks) == 0 {
		return Report{}, nil
	}
	pq := newTaskQueue(tasks)
	sessionSem := semaphore.NewWeighted(e.cfg.PerSessionCap)

	var (
		mu       sync.Mutex
		outcomes = make([]Outcome, len(tasks))
		perTaskElapsed = make([]time.Duration, 0, len(tasks))
	)

	start := time.Now()
	var wg sync.WaitGroup
	var firstErr error

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*taskItem)
		if ctx.Err() != nil {
			break
		}
		if err := sessionSem.Acquire(ctx, 1); err != nil {
			firstErr = err
			break
		}
		if err := e.global.Acquire(ctx, 1); err != nil {
			sessionSem.Release(1)
			firstErr = err
			break
		}
		wg.Add(1)
		idx := item.index
		task := item.task
		go func() {
			defer wg.Done()
			defer sessionSem.Release(1)
			defer e.global.Release(1)

			taskStart := time.Now()
			result, attempts := e.runOne(ctx, quality, task)
			elapsed := time.Since(taskStart)

			mu.Lock()
			outcomes[idx] = Outcome{Result: result, Attempts: attempts}
			perTaskElapsed = append(perTaskElapsed, elapsed)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return Report{Outcomes: outcomes}, firstErr
	}

	wallTime := time.Since(start)
	efficiency := efficiencyScore(wallTime, perTaskElapsed, int(e.cfg.PerSessionCap))
	return Report{Outcomes: outcomes, Efficiency: efficiency}, nil
}

// runOne drives a single task through cache lookup, retry/backoff, and the
// circuit breaker, never returning an error: a terminal failure yields a
// placeholder result instead (spec.md §4.2, §7 "the engine never raises
// user-visible exceptions from background stages").
func (e *Executor) runOne(ctx context.Context, quality domain.Quality, task domain.ImageTask) (domain.ImageResult, int) {
	key := task.CacheKey
	if key == "" {
		key = CacheKeyOf(task.Prompt, task.NegativePrompt, task.Style)
	}

	cached, ok, err := e.cache.Get(ctx, key)
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(ctx, ok && err == nil)
	}
	if err == nil && ok {
		cached.CacheHit = true
		return cached, 0
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return placeholderResult(task, attempt, time.Since(start)), attempt
		}

		genAny, err := e.cb.Execute(func() (any, error) {
			return e.model.GenerateImage(ctx, task.Prompt, task.NegativePrompt, task.Style)
		})
		if err == nil {
			gen := genAny.(aimodel.ImageGeneration)
			result := domain.ImageResult{
				SessionID: task.SessionID,
				PanelID:   task.PanelID,
				Bytes:     gen.Bytes,
				Prompt:    task.Prompt,
				Attempts:  attempt,
				ElapsedMS: time.Since(start).Milliseconds(),
				CreatedAt: time.Now().UTC(),
			}
			_ = e.cache.Put(ctx, key, result, TTLForQuality(e.cfg.CacheTTLByQuality, quality))
			return result, attempt
		}

		lastErr = err
		var policyErr *aimodel.ErrContentPolicy
		if errors.As(err, &policyErr) {
			e.log.Warn("image task hit content policy, yielding placeholder", "panel", task.PanelID)
			return placeholderResult(task, attempt, time.Since(start)), attempt
		}
		if attempt == maxAttempts {
			break
		}
		time.Sleep(backoffWithJitter(attempt, e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, e.cfg.JitterFrac))
	}

	e.log.Warn("image task exhausted attempts, yielding placeholder", "panel", task.PanelID, "error", lastErr)
	return placeholderResult(task, maxAttempts, time.Since(start)), maxAttempts
}

func placeholderResult(task domain.ImageTask, attempts int, elapsed time.Duration) domain.ImageResult {
	return domain.ImageResult{
		SessionID:   task.SessionID,
		PanelID:     task.PanelID,
		Prompt:      task.Prompt,
		Attempts:    attempts,
		ElapsedMS:   elapsed.Milliseconds(),
		Placeholder: true,
		CreatedAt:   time.Now().UTC(),
	}
}

// backoffWithJitter implements spec.md §4.2: delay = 2^attempt seconds
// capped at max, with +/-jitterFrac jitter.
func backoffWithJitter(attempt int, base, max time.Duration, jitterFrac float64) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	if jitterFrac <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFrac * (2*rand.Float64() - 1)
	return time.Duration(float64(delay) + jitter)
}

// efficiencyScore implements spec.md §4.2's formula:
// efficiency = 1 - (wall-time / (task-count * mean-per-task-time)), scaled
// by min(1, bound/task-count).
func efficiencyScore(wall time.Duration, perTask []time.Duration, bound int) float64 {
	n := len(perTask)
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range perTask {
		sum += d
	}
	mean := sum / time.Duration(n)
	if mean <= 0 {
		return 0
	}
	denom := float64(n) * float64(mean)
	raw := 1 - float64(wall)/denom
	scale := 1.0
	if bound > 0 && bound < n {
		scale = float64(bound) / float64(n)
	}
	score := raw * scale
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
