// Package resourcepool implements C8: the three bounded-concurrency
// admission gates (sessions, stage workers, global image tasks) plus the
// OTel metrics the scheduler reports through on every stage and session
// transition (spec.md §4.8).
//
// The admission gates are grounded on internal/jobs/learning's use of
// golang.org/x/sync/semaphore for bounded fan-out (the same package
// internal/imagefanout uses for its own per-session/global caps); the
// metrics instrument cache is grounded on itsneelabh-gomind's
// telemetry/metrics.go (lazy, lock-guarded instrument creation keyed by
// name against a single otel.Meter).
package resourcepool

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/panelforge/engine/internal/platform/config"
)

const meterName = "github.com/panelforge/engine/internal/resourcepool"

// Pool owns the engine's three admission gates and its metrics instrument
// cache. One Pool is constructed at boot and shared by every session the
// scheduler runs.
type Pool struct {
	sessions *semaphore.Weighted
	workers  *semaphore.Weighted
	images   *semaphore.Weighted

	metrics *Metrics
}

// New builds a Pool sized from cfg's admission limits (spec.md §4.8).
func New(cfg config.Config) *Pool {
	return &Pool{
		sessions: semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		workers:  semaphore.NewWeighted(int64(cfg.MaxConcurrentStageWorkers)),
		images:   semaphore.NewWeighted(int64(cfg.MaxConcurrentImageTasks)),
		metrics:  newMetrics(),
	}
}

// Metrics returns the pool's metrics recorder, shared across the
// resourcepool gates and the scheduler's own instrumentation calls.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// AdmitSession blocks until a session slot is free or ctx is cancelled.
// The returned release func must be called exactly once to free the slot.
func (p *Pool) AdmitSession(ctx context.Context) (release func(), err error) {
	if err := p.sessions.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { p.sessions.Release(1) }) }, nil
}

// AdmitStageWorker blocks until a stage-worker slot is free or ctx is
// cancelled. A session may hold at most one stage worker at a time under
// spec.md's sequential-stage model, but the gate is global so the engine
// can bound total concurrent stage execution across every live session.
func (p *Pool) AdmitStageWorker(ctx context.Context) (release func(), err error) {
	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { p.workers.Release(1) }) }, nil
}

// AdmitImageTask blocks until a global image-task slot is free or ctx is
// cancelled. internal/imagefanout holds a per-session cap of its own; this
// gate is the global cap shared across every session's fan-out (spec.md
// §4.2, §4.8).
func (p *Pool) AdmitImageTask(ctx context.Context) (release func(), err error) {
	if err := p.images.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { p.images.Release(1) }) }, nil
}

// ImageSemaphore exposes the global image-task semaphore directly, for
// handing to internal/imagefanout.NewExecutor's globalCap parameter so both
// packages share one gate instead of each keeping its own counter.
func (p *Pool) ImageSemaphore() *semaphore.Weighted { return p.images }

// Metrics wraps the OTel instruments spec.md §4.8 names: success rate, mean
// stage duration, pipeline-budget compliance, cache-hit rate, and HITL
// engagement rate. Each is derived from counters/histograms rather than
// recorded directly, since a rate is a query over two counters, not an
// instrument of its own.
type Metrics struct {
	meter metric.Meter

	stagesSucceeded metric.Int64Counter
	stagesFailed    metric.Int64Counter

	stageDuration metric.Float64Histogram

	pipelinesWithinBudget metric.Int64Counter
	pipelinesCompleted    metric.Int64Counter

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	hitlEngaged metric.Int64Counter
	hitlTotal   metric.Int64Counter
}

func newMetrics() *Metrics {
	meter := otel.Meter(meterName)
	m := &Metrics{meter: meter}

	m.stagesSucceeded, _ = meter.Int64Counter("panelforge.stages.succeeded")
	m.stagesFailed, _ = meter.Int64Counter("panelforge.stages.failed")
	m.stageDuration, _ = meter.Float64Histogram("panelforge.stage.duration_ms")
	m.pipelinesWithinBudget, _ = meter.Int64Counter("panelforge.pipelines.within_budget")
	m.pipelinesCompleted, _ = meter.Int64Counter("panelforge.pipelines.completed")
	m.cacheHits, _ = meter.Int64Counter("panelforge.cache.hits")
	m.cacheMisses, _ = meter.Int64Counter("panelforge.cache.misses")
	m.hitlEngaged, _ = meter.Int64Counter("panelforge.hitl.engaged")
	m.hitlTotal, _ = meter.Int64Counter("panelforge.hitl.total")

	return m
}

// RecordStageOutcome records a completed stage's duration and whether it
// succeeded, feeding both the success-rate and mean-stage-duration metrics.
func (m *Metrics) RecordStageOutcome(ctx context.Context, stage string, ok bool, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	if ok {
		m.stagesSucceeded.Add(ctx, 1, attrs)
	} else {
		m.stagesFailed.Add(ctx, 1, attrs)
	}
	m.stageDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordPipelineCompletion records a whole pipeline's completion against
// the 97s budget (spec.md §4.8).
func (m *Metrics) RecordPipelineCompletion(ctx context.Context, withinBudget bool) {
	m.pipelinesCompleted.Add(ctx, 1)
	if withinBudget {
		m.pipelinesWithinBudget.Add(ctx, 1)
	}
}

// RecordCacheLookup records one internal/imagefanout cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		m.cacheHits.Add(ctx, 1)
	} else {
		m.cacheMisses.Add(ctx, 1)
	}
}

// RecordHITLOutcome records one internal/hitl rendezvous, tallying whether
// the user actually engaged (submitted feedback) versus it resolving by
// timeout or cancellation.
func (m *Metrics) RecordHITLOutcome(ctx context.Context, engaged bool) {
	m.hitlTotal.Add(ctx, 1)
	if engaged {
		m.hitlEngaged.Add(ctx, 1)
	}
}
