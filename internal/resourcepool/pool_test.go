package resourcepool

import (
	"context"
	"testing"
	"time"

	"github.com/panelforge/engine/internal/platform/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxConcurrentSessions = 2
	cfg.MaxConcurrentStageWorkers = 1
	cfg.MaxConcurrentImageTasks = 1
	return cfg
}

func TestAdmitSessionBlocksAtCapacity(t *testing.T) {
	p := New(testConfig())
	ctx := context.Background()

	release1, err := p.AdmitSession(ctx)
	if err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	release2, err := p.AdmitSession(ctx)
	if err != nil {
		t.Fatalf("admit 2: %v", err)
	}

	admitted := make(chan struct{})
	go func() {
		release3, err := p.AdmitSession(context.Background())
		if err != nil {
			return
		}
		release3()
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("third session admitted before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("third session was never admitted after a release")
	}
	release2()
}

func TestAdmitStageWorkerRespectsContextCancellation(t *testing.T) {
	p := New(testConfig())
	release, err := p.AdmitStageWorker(context.Background())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.AdmitStageWorker(ctx); err == nil {
		t.Fatal("expected context deadline error when pool is saturated")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(testConfig())
	release, err := p.AdmitImageTask(context.Background())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	release()
	release() // must not panic or double-release the semaphore
}

func TestImageSemaphoreIsSharedWithFanoutExecutor(t *testing.T) {
	p := New(testConfig())
	if p.ImageSemaphore() == nil {
		t.Fatal("expected a non-nil shared image semaphore")
	}
}

func TestMetricsRecordersDoNotPanicWithoutAConfiguredExporter(t *testing.T) {
	p := New(testConfig())
	ctx := context.Background()
	m := p.Metrics()

	m.RecordStageOutcome(ctx, "concept", true, 150*time.Millisecond)
	m.RecordStageOutcome(ctx, "scene-images", false, 2*time.Second)
	m.RecordPipelineCompletion(ctx, true)
	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordHITLOutcome(ctx, true)
	m.RecordHITLOutcome(ctx, false)
}
