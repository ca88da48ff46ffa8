package panelrun

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/bus"
	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/config"
	"github.com/panelforge/engine/internal/qualitygate"
	"github.com/panelforge/engine/internal/stages"
	"github.com/panelforge/engine/internal/testutil"
	"github.com/panelforge/engine/internal/versionlog"
)

// The teacher's internal/temporalx tree carries no _test.go files at all
// (jobrun, client.go, temporalworker are all untested), so there is no
// existing style to imitate here. These tests follow the same fake-only-
// what-requires-external-infrastructure approach as
// internal/scheduler/scheduler_test.go, since Activities.Tick is an ordinary
// method (no Temporal test harness is needed to exercise it directly).

// fakeWorker is a scriptable stages.Worker, identical in shape to the one in
// internal/scheduler/scheduler_test.go.
type fakeWorker struct {
	stage   domain.StageIndex
	execute func(ctx context.Context, in stages.Input) (any, error)
}

func (w *fakeWorker) Stage() domain.StageIndex                                { return w.stage }
func (w *fakeWorker) ValidateInput(ctx context.Context, in stages.Input) error { return nil }
func (w *fakeWorker) Execute(ctx context.Context, in stages.Input) (any, error) {
	return w.execute(ctx, in)
}
func (w *fakeWorker) ValidateOutput(ctx context.Context, out any) error { return nil }

func succeedingWorker(stage domain.StageIndex) *fakeWorker {
	return &fakeWorker{stage: stage, execute: func(ctx context.Context, in stages.Input) (any, error) {
		return map[string]any{"stage": stage.String(), "attempt": in.Attempt}, nil
	}}
}

func buildRegistry(t *testing.T, overrides map[domain.StageIndex]*fakeWorker) *stages.Registry {
	t.Helper()
	reg := stages.NewRegistry()
	for s := domain.StageConcept; s <= domain.StageFinal; s++ {
		w, ok := overrides[s]
		if !ok {
			w = succeedingWorker(s)
		}
		if err := reg.Register(w); err != nil {
			t.Fatalf("register stage %s: %v", s, err)
		}
	}
	return reg
}

type scriptedEvaluator struct {
	mu     sync.Mutex
	scores map[domain.StageIndex]float64
}

func (e *scriptedEvaluator) Category() string { return "only" }
func (e *scriptedEvaluator) Evaluate(ctx context.Context, stage domain.StageIndex, output any) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.scores[stage]; ok {
		return s, nil
	}
	return 1.0, nil
}

func buildGate(t *testing.T, threshold float64, maxAttempts int, scores map[domain.StageIndex]float64) *qualitygate.Gate {
	t.Helper()
	reg := qualitygate.NewRegistry()
	if err := reg.Register(&scriptedEvaluator{scores: scores}); err != nil {
		t.Fatal(err)
	}
	return qualitygate.NewGate(reg, map[string]float64{"only": 1.0}, threshold, maxAttempts)
}

// fakeVersionStore mirrors scheduler_test.go's: a minimal versionlog.Store
// recording every checkpoint without a real DAG.
type fakeVersionStore struct {
	mu          sync.Mutex
	checkpoints []domain.Version
}

func (f *fakeVersionStore) Checkpoint(ctx context.Context, sessionID uuid.UUID, branch string, stage domain.StageIndex, ref domain.StageResultRef, author domain.VersionAuthor, label string, tags []string) (domain.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := domain.Version{ID: uuid.New(), SessionID: sessionID, Branch: branch, Stage: stage, StageResultRef: ref, Author: author, Label: label, Tags: tags, CreatedAt: time.Now().UTC()}
	f.checkpoints = append(f.checkpoints, v)
	return v, nil
}
func (f *fakeVersionStore) Branch(ctx context.Context, sessionID uuid.UUID, name string, baseVersionID uuid.UUID) (domain.Version, error) {
	return domain.Version{}, nil
}
func (f *fakeVersionStore) Switch(ctx context.Context, sessionID uuid.UUID, name string) error {
	return nil
}
func (f *fakeVersionStore) Diff(ctx context.Context, a, b uuid.UUID) (domain.ChangeSet, error) {
	return domain.ChangeSet{}, nil
}
func (f *fakeVersionStore) Restore(ctx context.Context, sessionID uuid.UUID, versionID uuid.UUID, newBranchName string) (domain.Version, error) {
	return domain.Version{}, nil
}
func (f *fakeVersionStore) CurrentBranch(ctx context.Context, sessionID uuid.UUID) (string, error) {
	return "main", nil
}
func (f *fakeVersionStore) Head(ctx context.Context, sessionID uuid.UUID, branch string) (domain.Version, error) {
	return domain.Version{}, nil
}
func (f *fakeVersionStore) Get(ctx context.Context, versionID uuid.UUID) (domain.Version, error) {
	return domain.Version{}, nil
}

func (f *fakeVersionStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checkpoints)
}

// fakePersistStore is panelrun-specific: unlike scheduler_test.go's, it must
// actually answer SessionSnapshot/LatestStageResult with controllable state,
// since Activities.Tick (unlike scheduler.Engine) derives everything it
// needs from these two calls rather than from in-process session state.
type fakePersistStore struct {
	mu             sync.Mutex
	session        domain.Session
	latest         map[domain.StageIndex]domain.StageResult
	checkpoints    []domain.StageResult
	feedbacks      []domain.FeedbackEnvelope
	terminalStatus map[uuid.UUID]domain.SessionStatus
	terminalReason map[uuid.UUID]string
}

func newFakePersistStore(session domain.Session) *fakePersistStore {
	return &fakePersistStore{
		session:        session,
		latest:         make(map[domain.StageIndex]domain.StageResult),
		terminalStatus: make(map[uuid.UUID]domain.SessionStatus),
		terminalReason: make(map[uuid.UUID]string),
	}
}

func (f *fakePersistStore) RecordAdmission(ctx context.Context, session domain.Session, sequence int64) error {
	return nil
}
func (f *fakePersistStore) RecordCheckpoint(ctx context.Context, result domain.StageResult, sequence int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, result)
	f.latest[result.Stage] = result
	return nil
}
func (f *fakePersistStore) RecordPreview(ctx context.Context, sessionID uuid.UUID, preview domain.PreviewPayload, sequence int64) error {
	return nil
}
func (f *fakePersistStore) RecordFeedback(ctx context.Context, envelope domain.FeedbackEnvelope, sequence int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedbacks = append(f.feedbacks, envelope)
	return nil
}
func (f *fakePersistStore) RecordTerminal(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, lastError string, sequence int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminalStatus[sessionID] = status
	f.terminalReason[sessionID] = lastError
	return nil
}
func (f *fakePersistStore) RecordVersionHead(ctx context.Context, sessionID uuid.UUID, branch string, head uuid.UUID, sequence int64) error {
	return nil
}
func (f *fakePersistStore) SessionSnapshot(ctx context.Context, sessionID uuid.UUID) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}
func (f *fakePersistStore) LatestStageResult(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex) (domain.StageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.latest[stage]
	if !ok {
		return domain.StageResult{}, fmt.Errorf("no result for stage %s", stage)
	}
	return r, nil
}
func (f *fakePersistStore) FetchOutput(ctx context.Context, ref domain.StageResultRef) (any, error) {
	return nil, nil
}
func (f *fakePersistStore) MarkCrashedRunningAsFailed(ctx context.Context) (int64, error) {
	return 0, nil
}
func (f *fakePersistStore) FindByClientToken(ctx context.Context, owner uuid.UUID, clientToken string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}

func (f *fakePersistStore) terminal(sessionID uuid.UUID) (domain.SessionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.terminalStatus[sessionID]
	return s, ok
}

func (f *fakePersistStore) checkpointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checkpoints)
}

// seedResolved records stage as already resolved (passed) at attempt 1, the
// way a prior tick's checkpoint() call would have left it, so a test can
// start partway through the pipeline without driving every earlier stage
// through Tick itself.
func (f *fakePersistStore) seedResolved(stage domain.StageIndex) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[stage] = domain.StageResult{Stage: stage, Attempt: 1, Quality: domain.QualityScore{Overall: 1.0}}
}

var _ versionlog.Store = (*fakeVersionStore)(nil)
var _ persistence.Store = (*fakePersistStore)(nil)

func fastTestConfig() config.Config {
	cfg := config.Default()
	cfg.StageMaxAttempts = 3
	cfg.StageRetryBaseDelay = 2 * time.Millisecond
	cfg.StageRetryMaxDelay = 10 * time.Millisecond
	cfg.StageRetryJitterFrac = 0.10
	cfg.HITLTimeout = 50 * time.Millisecond
	cfg.QualityThreshold = 0.70
	cfg.CriticalStages = map[domain.StageIndex]bool{domain.StageSceneImages: true}
	return cfg
}

type testHarness struct {
	acts     *Activities
	persist  *fakePersistStore
	versions *fakeVersionStore
}

func newTestHarness(t *testing.T, cfg config.Config, session domain.Session, workers map[domain.StageIndex]*fakeWorker, scores map[domain.StageIndex]float64) *testHarness {
	t.Helper()
	registry := buildRegistry(t, workers)
	gate := buildGate(t, cfg.QualityThreshold, cfg.StageMaxAttempts, scores)
	versions := &fakeVersionStore{}
	persist := newFakePersistStore(session)
	log := testutil.Logger(t)
	hub := bus.NewHub(log, cfg.SubscriberQueueDepth)

	return &testHarness{
		acts: &Activities{
			Log:      log,
			Registry: registry,
			Gate:     gate,
			Versions: versions,
			Bus:      hub,
			Persist:  persist,
			Config:   cfg,
		},
		persist:  persist,
		versions: versions,
	}
}

func baseSession(id uuid.UUID, opts domain.SubmitOptions) domain.Session {
	return domain.Session{
		ID:             id,
		OwnerID:        uuid.New(),
		SubmissionText: "a hero's journey",
		Options:        opts,
		Status:         domain.SessionRunning,
		CreatedAt:      time.Now().UTC(),
		Branch:         "main",
	}
}

func TestActivitiesTickAdvancesOnPassingStage(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, nil)

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusStageAdvance {
		t.Fatalf("expected stage_advance, got %s (msg=%s)", out.Status, out.Message)
	}
	if out.Stage != domain.StageConcept {
		t.Fatalf("expected stage 1, got %s", out.Stage)
	}
	if out.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", out.Attempt)
	}
	if got := h.persist.checkpointCount(); got != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", got)
	}
	if got := h.versions.count(); got != 1 {
		t.Fatalf("expected 1 version checkpoint, got %d", got)
	}
}

func TestActivitiesTickCompletesPipelinePastFinalStage(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, nil)
	for s := domain.StageConcept; s <= domain.StageFinal; s++ {
		h.persist.seedResolved(s)
	}

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusPipelineCompleted {
		t.Fatalf("expected pipeline_completed, got %s", out.Status)
	}
}

func TestActivitiesTickRetriesOnLowScore(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, map[domain.StageIndex]float64{domain.StageConcept: 0.10})

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusStageRetry {
		t.Fatalf("expected stage_retry, got %s", out.Status)
	}
	if out.WaitUntil == nil || !out.WaitUntil.After(time.Now()) {
		t.Fatal("expected a future WaitUntil on retry")
	}
	if out.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", out.Attempt)
	}
	// Superseded attempt recorded, but the session's current stage must not
	// have advanced past it.
	if got := h.persist.checkpointCount(); got != 1 {
		t.Fatalf("expected the retried attempt to still be recorded, got %d checkpoints", got)
	}
}

func TestActivitiesTickReflectsSecondAttemptAfterPriorRetry(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, map[domain.StageIndex]float64{domain.StageConcept: 0.10})

	if _, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()}); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if out.Attempt != 2 {
		t.Fatalf("expected attempt 2 once the first result is persisted, got %d", out.Attempt)
	}
}

func TestActivitiesTickFallsBackOnNonCriticalStageAfterRetriesExhausted(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	// StageCharacters is not critical by default.
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, map[domain.StageIndex]float64{domain.StageCharacters: 0.10})
	h.persist.seedResolved(domain.StageConcept)

	var out TickResult
	var err error
	for attempt := 1; attempt <= cfg.StageMaxAttempts; attempt++ {
		out, err = h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
		if err != nil {
			t.Fatalf("Tick attempt %d: %v", attempt, err)
		}
		if out.Status != StatusStageRetry {
			break
		}
	}
	if out.Status != StatusStageAdvance {
		t.Fatalf("expected the exhausted non-critical stage to fall back and advance, got %s (msg=%s)", out.Status, out.Message)
	}

	var sawFallback bool
	for _, cp := range h.persist.checkpoints {
		if cp.Stage == domain.StageCharacters && cp.Fallback {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatal("expected a fallback checkpoint recorded for stage 2")
	}
}

func TestActivitiesTickFailsSessionWhenCriticalStageExhaustsRetries(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, map[domain.StageIndex]float64{domain.StageSceneImages: 0.10})
	for _, s := range []domain.StageIndex{domain.StageConcept, domain.StageCharacters, domain.StagePlot, domain.StageStoryboard} {
		h.persist.seedResolved(s)
	}

	var out TickResult
	var err error
	for attempt := 1; attempt <= cfg.StageMaxAttempts; attempt++ {
		out, err = h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
		if err != nil {
			t.Fatalf("Tick attempt %d: %v", attempt, err)
		}
		if out.Status != StatusStageRetry {
			break
		}
	}
	if out.Status != StatusFailed {
		t.Fatalf("expected the critical stage to fail the session once retries are exhausted, got %s", out.Status)
	}
}

func TestActivitiesTickOpensHITLAfterPlotStage(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{HITLEnabled: true}), nil, nil)
	h.persist.seedResolved(domain.StageConcept)
	h.persist.seedResolved(domain.StageCharacters)

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusAwaitingFeedback {
		t.Fatalf("expected awaiting_feedback after stage 3, got %s", out.Status)
	}
	if out.Deadline == nil || !out.Deadline.After(time.Now()) {
		t.Fatal("expected a future HITL deadline")
	}
}

func TestActivitiesTickConsumesFeedbackIntoNextStageModifications(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()

	var gotMods []domain.ModificationDescriptor
	storyboard := &fakeWorker{stage: domain.StageStoryboard, execute: func(ctx context.Context, in stages.Input) (any, error) {
		gotMods = append(gotMods, in.Modifications...)
		return map[string]any{"ok": true}, nil
	}}
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{HITLEnabled: true}),
		map[domain.StageIndex]*fakeWorker{domain.StageStoryboard: storyboard}, nil)
	for _, s := range []domain.StageIndex{domain.StageConcept, domain.StageCharacters, domain.StagePlot} {
		h.persist.seedResolved(s)
	}

	out, err := h.acts.Tick(context.Background(), TickInput{
		SessionID: sessionID.String(),
		Feedback: &domain.FeedbackEnvelope{
			Stage:   domain.StagePlot,
			Type:    domain.FeedbackNaturalLanguage,
			Content: "make it darker",
		},
	})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusStageAdvance {
		t.Fatalf("expected stage_advance after consuming feedback, got %s (msg=%s)", out.Status, out.Message)
	}
	if len(gotMods) != 1 || gotMods[0].Label != "user-feedback" {
		t.Fatalf("expected stage 4 to receive one user-feedback modification, got %+v", gotMods)
	}
	if len(h.persist.feedbacks) != 1 {
		t.Fatalf("expected the feedback envelope to be persisted, got %d", len(h.persist.feedbacks))
	}
}

func TestActivitiesTickAppliesDefaultAcceptedOnFeedbackTimeout(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()

	var gotMods []domain.ModificationDescriptor
	storyboard := &fakeWorker{stage: domain.StageStoryboard, execute: func(ctx context.Context, in stages.Input) (any, error) {
		gotMods = append(gotMods, in.Modifications...)
		return map[string]any{"ok": true}, nil
	}}
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{HITLEnabled: true}),
		map[domain.StageIndex]*fakeWorker{domain.StageStoryboard: storyboard}, nil)
	for _, s := range []domain.StageIndex{domain.StageConcept, domain.StageCharacters, domain.StagePlot} {
		h.persist.seedResolved(s)
	}

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String(), FeedbackTimedOut: true})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusStageAdvance {
		t.Fatalf("expected stage_advance, got %s", out.Status)
	}
	if len(gotMods) != 1 || gotMods[0].Label != "default-accepted" {
		t.Fatalf("expected stage 4 to receive the default-accepted modification, got %+v", gotMods)
	}
}

func TestActivitiesTickOverrideForcesPassDespiteLowScore(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, map[domain.StageIndex]float64{domain.StageConcept: 0.0})

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String(), Override: true})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusStageAdvance {
		t.Fatalf("expected the override to force a pass despite a failing score, got %s (msg=%s)", out.Status, out.Message)
	}

	var found bool
	for _, cp := range h.persist.checkpoints {
		if cp.Stage == domain.StageConcept {
			found = true
			if !cp.Quality.Override {
				t.Fatalf("expected the recorded quality score to be flagged as an admin override, got %+v", cp.Quality)
			}
		}
	}
	if !found {
		t.Fatal("expected a checkpoint for stage 1")
	}
}

func TestActivitiesTickCompletesPipelineAndRecordsTerminal(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, nil)
	for s := domain.StageConcept; s < domain.StageFinal; s++ {
		h.persist.seedResolved(s)
	}

	out, err := h.acts.Tick(context.Background(), TickInput{SessionID: sessionID.String()})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != StatusPipelineCompleted {
		t.Fatalf("expected pipeline_completed on the final stage, got %s (msg=%s)", out.Status, out.Message)
	}
	status, ok := h.persist.terminal(sessionID)
	if !ok {
		t.Fatal("expected a terminal status to be recorded")
	}
	if status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
}

func TestActivitiesTerminateRecordsCancelledStatus(t *testing.T) {
	cfg := fastTestConfig()
	sessionID := uuid.New()
	h := newTestHarness(t, cfg, baseSession(sessionID, domain.SubmitOptions{}), nil, nil)

	err := h.acts.Terminate(context.Background(), TerminateInput{
		SessionID: sessionID.String(),
		Status:    domain.SessionCancelled,
		Reason:    "cancelled",
	})
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	status, ok := h.persist.terminal(sessionID)
	if !ok {
		t.Fatal("expected a terminal status to be recorded")
	}
	if status != domain.SessionCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
}

func TestActivitiesTickInvalidSessionIDReturnsError(t *testing.T) {
	cfg := fastTestConfig()
	h := newTestHarness(t, cfg, baseSession(uuid.New(), domain.SubmitOptions{}), nil, nil)

	if _, err := h.acts.Tick(context.Background(), TickInput{SessionID: "not-a-uuid"}); err == nil {
		t.Fatal("expected an error for a malformed session id")
	}
}

func TestComputeBackoffStaysWithinConfiguredBounds(t *testing.T) {
	cfg := fastTestConfig()
	for attempt := 1; attempt <= 5; attempt++ {
		d := computeBackoff(cfg, attempt)
		if d < 0 || d > cfg.StageRetryMaxDelay*2 {
			t.Fatalf("attempt %d produced an out-of-bounds backoff: %s", attempt, d)
		}
	}
}

func TestFingerprintIsStableForIdenticalInput(t *testing.T) {
	in := stages.Input{Attempt: 1, Modifications: []domain.ModificationDescriptor{{Label: "x"}}}
	if fingerprint(in) != fingerprint(in) {
		t.Fatal("expected fingerprint to be deterministic for identical input")
	}
}

func TestTranslateFeedbackMapsSkipToUserSkippedLabel(t *testing.T) {
	mod := translateFeedback(domain.FeedbackEnvelope{Type: domain.FeedbackSkip})
	if mod.Label != "user-skipped" {
		t.Fatalf("expected user-skipped label for a skip feedback type, got %q", mod.Label)
	}
}
