package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/testutil"
)

func newStore(t *testing.T) persistence.Store {
	t.Helper()
	db := testutil.DB(t)
	return persistence.New(db, testutil.Logger(t))
}

func TestRecordAdmissionThenSnapshotRoundTrips(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, uuid.New(), "a hero's journey", domain.SubmitOptions{
		Quality:     domain.QualityMedium,
		HITLEnabled: true,
	})

	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	got, err := store.SessionSnapshot(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionSnapshot: %v", err)
	}
	if got.Status != domain.SessionQueued {
		t.Fatalf("expected queued status, got %s", got.Status)
	}
	if got.SubmissionText != session.SubmissionText {
		t.Fatalf("expected submission text to round-trip")
	}
}

func TestRecordAdmissionIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, uuid.New(), "retry me", domain.SubmitOptions{})

	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("first admission: %v", err)
	}
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("duplicate admission must be a no-op, not an error: %v", err)
	}
}

func TestFindByClientTokenResolvesPriorSessionForSameOwner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	owner := uuid.New()
	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, owner, "a hero's journey", domain.SubmitOptions{
		ClientToken: "retry-key-1",
	})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	got, ok, err := store.FindByClientToken(ctx, owner, "retry-key-1")
	if err != nil {
		t.Fatalf("FindByClientToken: %v", err)
	}
	if !ok {
		t.Fatal("expected a match for the same (owner, client token) pair")
	}
	if got != sessionID {
		t.Fatalf("expected session id %s, got %s", sessionID, got)
	}
}

func TestFindByClientTokenIgnoresBlankToken(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	owner := uuid.New()
	session := *domain.NewSession(uuid.New(), owner, "no token here", domain.SubmitOptions{})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	_, ok, err := store.FindByClientToken(ctx, owner, "")
	if err != nil {
		t.Fatalf("FindByClientToken: %v", err)
	}
	if ok {
		t.Fatal("a blank client token must never match")
	}
}

func TestFindByClientTokenDoesNotCrossOwners(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	session := *domain.NewSession(uuid.New(), uuid.New(), "owner A's submission", domain.SubmitOptions{
		ClientToken: "shared-key",
	})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	_, ok, err := store.FindByClientToken(ctx, uuid.New(), "shared-key")
	if err != nil {
		t.Fatalf("FindByClientToken: %v", err)
	}
	if ok {
		t.Fatal("the same client token from a different owner must not match")
	}
}

func TestRecordCheckpointAndFetchOutputRoundTrips(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := uuid.New()

	session := *domain.NewSession(sessionID, uuid.New(), "concept text", domain.SubmitOptions{})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	result := domain.StageResult{
		SessionID:        sessionID,
		Stage:            domain.StageConcept,
		Attempt:          1,
		InputFingerprint: "fp1",
		Output:           map[string]any{"logline": "a hero rises"},
		Quality:          domain.QualityScore{Overall: 0.82},
		ElapsedMS:        1200,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.RecordCheckpoint(ctx, result, 2); err != nil {
		t.Fatalf("RecordCheckpoint: %v", err)
	}

	out, err := store.FetchOutput(ctx, domain.StageResultRef{SessionID: sessionID, Stage: domain.StageConcept, Attempt: 1})
	if err != nil {
		t.Fatalf("FetchOutput: %v", err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected a decoded object, got %T", out)
	}
	if obj["logline"] != "a hero rises" {
		t.Fatalf("expected logline to round-trip, got %v", obj["logline"])
	}

	latest, err := store.LatestStageResult(ctx, sessionID, domain.StageConcept)
	if err != nil {
		t.Fatalf("LatestStageResult: %v", err)
	}
	if latest.Attempt != 1 || latest.Quality.Overall != 0.82 {
		t.Fatalf("unexpected latest stage result: %+v", latest)
	}
}

func TestRecordCheckpointDuplicateSequenceDoesNotRegress(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, uuid.New(), "x", domain.SubmitOptions{})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	result := domain.StageResult{SessionID: sessionID, Stage: domain.StageConcept, Attempt: 1, Output: "first"}
	if err := store.RecordCheckpoint(ctx, result, 5); err != nil {
		t.Fatalf("checkpoint at seq 5: %v", err)
	}

	// An out-of-order replay at an older sequence must not regress the
	// session snapshot's current_stage past what a newer event already set.
	stale := domain.StageResult{SessionID: sessionID, Stage: domain.StagePlot, Attempt: 1, Output: "stale"}
	_ = store.RecordCheckpoint(ctx, stale, 3)

	got, err := store.SessionSnapshot(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionSnapshot: %v", err)
	}
	if got.CurrentStage != int(domain.StageConcept) {
		t.Fatalf("expected stale out-of-order write to be rejected, got stage %d", got.CurrentStage)
	}
}

func TestRecordTerminalMarksSessionEnded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, uuid.New(), "x", domain.SubmitOptions{})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	if err := store.RecordTerminal(ctx, sessionID, domain.SessionCompleted, "", 10); err != nil {
		t.Fatalf("RecordTerminal: %v", err)
	}

	got, err := store.SessionSnapshot(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionSnapshot: %v", err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatal("expected EndedAt to be set")
	}
}

func TestMarkCrashedRunningAsFailedRecoversStuckSessions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, uuid.New(), "x", domain.SubmitOptions{})
	session.Status = domain.SessionRunning
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	n, err := store.MarkCrashedRunningAsFailed(ctx)
	if err != nil {
		t.Fatalf("MarkCrashedRunningAsFailed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session recovered, got %d", n)
	}

	got, err := store.SessionSnapshot(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionSnapshot: %v", err)
	}
	if got.Status != domain.SessionFailed {
		t.Fatalf("expected failed status after recovery, got %s", got.Status)
	}
}

func TestRecordPreviewAndFeedbackPersist(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := uuid.New()
	session := *domain.NewSession(sessionID, uuid.New(), "x", domain.SubmitOptions{})
	if err := store.RecordAdmission(ctx, session, 1); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	preview := domain.PreviewPayload{
		Key: domain.PreviewKey{
			Stage:             domain.StagePlot,
			Quality:           domain.PreviewMedium,
			OutputFingerprint: "fp-preview",
		},
		MimeType:  "image/png",
		Synthetic: true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.RecordPreview(ctx, sessionID, preview, 2); err != nil {
		t.Fatalf("RecordPreview: %v", err)
	}

	feedback := domain.FeedbackEnvelope{
		SessionID:  sessionID,
		Stage:      domain.StagePlot,
		Sequence:   1,
		Type:       domain.FeedbackNaturalLanguage,
		Content:    "make it darker",
		ReceivedAt: time.Now().UTC(),
	}
	if err := store.RecordFeedback(ctx, feedback, 3); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
}
