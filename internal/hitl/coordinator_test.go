package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
)

func TestOpenResolvesOnFeedback(t *testing.T) {
	c := New(2*time.Second, nil, nil)
	sessionID := uuid.New()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.Open(context.Background(), sessionID, domain.StageDialogue, domain.StageResult{})
		resultCh <- r
		errCh <- err
	}()

	// give Open a moment to register the rendezvous
	time.Sleep(20 * time.Millisecond)
	if err := c.SubmitFeedback(sessionID, domain.FeedbackEnvelope{
		SessionID: sessionID,
		Stage:     domain.StageDialogue,
		Type:      domain.FeedbackNaturalLanguage,
		Content:   "make it darker",
	}); err != nil {
		t.Fatalf("submit feedback: %v", err)
	}

	r := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("open returned error: %v", err)
	}
	if r.Outcome != OutcomeFeedback {
		t.Fatalf("expected feedback outcome, got %s", r.Outcome)
	}
	if r.Modification.Label != "user-feedback" {
		t.Fatalf("expected user-feedback label, got %s", r.Modification.Label)
	}
}

func TestOpenTimesOutWithDefaultAccepted(t *testing.T) {
	c := New(10*time.Millisecond, nil, nil)
	sessionID := uuid.New()

	r, err := c.Open(context.Background(), sessionID, domain.StagePlot, domain.StageResult{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %s", r.Outcome)
	}
	if r.Modification.Label != "default-accepted" {
		t.Fatalf("expected default-accepted label, got %s", r.Modification.Label)
	}
}

func TestSkipFeedbackIsLabelledUserSkipped(t *testing.T) {
	c := New(2*time.Second, nil, nil)
	sessionID := uuid.New()

	resultCh := make(chan Result, 1)
	go func() {
		r, _ := c.Open(context.Background(), sessionID, domain.StageDialogue, domain.StageResult{})
		resultCh <- r
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.SubmitFeedback(sessionID, domain.FeedbackEnvelope{
		SessionID: sessionID,
		Stage:     domain.StageDialogue,
		Type:      domain.FeedbackSkip,
	}); err != nil {
		t.Fatalf("submit feedback: %v", err)
	}

	r := <-resultCh
	if r.Modification.Label != "user-skipped" {
		t.Fatalf("expected user-skipped label, got %s", r.Modification.Label)
	}
}

func TestSubmitFeedbackFailsWhenNoRendezvousOpen(t *testing.T) {
	c := New(2*time.Second, nil, nil)
	sessionID := uuid.New()
	if err := c.SubmitFeedback(sessionID, domain.FeedbackEnvelope{Stage: domain.StagePlot}); err == nil {
		t.Fatal("expected error submitting feedback with no open rendezvous")
	}
}

func TestCancelResolvesOpenRendezvous(t *testing.T) {
	c := New(2*time.Second, nil, nil)
	sessionID := uuid.New()

	resultCh := make(chan Result, 1)
	go func() {
		r, _ := c.Open(context.Background(), sessionID, domain.StagePlot, domain.StageResult{})
		resultCh <- r
	}()

	time.Sleep(20 * time.Millisecond)
	c.Cancel(sessionID)

	r := <-resultCh
	if r.Outcome != OutcomeCancel {
		t.Fatalf("expected cancel outcome, got %s", r.Outcome)
	}
}
