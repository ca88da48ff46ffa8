package bus

import (
	"testing"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	h := NewHub(testLogger(t), 8)
	sessionID := uuid.New()

	e1 := h.Publish(sessionID, domain.Event{Kind: domain.EventStageStarted, Stage: domain.StageConcept})
	e2 := h.Publish(sessionID, domain.Event{Kind: domain.EventStageCompleted, Stage: domain.StageConcept})

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", e1.Sequence, e2.Sequence)
	}
}

func TestSubscriberReceivesEventsInOrder(t *testing.T) {
	h := NewHub(testLogger(t), 8)
	sessionID := uuid.New()
	sub := h.Subscribe(sessionID)

	h.Publish(sessionID, domain.Event{Kind: domain.EventStageStarted, Stage: domain.StageConcept})
	h.Publish(sessionID, domain.Event{Kind: domain.EventStageCompleted, Stage: domain.StageConcept})
	h.Publish(sessionID, domain.Event{Kind: domain.EventStageStarted, Stage: domain.StageCharacters})

	var kinds []domain.EventKind
	for i := 0; i < 3; i++ {
		kinds = append(kinds, (<-sub.Events).Kind)
	}
	want := []domain.EventKind{domain.EventStageStarted, domain.EventStageCompleted, domain.EventStageStarted}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("event %d: expected %s got %s", i, k, kinds[i])
		}
	}
}

func TestLateSubscriberReplaysHistory(t *testing.T) {
	h := NewHub(testLogger(t), 8)
	sessionID := uuid.New()

	h.Publish(sessionID, domain.Event{Kind: domain.EventStageStarted, Stage: domain.StageConcept})
	h.Publish(sessionID, domain.Event{Kind: domain.EventStageCompleted, Stage: domain.StageConcept})

	sub := h.Subscribe(sessionID)
	first := <-sub.Events
	second := <-sub.Events
	if first.Kind != domain.EventStageStarted || second.Kind != domain.EventStageCompleted {
		t.Fatalf("expected replay of prior history, got %s then %s", first.Kind, second.Kind)
	}
}

func TestTooSlowSubscriberIsDisconnected(t *testing.T) {
	h := NewHub(testLogger(t), 2)
	sessionID := uuid.New()
	sub := h.Subscribe(sessionID)

	// fill the subscriber's queue (depth 2) without draining it, then push
	// past capacity to trigger disconnect.
	for i := 0; i < 5; i++ {
		h.Publish(sessionID, domain.Event{Kind: domain.EventStageProgress, Stage: domain.StageConcept})
	}

	select {
	case <-sub.TooSlow:
	default:
		t.Fatal("expected too-slow channel to be closed after queue overflow")
	}
}

func TestUnsubscribeClosesEventsChannel(t *testing.T) {
	h := NewHub(testLogger(t), 8)
	sessionID := uuid.New()
	sub := h.Subscribe(sessionID)
	h.Unsubscribe(sessionID, sub)

	_, open := <-sub.Events
	if open {
		t.Fatal("expected events channel to be closed after unsubscribe")
	}
}
