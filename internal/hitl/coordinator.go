// Package hitl implements C4: a bounded human-in-the-loop rendezvous per
// (session, stage). Grounded on the teacher's waitpoint primitives
// (internal/jobs/runtime/waitpoint.go's WaitForUser pause/resume envelope,
// internal/waitpoint/registry.go's register-once-by-kind dispatch), adapted
// from a durable DB-backed pause to an in-process channel+timer rendezvous
// since the engine's sessions are long-lived goroutines, not resumable jobs.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/compositor"
	"github.com/panelforge/engine/internal/domain"
)

// Outcome is how a rendezvous ended (spec.md §4.4: "exactly one wins").
type Outcome string

const (
	OutcomeFeedback Outcome = "feedback-received"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCancel   Outcome = "session-cancel"
)

// Result is what a completed rendezvous yields to the caller.
type Result struct {
	Outcome      Outcome
	Modification domain.ModificationDescriptor
}

// waitpoint is the open rendezvous for one (session, stage).
type waitpoint struct {
	sessionID uuid.UUID
	stage     domain.StageIndex

	feedback chan domain.FeedbackEnvelope
	cancel   chan struct{}
	timer    *time.Timer
}

// Coordinator owns every open rendezvous and the preview renderer used to
// publish a placeholder when a stage pauses for feedback.
type Coordinator struct {
	mu         sync.Mutex
	open       map[string]*waitpoint // key: sessionID|stage
	timeout    time.Duration
	compositor *compositor.Compositor
	publish    func(domain.PreviewPayload)
}

func New(timeout time.Duration, comp *compositor.Compositor, publish func(domain.PreviewPayload)) *Coordinator {
	return &Coordinator{
		open:       make(map[string]*waitpoint),
		timeout:    timeout,
		compositor: comp,
		publish:    publish,
	}
}

func key(sessionID uuid.UUID, stage domain.StageIndex) string {
	return fmt.Sprintf("%s|%d", sessionID, stage)
}

// Open arms a rendezvous for (sessionID, stage), publishes a placeholder
// preview of the given StageResult, and blocks until exactly one of
// feedback, timeout, or cancellation fires (spec.md §4.4).
//
// A synthetic "default-accepted" modification is returned on timeout; a
// skip envelope is translated to a "user-skipped" modification, both
// without the stage worker needing to distinguish the two from a genuine
// directive.
func (c *Coordinator) Open(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex, result domain.StageResult) (Result, error) {
	wp := &waitpoint{
		sessionID: sessionID,
		stage:     stage,
		feedback:  make(chan domain.FeedbackEnvelope, 1),
		cancel:    make(chan struct{}, 1),
	}

	k := key(sessionID, stage)
	c.mu.Lock()
	if _, exists := c.open[k]; exists {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("hitl: rendezvous already open for session=%s stage=%s", sessionID, stage)
	}
	c.open[k] = wp
	c.mu.Unlock()

	wp.timer = time.NewTimer(c.timeout)
	defer wp.timer.Stop()
	defer c.close(k)

	c.publishPlaceholder(stage, result)

	select {
	case env := <-wp.feedback:
		return Result{Outcome: OutcomeFeedback, Modification: translate(env)}, nil
	case <-wp.cancel:
		return Result{Outcome: OutcomeCancel, Modification: domain.ModificationDescriptor{Label: "session-cancel"}}, nil
	case <-wp.timer.C:
		return Result{Outcome: OutcomeTimeout, Modification: defaultAcceptedModification()}, nil
	case <-ctx.Done():
		return Result{Outcome: OutcomeCancel, Modification: domain.ModificationDescriptor{Label: "session-cancel"}}, ctx.Err()
	}
}

// SubmitFeedback delivers a FeedbackEnvelope to the open rendezvous for
// (sessionID, env.Stage). Returns an error if no rendezvous is open (the
// stage is not currently awaiting feedback, or feedback already arrived) so
// the transport layer can surface "stage-closed"/"not-awaiting" (spec.md
// §7 error taxonomy).
func (c *Coordinator) SubmitFeedback(sessionID uuid.UUID, env domain.FeedbackEnvelope) error {
	wp, ok := c.lookup(sessionID, env.Stage)
	if !ok {
		return fmt.Errorf("hitl: stage-closed: no open rendezvous for session=%s stage=%s", sessionID, env.Stage)
	}
	select {
	case wp.feedback <- env:
		return nil
	default:
		return fmt.Errorf("hitl: not-awaiting: rendezvous for session=%s stage=%s already resolved", sessionID, env.Stage)
	}
}

// Cancel resolves every open rendezvous for a session with OutcomeCancel,
// used when the whole session is cancelled (spec.md §4.1).
func (c *Coordinator) Cancel(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, wp := range c.open {
		if wp.sessionID != sessionID {
			continue
		}
		select {
		case wp.cancel <- struct{}{}:
		default:
		}
		_ = k
	}
}

func (c *Coordinator) lookup(sessionID uuid.UUID, stage domain.StageIndex) (*waitpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wp, ok := c.open[key(sessionID, stage)]
	return wp, ok
}

func (c *Coordinator) close(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, k)
}

func (c *Coordinator) publishPlaceholder(stage domain.StageIndex, result domain.StageResult) {
	if c.publish == nil || c.compositor == nil {
		return
	}
	label := fmt.Sprintf("%s — awaiting feedback", stage)
	png, err := c.compositor.RenderPlaceholder(label)
	if err != nil {
		return
	}
	c.publish(domain.PreviewPayload{
		Key: domain.PreviewKey{
			Stage:             stage,
			Quality:           domain.PreviewMedium,
			OutputFingerprint: result.InputFingerprint,
		},
		MimeType:  "image/png",
		Data:      png,
		Synthetic: true,
	})
}

// translate turns a received FeedbackEnvelope into the structured
// modification descriptor the next stage's input carries (spec.md §4.4).
func translate(env domain.FeedbackEnvelope) domain.ModificationDescriptor {
	if env.Type == domain.FeedbackSkip {
		return domain.ModificationDescriptor{Label: "user-skipped"}
	}
	return domain.ModificationDescriptor{
		Type:      "natural-language",
		Direction: domain.DirectionAdd,
		Intensity: 1.0,
		Addition:  env.Content,
		Label:     "user-feedback",
	}
}

func defaultAcceptedModification() domain.ModificationDescriptor {
	return domain.ModificationDescriptor{Label: "default-accepted"}
}
