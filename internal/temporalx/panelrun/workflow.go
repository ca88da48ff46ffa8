package panelrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/panelforge/engine/internal/domain"
)

const (
	defaultActivityTimeout = 5 * time.Minute
	heartbeatTimeout       = 30 * time.Second
	continueTickLimit      = 2000
	continueHistoryLimit   = 15000
)

// Workflow drives one panel session's seven stages to a terminal state. It
// holds no domain state of its own between ticks beyond what a single loop
// iteration needs: Activities.Tick re-derives "which stage, which attempt"
// from the session's persisted snapshot every time, so a worker restart
// mid-session loses nothing but the in-flight tick.
func Workflow(ctx workflow.Context) error {
	sessionID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if sessionID == "" {
		return fmt.Errorf("panelrun: missing session_id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: defaultActivityTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		// Stage-level retry is driven by the workflow's own tick loop
		// (mirroring scheduler.Engine's in-process retry), not Temporal's
		// activity retry, so a single failed attempt should not be silently
		// re-run by the SDK underneath it.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	feedbackCh := workflow.GetSignalChannel(ctx, SignalFeedback)
	overrideCh := workflow.GetSignalChannel(ctx, SignalOverride)

	var pendingFeedback *domain.FeedbackEnvelope
	pendingFeedbackTimedOut := false
	pendingOverride := false
	tickCount := 0

	for {
		if drainCancel(ctx, cancelCh) {
			return runTerminate(ctx, sessionID, domain.SessionCancelled, "cancelled")
		}
		pendingOverride = pendingOverride || drainOverride(ctx, overrideCh)

		tickCount++
		in := TickInput{
			SessionID:        sessionID,
			Feedback:         pendingFeedback,
			FeedbackTimedOut: pendingFeedbackTimedOut,
			Override:         pendingOverride,
		}
		pendingFeedback = nil
		pendingFeedbackTimedOut = false
		pendingOverride = false

		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, in).Get(ctx, &out); err != nil {
			return err
		}

		switch out.Status {
		case StatusPipelineCompleted:
			return nil

		case StatusFailed:
			return fmt.Errorf("panel session failed (stage=%s): %s", out.Stage, out.Message)

		case StatusStageRetry:
			if waitUntilOrCancel(ctx, cancelCh, out.WaitUntil) {
				return runTerminate(ctx, sessionID, domain.SessionCancelled, "cancelled during stage retry wait")
			}
			// No continue-as-new here: nothing pending would survive it, so
			// it is always safe, but a plain retry wait is already short —
			// skip the history-growth check until a clean boundary below.
			continue

		case StatusAwaitingFeedback:
			env, timedOut, cancelled := waitForFeedback(ctx, feedbackCh, cancelCh, out.Deadline)
			if cancelled {
				return runTerminate(ctx, sessionID, domain.SessionCancelled, "cancelled during HITL wait")
			}
			pendingFeedback = env
			pendingFeedbackTimedOut = timedOut
			// Deliberately skip the continue-as-new check this iteration:
			// pendingFeedback must reach the very next tick, and
			// ContinueAsNew would lose it (it carries no workflow input).
			continue

		case StatusStageAdvance:
			// falls through to the continue-as-new check below

		default:
			return fmt.Errorf("panelrun: unknown tick status %q", out.Status)
		}

		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

// drainCancel reports whether a cancel signal has already arrived, without
// blocking.
func drainCancel(ctx workflow.Context, ch workflow.ReceiveChannel) bool {
	received := false
	for {
		var v any
		ok := ch.ReceiveAsync(&v)
		if !ok {
			return received
		}
		received = true
	}
}

func drainOverride(ctx workflow.Context, ch workflow.ReceiveChannel) bool {
	received := false
	for {
		var v any
		ok := ch.ReceiveAsync(&v)
		if !ok {
			return received
		}
		received = true
	}
}

// waitUntilOrCancel sleeps until waitUntil (or returns immediately if it is
// nil/past), racing a cancel signal. Reports true if cancelled first.
func waitUntilOrCancel(ctx workflow.Context, cancelCh workflow.ReceiveChannel, waitUntil *time.Time) bool {
	d := 0 * time.Second
	if waitUntil != nil {
		now := workflow.Now(ctx)
		if waitUntil.After(now) {
			d = waitUntil.Sub(now)
		}
	}
	if d <= 0 {
		return drainCancel(ctx, cancelCh)
	}
	timer := workflow.NewTimer(ctx, d)
	sel := workflow.NewSelector(ctx)
	cancelled := false
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
		cancelled = true
	})
	sel.Select(ctx)
	return cancelled
}

// waitForFeedback races the feedback and cancel signal channels against the
// HITL deadline timer, the same three-way rendezvous as
// internal/hitl.Coordinator.Open's select, expressed with Temporal's native
// signal+timer primitives instead of Go channels (spec.md §4.4 "exactly one
// wins").
func waitForFeedback(ctx workflow.Context, feedbackCh, cancelCh workflow.ReceiveChannel, deadline *time.Time) (env *domain.FeedbackEnvelope, timedOut bool, cancelled bool) {
	d := 30 * time.Second
	if deadline != nil {
		if rem := deadline.Sub(workflow.Now(ctx)); rem > 0 {
			d = rem
		} else {
			d = 0
		}
	}
	timer := workflow.NewTimer(ctx, d)
	sel := workflow.NewSelector(ctx)

	sel.AddReceive(feedbackCh, func(c workflow.ReceiveChannel, more bool) {
		var sig FeedbackSignal
		c.Receive(ctx, &sig)
		e := sig.Envelope
		env = &e
	})
	sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
		cancelled = true
	})
	sel.AddFuture(timer, func(f workflow.Future) {
		timedOut = true
	})
	sel.Select(ctx)
	return env, timedOut, cancelled
}

func runTerminate(ctx workflow.Context, sessionID string, status domain.SessionStatus, reason string) error {
	activityCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
	})
	return workflow.ExecuteActivity(activityCtx, ActivityTerminate, TerminateInput{
		SessionID: sessionID,
		Status:    status,
		Reason:    reason,
	}).Get(activityCtx, nil)
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
