// Package panelrun is the Temporal-backed alternate for C6 (spec.md §9: "the
// scheduler's state machine shape must admit a durable-workflow backend as
// well as the in-process one"). Workflow drives one session's seven stages
// exactly the way scheduler.Engine.run does — same retry/critical/fallback
// rules, same bus events, same version-log checkpoints — but as a durable
// Temporal workflow instead of a long-lived goroutine, trading
// internal/hitl's channel rendezvous for Temporal's native signal+timer
// select (workflow.GetSignalChannel/NewTimer/NewSelector) and the engine's
// in-process retry loop for per-tick activity calls the workflow re-issues.
//
// Grounded on the teacher's internal/temporalx/jobrun package: WorkflowName/
// ActivityTick/TickResult's shape, and Workflow's tick-sleep-continue loop
// with ContinueAsNew, are kept close to verbatim; SignalResume is split into
// SignalFeedback/SignalCancel since a panel session's rendezvous carries a
// feedback payload, not a bare resume.
package panelrun

import (
	"time"

	"github.com/panelforge/engine/internal/domain"
)

const (
	WorkflowName = "panel_session"

	ActivityTick      = "panel_session_tick"
	ActivityTerminate = "panel_session_terminate"

	SignalFeedback = "panel_session_feedback"
	SignalCancel   = "panel_session_cancel"
	SignalOverride = "panel_session_override"
)

// TickInput is the workflow's request for one stage attempt. Unlike the
// teacher's jobrun.Tick(ctx, jobID), a panel session's tick also carries the
// just-resolved HITL outcome when there is one: Activities.Tick itself
// derives "which stage, which attempt" by reading the session's persisted
// snapshot, so the workflow does not need to track either between calls.
type TickInput struct {
	SessionID string

	// Feedback/FeedbackTimedOut carry a HITL rendezvous the workflow just
	// resolved; Activities.Tick translates, persists, and publishes it
	// before advancing to the next stage (spec.md §4.4).
	Feedback         *domain.FeedbackEnvelope
	FeedbackTimedOut bool

	// Override forces the next quality-gate evaluation to pass regardless
	// of score (spec.md §9).
	Override bool
}

// TickStatus is the outcome of one Activities.Tick call.
type TickStatus string

const (
	StatusStageAdvance      TickStatus = "stage_advance"
	StatusStageRetry        TickStatus = "stage_retry"
	StatusAwaitingFeedback  TickStatus = "awaiting_feedback"
	StatusPipelineCompleted TickStatus = "pipeline_completed"
	StatusFailed            TickStatus = "failed"
)

// TickResult reports what happened and what the workflow should do next.
type TickResult struct {
	SessionID string
	Stage     domain.StageIndex
	Attempt   int
	Status    TickStatus
	Message   string

	// WaitUntil, set only on StatusStageRetry, is when the workflow should
	// re-issue the tick (backoff already computed by the activity).
	WaitUntil *time.Time

	// Deadline, set only on StatusAwaitingFeedback, is the HITL timeout the
	// workflow should race the feedback signal against.
	Deadline *time.Time
}

// FeedbackSignal is the payload delivered on SignalFeedback.
type FeedbackSignal struct {
	Envelope domain.FeedbackEnvelope
}

// TerminateInput asks the terminate activity to close out a session outside
// the normal stage-advance path (cancellation, or a tick reporting failure).
type TerminateInput struct {
	SessionID string
	Status    domain.SessionStatus
	Reason    string
}
