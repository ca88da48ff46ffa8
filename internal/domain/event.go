package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is one of the C7 bus message kinds (spec.md §4.7).
type EventKind string

const (
	EventStageStarted      EventKind = "stage-started"
	EventStageProgress     EventKind = "stage-progress"
	EventStageCompleted    EventKind = "stage-completed"
	EventPreviewAvailable  EventKind = "preview-available"
	EventAwaitingFeedback  EventKind = "awaiting-feedback"
	EventFeedbackAccepted  EventKind = "feedback-accepted"
	EventStageFailed       EventKind = "stage-failed"
	EventPipelineCompleted EventKind = "pipeline-completed"
	EventPipelineCancelled EventKind = "pipeline-cancelled"
)

// Event is one message published on the Live Update Bus for a session
// (spec.md §4.7). Per session, events observe causal order; no ordering is
// guaranteed across sessions.
type Event struct {
	SessionID uuid.UUID
	Sequence  int64 // monotonic per session, assigned by the publisher
	Kind      EventKind
	Stage     StageIndex

	Progress int // 0..100, only meaningful for EventStageProgress

	StageResultRef *StageResultRef
	Preview        *PreviewPayload
	Deadline       *time.Time // only meaningful for EventAwaitingFeedback
	Message        string

	CreatedAt time.Time
}
