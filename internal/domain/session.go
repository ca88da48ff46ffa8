// Package domain holds the plain-struct data model shared by every
// component of the pipeline orchestration engine. Nothing in this package
// depends on gorm, http, or any transport; storage and wire adapters convert
// at their own boundary (see internal/persistence and cmd/server).
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a generation session.
type SessionStatus string

const (
	SessionQueued          SessionStatus = "queued"
	SessionRunning         SessionStatus = "running"
	SessionAwaitingFeedback SessionStatus = "awaiting-feedback"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
	SessionCancelled       SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Quality is the rendering/preview fidelity level a session is configured at.
type Quality string

const (
	QualityUltraLow  Quality = "ultra-low"
	QualityLow       Quality = "low"
	QualityMedium    Quality = "medium"
	QualityHigh      Quality = "high"
	QualityUltraHigh Quality = "ultra-high"
)

// StageBudgets overrides the default per-stage wall-clock budgets (seconds).
// A zero value for a stage leaves the engine default in place.
type StageBudgets [7]time.Duration

// SubmitOptions are the caller-supplied knobs for a submission (spec.md §6).
type SubmitOptions struct {
	Quality      Quality
	HITLEnabled  bool
	StageBudgets StageBudgets
	ClientToken  string // idempotency key: resubmitting the same (owner, token) yields the same session id
}

// Session is the root aggregate the engine tracks for one generation run.
// Mutated only by the scheduler (C6); everything else reads copies.
type Session struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	SubmissionText string
	Options        SubmitOptions

	Status       SessionStatus
	CurrentStage int // 1..7
	Attempts     [8]int // per-stage attempt counters, index by stage (1-based, 0 unused)

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	VersionHead uuid.UUID // current branch head in the version log
	Branch      string

	LastError string
}

// NewSession constructs a freshly admitted session in the queued state.
func NewSession(id, owner uuid.UUID, text string, opts SubmitOptions) *Session {
	return &Session{
		ID:             id,
		OwnerID:        owner,
		SubmissionText: text,
		Options:        opts,
		Status:         SessionQueued,
		CreatedAt:      time.Now().UTC(),
		Branch:         "main",
	}
}

// Clone returns a deep-enough copy safe for a subscriber to read without
// racing the scheduler's single writer (spec.md §5 "readers consume copies").
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
