package domain

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackType is the shape of an observer's HITL submission (spec.md §6).
type FeedbackType string

const (
	FeedbackNaturalLanguage FeedbackType = "natural-language"
	FeedbackQuickOption     FeedbackType = "quick-option"
	FeedbackSkip            FeedbackType = "skip"
)

// FeedbackEnvelope is a single HITL submission. Identity is
// (SessionID, Stage, Sequence); it is consumed at most once (spec.md §3).
type FeedbackEnvelope struct {
	SessionID uuid.UUID
	Stage     StageIndex
	Sequence  int64

	Type    FeedbackType
	Content string // free-text directive or the selected quick-option key

	ReceivedAt time.Time
}

// ModificationDirection is the polarity of a structured modification.
type ModificationDirection string

const (
	DirectionIncrease ModificationDirection = "increase"
	DirectionDecrease ModificationDirection = "decrease"
	DirectionReplace  ModificationDirection = "replace"
	DirectionAdd      ModificationDirection = "add"
)

// ModificationDescriptor is the structured translation of a FeedbackEnvelope
// that the HITL coordinator merges into the next stage's input (spec.md §4.4).
// How a stage worker interprets it is stage-specific (text vs. image).
type ModificationDescriptor struct {
	Type      string // e.g. "pacing", "tone", "character_appearance"
	Target    string // optional: a specific panel/character/scene identifier
	Direction ModificationDirection
	Intensity float64 // 0..1
	Addition  string  // free-text addition, when Direction == DirectionAdd

	// Provenance distinguishes a genuine user directive from the synthetic
	// envelope the coordinator manufactures on timeout (spec.md §4.4).
	Label string // "user-feedback" | "user-skipped" | "default-accepted"
}
