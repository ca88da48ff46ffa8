package domain

import (
	"time"

	"github.com/google/uuid"
)

// VersionAuthor records who produced a version entry.
type VersionAuthor string

const (
	AuthorSystem              VersionAuthor = "system"
	AuthorUserFeedbackApplied VersionAuthor = "user-feedback-applied"
)

// Version is one append-only entry in a session's version DAG (spec.md §3,
// §4.5). Parent edges are immutable; a version id once minted is never
// recycled.
type Version struct {
	ID       uuid.UUID
	ParentID *uuid.UUID // nil only for the implicit DAG root
	SessionID uuid.UUID

	Branch string
	Stage  StageIndex

	StageResultRef StageResultRef

	Author VersionAuthor
	Label  string
	Tags   []string

	CreatedAt time.Time
}

// StageResultRef is a lightweight pointer to a StageResult, avoiding a
// circular/duplicated payload inside the version DAG entry itself.
type StageResultRef struct {
	SessionID uuid.UUID
	Stage     StageIndex
	Attempt   int
}

// ChangeSet is the output of Diff(a, b): a structural comparison of two
// versions' outputs (spec.md §4.5).
type ChangeSet struct {
	Similarity float64 // 0..1

	// FieldDiffs holds field-level diffs for textual payloads.
	FieldDiffs []FieldDiff

	// PanelDiffs holds per-panel comparisons for image payloads.
	PanelDiffs []PanelDiff
}

// FieldDiff is one changed field between two textual StageResult outputs.
type FieldDiff struct {
	Path   string
	Before any
	After  any
}

// PanelDiff compares one panel's identity/parameters/bytes between two image
// payloads.
type PanelDiff struct {
	PanelID        string
	SameIdentity   bool
	ParamsChanged  []string
	BeforeHash     string
	AfterHash      string
	BytesIdentical bool
}
