package persistence

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"github.com/panelforge/engine/internal/domain"
)

// sessionRow is the mutable snapshot of one session, kept current by every
// RecordXxx call's touchSession. Unlike the append-only tables below, this
// is the one row persistence updates in place, since a snapshot read
// (SessionSnapshot) must return current state in one query rather than
// replaying the append-only log.
type sessionRow struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID        uuid.UUID `gorm:"type:uuid;index"`
	SubmissionText string
	Quality        string
	HITLEnabled    bool
	ClientToken    string `gorm:"index"`

	Status       string `gorm:"index"`
	CurrentStage int
	Branch       string
	VersionHead  uuid.UUID `gorm:"type:uuid"`
	LastError    string
	LastSequence int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	EndedAt   *time.Time
}

func (sessionRow) TableName() string { return "panelforge_sessions" }

func rowToSession(row sessionRow) domain.Session {
	return domain.Session{
		ID:             row.ID,
		OwnerID:        row.OwnerID,
		SubmissionText: row.SubmissionText,
		Options: domain.SubmitOptions{
			Quality:     domain.Quality(row.Quality),
			HITLEnabled: row.HITLEnabled,
			ClientToken: row.ClientToken,
		},
		Status:       domain.SessionStatus(row.Status),
		CurrentStage: row.CurrentStage,
		CreatedAt:    row.CreatedAt,
		EndedAt:      row.EndedAt,
		Branch:       row.Branch,
		VersionHead:  row.VersionHead,
		LastError:    row.LastError,
	}
}

// stageResultRow is one append-only stage attempt record. Identity is
// (session_id, stage, attempt), matching domain.StageResult (spec.md §3).
type stageResultRow struct {
	SessionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage     int       `gorm:"primaryKey"`
	Attempt   int       `gorm:"primaryKey"`
	Sequence  int64     `gorm:"not null"`

	InputFingerprint string
	Output           datatypes.JSON `gorm:"type:jsonb"`

	QualityOverall  float64
	QualityOverride bool
	ElapsedMS       int64
	Errors          string
	Fallback        bool

	CreatedAt time.Time
}

func (stageResultRow) TableName() string { return "panelforge_stage_results" }

func rowToStageResult(row stageResultRow) (domain.StageResult, error) {
	output, err := decodeOutput(row.Output)
	if err != nil {
		return domain.StageResult{}, err
	}
	return domain.StageResult{
		SessionID:        row.SessionID,
		Stage:            domain.StageIndex(row.Stage),
		Attempt:          row.Attempt,
		InputFingerprint: row.InputFingerprint,
		Output:           output,
		Quality: domain.QualityScore{
			Overall:  row.QualityOverall,
			Override: row.QualityOverride,
		},
		ElapsedMS: row.ElapsedMS,
		Errors:    splitStrings(row.Errors),
		Fallback:  row.Fallback,
		CreatedAt: row.CreatedAt,
	}, nil
}

// previewRow is one append-only cached preview derivation. Identity is
// (session_id, stage, quality, output_fingerprint), mirroring
// domain.PreviewKey.
type previewRow struct {
	SessionID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage             int       `gorm:"primaryKey"`
	Quality           string    `gorm:"primaryKey"`
	OutputFingerprint string    `gorm:"primaryKey"`
	Sequence          int64     `gorm:"not null"`

	MimeType  string
	Data      []byte
	URL       string
	Synthetic bool

	CreatedAt time.Time
}

func (previewRow) TableName() string { return "panelforge_previews" }

// feedbackRow is one append-only HITL submission. Identity is
// (session_id, stage, sequence), matching domain.FeedbackEnvelope.
type feedbackRow struct {
	SessionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage     int       `gorm:"primaryKey"`
	Sequence  int64     `gorm:"primaryKey"`
	BusSeq    int64     `gorm:"not null"`

	Type    string
	Content string

	ReceivedAt time.Time
}

func (feedbackRow) TableName() string { return "panelforge_feedback" }

func onConflictDoNothing(cols ...string) clause.OnConflict {
	columns := make([]clause.Column, len(cols))
	for i, c := range cols {
		columns[i] = clause.Column{Name: c}
	}
	return clause.OnConflict{Columns: columns, DoNothing: true}
}

func encodeOutput(output any) (datatypes.JSON, error) {
	if output == nil {
		return datatypes.JSON("null"), nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeOutput(raw datatypes.JSON) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func joinStrings(parts []string) string { return strings.Join(parts, "\x1f") }

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}
