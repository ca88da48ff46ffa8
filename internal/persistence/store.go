// Package persistence implements C9: the append-only durable mirror of
// session admissions, stage checkpoints, previews, feedback envelopes, and
// terminal states (spec.md §4.6). Writes are idempotent by (session id,
// sequence); reads reconstruct enough state to resume a bus subscription
// and serve an already-completed artifact, but never to resume execution
// of a crashed stage — a crashed stage is recorded failed at recovery time
// and a new session must be started for that work.
//
// Grounded on internal/data/repos/jobs/job_run.go's gorm-repo shape
// (dbctx-threaded methods, a single struct{db, log} repo, Updates with a
// map for partial writes) generalized from one flat job-run table to four
// append-only tables plus one mutable session-snapshot row.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

// Store is C9's public surface. The scheduler calls it once per state
// transition; cmd/server calls SessionSnapshot to serve a resume/status
// request without touching the live scheduler goroutine.
type Store interface {
	RecordAdmission(ctx context.Context, session domain.Session, sequence int64) error
	RecordCheckpoint(ctx context.Context, result domain.StageResult, sequence int64) error
	RecordPreview(ctx context.Context, sessionID uuid.UUID, preview domain.PreviewPayload, sequence int64) error
	RecordFeedback(ctx context.Context, envelope domain.FeedbackEnvelope, sequence int64) error
	RecordTerminal(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, lastError string, sequence int64) error
	RecordVersionHead(ctx context.Context, sessionID uuid.UUID, branch string, head uuid.UUID, sequence int64) error

	// FindByClientToken resolves spec.md §8's idempotent-admission invariant:
	// resubmitting the same (owner, client token) pair must yield the same
	// session id. A blank token never matches (every no-token submission is
	// distinct). The bool return is false on no match, not on a token miss
	// alone — ambiguous with a plain not-found error otherwise.
	FindByClientToken(ctx context.Context, owner uuid.UUID, clientToken string) (uuid.UUID, bool, error)

	SessionSnapshot(ctx context.Context, sessionID uuid.UUID) (domain.Session, error)
	LatestStageResult(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex) (domain.StageResult, error)
	FetchOutput(ctx context.Context, ref domain.StageResultRef) (any, error)

	// MarkCrashedRunningAsFailed recovers from a process restart: any
	// session left "running" with no terminal write is not resumable, so
	// it is marked failed rather than silently stuck (spec.md §4.6).
	MarkCrashedRunningAsFailed(ctx context.Context) (int64, error)
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Store {
	return &store{db: db, log: baseLog.With("component", "persistence")}
}

// AutoMigrate creates C9's backing tables; called once at boot alongside
// versionlog.AutoMigrate.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&sessionRow{},
		&stageResultRow{},
		&previewRow{},
		&feedbackRow{},
	)
}

func (s *store) RecordAdmission(ctx context.Context, session domain.Session, sequence int64) error {
	row := sessionRow{
		ID:             session.ID,
		OwnerID:        session.OwnerID,
		SubmissionText: session.SubmissionText,
		Quality:        string(session.Options.Quality),
		HITLEnabled:    session.Options.HITLEnabled,
		ClientToken:    session.Options.ClientToken,
		Status:         string(session.Status),
		CurrentStage:   session.CurrentStage,
		Branch:         session.Branch,
		LastSequence:   sequence,
		CreatedAt:      session.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(onConflictDoNothing("id")).Create(&row).Error
	if err != nil {
		return err
	}
	return nil
}

func (s *store) RecordCheckpoint(ctx context.Context, result domain.StageResult, sequence int64) error {
	encoded, err := encodeOutput(result.Output)
	if err != nil {
		return err
	}
	row := stageResultRow{
		SessionID:        result.SessionID,
		Stage:            int(result.Stage),
		Attempt:          result.Attempt,
		Sequence:         sequence,
		InputFingerprint: result.InputFingerprint,
		Output:           encoded,
		QualityOverall:   result.Quality.Overall,
		QualityOverride:  result.Quality.Override,
		ElapsedMS:        result.ElapsedMS,
		Errors:           joinStrings(result.Errors),
		Fallback:         result.Fallback,
		CreatedAt:        result.CreatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(onConflictDoNothing("session_id", "stage", "attempt")).Create(&row).Error
	if err != nil {
		return err
	}
	return s.touchSession(ctx, result.SessionID, sequence, map[string]interface{}{
		"current_stage": int(result.Stage),
	})
}

func (s *store) RecordPreview(ctx context.Context, sessionID uuid.UUID, preview domain.PreviewPayload, sequence int64) error {
	row := previewRow{
		SessionID:         sessionID,
		Stage:             int(preview.Key.Stage),
		Quality:           string(preview.Key.Quality),
		OutputFingerprint: preview.Key.OutputFingerprint,
		Sequence:          sequence,
		MimeType:          preview.MimeType,
		Data:              preview.Data,
		URL:               preview.URL,
		Synthetic:         preview.Synthetic,
		CreatedAt:         preview.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(onConflictDoNothing("session_id", "stage", "quality", "output_fingerprint")).Create(&row).Error
	if err != nil {
		return err
	}
	return s.touchSession(ctx, sessionID, sequence, nil)
}

func (s *store) RecordFeedback(ctx context.Context, envelope domain.FeedbackEnvelope, sequence int64) error {
	row := feedbackRow{
		SessionID:  envelope.SessionID,
		Stage:      int(envelope.Stage),
		Sequence:   envelope.Sequence,
		BusSeq:     sequence,
		Type:       string(envelope.Type),
		Content:    envelope.Content,
		ReceivedAt: envelope.ReceivedAt,
	}
	err := s.db.WithContext(ctx).Clauses(onConflictDoNothing("session_id", "stage", "sequence")).Create(&row).Error
	if err != nil {
		return err
	}
	return s.touchSession(ctx, envelope.SessionID, sequence, nil)
}

func (s *store) RecordTerminal(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, lastError string, sequence int64) error {
	now := time.Now().UTC()
	return s.touchSession(ctx, sessionID, sequence, map[string]interface{}{
		"status":     string(status),
		"last_error": lastError,
		"ended_at":   now,
	})
}

// RecordVersionHead mirrors the versionlog.Store's current branch head onto
// the session snapshot row, so SessionSnapshot callers (a resumed
// subscriber, or cmd/server serving a completed artifact) don't need a
// second round trip to versionlog just to know what to diff/restore from.
func (s *store) RecordVersionHead(ctx context.Context, sessionID uuid.UUID, branch string, head uuid.UUID, sequence int64) error {
	return s.touchSession(ctx, sessionID, sequence, map[string]interface{}{
		"branch":       branch,
		"version_head": head,
	})
}

// touchSession applies idempotent partial updates to a session's snapshot
// row, rejecting only writes that are strictly older than the latest
// sequence already observed (spec.md §4.6 "writes are idempotent by
// (session id, sequence)"). Equal-sequence writes are allowed through
// (rather than skipped) because one bus event can drive more than one
// touchSession call — e.g. a checkpoint followed by a version-head update
// at the same sequence — and each must still apply.
func (s *store) touchSession(ctx context.Context, sessionID uuid.UUID, sequence int64, extra map[string]interface{}) error {
	updates := map[string]interface{}{"last_sequence": sequence}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("id = ? AND last_sequence <= ?", sessionID, sequence).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	return nil
}

func (s *store) FindByClientToken(ctx context.Context, owner uuid.UUID, clientToken string) (uuid.UUID, bool, error) {
	if clientToken == "" {
		return uuid.Nil, false, nil
	}
	var row sessionRow
	err := s.db.WithContext(ctx).
		Select("id").
		Where("owner_id = ? AND client_token = ?", owner, clientToken).
		Order("created_at ASC").
		Limit(1).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	return row.ID, true, nil
}

func (s *store) SessionSnapshot(ctx context.Context, sessionID uuid.UUID) (domain.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&row).Error; err != nil {
		return domain.Session{}, err
	}
	return rowToSession(row), nil
}

func (s *store) LatestStageResult(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex) (domain.StageResult, error) {
	var row stageResultRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND stage = ?", sessionID, int(stage)).
		Order("attempt DESC").
		Limit(1).
		First(&row).Error
	if err != nil {
		return domain.StageResult{}, err
	}
	return rowToStageResult(row)
}

func (s *store) FetchOutput(ctx context.Context, ref domain.StageResultRef) (any, error) {
	var row stageResultRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND stage = ? AND attempt = ?", ref.SessionID, int(ref.Stage), ref.Attempt).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return decodeOutput(row.Output)
}

// MarkCrashedRunningAsFailed is called once at boot, before the scheduler
// admits new sessions, recovering from an unclean shutdown: any session
// whose snapshot row is still "running" has no process driving it forward
// anymore, so it is marked failed rather than left stuck (spec.md §4.6).
func (s *store) MarkCrashedRunningAsFailed(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("status IN ?", []string{string(domain.SessionRunning), string(domain.SessionAwaitingFeedback)}).
		Updates(map[string]interface{}{
			"status":     string(domain.SessionFailed),
			"last_error": "recovered at boot: process restarted mid-session",
			"ended_at":   now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
