package versionlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

// versionRow is the gorm table model backing one domain.Version entry.
type versionRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ParentID  *uuid.UUID `gorm:"type:uuid;index"`
	SessionID uuid.UUID `gorm:"type:uuid;index"`

	Branch string `gorm:"index"`
	Stage  int

	ResultSessionID uuid.UUID
	ResultStage     int
	ResultAttempt   int

	Author string
	Label  string
	Tags   string // comma-joined; versions are small and rarely tag-filtered

	CreatedAt time.Time
}

func (versionRow) TableName() string { return "panelforge_versions" }

// branchRow tracks each session's named branch heads.
type branchRow struct {
	SessionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"primaryKey"`
	HeadID    uuid.UUID `gorm:"type:uuid"`
}

func (branchRow) TableName() string { return "panelforge_branches" }

// sessionActiveBranchRow tracks which branch a session currently appends to.
type sessionActiveBranchRow struct {
	SessionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Branch    string
}

func (sessionActiveBranchRow) TableName() string { return "panelforge_session_active_branch" }

type gormStore struct {
	db      *gorm.DB
	log     *logger.Logger
	fetcher ResultFetcher
}

// NewGormStore wires a gorm-backed Store, mirroring the teacher's
// NewJobRunRepo(db, baseLog) constructor shape.
func NewGormStore(db *gorm.DB, baseLog *logger.Logger, fetcher ResultFetcher) Store {
	return &gormStore{db: db, log: baseLog.With("component", "versionlog"), fetcher: fetcher}
}

// AutoMigrate creates the backing tables; called once at boot.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&versionRow{}, &branchRow{}, &sessionActiveBranchRow{})
}

const defaultBranch = "main"

func (s *gormStore) Checkpoint(ctx context.Context, sessionID uuid.UUID, branch string, stage domain.StageIndex, ref domain.StageResultRef, author domain.VersionAuthor, label string, tags []string) (domain.Version, error) {
	if branch == "" {
		branch = defaultBranch
	}

	var out domain.Version
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head branchRow
		err := tx.Where("session_id = ? AND name = ?", sessionID, branch).First(&head).Error
		var parentID *uuid.UUID
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first checkpoint on this branch: no parent, and the branch row
			// is created on first write rather than requiring Branch() first
			// for the implicit default branch.
			if branch != defaultBranch {
				return ErrBranchNotFound
			}
		case err != nil:
			return err
		default:
			id := head.HeadID
			parentID = &id
		}

		row := versionRow{
			ID:              uuid.New(),
			ParentID:        parentID,
			SessionID:       sessionID,
			Branch:          branch,
			Stage:           int(stage),
			ResultSessionID: ref.SessionID,
			ResultStage:     int(ref.Stage),
			ResultAttempt:   ref.Attempt,
			Author:          string(author),
			Label:           label,
			Tags:            joinTags(tags),
			CreatedAt:       time.Now().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Save(&branchRow{SessionID: sessionID, Name: branch, HeadID: row.ID}).Error; err != nil {
			return err
		}
		out = rowToVersion(row, tags)
		return nil
	})
	return out, err
}

func (s *gormStore) Branch(ctx context.Context, sessionID uuid.UUID, name string, baseVersionID uuid.UUID) (domain.Version, error) {
	if err := validateBranchName(name); err != nil {
		return domain.Version{}, err
	}
	var base versionRow
	if err := s.db.WithContext(ctx).Where("id = ?", baseVersionID).First(&base).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Version{}, ErrVersionNotFound
		}
		return domain.Version{}, err
	}

	var existing branchRow
	err := s.db.WithContext(ctx).Where("session_id = ? AND name = ?", sessionID, name).First(&existing).Error
	if err == nil {
		return domain.Version{}, ErrBranchExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Version{}, err
	}

	if err := s.db.WithContext(ctx).Create(&branchRow{SessionID: sessionID, Name: name, HeadID: base.ID}).Error; err != nil {
		return domain.Version{}, err
	}
	return rowToVersion(base, splitTags(base.Tags)), nil
}

func (s *gormStore) Switch(ctx context.Context, sessionID uuid.UUID, name string) error {
	var existing branchRow
	if err := s.db.WithContext(ctx).Where("session_id = ? AND name = ?", sessionID, name).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBranchNotFound
		}
		return err
	}
	return s.db.WithContext(ctx).Save(&sessionActiveBranchRow{SessionID: sessionID, Branch: name}).Error
}

func (s *gormStore) CurrentBranch(ctx context.Context, sessionID uuid.UUID) (string, error) {
	var active sessionActiveBranchRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return defaultBranch, nil
	}
	if err != nil {
		return "", err
	}
	return active.Branch, nil
}

func (s *gormStore) Head(ctx context.Context, sessionID uuid.UUID, branch string) (domain.Version, error) {
	var head branchRow
	if err := s.db.WithContext(ctx).Where("session_id = ? AND name = ?", sessionID, branch).First(&head).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Version{}, ErrBranchNotFound
		}
		return domain.Version{}, err
	}
	return s.Get(ctx, head.HeadID)
}

func (s *gormStore) Get(ctx context.Context, versionID uuid.UUID) (domain.Version, error) {
	var row versionRow
	if err := s.db.WithContext(ctx).Where("id = ?", versionID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Version{}, ErrVersionNotFound
		}
		return domain.Version{}, err
	}
	return rowToVersion(row, splitTags(row.Tags)), nil
}

func (s *gormStore) Restore(ctx context.Context, sessionID uuid.UUID, versionID uuid.UUID, newBranchName string) (domain.Version, error) {
	base, err := s.Get(ctx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if _, err := s.Branch(ctx, sessionID, newBranchName, base.ID); err != nil {
		return domain.Version{}, err
	}
	if err := s.Switch(ctx, sessionID, newBranchName); err != nil {
		return domain.Version{}, err
	}
	return base, nil
}

func (s *gormStore) Diff(ctx context.Context, a, b uuid.UUID) (domain.ChangeSet, error) {
	va, err := s.Get(ctx, a)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	vb, err := s.Get(ctx, b)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	if s.fetcher == nil {
		return domain.ChangeSet{}, fmt.Errorf("versionlog: no ResultFetcher configured, cannot diff outputs")
	}
	outA, err := s.fetcher.FetchOutput(ctx, va.StageResultRef)
	if err != nil {
		return domain.ChangeSet{}, fmt.Errorf("fetch output for version %s: %w", a, err)
	}
	outB, err := s.fetcher.FetchOutput(ctx, vb.StageResultRef)
	if err != nil {
		return domain.ChangeSet{}, fmt.Errorf("fetch output for version %s: %w", b, err)
	}
	return Diff(outA, outB), nil
}

func rowToVersion(row versionRow, tags []string) domain.Version {
	return domain.Version{
		ID:        row.ID,
		ParentID:  row.ParentID,
		SessionID: row.SessionID,
		Branch:    row.Branch,
		Stage:     domain.StageIndex(row.Stage),
		StageResultRef: domain.StageResultRef{
			SessionID: row.ResultSessionID,
			Stage:     domain.StageIndex(row.ResultStage),
			Attempt:   row.ResultAttempt,
		},
		Author:    domain.VersionAuthor(row.Author),
		Label:     row.Label,
		Tags:      tags,
		CreatedAt: row.CreatedAt,
	}
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
