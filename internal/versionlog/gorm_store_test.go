package versionlog_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/testutil"
	"github.com/panelforge/engine/internal/versionlog"
)

func newGormStore(t *testing.T) versionlog.Store {
	t.Helper()
	db := testutil.DB(t)
	return versionlog.NewGormStore(db, testutil.Logger(t), nil)
}

func TestGormCheckpointChainsParentToPriorHead(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	sessionID := uuid.New()

	v1, err := store.Checkpoint(ctx, sessionID, "", domain.StageConcept,
		domain.StageResultRef{SessionID: sessionID, Stage: domain.StageConcept, Attempt: 1},
		domain.AuthorSystem, "concept checkpoint", nil)
	if err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	if v1.ParentID != nil {
		t.Fatalf("expected first checkpoint to have no parent, got %v", *v1.ParentID)
	}

	v2, err := store.Checkpoint(ctx, sessionID, "", domain.StageCharacters,
		domain.StageResultRef{SessionID: sessionID, Stage: domain.StageCharacters, Attempt: 1},
		domain.AuthorSystem, "characters checkpoint", nil)
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if v2.ParentID == nil || *v2.ParentID != v1.ID {
		t.Fatalf("expected second checkpoint's parent to be the first, got %v", v2.ParentID)
	}

	head, err := store.Head(ctx, sessionID, "main")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.ID != v2.ID {
		t.Fatalf("expected branch head to be the latest checkpoint")
	}
}

func TestGormCheckpointOnUnknownNonDefaultBranchFails(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := store.Checkpoint(ctx, sessionID, "side-quest", domain.StageConcept,
		domain.StageResultRef{SessionID: sessionID, Stage: domain.StageConcept, Attempt: 1},
		domain.AuthorSystem, "", nil)
	if err != versionlog.ErrBranchNotFound {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
}

func TestGormBranchAndSwitchAndRestore(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	sessionID := uuid.New()

	base, err := store.Checkpoint(ctx, sessionID, "", domain.StageConcept,
		domain.StageResultRef{SessionID: sessionID, Stage: domain.StageConcept, Attempt: 1},
		domain.AuthorSystem, "base", nil)
	if err != nil {
		t.Fatalf("base checkpoint: %v", err)
	}

	if _, err := store.Branch(ctx, sessionID, "alt", base.ID); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if _, err := store.Branch(ctx, sessionID, "alt", base.ID); err != versionlog.ErrBranchExists {
		t.Fatalf("expected ErrBranchExists on duplicate branch name, got %v", err)
	}

	if err := store.Switch(ctx, sessionID, "alt"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	current, err := store.CurrentBranch(ctx, sessionID)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if current != "alt" {
		t.Fatalf("expected current branch alt, got %s", current)
	}

	restored, err := store.Restore(ctx, sessionID, base.ID, "recovered")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID != base.ID {
		t.Fatalf("Restore must return the base version unmutated")
	}
	current, err = store.CurrentBranch(ctx, sessionID)
	if err != nil {
		t.Fatalf("CurrentBranch after restore: %v", err)
	}
	if current != "recovered" {
		t.Fatalf("expected restore to switch to its new branch, got %s", current)
	}
}

func TestGormSwitchToUnknownBranchFails(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	sessionID := uuid.New()
	if err := store.Switch(ctx, sessionID, "nope"); err != versionlog.ErrBranchNotFound {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
}
