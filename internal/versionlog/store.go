// Package versionlog implements C5: an append-only per-session DAG of
// Version entries, with named branches, structural diffing, and
// non-destructive restore. Grounded on the teacher's gorm repo conventions
// (internal/data/repos/jobs/job_run.go's dbctx.Context-threaded,
// transaction-aware method shape), generalized from a single-table job
// queue to a parent-linked DAG.
package versionlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
)

var (
	ErrBranchNotFound   = errors.New("versionlog: branch not found")
	ErrBranchExists     = errors.New("versionlog: branch already exists")
	ErrVersionNotFound  = errors.New("versionlog: version not found")
	ErrWouldCreateCycle = errors.New("versionlog: parent edge would create a cycle")
)

// ResultFetcher resolves a StageResultRef to the actual stage output, so
// Diff can compare two versions' payloads without the version log owning
// the stage result bodies itself (that's internal/persistence's job).
type ResultFetcher interface {
	FetchOutput(ctx context.Context, ref domain.StageResultRef) (any, error)
}

// Store is the DAG-backed version log for one or more sessions.
type Store interface {
	// Checkpoint appends a new version whose parent is the named branch's
	// current head (or the session root if the branch has no head yet).
	Checkpoint(ctx context.Context, sessionID uuid.UUID, branch string, stage domain.StageIndex, ref domain.StageResultRef, author domain.VersionAuthor, label string, tags []string) (domain.Version, error)

	// Branch registers a new branch name rooted at an existing version.
	Branch(ctx context.Context, sessionID uuid.UUID, name string, baseVersionID uuid.UUID) (domain.Version, error)

	// Switch designates the branch that subsequent Checkpoint calls append to.
	Switch(ctx context.Context, sessionID uuid.UUID, name string) error

	// Diff structurally compares two versions' stage outputs.
	Diff(ctx context.Context, a, b uuid.UUID) (domain.ChangeSet, error)

	// Restore creates a new branch rooted at an existing version and makes
	// it current, without mutating any existing version.
	Restore(ctx context.Context, sessionID uuid.UUID, versionID uuid.UUID, newBranchName string) (domain.Version, error)

	// CurrentBranch returns the session's active branch name.
	CurrentBranch(ctx context.Context, sessionID uuid.UUID) (string, error)

	// Head returns the current version at the tip of the given branch.
	Head(ctx context.Context, sessionID uuid.UUID, branch string) (domain.Version, error)

	// Get fetches a single version by id.
	Get(ctx context.Context, versionID uuid.UUID) (domain.Version, error)
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("versionlog: branch name must not be empty")
	}
	return nil
}
