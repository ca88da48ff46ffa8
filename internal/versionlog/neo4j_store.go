package versionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

// neo4jStore is the optional graph-backed Store, for deployments that want
// DAG operations (ancestor walks, branch-point queries) expressed as graph
// traversals rather than recursive SQL. Grounded on
// internal/platform/neo4jdb/client.go (driver/session lifecycle) and
// internal/data/graph/neo4j_concept_graph.go (MERGE-node / MERGE-edge via
// session.ExecuteWrite + UNWIND, schema constraints created best-effort).
type neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	log      *logger.Logger
	fetcher  ResultFetcher
}

func NewNeo4jStore(driver neo4j.DriverWithContext, database string, baseLog *logger.Logger, fetcher ResultFetcher) Store {
	return &neo4jStore{driver: driver, database: database, log: baseLog.With("component", "versionlog-neo4j"), fetcher: fetcher}
}

func (s *neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *neo4jStore) ensureConstraints(ctx context.Context, sess neo4j.SessionWithContext) {
	if res, err := sess.Run(ctx, `CREATE CONSTRAINT version_id_unique IF NOT EXISTS FOR (v:Version) REQUIRE v.id IS UNIQUE`, nil); err != nil {
		s.log.Warn("neo4j schema init failed (continuing)", "error", err)
	} else {
		_, _ = res.Consume(ctx)
	}
}

func (s *neo4jStore) Checkpoint(ctx context.Context, sessionID uuid.UUID, branch string, stage domain.StageIndex, ref domain.StageResultRef, author domain.VersionAuthor, label string, tags []string) (domain.Version, error) {
	if branch == "" {
		branch = defaultBranch
	}
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	s.ensureConstraints(ctx, sess)

	newID := uuid.New()
	now := time.Now().UTC()

	var parentID *uuid.UUID
	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (b:Branch {session_id: $sessionID, name: $branch})
OPTIONAL MATCH (b)-[oldHead:HEAD]->(head:Version)
CREATE (v:Version {
  id: $id, session_id: $sessionID, branch: $branch, stage: $stage,
  result_session_id: $resultSessionID, result_stage: $resultStage, result_attempt: $resultAttempt,
  author: $author, label: $label, tags: $tags, created_at: $createdAt
})
FOREACH (_ IN CASE WHEN head IS NOT NULL THEN [1] ELSE [] END |
  CREATE (v)-[:PARENT_OF]->(head)
)
DELETE oldHead
MERGE (b)-[:HEAD]->(v)
RETURN head.id AS parentID
`, map[string]any{
			"id": newID.String(), "sessionID": sessionID.String(), "branch": branch, "stage": int64(stage),
			"resultSessionID": ref.SessionID.String(), "resultStage": int64(ref.Stage), "resultAttempt": int64(ref.Attempt),
			"author": string(author), "label": label, "tags": joinTags(tags), "createdAt": now.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		pid, _ := res.Record().Get("parentID")
		return pid, nil
	})
	if err != nil {
		return domain.Version{}, fmt.Errorf("neo4j checkpoint: %w", err)
	}
	if pidStr, ok := result.(string); ok && pidStr != "" {
		if parsed, err := uuid.Parse(pidStr); err == nil {
			parentID = &parsed
		}
	}

	return domain.Version{
		ID:        newID,
		ParentID:  parentID,
		SessionID: sessionID,
		Branch:    branch,
		Stage:     stage,
		StageResultRef: domain.StageResultRef{
			SessionID: ref.SessionID, Stage: ref.Stage, Attempt: ref.Attempt,
		},
		Author:    author,
		Label:     label,
		Tags:      tags,
		CreatedAt: now,
	}, nil
}

func (s *neo4jStore) Branch(ctx context.Context, sessionID uuid.UUID, name string, baseVersionID uuid.UUID) (domain.Version, error) {
	if err := validateBranchName(name); err != nil {
		return domain.Version{}, err
	}
	base, err := s.Get(ctx, baseVersionID)
	if err != nil {
		return domain.Version{}, err
	}

	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := tx.Run(ctx, `MATCH (b:Branch {session_id: $sessionID, name: $name}) RETURN b`, map[string]any{
			"sessionID": sessionID.String(), "name": name,
		})
		if err != nil {
			return nil, err
		}
		if existing.Next(ctx) {
			return nil, ErrBranchExists
		}

		res, err := tx.Run(ctx, `
MATCH (v:Version {id: $baseID})
CREATE (b:Branch {session_id: $sessionID, name: $name})
MERGE (b)-[:HEAD]->(v)
`, map[string]any{"baseID": baseVersionID.String(), "sessionID": sessionID.String(), "name": name})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return domain.Version{}, err
	}
	return base, nil
}

func (s *neo4jStore) Switch(ctx context.Context, sessionID uuid.UUID, name string) error {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		check, err := tx.Run(ctx, `MATCH (b:Branch {session_id: $sessionID, name: $name}) RETURN b`, map[string]any{
			"sessionID": sessionID.String(), "name": name,
		})
		if err != nil {
			return nil, err
		}
		if !check.Next(ctx) {
			return nil, ErrBranchNotFound
		}
		res, err := tx.Run(ctx, `
MERGE (a:ActiveBranch {session_id: $sessionID})
SET a.branch = $name
`, map[string]any{"sessionID": sessionID.String(), "name": name})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

func (s *neo4jStore) CurrentBranch(ctx context.Context, sessionID uuid.UUID) (string, error) {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (a:ActiveBranch {session_id: $sessionID}) RETURN a.branch AS branch`, map[string]any{
		"sessionID": sessionID.String(),
	})
	if err != nil {
		return "", err
	}
	if !res.Next(ctx) {
		return defaultBranch, nil
	}
	branch, _ := res.Record().Get("branch")
	name, _ := branch.(string)
	if name == "" {
		return defaultBranch, nil
	}
	return name, nil
}

func (s *neo4jStore) Head(ctx context.Context, sessionID uuid.UUID, branch string) (domain.Version, error) {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `
MATCH (b:Branch {session_id: $sessionID, name: $branch})-[:HEAD]->(v:Version)
RETURN v
`, map[string]any{"sessionID": sessionID.String(), "branch": branch})
	if err != nil {
		return domain.Version{}, err
	}
	if !res.Next(ctx) {
		return domain.Version{}, ErrBranchNotFound
	}
	node, _ := res.Record().Get("v")
	return nodeToVersion(node)
}

func (s *neo4jStore) Get(ctx context.Context, versionID uuid.UUID) (domain.Version, error) {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (v:Version {id: $id}) RETURN v`, map[string]any{"id": versionID.String()})
	if err != nil {
		return domain.Version{}, err
	}
	if !res.Next(ctx) {
		return domain.Version{}, ErrVersionNotFound
	}
	node, _ := res.Record().Get("v")
	return nodeToVersion(node)
}

func (s *neo4jStore) Restore(ctx context.Context, sessionID uuid.UUID, versionID uuid.UUID, newBranchName string) (domain.Version, error) {
	base, err := s.Branch(ctx, sessionID, newBranchName, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := s.Switch(ctx, sessionID, newBranchName); err != nil {
		return domain.Version{}, err
	}
	return base, nil
}

func (s *neo4jStore) Diff(ctx context.Context, a, b uuid.UUID) (domain.ChangeSet, error) {
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
		return domain.ChangeSet{}, err
	}
	outB, err := s.fetcher.FetchOutput(ctx, vb.StageResultRef)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	return Diff(outA, outB), nil
}

func nodeToVersion(node any) (domain.Version, error) {
	n, ok := node.(neo4j.Node)
	if !ok {
		return domain.Version{}, fmt.Errorf("versionlog: unexpected neo4j node type %T", node)
	}
	props := n.Props

	id, err := uuid.Parse(fmt.Sprint(props["id"]))
	if err != nil {
		return domain.Version{}, err
	}
	sessionID, _ := uuid.Parse(fmt.Sprint(props["session_id"]))
	resultSessionID, _ := uuid.Parse(fmt.Sprint(props["result_session_id"]))
	createdAt, _ := time.Parse(time.RFC3339Nano, fmt.Sprint(props["created_at"]))

	return domain.Version{
		ID:        id,
		SessionID: sessionID,
		Branch:    fmt.Sprint(props["branch"]),
		Stage:     domain.StageIndex(toInt(props["stage"])),
		StageResultRef: domain.StageResultRef{
			SessionID: resultSessionID,
			Stage:     domain.StageIndex(toInt(props["result_stage"])),
			Attempt:   toInt(props["result_attempt"]),
		},
		Author:    domain.VersionAuthor(fmt.Sprint(props["author"])),
		Label:     fmt.Sprint(props["label"]),
		Tags:      splitTags(fmt.Sprint(props["tags"])),
		CreatedAt: createdAt,
	}, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}
