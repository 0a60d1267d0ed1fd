// Package lineage records which research stage produced which workspace
// artifact as a Neo4j graph:
//
//	(:Task {id, query})-[:PRODUCED {stage, source, recorded_at}]->(:Artifact {task_id, path})
package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

// Artifact is one recorded PRODUCED edge.
type Artifact struct {
	TaskID     string         `json:"task_id"`
	Path       string         `json:"path"`
	Stage      research.Stage `json:"stage"`
	Source     string         `json:"source"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Store handles Neo4j operations for artifact lineage.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a new Neo4j lineage store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGE queries rely on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT task_id IF NOT EXISTS FOR (t:Task) REQUIRE t.id IS UNIQUE`,
		`CREATE CONSTRAINT artifact_key IF NOT EXISTS FOR (a:Artifact) REQUIRE (a.task_id, a.path) IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure lineage schema: %w", err)
		}
	}
	return nil
}

// RecordArtifact links a task to an artifact it produced. Recording the same
// artifact again updates the edge. It satisfies research.LineageRecorder.
func (s *Store) RecordArtifact(ctx context.Context, taskID, query string, stage research.Stage, path, source string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (t:Task {id: $taskId})
		 ON CREATE SET t.query = $query, t.created_at = datetime()
		 MERGE (a:Artifact {task_id: $taskId, path: $path})
		 MERGE (t)-[r:PRODUCED]->(a)
		 SET r.stage = $stage, r.source = $source, r.recorded_at = datetime()`,
		map[string]interface{}{
			"taskId": taskID,
			"query":  query,
			"path":   path,
			"stage":  string(stage),
			"source": source,
		})
	if err != nil {
		return fmt.Errorf("record artifact %s/%s: %w", taskID, path, err)
	}
	s.logger.Debug("artifact lineage recorded",
		zap.String("task", taskID), zap.String("path", path), zap.String("source", source))
	return nil
}

// Artifacts returns the artifacts a task produced, oldest first.
func (s *Store) Artifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Task {id: $taskId})-[r:PRODUCED]->(a:Artifact)
		 RETURN a.path AS path, r.stage AS stage, r.source AS source, r.recorded_at AS recorded_at
		 ORDER BY r.recorded_at ASC, a.path ASC`,
		map[string]interface{}{"taskId": taskID})
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for result.Next(ctx) {
		rec := result.Record()
		path, _ := rec.Get("path")
		stage, _ := rec.Get("stage")
		source, _ := rec.Get("source")
		at, _ := rec.Get("recorded_at")

		a := Artifact{TaskID: taskID}
		a.Path, _ = path.(string)
		st, _ := stage.(string)
		a.Stage = research.Stage(st)
		a.Source, _ = source.(string)
		if t, ok := at.(time.Time); ok {
			a.RecordedAt = t
		}
		out = append(out, a)
	}
	return out, result.Err()
}

// Nop discards lineage records.
type Nop struct{}

func (Nop) RecordArtifact(context.Context, string, string, research.Stage, string, string) error {
	return nil
}

var (
	_ research.LineageRecorder = (*Store)(nil)
	_ research.LineageRecorder = Nop{}
)
