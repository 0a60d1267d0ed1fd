package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

// Summary is a result without its report body, for listings.
type Summary struct {
	TaskID    string        `json:"task_id"`
	Query     string        `json:"query"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SaveResult inserts or replaces the result of a task.
func (s *Store) SaveResult(ctx context.Context, res research.Result) error {
	var planJSON []byte
	if res.Plan != nil {
		var err error
		if planJSON, err = json.Marshal(res.Plan); err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
	}
	steps, err := json.Marshal(nonNil(res.StepsCompleted))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	recovered, err := json.Marshal(nonNil(res.Recovered))
	if err != nil {
		return fmt.Errorf("marshal recovered: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO research_results
			(task_id, query, status, final_report, plan, steps_completed, recovered, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			query = EXCLUDED.query,
			status = EXCLUDED.status,
			final_report = EXCLUDED.final_report,
			plan = EXCLUDED.plan,
			steps_completed = EXCLUDED.steps_completed,
			recovered = EXCLUDED.recovered,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			duration_ms = EXCLUDED.duration_ms`,
		res.TaskID, res.Query, res.Status, res.FinalReport, planJSON, steps, recovered,
		res.Error, res.StartedAt, res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.TaskID, err)
	}
	s.logger.Debug("result saved", zap.String("task", res.TaskID), zap.String("status", res.Status))
	return nil
}

// GetResult loads the full result of a task.
func (s *Store) GetResult(ctx context.Context, taskID string) (*research.Result, error) {
	var (
		res                        research.Result
		planJSON, steps, recovered []byte
		durationMS                 int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT task_id, query, status, final_report, plan, steps_completed, recovered, error, started_at, duration_ms
		FROM research_results
		WHERE task_id = $1`, taskID,
	).Scan(&res.TaskID, &res.Query, &res.Status, &res.FinalReport, &planJSON, &steps, &recovered,
		&res.Error, &res.StartedAt, &durationMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("result %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get result %s: %w", taskID, err)
	}

	res.Duration = time.Duration(durationMS) * time.Millisecond
	if len(planJSON) > 0 {
		var p research.Plan
		if err := json.Unmarshal(planJSON, &p); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		res.Plan = &p
	}
	if err := json.Unmarshal(steps, &res.StepsCompleted); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(recovered, &res.Recovered); err != nil {
		return nil, fmt.Errorf("unmarshal recovered: %w", err)
	}
	if len(res.Recovered) == 0 {
		res.Recovered = nil
	}
	return &res, nil
}

// ListResults returns result summaries, most recent first.
func (s *Store) ListResults(ctx context.Context, limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
		SELECT task_id, query, status, error, started_at, duration_ms
		FROM research_results
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sm         Summary
			durationMS int64
		)
		if err := rows.Scan(&sm.TaskID, &sm.Query, &sm.Status, &sm.Error, &sm.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		sm.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, sm)
	}
	return out, rows.Err()
}

func nonNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
