package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"cardflow/internal/models"
)

const runColumns = `id, tenant_id, status, mode, started_at, ended_at, goal_pressure, planned_actions, approved, sent, errors`

// StartRun inserts a running AgentRun unless the tenant already has one. When a run is
// already running it is returned with created=false and nothing is written.
func (s *Store) StartRun(ctx context.Context, tenantID string, mode models.RunMode, at time.Time) (models.AgentRun, bool, error) {
	run := models.AgentRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Status:    models.RunRunning,
		Mode:      mode,
		StartedAt: at,
		Errors:    []models.RunError{},
	}
	// The partial unique index on (tenant_id) WHERE status='running' makes this the
	// single-flight guard; a concurrent starter loses the insert.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO agent_runs (id, tenant_id, status, mode, started_at, errors)
		VALUES ($1, $2, $3, $4, $5, '[]'::jsonb)
		ON CONFLICT (tenant_id) WHERE status = 'running' DO NOTHING
	`, run.ID, tenantID, string(models.RunRunning), string(mode), at)
	if err != nil {
		return models.AgentRun{}, false, fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, true, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM agent_runs WHERE tenant_id = $1 AND status = $2
	`, tenantID, string(models.RunRunning))
	existing, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The running run finished between our insert and read; the caller may retry.
		return models.AgentRun{}, false, fmt.Errorf("start run for %s: %w", tenantID, ErrConflict)
	}
	if err != nil {
		return models.AgentRun{}, false, err
	}
	return existing, false, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// FinishRun writes the final status and counters of a run that is still running. It
// reports false when the run was cancelled or finished by someone else in the meantime.
func (s *Store) FinishRun(ctx context.Context, run models.AgentRun) (bool, error) {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return false, fmt.Errorf("marshal run errors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, ended_at = $3, goal_pressure = $4, planned_actions = $5, approved = $6, sent = $7, errors = $8
		WHERE id = $1 AND status = $9
	`, run.ID, string(run.Status), run.EndedAt, run.GoalPressure, run.PlannedActions, run.Approved, run.Sent,
		errorsJSON, string(models.RunRunning))
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRun labels a running run cancelled.
func (s *Store) CancelRun(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET status = $2, ended_at = $3 WHERE id = $1 AND status = $4
	`, id, string(models.RunCancelled), at, string(models.RunRunning))
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestRun returns the most recently started run of a tenant.
func (s *Store) LatestRun(ctx context.Context, tenantID string) (models.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM agent_runs WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT 1
	`, tenantID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentRun{}, fmt.Errorf("latest run for %s: %w", tenantID, ErrNotFound)
	}
	return run, err
}

// ListRuns returns a tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]models.AgentRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM agent_runs WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// InsertReflection stores a post-run reflection.
func (s *Store) InsertReflection(ctx context.Context, r models.Reflection) error {
	metricsJSON, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("marshal reflection metrics: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_reflections (run_id, summary, metrics, hypotheses, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.RunID, r.Summary, metricsJSON, r.Hypotheses, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reflection: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (models.AgentRun, error) {
	var (
		run          models.AgentRun
		status, mode string
		endedAt      pgtype.Timestamptz
		errorsJSON   []byte
	)
	if err := row.Scan(&run.ID, &run.TenantID, &status, &mode, &run.StartedAt, &endedAt, &run.GoalPressure,
		&run.PlannedActions, &run.Approved, &run.Sent, &errorsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AgentRun{}, err
		}
		return models.AgentRun{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
		return models.AgentRun{}, fmt.Errorf("unmarshal run errors: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.Mode = models.RunMode(mode)
	run.EndedAt = timePtr(endedAt)
	return run, nil
}
