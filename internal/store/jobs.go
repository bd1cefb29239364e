package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"cardflow/internal/models"
)

const jobColumns = `id, tenant_id, name, description, status, params, last_error, created_at, started_at, finished_at, last_run_at`

const taskColumns = `id, job_id, step, batch, kind, input, output, status, error_message, created_at, started_at, finished_at`

// CreateJob inserts a job definition. Status defaults to running so the next pass picks it up.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := prepareJob(job, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, name, description, status, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.TenantID, job.Name, job.Description, string(job.Status), paramsJSON, job.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func prepareJob(job models.Job, now time.Time) (models.Job, error) {
	if job.TenantID == "" || strings.TrimSpace(job.Name) == "" {
		return models.Job{}, errors.New("job tenant and name are required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobRunning
	}
	job.CreatedAt = now
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns jobs with the given status. An empty tenantID lists across tenants.
func (s *Store) ListJobs(ctx context.Context, tenantID string, status models.JobStatus) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND ($2::text = '' OR tenant_id = $2)
		ORDER BY created_at ASC
	`, string(status), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkJobStarted stamps started_at on first processing and last_run_at on every pass.
func (s *Store) MarkJobStarted(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET started_at = COALESCE(started_at, $2), last_run_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	return nil
}

// FinishJob moves a job to a final status.
func (s *Store) FinishJob(ctx context.Context, id string, status models.JobStatus, lastErr string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, finished_at = $4 WHERE id = $1
	`, id, string(status), emptyToNil(lastErr), at)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// CurrentBatch returns the highest batch number of a job, or 0 when it has no tasks.
func (s *Store) CurrentBatch(ctx context.Context, jobID string) (int, error) {
	var batch int
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(batch), 0) FROM job_tasks WHERE job_id = $1
	`, jobID).Scan(&batch); err != nil {
		return 0, fmt.Errorf("query current batch: %w", err)
	}
	return batch, nil
}

// ListTasks returns the tasks of one batch ordered by step.
func (s *Store) ListTasks(ctx context.Context, jobID string, batch int) ([]models.JobTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM job_tasks WHERE job_id = $1 AND batch = $2 ORDER BY step ASC, id ASC
	`, jobID, batch)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []models.JobTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// InsertTasks persists a new batch in one transaction and returns the tasks with ids.
func (s *Store) InsertTasks(ctx context.Context, tasks []models.JobTask) ([]models.JobTask, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	out := make([]models.JobTask, len(tasks))
	for i, t := range tasks {
		if t.Status == "" {
			t.Status = models.TaskPending
		}
		t.CreatedAt = now
		inputJSON, err := json.Marshal(t.Input)
		if err != nil {
			return nil, fmt.Errorf("marshal task input: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO job_tasks (job_id, step, batch, kind, input, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, t.JobID, t.Step, t.Batch, string(t.Kind), inputJSON, string(t.Status), now).Scan(&t.ID); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		out[i] = t
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// GetTask fetches a job task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.JobTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobTask{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return task, err
}

// StartTask marks a task running.
func (s *Store) StartTask(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_tasks SET status = $2, started_at = COALESCE(started_at, $3) WHERE id = $1
	`, id, string(models.TaskRunning), at)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// FinishTask records a task's terminal status and output.
func (s *Store) FinishTask(ctx context.Context, id int64, status models.TaskStatus, out *models.TaskOutput, errMsg string, at time.Time) error {
	var outputJSON []byte
	if out != nil {
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal task output: %w", err)
		}
		outputJSON = b
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE job_tasks SET status = $2, output = $3, error_message = $4, finished_at = $5 WHERE id = $1
	`, id, string(status), outputJSON, emptyToNil(errMsg), at)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                              models.Job
		status                           string
		paramsJSON                       []byte
		lastErr                          pgtype.Text
		startedAt, finishedAt, lastRunAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.TenantID, &job.Name, &job.Description, &status, &paramsJSON, &lastErr,
		&job.CreatedAt, &startedAt, &finishedAt, &lastRunAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.LastRunAt = timePtr(lastRunAt)
	return job, nil
}

func scanTask(row pgx.Row) (models.JobTask, error) {
	var (
		t                     models.JobTask
		kind, status          string
		inputJSON, outputJSON []byte
		errMsg                pgtype.Text
		startedAt, finishedAt pgtype.Timestamptz
	)
	if err := row.Scan(&t.ID, &t.JobID, &t.Step, &t.Batch, &kind, &inputJSON, &outputJSON, &status, &errMsg,
		&t.CreatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobTask{}, err
		}
		return models.JobTask{}, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(inputJSON, &t.Input); err != nil {
		return models.JobTask{}, fmt.Errorf("unmarshal task input: %w", err)
	}
	if len(outputJSON) > 0 {
		var out models.TaskOutput
		if err := json.Unmarshal(outputJSON, &out); err != nil {
			return models.JobTask{}, fmt.Errorf("unmarshal task output: %w", err)
		}
		t.Output = &out
	}
	t.Kind = models.TaskKind(kind)
	t.Status = models.TaskStatus(status)
	t.ErrorMessage = textPtr(errMsg)
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	return t, nil
}
