package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardflow/internal/models"
	"cardflow/internal/telemetry"
)

// ErrNoCards is recorded on a task whose expansion produced nothing.
var ErrNoCards = errors.New("task expanded to zero cards")

const sendEmailNote = "send_email tasks execute the cards drafted in step 0; nothing to expand"

// Store is the persistence the runner needs.
type Store interface {
	ExpandStore
	ListJobs(ctx context.Context, tenantID string, status models.JobStatus) ([]models.Job, error)
	MarkJobStarted(ctx context.Context, id string, at time.Time) error
	FinishJob(ctx context.Context, id string, status models.JobStatus, lastErr string, at time.Time) error
	CurrentBatch(ctx context.Context, jobID string) (int, error)
	ListTasks(ctx context.Context, jobID string, batch int) ([]models.JobTask, error)
	InsertTasks(ctx context.Context, tasks []models.JobTask) ([]models.JobTask, error)
	StartTask(ctx context.Context, id int64, at time.Time) error
	FinishTask(ctx context.Context, id int64, status models.TaskStatus, out *models.TaskOutput, errMsg string, at time.Time) error
	InsertCards(ctx context.Context, cards []models.Card) ([]models.Card, error)
}

// Summary counts what one pass over the active jobs did.
type Summary struct {
	JobsProcessed  int      `json:"jobs_processed"`
	JobsSucceeded  int      `json:"jobs_succeeded"`
	JobsFailed     int      `json:"jobs_failed"`
	BatchesPlanned int      `json:"batches_planned"`
	TasksDone      int      `json:"tasks_done"`
	TasksErrored   int      `json:"tasks_errored"`
	CardsCreated   int      `json:"cards_created"`
	Errors         []string `json:"errors,omitempty"`
}

// Runner advances running jobs one batch at a time.
type Runner struct {
	store    Store
	policy   BatchPolicy
	expander *Expander
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner builds a runner. A nil policy uses CadencePolicy.
func NewRunner(s Store, policy BatchPolicy, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = CadencePolicy{}
	}
	return &Runner{
		store:    s,
		policy:   policy,
		expander: NewExpander(s, logger),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessActiveJobs advances every running job of the tenant. A failing job is marked
// failed and the remaining jobs are still processed; only listing the jobs can fail the
// whole pass.
func (r *Runner) ProcessActiveJobs(ctx context.Context, tenantID string) (Summary, error) {
	var sum Summary
	jobs, err := r.store.ListJobs(ctx, tenantID, models.JobRunning)
	if err != nil {
		return sum, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range jobs {
		sum.JobsProcessed++
		if err := r.processJob(ctx, job, &sum); err != nil {
			sum.JobsFailed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("job %s: %v", job.ID, err))
			r.logger.Error("job failed", "job_id", job.ID, "tenant", job.TenantID, "err", err)
			if ferr := r.store.FinishJob(ctx, job.ID, models.JobFailed, err.Error(), r.now()); ferr != nil {
				r.logger.Error("mark job failed", "job_id", job.ID, "err", ferr)
			}
		}
	}
	return sum, nil
}

func (r *Runner) processJob(ctx context.Context, job models.Job, sum *Summary) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	log := r.logger.With("job_id", job.ID, "tenant", job.TenantID)

	if err := r.store.MarkJobStarted(ctx, job.ID, r.now()); err != nil {
		return err
	}
	batch, err := r.store.CurrentBatch(ctx, job.ID)
	if err != nil {
		return err
	}

	var current []models.JobTask
	if batch > 0 {
		if current, err = r.store.ListTasks(ctx, job.ID, batch); err != nil {
			return err
		}
		var open []models.JobTask
		for _, t := range current {
			if !t.Status.Terminal() {
				open = append(open, t)
			}
		}
		if len(open) > 0 {
			log.Info("resuming open batch", "batch", batch, "open_tasks", len(open))
			r.processTasks(ctx, job, open, sum)
			return nil
		}
	}

	next := r.policy.NextBatch(job, batch, current)
	if len(next) == 0 {
		if err := r.store.FinishJob(ctx, job.ID, models.JobSucceeded, "", r.now()); err != nil {
			return err
		}
		sum.JobsSucceeded++
		log.Info("job succeeded", "batches", batch)
		return nil
	}
	created, err := r.store.InsertTasks(ctx, next)
	if err != nil {
		return fmt.Errorf("insert batch %d: %w", batch+1, err)
	}
	sum.BatchesPlanned++
	log.Info("planned batch", "batch", batch+1, "tasks", len(created))
	r.processTasks(ctx, job, created, sum)
	return nil
}

// processTasks expands each task in step order. A failing task is marked error and the
// rest of the batch continues.
func (r *Runner) processTasks(ctx context.Context, job models.Job, tasks []models.JobTask, sum *Summary) {
	for _, task := range tasks {
		out, err := r.processTask(ctx, job, task)
		status := models.TaskDone
		msg := ""
		if err != nil {
			status = models.TaskError
			msg = err.Error()
			sum.TasksErrored++
			r.logger.Warn("job task failed", "job_id", job.ID, "task_id", task.ID, "kind", task.Kind, "err", err)
		} else {
			sum.TasksDone++
			sum.CardsCreated += out.CardsCreated
		}
		telemetry.JobTasks.WithLabelValues(string(status)).Inc()
		if ferr := r.store.FinishTask(ctx, task.ID, status, out, msg, r.now()); ferr != nil {
			// The task stays open and is expanded again on the next pass.
			sum.Errors = append(sum.Errors, fmt.Sprintf("job %s task %d: record %s: %v", job.ID, task.ID, status, ferr))
			r.logger.Error("record task result", "job_id", job.ID, "task_id", task.ID, "err", ferr)
		}
	}
}

func (r *Runner) processTask(ctx context.Context, job models.Job, task models.JobTask) (out *models.TaskOutput, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if err := r.store.StartTask(ctx, task.ID, r.now()); err != nil {
		return nil, err
	}
	if task.Kind == models.TaskSendEmail {
		return &models.TaskOutput{Note: sendEmailNote}, nil
	}
	cards, err := r.expander.Expand(ctx, job, task)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return &models.TaskOutput{}, ErrNoCards
	}
	saved, err := r.store.InsertCards(ctx, cards)
	if err != nil {
		return nil, fmt.Errorf("insert cards: %w", err)
	}
	telemetry.CardsCreated.Add(float64(len(saved)))
	ids := make([]string, len(saved))
	for i, c := range saved {
		ids[i] = c.ID
	}
	return &models.TaskOutput{CardsCreated: len(saved), CardIDs: ids}, nil
}
