package background

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"cardflow/internal/config"
	"cardflow/internal/telemetry"
)

// Handler executes one task kind.
type Handler func(ctx context.Context, task Task) error

type registry map[string]Handler

func (r registry) register(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	r[kind] = h
}

func (r registry) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	h, ok := r[task.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", task.Kind)
	}
	return h(ctx, task)
}

// Worker consumes a RedisQueue. Failed tasks are retried with jittered backoff and
// dead-lettered once they reach the attempt limit.
type Worker struct {
	queue        *RedisQueue
	handlers     registry
	logger       *slog.Logger
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewWorker builds a worker over q using the retry settings in cfg.
func NewWorker(q *RedisQueue, cfg config.Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:        q,
		handlers:     registry{},
		logger:       logger,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffInitial,
		backoffMax:   cfg.BackoffMax,
		pollInterval: cfg.WorkerPollInterval,
		now:          time.Now,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.backoffBase <= 0 {
		w.backoffBase = 2 * time.Second
	}
	if w.backoffMax < w.backoffBase {
		w.backoffMax = w.backoffBase
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	return w
}

// RegisterHandler binds a handler to a task kind.
func (w *Worker) RegisterHandler(kind string, h Handler) {
	w.handlers.register(kind, h)
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Warn("background poll failed", "err", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessOne performs one housekeeping pass and handles at most one task. It reports
// whether a task was handled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	now := w.now()
	if _, err := w.queue.PromoteScheduled(ctx, now, 100); err != nil {
		return false, fmt.Errorf("promote retries: %w", err)
	}
	if n, err := w.queue.RequeueExpired(ctx, now, 100); err != nil {
		return false, fmt.Errorf("requeue expired: %w", err)
	} else if n > 0 {
		w.logger.Info("reclaimed expired background leases", "count", n)
	}
	if depth, err := w.queue.ReadyDepth(ctx); err == nil {
		telemetry.BackgroundDepth.Set(float64(depth))
	}

	task, ok, err := w.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	log := w.logger.With("task_id", task.ID, "kind", task.Kind, "tenant", task.TenantID)

	runErr := w.handlers.run(ctx, task)
	if runErr == nil {
		if err := w.queue.Ack(ctx, task.ID); err != nil {
			return true, fmt.Errorf("ack %s: %w", task.ID, err)
		}
		log.Debug("background task done")
		return true, nil
	}

	task.Attempts++
	task.LastError = runErr.Error()
	if task.Attempts >= w.maxAttempts {
		telemetry.BackgroundFailures.Inc()
		log.Error("background task dead-lettered", "attempts", task.Attempts, "err", runErr)
		if err := w.queue.DeadLetter(ctx, task); err != nil {
			return true, fmt.Errorf("dead-letter %s: %w", task.ID, err)
		}
		return true, nil
	}
	next := w.now().Add(backoffWithJitter(w.backoffBase, w.backoffMax, task.Attempts))
	log.Warn("background task failed, retry scheduled", "attempts", task.Attempts, "next_run", next.UTC().Format(time.RFC3339), "err", runErr)
	if err := w.queue.Retry(ctx, task, next); err != nil {
		return true, fmt.Errorf("retry %s: %w", task.ID, err)
	}
	return true, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// Inline runs tasks synchronously in the caller's goroutine. It stands in for the queue
// when no Redis is configured; failures are logged and counted, never returned.
type Inline struct {
	handlers registry
	logger   *slog.Logger
}

// NewInline builds an inline runner.
func NewInline(logger *slog.Logger) *Inline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inline{handlers: registry{}, logger: logger}
}

// RegisterHandler binds a handler to a task kind.
func (i *Inline) RegisterHandler(kind string, h Handler) {
	i.handlers.register(kind, h)
}

// Enqueue runs the task immediately.
func (i *Inline) Enqueue(ctx context.Context, task Task) error {
	if err := i.handlers.run(ctx, task); err != nil {
		telemetry.BackgroundFailures.Inc()
		i.logger.Error("background task failed", "task_id", task.ID, "kind", task.Kind, "tenant", task.TenantID, "err", err)
	}
	return nil
}
