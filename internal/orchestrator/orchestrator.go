// Package orchestrator runs the work block: one end-to-end pass that executes approved
// cards, advances jobs and turns a fresh plan into suggested cards for a tenant.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cardflow/internal/background"
	"cardflow/internal/cards"
	"cardflow/internal/contextbuild"
	"cardflow/internal/executor"
	"cardflow/internal/filter"
	"cardflow/internal/jobs"
	"cardflow/internal/models"
	"cardflow/internal/planner"
	"cardflow/internal/store"
	"cardflow/internal/telemetry"
)

// DefaultHistoryLimit is the number of runs RunHistory returns when no limit is given.
const DefaultHistoryLimit = 20

// Step names recorded on run errors.
const (
	StepPromote    = "promote"
	StepExecute    = "execute_approved"
	StepJobs       = "jobs"
	StepPlanning   = "planning"
	StepValidation = "validation"
	StepFilter     = "filter"
	StepCards      = "cards"
	StepExecution  = "execution"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	StartRun(ctx context.Context, tenantID string, mode models.RunMode, at time.Time) (models.AgentRun, bool, error)
	GetRun(ctx context.Context, id string) (models.AgentRun, error)
	FinishRun(ctx context.Context, run models.AgentRun) (bool, error)
	CancelRun(ctx context.Context, id string, at time.Time) (bool, error)
	LatestRun(ctx context.Context, tenantID string) (models.AgentRun, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]models.AgentRun, error)
	ListCards(ctx context.Context, q store.CardQuery) ([]models.Card, error)
	InsertCards(ctx context.Context, cards []models.Card) ([]models.Card, error)
	filter.MemoryStore
}

// Promoter moves due scheduled cards to suggested.
type Promoter interface {
	Promote(ctx context.Context, tenantID string) (int, error)
}

// CardRunner executes approved cards.
type CardRunner interface {
	ExecuteApproved(ctx context.Context, tenantID string, limit int, delay time.Duration) ([]executor.Result, error)
}

// JobProcessor advances running jobs by one batch.
type JobProcessor interface {
	ProcessActiveJobs(ctx context.Context, tenantID string) (jobs.Summary, error)
}

// Deps are the collaborators of a work block. Background may be nil, in which case
// reflections are dropped with a log line.
type Deps struct {
	Store      Store
	Scheduler  Promoter
	Executor   CardRunner
	Jobs       JobProcessor
	Context    contextbuild.Builder
	Planner    planner.Planner
	Background background.Enqueuer
}

// Options tune a work block.
type Options struct {
	Mode              models.RunMode
	ExecuteDelay      time.Duration
	ExecuteLimit      int
	MaxActions        int
	MinRuleImportance float64
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = models.ModeReview
	}
	if o.ExecuteDelay < 0 {
		o.ExecuteDelay = 0
	}
	if o.MaxActions <= 0 {
		o.MaxActions = planner.DefaultMaxActions
	}
	if o.MinRuleImportance <= 0 {
		o.MinRuleImportance = filter.DefaultMinImportance
	}
	return o
}

// Orchestrator runs work blocks.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New builds an orchestrator. Options are used as given; zero values fall back to the
// package defaults, except ExecuteDelay where zero means no delay.
func New(d Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   d,
		opts:   opts.withDefaults(),
		logger: logger,
		tracer: telemetry.Tracer("cardflow/orchestrator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// block carries the state of one work block between steps.
type block struct {
	run        models.AgentRun
	log        *slog.Logger
	snap       models.Snapshot
	plan       models.Plan
	validation planner.Validation
}

func (b *block) fail(step string, err error, details ...string) {
	b.run.Errors = append(b.run.Errors, models.RunError{Step: step, Message: err.Error(), Details: details})
	b.log.Warn("work block step failed", "step", step, "err", err)
}

// RunWorkBlock runs one work block for tenantID. When a run is already in progress for
// the tenant that run is returned untouched. Failures of isolated steps are recorded on
// the run; anything else marks the run failed and is returned.
func (o *Orchestrator) RunWorkBlock(ctx context.Context, tenantID string) (models.AgentRun, error) {
	run, started, err := o.deps.Store.StartRun(ctx, tenantID, o.opts.Mode, o.now())
	if err != nil {
		return models.AgentRun{}, fmt.Errorf("start run: %w", err)
	}
	if !started {
		o.logger.Info("work block already running", "tenant", tenantID, "run_id", run.ID)
		return run, nil
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.work_block", trace.WithAttributes(
		attribute.String("cardflow.tenant", tenantID),
		attribute.String("cardflow.run_id", run.ID),
	))
	defer span.End()

	b := &block{run: run, log: o.logger.With("tenant", tenantID, "run_id", run.ID)}
	b.log.Info("work block started", "mode", run.Mode)

	if err := o.runSteps(ctx, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.failRun(ctx, b, err)
	}

	ended := o.now()
	b.run.Status = models.RunCompleted
	b.run.EndedAt = &ended
	finished, err := o.deps.Store.FinishRun(ctx, b.run)
	if err != nil {
		return o.failRun(ctx, b, fmt.Errorf("record run: %w", err))
	}
	if !finished {
		// Cancelled while in flight. The label stays and the counters are discarded.
		b.log.Warn("run was cancelled before it finished")
		if stored, err := o.deps.Store.GetRun(ctx, b.run.ID); err == nil {
			b.run = stored
		}
	}
	telemetry.Runs.WithLabelValues(string(b.run.Status)).Inc()
	b.log.Info("work block finished",
		"status", b.run.Status,
		"planned_actions", b.run.PlannedActions,
		"sent", b.run.Sent,
		"errors", len(b.run.Errors))

	o.enqueueReflection(ctx, b)
	return b.run, nil
}

func (o *Orchestrator) failRun(ctx context.Context, b *block, cause error) (models.AgentRun, error) {
	ended := o.now()
	b.run.Status = models.RunFailed
	b.run.EndedAt = &ended
	b.run.Errors = append(b.run.Errors, models.RunError{Step: StepExecution, Message: cause.Error()})
	b.log.Error("work block failed", "err", cause)
	if _, err := o.deps.Store.FinishRun(ctx, b.run); err != nil {
		b.log.Error("record failed run", "err", err)
	}
	telemetry.Runs.WithLabelValues(string(models.RunFailed)).Inc()
	return b.run, cause
}

func (o *Orchestrator) runSteps(ctx context.Context, b *block) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	tenantID := b.run.TenantID

	// Isolated steps: failures are recorded and the block goes on.
	o.span(ctx, StepPromote, func(ctx context.Context) error {
		n, err := o.deps.Scheduler.Promote(ctx, tenantID)
		if err != nil {
			b.fail(StepPromote, err)
			return err
		}
		b.log.Info("promoted scheduled cards", "count", n)
		return nil
	})

	o.span(ctx, StepExecute, func(ctx context.Context) error {
		results, err := o.deps.Executor.ExecuteApproved(ctx, tenantID, o.opts.ExecuteLimit, o.opts.ExecuteDelay)
		succeeded := 0
		for _, r := range results {
			if r.Success {
				succeeded++
			}
			if r.Sent() {
				b.run.Sent++
			}
		}
		b.log.Info("executed approved cards", "attempted", len(results), "succeeded", succeeded, "sent", b.run.Sent)
		if err != nil {
			b.fail(StepExecute, err)
		}
		return err
	})

	o.span(ctx, StepJobs, func(ctx context.Context) error {
		sum, err := o.deps.Jobs.ProcessActiveJobs(ctx, tenantID)
		if err != nil {
			b.fail(StepJobs, err)
			return err
		}
		if len(sum.Errors) > 0 {
			b.run.Errors = append(b.run.Errors, models.RunError{
				Step:    StepJobs,
				Message: fmt.Sprintf("%d job(s) failed", sum.JobsFailed),
				Details: sum.Errors,
			})
		}
		b.log.Info("processed jobs",
			"jobs", sum.JobsProcessed,
			"batches_planned", sum.BatchesPlanned,
			"cards_created", sum.CardsCreated,
			"failed", sum.JobsFailed)
		return nil
	})

	if err := o.span(ctx, "context", func(ctx context.Context) error {
		snap, err := o.deps.Context.Build(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("build context: %w", err)
		}
		b.snap = snap
		b.run.GoalPressure = contextbuild.MeanPressure(snap.Goals)
		return nil
	}); err != nil {
		return err
	}

	o.span(ctx, StepPlanning, func(ctx context.Context) error {
		plan, err := o.deps.Planner.Generate(ctx, b.snap)
		b.plan = plan
		if err != nil {
			b.fail(StepPlanning, err)
		}
		return err
	})

	b.validation = planner.Validate(b.plan, b.snap, o.opts.MaxActions)
	if !b.validation.Valid {
		b.run.Errors = append(b.run.Errors, models.RunError{
			Step:    StepValidation,
			Message: fmt.Sprintf("%d validation error(s)", len(b.validation.Errors)),
			Details: b.validation.Errors,
		})
		b.log.Warn("plan validation failed", "errors", b.validation.Errors)
	}
	if len(b.validation.Warnings) > 0 {
		b.log.Warn("plan warnings", "warnings", b.validation.Warnings)
	}
	accepted := b.validation.Accepted(b.plan.Actions, o.opts.MaxActions)

	var allowed []models.ProposedAction
	o.span(ctx, StepFilter, func(ctx context.Context) error {
		allowed = o.filter(ctx, b, accepted)
		return nil
	})

	return o.span(ctx, StepCards, func(ctx context.Context) error {
		return o.persist(ctx, b, allowed)
	})
}

// filter drops actions that break learned rules. Without rules every action passes.
func (o *Orchestrator) filter(ctx context.Context, b *block, actions []models.ProposedAction) []models.ProposedAction {
	tenantID := b.run.TenantID
	rules, err := filter.LoadRules(ctx, o.deps.Store, tenantID, o.opts.MinRuleImportance)
	if err != nil {
		b.fail(StepFilter, err)
		return actions
	}
	res := filter.Apply(actions, rules)
	for _, f := range res.Filtered {
		b.log.Info("action filtered", "title", f.Action.Title, "type", f.Action.Type, "rule_id", f.Rule.ID, "reason", f.Reason)
	}
	if len(res.Filtered) > 0 {
		telemetry.CardsFiltered.Add(float64(len(res.Filtered)))
		filter.LogFiltered(ctx, o.deps.Store, b.log, tenantID, res.Filtered, o.now())
	}
	return res.Allowed
}

// persist builds cards from the actions, dedupes them against pending cards and stores
// the rest as suggested.
func (o *Orchestrator) persist(ctx context.Context, b *block, actions []models.ProposedAction) error {
	tenantID := b.run.TenantID
	built := make([]models.Card, 0, len(actions))
	var invalid []string
	for _, a := range actions {
		c, err := cards.FromAction(tenantID, b.run.ID, a)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %v", a.Title, err))
			continue
		}
		built = append(built, c)
	}
	if len(invalid) > 0 {
		b.run.Errors = append(b.run.Errors, models.RunError{
			Step:    StepCards,
			Message: fmt.Sprintf("%d action(s) could not become cards", len(invalid)),
			Details: invalid,
		})
	}
	if len(built) == 0 {
		return nil
	}

	existing, err := o.deps.Store.ListCards(ctx, store.CardQuery{TenantID: tenantID, States: models.PendingStates})
	if err != nil {
		return fmt.Errorf("load pending cards: %w", err)
	}
	kept, dropped := cards.Dedupe(built, existing)
	if len(dropped) > 0 {
		telemetry.CardsDeduped.Add(float64(len(dropped)))
		for _, c := range dropped {
			b.log.Info("duplicate action dropped", "title", c.Title, "type", c.Type, "client_id", c.ClientID)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	saved, err := o.deps.Store.InsertCards(ctx, kept)
	if err != nil {
		return fmt.Errorf("insert cards: %w", err)
	}
	telemetry.CardsCreated.Add(float64(len(saved)))
	b.run.PlannedActions = len(saved)
	b.run.Approved = 0
	return nil
}

// span runs fn inside a child span named after the step.
func (o *Orchestrator) span(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+step)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) enqueueReflection(ctx context.Context, b *block) {
	if o.deps.Background == nil {
		b.log.Debug("no background queue, reflection skipped")
		return
	}
	task, err := background.NewTask(background.KindReflection, b.run.TenantID, Reflect(b.run.ID, b.snap, b.plan, b.validation, o.now()))
	if err == nil {
		err = o.deps.Background.Enqueue(ctx, task)
	}
	if err != nil {
		telemetry.BackgroundFailures.Inc()
		b.log.Error("enqueue reflection", "err", err)
	}
}

// LatestRun returns the most recent run of the tenant, or store.ErrNotFound.
func (o *Orchestrator) LatestRun(ctx context.Context, tenantID string) (models.AgentRun, error) {
	return o.deps.Store.LatestRun(ctx, tenantID)
}

// RunHistory lists the tenant's runs, newest first.
func (o *Orchestrator) RunHistory(ctx context.Context, tenantID string, limit int) ([]models.AgentRun, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return o.deps.Store.ListRuns(ctx, tenantID, limit)
}

// ErrNotRunning is returned when cancelling a run that is not running.
var ErrNotRunning = errors.New("run is not running")

// CancelRun labels a running run as cancelled. The in-flight block does not observe
// the label; it only stops the run's counters from being recorded.
func (o *Orchestrator) CancelRun(ctx context.Context, id string) error {
	ok, err := o.deps.Store.CancelRun(ctx, id, o.now())
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if !ok {
		if _, err := o.deps.Store.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	o.logger.Info("run cancelled", "run_id", id)
	return nil
}

// GetRun returns one run.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (models.AgentRun, error) {
	return o.deps.Store.GetRun(ctx, id)
}
