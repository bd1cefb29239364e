package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/background"
	"cardflow/internal/executor"
	"cardflow/internal/jobs"
	"cardflow/internal/models"
	"cardflow/internal/planner"
	"cardflow/internal/scheduler"
	"cardflow/internal/store"
)

const (
	tenant    = "t1"
	contactID = "6f1c1a9e-3b1d-4c55-9a7e-0b8f6f1f2a11"
	rationale = "Client has been quiet for two weeks and the goal is behind"
)

type fakeBuilder struct {
	snap models.Snapshot
	err  error
}

func (f fakeBuilder) Build(context.Context, string) (models.Snapshot, error) {
	return f.snap, f.err
}

type fakePlanner struct {
	plan   models.Plan
	err    error
	during func()
	calls  int
}

func (f *fakePlanner) Generate(context.Context, models.Snapshot) (models.Plan, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	return f.plan, f.err
}

type fakeRunner struct {
	results []executor.Result
	err     error
	calls   int
	delay   time.Duration
}

func (f *fakeRunner) ExecuteApproved(_ context.Context, _ string, _ int, delay time.Duration) ([]executor.Result, error) {
	f.calls++
	f.delay = delay
	return f.results, f.err
}

type fakeJobs struct {
	sum   jobs.Summary
	err   error
	calls int
}

func (f *fakeJobs) ProcessActiveJobs(context.Context, string) (jobs.Summary, error) {
	f.calls++
	return f.sum, f.err
}

type failingPromoter struct{}

func (failingPromoter) Promote(context.Context, string) (int, error) {
	return 0, errors.New("scheduler offline")
}

func snapshot() models.Snapshot {
	return models.Snapshot{
		TenantID: tenant,
		Goals: []models.GoalProgress{
			{Goal: models.Goal{ID: "g1"}, PressureScore: 0.4},
			{Goal: models.Goal{ID: "g2"}, PressureScore: 0.8},
		},
		Clients: []models.ClientContext{
			{
				Client:          models.Client{ID: "c1", TenantID: tenant, CompanyName: "Acme Appraisals", Email: "ops@acme.test", IsActive: true},
				Contacts:        []models.Contact{{ID: contactID, ClientID: "c1", FirstName: "Ana", Email: "ana@acme.test"}},
				LastContactDays: 10,
				PriorityScore:   0.9,
			},
			{
				Client:          models.Client{ID: "c2", TenantID: tenant, CompanyName: "Birch Bank", Email: "hello@birch.test", IsActive: true},
				LastContactDays: 20,
				PriorityScore:   0.5,
			},
		},
		Signals: models.Signals{EmailsSent: 3},
	}
}

func emailAction(client, contact, body string) models.ProposedAction {
	return models.ProposedAction{
		Type: models.CardSendEmail, ClientID: client, ContactID: contact, Priority: models.PriorityHigh,
		Title: "Check in with " + client, Rationale: rationale,
		EmailDraft: &models.EmailDraft{Subject: "Quarterly check-in", Body: body},
	}
}

type harness struct {
	mem     *store.Memory
	orch    *Orchestrator
	runner  *fakeRunner
	jobs    *fakeJobs
	planner *fakePlanner
	clock   time.Time
}

func newHarness(t *testing.T, plan models.Plan) *harness {
	t.Helper()
	mem := store.NewMemory()
	h := &harness{
		mem:     mem,
		runner:  &fakeRunner{},
		jobs:    &fakeJobs{},
		planner: &fakePlanner{plan: plan},
		clock:   time.Now().UTC(),
	}
	bg := background.NewInline(nil)
	bg.RegisterHandler(background.KindReflection, background.ReflectionHandler(mem))
	h.orch = New(Deps{
		Store:      mem,
		Scheduler:  scheduler.New(mem, nil),
		Executor:   h.runner,
		Jobs:       h.jobs,
		Context:    fakeBuilder{snap: snapshot()},
		Planner:    h.planner,
		Background: bg,
	}, Options{ExecuteDelay: 5 * time.Millisecond}, nil)
	h.orch.now = func() time.Time {
		h.clock = h.clock.Add(time.Second)
		return h.clock
	}
	return h
}

func TestRunWorkBlockCreatesSuggestedCards(t *testing.T) {
	ctx := context.Background()
	value := 12000.0
	plan := models.Plan{
		Summary:       "Re-engage quiet clients",
		GoalAlignment: "Pipeline goal is behind",
		Actions: []models.ProposedAction{
			emailAction("c1", contactID, "Hi Ana, checking in on your upcoming appraisal volume."),
			emailAction("c1", contactID, "Hi Ana, a second draft that duplicates the first one."),
			{Type: models.CardCreateTask, ClientID: "c2", Title: "Call Birch", Rationale: rationale,
				TaskDetails: &models.TaskDetails{Description: "Call about renewal"}},
			emailAction("c2", "", "We can offer a discount on rush orders this month."),
			{Type: models.CardFollowUp, ClientID: "missing", Title: "Ghost", Rationale: rationale},
			{Type: models.CardCreateDeal, ClientID: "c1", Title: "Acme volume deal", Rationale: rationale,
				DealDetails: &models.DealDetails{Title: "Acme Q2 volume", Value: &value, Stage: "qualified"}},
		},
	}
	h := newHarness(t, plan)
	h.runner.results = []executor.Result{
		{Success: true, Type: models.CardSendEmail, Metadata: map[string]any{"simulated": false}},
		{Success: true, Type: models.CardSendEmail, Metadata: map[string]any{"simulated": true}},
		{Success: true, Type: models.CardCreateTask},
		{Success: false, Type: models.CardSendEmail},
	}

	_, err := h.mem.InsertCards(ctx, []models.Card{{
		TenantID: tenant, ClientID: "c2", Type: models.CardCreateTask, Title: "Existing",
		State: models.StateSuggested, Priority: models.PriorityMedium,
		Payload: models.TaskPayload{Description: "already planned"},
	}})
	require.NoError(t, err)
	_, err = h.mem.InsertMemory(ctx, models.Memory{
		TenantID: tenant, Scope: models.ScopeCardFeedback, Key: "no-discounts",
		Content: map[string]any{"rule": `Don't mention "discount"`}, Importance: 0.9,
	})
	require.NoError(t, err)

	run, err := h.orch.RunWorkBlock(ctx, tenant)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.NotNil(t, run.EndedAt)
	assert.InDelta(t, 0.6, run.GoalPressure, 1e-9)
	assert.Equal(t, 2, run.PlannedActions)
	assert.Equal(t, 0, run.Approved)
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 5*time.Millisecond, h.runner.delay)
	assert.Equal(t, 1, h.jobs.calls)

	require.Len(t, run.Errors, 1)
	assert.Equal(t, StepValidation, run.Errors[0].Step)
	assert.Equal(t, []string{"Action 5: Client missing not found"}, run.Errors[0].Details)

	created, err := h.mem.ListCards(ctx, store.CardQuery{TenantID: tenant, RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, created, 2)
	types := map[models.CardType]models.Card{}
	for _, c := range created {
		assert.Equal(t, models.StateSuggested, c.State)
		types[c.Type] = c
	}
	require.Contains(t, types, models.CardSendEmail)
	require.Contains(t, types, models.CardCreateDeal)
	assert.Equal(t, contactID, types[models.CardSendEmail].ContactID)

	logs, err := h.mem.ListMemories(ctx, store.MemoryQuery{TenantID: tenant, Scope: models.ScopeCardFilterLog})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, `Contains forbidden phrase: "discount"`, logs[0].ContentString("filter_reason"))

	stored, err := h.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stored.Status)
	assert.Equal(t, 2, stored.PlannedActions)

	refl := h.mem.Reflections()
	require.Len(t, refl, 1)
	assert.Equal(t, run.ID, refl[0].RunID)
	assert.Contains(t, refl[0].Summary, "Generated 6 action proposals.")
	assert.Contains(t, refl[0].Summary, "Validation: Failed (1 errors")
}

func TestRunWorkBlockInvalidActionDoesNotShadowDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, models.Plan{
		Summary: "Renewals",
		Actions: []models.ProposedAction{
			{Type: models.CardCreateTask, ClientID: "c2", Title: "Call Birch", Rationale: rationale,
				TaskDetails: &models.TaskDetails{Description: ""}},
			{Type: models.CardCreateTask, ClientID: "c2", Title: "Call Birch about renewal", Rationale: rationale,
				TaskDetails: &models.TaskDetails{Description: "Confirm the renewal date"}},
		},
	})

	run, err := h.orch.RunWorkBlock(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, run.PlannedActions)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, StepCards, run.Errors[0].Step)

	created, err := h.mem.ListCards(ctx, store.CardQuery{TenantID: tenant, RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, created, 1)
	payload, ok := created[0].Payload.(models.TaskPayload)
	require.True(t, ok)
	assert.Equal(t, "Confirm the renewal date", payload.Description)
}

func TestRunWorkBlockSingleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, models.Plan{})
	existing, started, err := h.mem.StartRun(ctx, tenant, models.ModeReview, h.clock)
	require.NoError(t, err)
	require.True(t, started)

	run, err := h.orch.RunWorkBlock(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, run.ID)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Zero(t, h.runner.calls)
	assert.Zero(t, h.planner.calls)

	runs, err := h.orch.RunHistory(ctx, tenant, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunWorkBlockIsolatesStepFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, planner.FallbackPlan())
	h.orch.deps.Scheduler = failingPromoter{}
	h.runner.err = errors.New("card store timeout")
	h.jobs.sum = jobs.Summary{JobsProcessed: 2, JobsFailed: 1, Errors: []string{"job j1: boom"}}
	h.planner.err = errors.New("model overloaded")

	run, err := h.orch.RunWorkBlock(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 0, run.PlannedActions)

	steps := make([]string, 0, len(run.Errors))
	for _, e := range run.Errors {
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []string{StepPromote, StepExecute, StepJobs, StepPlanning}, steps)
	assert.Equal(t, []string{"job j1: boom"}, run.Errors[2].Details)
	assert.Equal(t, "model overloaded", run.Errors[3].Message)
	assert.Len(t, h.mem.Reflections(), 1)
}

func TestRunWorkBlockFailsOnContextError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, models.Plan{})
	h.orch.deps.Context = fakeBuilder{err: errors.New("crm unreachable")}

	run, err := h.orch.RunWorkBlock(ctx, tenant)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm unreachable")
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotEmpty(t, run.Errors)
	last := run.Errors[len(run.Errors)-1]
	assert.Equal(t, StepExecution, last.Step)

	stored, err := h.mem.LatestRun(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)
	assert.Zero(t, h.planner.calls)
	assert.Empty(t, h.mem.Reflections())

	// A failed run does not block the next one.
	h.orch.deps.Context = fakeBuilder{snap: snapshot()}
	next, err := h.orch.RunWorkBlock(ctx, tenant)
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, next.ID)
}

func TestCancelIsLabelOnly(t *testing.T) {
	ctx := context.Background()
	plan := models.Plan{Actions: []models.ProposedAction{
		emailAction("c1", contactID, "Hi Ana, checking in on your upcoming appraisal volume."),
	}}
	h := newHarness(t, plan)
	h.planner.during = func() {
		latest, err := h.orch.LatestRun(ctx, tenant)
		require.NoError(t, err)
		require.NoError(t, h.orch.CancelRun(ctx, latest.ID))
	}

	run, err := h.orch.RunWorkBlock(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)

	// The block kept going after the label was set.
	created, err := h.mem.ListCards(ctx, store.CardQuery{TenantID: tenant, RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, created, 1)

	assert.ErrorIs(t, h.orch.CancelRun(ctx, run.ID), ErrNotRunning)
	assert.ErrorIs(t, h.orch.CancelRun(ctx, "nope"), store.ErrNotFound)
}

func TestRunHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, models.Plan{})
	var ids []string
	for i := 0; i < 3; i++ {
		run, err := h.orch.RunWorkBlock(ctx, tenant)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	runs, err := h.orch.RunHistory(ctx, tenant, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)

	latest, err := h.orch.LatestRun(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.ID)

	_, err = h.orch.LatestRun(ctx, "other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReflectCapsTopClients(t *testing.T) {
	snap := models.Snapshot{}
	for i := 0; i < 12; i++ {
		snap.Clients = append(snap.Clients, models.ClientContext{Client: models.Client{ID: fmt.Sprintf("c%d", i)}})
	}
	v := planner.Validation{Valid: true, Warnings: []string{"Action 1: Rationale seems too brief (5 chars)"}}
	r := Reflect("run-1", snap, models.Plan{GoalAlignment: "on track"}, v, time.Now())

	top, ok := r.Metrics["top_clients_analyzed"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, top, 10)
	assert.Equal(t, "Noted warnings: Action 1: Rationale seems too brief (5 chars)", r.Hypotheses)
	assert.Contains(t, r.Summary, "Validation: Passed (0 errors, 1 warnings)")

	clean := Reflect("run-2", models.Snapshot{}, models.Plan{}, planner.Validation{Valid: true}, time.Now())
	assert.Equal(t, "Plan executed cleanly without warnings", clean.Hypotheses)
}
