package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/models"
	"cardflow/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedContacts(t *testing.T, mem *store.Memory, names ...string) []models.Contact {
	t.Helper()
	mem.PutClient(models.Client{ID: "c1", TenantID: "t1", CompanyName: "Acme Appraisals", ClientType: "amc", IsActive: true})
	out := make([]models.Contact, 0, len(names))
	for _, n := range names {
		c, err := mem.InsertContact(context.Background(), models.Contact{
			ClientID: "c1", FirstName: n, LastName: "Smith", Email: n + "@acme.test",
		})
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func emailJob(params models.JobParams) models.Job {
	if params.Templates == nil {
		params.Templates = map[string]models.EmailTemplate{
			"Day 0 Intro": {Subject: "Hello {{first_name}}", Body: "Hi {{ first_name }},\n\nWe would love to work with {{company_name}}."},
		}
	}
	if params.TargetFilter == nil {
		params.TargetFilter = &models.TargetFilter{ClientType: "amc"}
	}
	return models.Job{TenantID: "t1", Name: "Spring outreach", Params: params}
}

func TestSortedTemplatesAndCadenceDays(t *testing.T) {
	names := SortedTemplates(map[string]models.EmailTemplate{
		"Day 10 Nudge": {}, "Intro": {}, "Day 0 Hello": {}, "Day 4 Follow": {},
	})
	assert.Equal(t, []string{"Day 0 Hello", "Day 4 Follow", "Day 10 Nudge", "Intro"}, names)

	days := CadenceDays(models.Cadence{Day21: true, Day0: true, CustomDays: []int{7}})
	assert.Equal(t, []int{0, 7, 21}, days)
}

func TestCadencePolicyBulk(t *testing.T) {
	job := emailJob(models.JobParams{
		BulkMode:     true,
		PortalChecks: true,
		PortalURLs:   map[string]string{"c1": "https://portal.acme.test"},
		CreateTasks:  true,
		Templates: map[string]models.EmailTemplate{
			"Day 4 Follow-up": {Subject: "Following up", Body: "x"},
			"Day 0 Intro":     {Subject: "Hello", Body: "x"},
		},
	})
	job.ID = "j1"

	tasks := CadencePolicy{}.NextBatch(job, 0, nil)
	require.Len(t, tasks, 4)
	kinds := []models.TaskKind{tasks[0].Kind, tasks[1].Kind, tasks[2].Kind, tasks[3].Kind}
	assert.Equal(t, []models.TaskKind{models.TaskDraftEmail, models.TaskSendEmail, models.TaskCheckPortal, models.TaskCreateTask}, kinds)
	assert.Equal(t, "Day 0 Intro", tasks[0].Input.Template)
	for i, task := range tasks {
		assert.Equal(t, 1, task.Batch)
		assert.Equal(t, "j1", task.JobID)
		assert.Equal(t, []int{0, 1, 2, 3}[i], task.Step)
	}

	again := CadencePolicy{}.NextBatch(job, 3, []models.JobTask{{Kind: models.TaskDraftEmail, Status: models.TaskDone, Output: &models.TaskOutput{CardsCreated: 2}}})
	require.NotEmpty(t, again)
	assert.Equal(t, 4, again[0].Batch)
	assert.Equal(t, "Day 0 Intro", again[0].Input.Template)

	done := CadencePolicy{}.NextBatch(job, 4, []models.JobTask{{Kind: models.TaskDraftEmail, Status: models.TaskError, Output: &models.TaskOutput{}}})
	assert.Empty(t, done)
}

func TestCadencePolicyWalksCadenceDays(t *testing.T) {
	job := emailJob(models.JobParams{
		Cadence: &models.Cadence{Day0: true, Day4: true},
		Templates: map[string]models.EmailTemplate{
			"Day 0 Intro":  {Subject: "Hello", Body: "x"},
			"Day 4 Follow": {Subject: "Again", Body: "x"},
		},
	})
	first := CadencePolicy{}.NextBatch(job, 0, nil)
	require.Len(t, first, 2)
	assert.Equal(t, "Day 0 Intro", first[0].Input.Template)

	second := CadencePolicy{}.NextBatch(job, 1, nil)
	require.Len(t, second, 2)
	assert.Equal(t, "Day 4 Follow", second[0].Input.Template)

	assert.Empty(t, CadencePolicy{}.NextBatch(job, 2, nil))

	job.Params.Cadence = nil
	assert.Empty(t, CadencePolicy{}.NextBatch(job, 0, nil))
}

func TestReplaceVariablesEscapesValues(t *testing.T) {
	got := ReplaceVariables("Hi {{ first_name }} from {{company_name}} {{unknown}}", map[string]string{
		"first_name":   "<b>Ana</b>",
		"company_name": `O'Neil & Co`,
	})
	assert.Equal(t, "Hi &lt;b&gt;Ana&lt;&#x2F;b&gt; from O&#x27;Neil &amp; Co {{unknown}}", got)
}

func TestFormatEmailBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single", "  Just one line. ", "<p>Just one line.</p>"},
		{"paragraphs", "First line\nstill first\n\nSecond", "<p>First line still first</p><p>Second</p>"},
		{"list", "Hello Ana,\n\nWe offer:\n- Fast turnaround\n• Fair pricing\nThanks",
			"<p>Hello Ana,</p><p>We offer:</p><ul><li>Fast turnaround</li><li>Fair pricing</li></ul><p>Thanks</p>"},
		{"html", "<p>Already</p>", "<p>Already</p>"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatEmailBody(tt.in))
		})
	}
}

func TestProcessActiveJobsBulkRunsUntilTargetsRunOut(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedContacts(t, mem, "ana", "bo", "cy")
	job, err := mem.CreateJob(ctx, emailJob(models.JobParams{BulkMode: true, BatchSize: 2, ReviewMode: true}))
	require.NoError(t, err)
	r := NewRunner(mem, nil, quietLogger())

	sum, err := r.ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BatchesPlanned)
	assert.Equal(t, 2, sum.CardsCreated)
	assert.Equal(t, 2, sum.TasksDone)

	sum, err = r.ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CardsCreated)

	sum, err = r.ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.CardsCreated)
	assert.Equal(t, 1, sum.TasksErrored)
	draft, err := mem.ListTasks(ctx, job.ID, 3)
	require.NoError(t, err)
	require.NotEmpty(t, draft)
	assert.Equal(t, models.TaskError, draft[0].Status)
	require.NotNil(t, draft[0].ErrorMessage)
	assert.Equal(t, ErrNoCards.Error(), *draft[0].ErrorMessage)

	sum, err = r.ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.JobsSucceeded)

	got, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	cards, err := mem.ListCards(ctx, store.CardQuery{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, cards, 3)
	recipients := map[string]bool{}
	for _, c := range cards {
		assert.Equal(t, models.StateSuggested, c.State)
		assert.Equal(t, models.CardSendEmail, c.Type)
		p := c.Payload.(models.EmailPayload)
		recipients[p.To] = true
		assert.Contains(t, p.Body, "<p>We would love to work with Acme Appraisals.</p>")
	}
	assert.Len(t, recipients, 3)
}

func TestProcessActiveJobsResumesOpenBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedContacts(t, mem, "ana")
	job, err := mem.CreateJob(ctx, emailJob(models.JobParams{BulkMode: true}))
	require.NoError(t, err)
	mem.PutTask(models.JobTask{JobID: job.ID, Batch: 1, Step: 0, Kind: models.TaskDraftEmail, Status: models.TaskDone,
		Output: &models.TaskOutput{CardsCreated: 1}})
	open := mem.PutTask(models.JobTask{JobID: job.ID, Batch: 1, Step: 1, Kind: models.TaskSendEmail, Status: models.TaskRunning})

	sum, err := NewRunner(mem, nil, quietLogger()).ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.BatchesPlanned)

	batch, err := mem.CurrentBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch)
	task, err := mem.GetTask(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, task.Status)
	require.NotNil(t, task.Output)
	assert.Equal(t, sendEmailNote, task.Output.Note)
}

type failingFinishStore struct {
	*store.Memory
}

func (failingFinishStore) FinishTask(context.Context, int64, models.TaskStatus, *models.TaskOutput, string, time.Time) error {
	return errors.New("connection reset")
}

func TestProcessActiveJobsReportsUnrecordedTasks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedContacts(t, mem, "ana")
	_, err := mem.CreateJob(ctx, emailJob(models.JobParams{BulkMode: true}))
	require.NoError(t, err)

	sum, err := NewRunner(failingFinishStore{mem}, nil, quietLogger()).ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TasksDone)
	require.Len(t, sum.Errors, 2)
	assert.Contains(t, sum.Errors[0], "connection reset")
	assert.Zero(t, sum.JobsFailed)
}

type brokenPolicy struct{ CadencePolicy }

func (p brokenPolicy) NextBatch(job models.Job, current int, previous []models.JobTask) []models.JobTask {
	if job.Name == "broken" {
		panic("policy exploded")
	}
	return p.CadencePolicy.NextBatch(job, current, previous)
}

func TestProcessActiveJobsIsolatesJobFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedContacts(t, mem, "ana")
	brokenJob := emailJob(models.JobParams{BulkMode: true})
	brokenJob.Name = "broken"
	broken, err := mem.CreateJob(ctx, brokenJob)
	require.NoError(t, err)
	healthy, err := mem.CreateJob(ctx, emailJob(models.JobParams{BulkMode: true}))
	require.NoError(t, err)

	sum, err := NewRunner(mem, brokenPolicy{}, quietLogger()).ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.JobsProcessed)
	assert.Equal(t, 1, sum.JobsFailed)

	got, err := mem.GetJob(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "policy exploded")

	cards, err := mem.ListCards(ctx, store.CardQuery{JobID: healthy.ID})
	require.NoError(t, err)
	assert.Len(t, cards, 1)
}

func TestExpansionCoversPortalTasksAndAvoidance(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedContacts(t, mem, "ana", "bo")
	_, err := mem.InsertMemory(ctx, models.Memory{TenantID: "t1", Scope: models.ScopeCardFeedback, Importance: 0.9,
		Content: map[string]any{"pattern": "^bo$", "reason": "asked not to be contacted"}})
	require.NoError(t, err)
	job, err := mem.CreateJob(ctx, emailJob(models.JobParams{
		BulkMode:        true,
		PortalChecks:    true,
		PortalURLs:      map[string]string{"c1": "https://portal.acme.test"},
		CreateTasks:     true,
		TaskDescription: "Call to confirm receipt",
	}))
	require.NoError(t, err)

	sum, err := NewRunner(mem, nil, quietLogger()).ProcessActiveJobs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TasksErrored)

	cards, err := mem.ListCards(ctx, store.CardQuery{JobID: job.ID})
	require.NoError(t, err)
	byType := map[models.CardType][]models.Card{}
	for _, c := range cards {
		byType[c.Type] = append(byType[c.Type], c)
		assert.Equal(t, models.StateApproved, c.State)
		require.NotNil(t, c.TaskID)
	}
	require.Len(t, byType[models.CardSendEmail], 1)
	assert.Equal(t, "ana@acme.test", byType[models.CardSendEmail][0].Payload.(models.EmailPayload).To)

	require.Len(t, byType[models.CardResearch], 1)
	portal := byType[models.CardResearch][0]
	assert.Equal(t, "Check Portal: Acme Appraisals", portal.Title)
	assert.Equal(t, models.ResearchKindPortalCheck, portal.Payload.(models.ResearchPayload).Kind)

	require.Len(t, byType[models.CardCreateTask], 1)
	assert.Equal(t, "Call to confirm receipt", byType[models.CardCreateTask][0].Payload.(models.TaskPayload).Description)
}
