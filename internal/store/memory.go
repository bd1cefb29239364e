package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardflow/internal/models"
)

// Memory is an in-process store with the same conditional-update semantics as Store. It
// backs tests and dry runs of the CLI.
type Memory struct {
	mu sync.Mutex
	// seq orders rows inserted within the same instant.
	seq int64

	cards        map[string]memCard
	jobs         map[string]models.Job
	tasks        map[int64]models.JobTask
	nextTaskID   int64
	runs         map[string]models.AgentRun
	reflections  []models.Reflection
	clients      map[string]models.Client
	contacts     map[string]memContact
	activities   []models.Activity
	crmTasks     []models.Task
	deals        []models.Deal
	goals        []models.Goal
	memories     []models.Memory
	suppressions map[string]models.Suppression
	inbound      map[string]models.InboundEmail
	campaigns    map[string]models.Campaign
	documents    []models.Document
}

type memCard struct {
	card models.Card
	seq  int64
}

type memContact struct {
	contact models.Contact
	seq     int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cards:        map[string]memCard{},
		jobs:         map[string]models.Job{},
		tasks:        map[int64]models.JobTask{},
		runs:         map[string]models.AgentRun{},
		clients:      map[string]models.Client{},
		contacts:     map[string]memContact{},
		suppressions: map[string]models.Suppression{},
		inbound:      map[string]models.InboundEmail{},
		campaigns:    map[string]models.Campaign{},
	}
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

// PutClient seeds a client.
func (m *Memory) PutClient(c models.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

// PutGoal seeds a goal.
func (m *Memory) PutGoal(g models.Goal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goals = append(m.goals, g)
}

// PutSuppression seeds a suppression entry.
func (m *Memory) PutSuppression(s models.Suppression) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressions[s.TenantID+"/"+s.ContactID] = s
}

// PutInboundEmail seeds an inbound message.
func (m *Memory) PutInboundEmail(e models.InboundEmail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound[e.TenantID+"/"+e.MessageID] = e
}

// PutCampaign seeds a campaign.
func (m *Memory) PutCampaign(c models.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
}

// PutTask seeds a job task with an explicit status, bypassing batch planning.
func (m *Memory) PutTask(t models.JobTask) models.JobTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	t.ID = m.nextTaskID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tasks[t.ID] = t
	return t
}

// Activities returns every recorded activity in insertion order.
func (m *Memory) Activities() []models.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.activities)
}

// Tasks returns every CRM task in insertion order.
func (m *Memory) Tasks() []models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.crmTasks)
}

// Deals returns every deal in insertion order.
func (m *Memory) Deals() []models.Deal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deals)
}

// Documents returns every indexed document.
func (m *Memory) Documents() []models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.documents)
}

// Reflections returns every stored reflection.
func (m *Memory) Reflections() []models.Reflection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.reflections)
}

// --- cards ---

func (m *Memory) InsertCards(_ context.Context, cards []models.Card) ([]models.Card, error) {
	if len(cards) == 0 {
		return nil, nil
	}
	prepared, err := prepareCards(cards, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range prepared {
		m.cards[c.ID] = memCard{card: c, seq: m.next()}
	}
	return prepared, nil
}

func (m *Memory) GetCard(_ context.Context, id string) (models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cards[id]
	if !ok {
		return models.Card{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return rec.card, nil
}

func (m *Memory) ListCards(_ context.Context, q CardQuery) ([]models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []memCard
	for _, rec := range m.cards {
		c := rec.card
		if q.TenantID != "" && c.TenantID != q.TenantID {
			continue
		}
		if len(q.States) > 0 && !slices.Contains(q.States, c.State) {
			continue
		}
		if q.JobID != "" && c.JobID != q.JobID {
			continue
		}
		if q.RunID != "" && c.RunID != q.RunID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].card, recs[j].card
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return recs[i].seq < recs[j].seq
	})
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	out := make([]models.Card, len(recs))
	for i, rec := range recs {
		out[i] = rec.card
	}
	return out, nil
}

// casCard applies mutate when the card is in from. It must be called with mu held.
func (m *Memory) casCard(id string, from models.CardState, mutate func(*models.Card)) bool {
	rec, ok := m.cards[id]
	if !ok || rec.card.State != from {
		return false
	}
	mutate(&rec.card)
	rec.card.UpdatedAt = time.Now().UTC()
	m.cards[id] = rec
	return true
}

func (m *Memory) ClaimCard(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casCard(id, models.StateApproved, func(c *models.Card) { c.State = models.StateExecuting }), nil
}

func (m *Memory) CompleteCard(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.casCard(id, models.StateExecuting, func(c *models.Card) {
		c.State = models.StateDone
		c.ExecutedAt = &at
	})
	if !ok {
		return fmt.Errorf("complete card %s: %w", id, ErrConflict)
	}
	return nil
}

func (m *Memory) BlockCard(_ context.Context, id string, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.casCard(id, models.StateExecuting, func(c *models.Card) {
		c.State = models.StateBlocked
		c.Description += note
	})
	if !ok {
		return fmt.Errorf("block card %s: %w", id, ErrConflict)
	}
	return nil
}

func (m *Memory) TransitionCard(_ context.Context, id string, from, to models.CardState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casCard(id, from, func(c *models.Card) { c.State = to }), nil
}

func (m *Memory) PromoteDue(_ context.Context, tenantID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.cards {
		c := rec.card
		if c.State != models.StateScheduled || c.DueAt == nil || c.DueAt.After(now) {
			continue
		}
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		if m.casCard(id, models.StateScheduled, func(c *models.Card) { c.State = models.StateSuggested }) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) JobCardTargets(_ context.Context, jobID string) (contacts, clients []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.cards {
		if rec.card.JobID != jobID {
			continue
		}
		if rec.card.ContactID != "" {
			contacts = append(contacts, rec.card.ContactID)
		}
		if rec.card.ClientID != "" {
			clients = append(clients, rec.card.ClientID)
		}
	}
	return contacts, clients, nil
}

// --- jobs ---

func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	job, err := prepareJob(job, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, tenantID string, status models.JobStatus) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == status && (tenantID == "" || j.TenantID == tenantID) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkJobStarted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.StartedAt == nil {
		job.StartedAt = &at
	}
	job.LastRunAt = &at
	m.jobs[id] = job
	return nil
}

func (m *Memory) FinishJob(_ context.Context, id string, status models.JobStatus, lastErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.Status = status
	job.LastError = emptyToNil(lastErr)
	job.FinishedAt = &at
	m.jobs[id] = job
	return nil
}

func (m *Memory) CurrentBatch(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := 0
	for _, t := range m.tasks {
		if t.JobID == jobID && t.Batch > batch {
			batch = t.Batch
		}
	}
	return batch, nil
}

func (m *Memory) ListTasks(_ context.Context, jobID string, batch int) ([]models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobTask
	for _, t := range m.tasks {
		if t.JobID == jobID && t.Batch == batch {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertTasks(_ context.Context, tasks []models.JobTask) ([]models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	out := make([]models.JobTask, len(tasks))
	for i, t := range tasks {
		m.nextTaskID++
		t.ID = m.nextTaskID
		if t.Status == "" {
			t.Status = models.TaskPending
		}
		t.CreatedAt = now
		m.tasks[t.ID] = t
		out[i] = t
	}
	return out, nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.JobTask{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *Memory) StartTask(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.Status = models.TaskRunning
	if t.StartedAt == nil {
		t.StartedAt = &at
	}
	m.tasks[id] = t
	return nil
}

func (m *Memory) FinishTask(_ context.Context, id int64, status models.TaskStatus, out *models.TaskOutput, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.Status = status
	t.Output = out
	t.ErrorMessage = emptyToNil(errMsg)
	t.FinishedAt = &at
	m.tasks[id] = t
	return nil
}

// --- runs ---

func (m *Memory) StartRun(_ context.Context, tenantID string, mode models.RunMode, at time.Time) (models.AgentRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.TenantID == tenantID && r.Status == models.RunRunning {
			return r, false, nil
		}
	}
	run := models.AgentRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Status:    models.RunRunning,
		Mode:      mode,
		StartedAt: at,
		Errors:    []models.RunError{},
	}
	m.runs[run.ID] = run
	return run, true, nil
}

func (m *Memory) GetRun(_ context.Context, id string) (models.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.AgentRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) FinishRun(_ context.Context, run models.AgentRun) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok || cur.Status != models.RunRunning {
		return false, nil
	}
	run.TenantID = cur.TenantID
	run.Mode = cur.Mode
	run.StartedAt = cur.StartedAt
	m.runs[run.ID] = run
	return true, nil
}

func (m *Memory) CancelRun(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != models.RunRunning {
		return false, nil
	}
	r.Status = models.RunCancelled
	r.EndedAt = &at
	m.runs[id] = r
	return true, nil
}

func (m *Memory) LatestRun(ctx context.Context, tenantID string) (models.AgentRun, error) {
	runs, err := m.ListRuns(ctx, tenantID, 1)
	if err != nil {
		return models.AgentRun{}, err
	}
	if len(runs) == 0 {
		return models.AgentRun{}, fmt.Errorf("latest run for %s: %w", tenantID, ErrNotFound)
	}
	return runs[0], nil
}

func (m *Memory) ListRuns(_ context.Context, tenantID string, limit int) ([]models.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AgentRun
	for _, r := range m.runs {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertReflection(_ context.Context, r models.Reflection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.reflections = append(m.reflections, r)
	return nil
}

// --- crm ---

func (m *Memory) GetClient(_ context.Context, id string) (models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return models.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) ListClients(_ context.Context, tenantID string, activeOnly bool) ([]models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Client
	for _, c := range m.clients {
		if c.TenantID == tenantID && (!activeOnly || c.IsActive) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyName < out[j].CompanyName })
	return out, nil
}

func (m *Memory) GetContact(_ context.Context, id string) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return models.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return c.contact, nil
}

func (m *Memory) ListContacts(_ context.Context, clientID string) ([]models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []memContact
	for _, c := range m.contacts {
		if c.contact.ClientID == clientID {
			recs = append(recs, c)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].contact.IsPrimary != recs[j].contact.IsPrimary {
			return recs[i].contact.IsPrimary
		}
		return recs[i].seq < recs[j].seq
	})
	out := make([]models.Contact, len(recs))
	for i, r := range recs {
		out[i] = r.contact
	}
	return out, nil
}

func (m *Memory) InsertContact(_ context.Context, c models.Contact) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	m.contacts[c.ID] = memContact{contact: c, seq: m.next()}
	return c, nil
}

func (m *Memory) ListActivities(_ context.Context, tenantID string, since time.Time) ([]models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Activity
	for i := len(m.activities) - 1; i >= 0; i-- {
		a := m.activities[i]
		if a.TenantID == tenantID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ListClientActivities(_ context.Context, clientID string, limit int) ([]models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Activity
	for i := len(m.activities) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.activities[i].ClientID == clientID {
			out = append(out, m.activities[i])
		}
	}
	return out, nil
}

func (m *Memory) InsertActivity(_ context.Context, a models.Activity) (models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a = prepareActivity(a, time.Now().UTC())
	m.activities = append(m.activities, a)
	return a, nil
}

func (m *Memory) InsertTask(_ context.Context, t models.Task) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	m.crmTasks = append(m.crmTasks, t)
	return t, nil
}

func (m *Memory) InsertDeal(_ context.Context, d models.Deal) (models.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()
	m.deals = append(m.deals, d)
	return d, nil
}

func (m *Memory) ListGoals(_ context.Context, tenantID string) ([]models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Goal
	for _, g := range m.goals {
		if g.TenantID == tenantID && g.IsActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) GetSuppression(_ context.Context, tenantID, contactID string) (models.Suppression, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppressions[tenantID+"/"+contactID]
	return s, ok, nil
}

func (m *Memory) GetInboundEmail(_ context.Context, tenantID, messageID string) (models.InboundEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.inbound[tenantID+"/"+messageID]
	if !ok {
		return models.InboundEmail{}, fmt.Errorf("inbound email %s: %w", messageID, ErrNotFound)
	}
	return e, nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) IndexDocument(_ context.Context, d models.Document) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()
	m.documents = append(m.documents, d)
	return d, nil
}

func (m *Memory) TargetContacts(_ context.Context, q TargetQuery) ([]models.TargetContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := map[string]bool{}
	if q.ExcludeJobID != "" && len(q.ContactIDs) == 0 {
		for _, rec := range m.cards {
			if rec.card.JobID != q.ExcludeJobID {
				continue
			}
			if q.TargetType == models.TargetClients {
				excluded[rec.card.ClientID] = true
			} else {
				excluded[rec.card.ContactID] = true
			}
		}
	}

	clientMatches := func(c models.Client) bool {
		if c.TenantID != q.TenantID {
			return false
		}
		if q.Filter == nil {
			return true
		}
		if q.Filter.ClientType != "" && c.ClientType != q.Filter.ClientType {
			return false
		}
		return q.Filter.Active == nil || c.IsActive == *q.Filter.Active
	}

	var out []models.TargetContact
	switch {
	case len(q.ContactIDs) > 0:
		for _, id := range q.ContactIDs {
			rec, ok := m.contacts[id]
			if !ok || rec.contact.Email == "" {
				continue
			}
			client, ok := m.clients[rec.contact.ClientID]
			if !ok || client.TenantID != q.TenantID {
				continue
			}
			out = append(out, targetOf(rec.contact, client))
		}
		return out, nil
	case q.Filter == nil:
		return nil, nil
	case q.TargetType == models.TargetClients:
		for _, c := range m.clients {
			if c.Email == "" || excluded[c.ID] || !clientMatches(c) {
				continue
			}
			first := c.PrimaryContact
			if first == "" {
				first = c.CompanyName
			}
			out = append(out, models.TargetContact{
				ID: c.ID, FirstName: first, Email: c.Email, ClientID: c.ID, CompanyName: c.CompanyName,
			})
		}
	default:
		for _, rec := range m.contacts {
			ct := rec.contact
			if ct.Email == "" || excluded[ct.ID] {
				continue
			}
			if q.Filter.PrimaryRoleCode != "" && ct.PrimaryRoleCode != q.Filter.PrimaryRoleCode {
				continue
			}
			client, ok := m.clients[ct.ClientID]
			if !ok || !clientMatches(client) {
				continue
			}
			out = append(out, targetOf(ct, client))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func targetOf(ct models.Contact, client models.Client) models.TargetContact {
	return models.TargetContact{
		ID:          ct.ID,
		FirstName:   ct.FirstName,
		LastName:    ct.LastName,
		Email:       ct.Email,
		ClientID:    ct.ClientID,
		CompanyName: client.CompanyName,
	}
}

func (m *Memory) ClientStats(_ context.Context, clientID string) (models.ClientStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st models.ClientStats
	for _, c := range m.contacts {
		if c.contact.ClientID == clientID {
			st.Contacts++
		}
	}
	for _, a := range m.activities {
		if a.ClientID != clientID {
			continue
		}
		st.Activities++
		if st.LastActivityAt == nil || a.CreatedAt.After(*st.LastActivityAt) {
			at := a.CreatedAt
			st.LastActivityAt = &at
		}
	}
	for _, t := range m.crmTasks {
		if t.ClientID == clientID && t.Status != "completed" {
			st.OpenTasks++
		}
	}
	for _, d := range m.deals {
		if d.ClientID == clientID {
			st.Deals++
			if d.Value != nil {
				st.PipelineValue += *d.Value
			}
		}
	}
	return st, nil
}

// --- memories ---

func (m *Memory) ListMemories(_ context.Context, q MemoryQuery) ([]models.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []models.Memory
	for _, mem := range m.memories {
		if mem.TenantID != q.TenantID || (q.Scope != "" && mem.Scope != q.Scope) || mem.Importance < q.MinImportance {
			continue
		}
		if mem.ExpiresAt != nil && !mem.ExpiresAt.After(now) {
			continue
		}
		out = append(out, mem)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertMemory(_ context.Context, mem models.Memory) (models.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem = prepareMemory(mem, time.Now().UTC())
	m.memories = append(m.memories, mem)
	return mem, nil
}
