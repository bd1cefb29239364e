package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"cardflow/internal/models"
	"cardflow/internal/store"
)

// AvoidanceMinImportance is the lowest feedback importance whose name pattern excludes
// job targets.
const AvoidanceMinImportance = 0.7

// ExpandStore is what task expansion reads.
type ExpandStore interface {
	TargetContacts(ctx context.Context, q store.TargetQuery) ([]models.TargetContact, error)
	JobCardTargets(ctx context.Context, jobID string) (contacts, clients []string, err error)
	ListCards(ctx context.Context, q store.CardQuery) ([]models.Card, error)
	GetClient(ctx context.Context, id string) (models.Client, error)
	ListMemories(ctx context.Context, q store.MemoryQuery) ([]models.Memory, error)
}

// Expander turns one job task into cards. It never persists; the runner does.
type Expander struct {
	store  ExpandStore
	logger *slog.Logger
}

// NewExpander builds an expander over s.
func NewExpander(s ExpandStore, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{store: s, logger: logger}
}

// Expand returns the cards task produces. send_email tasks produce none; they stand for
// cards drafted earlier in the batch.
func (x *Expander) Expand(ctx context.Context, job models.Job, task models.JobTask) ([]models.Card, error) {
	switch task.Kind {
	case models.TaskDraftEmail:
		return x.draftEmails(ctx, job, task)
	case models.TaskCreateTask:
		return x.followUpTasks(ctx, job, task)
	case models.TaskCheckPortal:
		return x.portalChecks(ctx, job, task)
	case models.TaskSendEmail:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", task.Kind)
}

func batchSize(p models.JobParams) int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return DefaultBatchSize
}

func newJobCard(job models.Job, task models.JobTask, t models.TargetContact) models.Card {
	c := models.Card{
		TenantID: job.TenantID,
		JobID:    job.ID,
		TaskID:   &task.ID,
		ClientID: t.ClientID,
		Priority: models.PriorityMedium,
		State:    job.Params.InitialCardState(),
	}
	// Client-level targets carry the client id in place of a contact id.
	if job.Params.TargetType != models.TargetClients {
		c.ContactID = t.ID
	}
	return c
}

func (x *Expander) draftEmails(ctx context.Context, job models.Job, task models.JobTask) ([]models.Card, error) {
	tmpl, ok := job.Params.Templates[task.Input.Template]
	if !ok {
		return nil, fmt.Errorf("template %q not found in job params", task.Input.Template)
	}
	contacted, clients, err := x.store.JobCardTargets(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	exclude := contacted
	if job.Params.TargetType == models.TargetClients {
		exclude = clients
	}
	targets, err := x.targets(ctx, job, task, exclude, true)
	if err != nil {
		return nil, err
	}

	out := make([]models.Card, 0, len(targets))
	for _, t := range targets {
		vars := map[string]string{
			"first_name":   t.FirstName,
			"last_name":    t.LastName,
			"company_name": t.CompanyName,
		}
		for k, v := range task.Input.Variables {
			vars[k] = v
		}
		subject := ReplaceVariables(tmpl.Subject, vars)
		body := FormatEmailBody(ReplaceVariables(tmpl.Body, vars))

		c := newJobCard(job, task, t)
		c.Type = models.CardSendEmail
		c.Title = fmt.Sprintf("Email: %s - %s", fullName(t), truncate(subject, 50))
		c.Description = "Send email to " + t.Email
		c.Rationale = fmt.Sprintf("Job %q - %s template (batch %d)", job.Name, task.Input.Template, task.Batch)
		c.Payload = models.EmailPayload{To: t.Email, Subject: subject, Body: body}
		if err := models.ValidatePayload(c.Type, c.Payload); err != nil {
			x.logger.Warn("skipping job target", "job_id", job.ID, "task_id", task.ID, "target", t.ID, "err", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (x *Expander) followUpTasks(ctx context.Context, job models.Job, task models.JobTask) ([]models.Card, error) {
	existing, err := x.store.ListCards(ctx, store.CardQuery{JobID: job.ID})
	if err != nil {
		return nil, err
	}
	var exclude []string
	for _, c := range existing {
		if c.Type != models.CardCreateTask {
			continue
		}
		if job.Params.TargetType == models.TargetClients {
			exclude = append(exclude, c.ClientID)
		} else {
			exclude = append(exclude, c.ContactID)
		}
	}
	targets, err := x.targets(ctx, job, task, exclude, false)
	if err != nil {
		return nil, err
	}

	out := make([]models.Card, 0, len(targets))
	for _, t := range targets {
		c := newJobCard(job, task, t)
		c.Type = models.CardCreateTask
		c.Title = "Follow-up: " + fullName(t)
		c.Description = firstNonEmpty(task.Input.TaskDesc, "Follow-up task")
		c.Rationale = fmt.Sprintf("Job %q - automated follow-up (batch %d)", job.Name, task.Batch)
		c.Payload = models.TaskPayload{
			Title:       firstNonEmpty(task.Input.TaskTitle, "Follow up with "+t.FirstName),
			Description: firstNonEmpty(task.Input.TaskDesc, fmt.Sprintf("Follow up with %s at %s", fullName(t), t.CompanyName)),
		}
		out = append(out, c)
	}
	return out, nil
}

func (x *Expander) portalChecks(ctx context.Context, job models.Job, task models.JobTask) ([]models.Card, error) {
	urls := task.Input.PortalURLs
	if len(urls) == 0 {
		urls = job.Params.PortalURLs
	}
	ids := make([]string, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.Card
	for _, id := range ids {
		client, err := x.store.GetClient(ctx, id)
		if err != nil {
			x.logger.Warn("portal check client lookup failed", "job_id", job.ID, "client_id", id, "err", err)
			continue
		}
		url := urls[id]
		out = append(out, models.Card{
			TenantID:    job.TenantID,
			JobID:       job.ID,
			TaskID:      &task.ID,
			ClientID:    client.ID,
			Type:        models.CardResearch,
			Title:       "Check Portal: " + client.CompanyName,
			Description: "Verify portal access at " + url,
			Rationale:   fmt.Sprintf("Job %q - portal verification (batch %d)", job.Name, task.Batch),
			Priority:    models.PriorityLow,
			State:       job.Params.InitialCardState(),
			Payload:     models.ResearchPayload{Kind: models.ResearchKindPortalCheck, PortalURL: url, CompanyID: client.ID},
		})
	}
	return out, nil
}

// targets loads the next addressees of a batch, dropping excluded ids and anyone matching
// a high-importance avoidance pattern.
func (x *Expander) targets(ctx context.Context, job models.Job, task models.JobTask, exclude []string, storeExcludes bool) ([]models.TargetContact, error) {
	p := job.Params
	size := batchSize(p)
	q := store.TargetQuery{
		TenantID:   job.TenantID,
		TargetType: p.TargetType,
		Filter:     p.TargetFilter,
		ContactIDs: task.Input.ContactIDs,
		Limit:      size,
	}
	if storeExcludes {
		q.ExcludeJobID = job.ID
	} else {
		q.Limit = size + len(exclude)
	}
	found, err := x.store.TargetContacts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	avoid, err := x.avoidancePatterns(ctx, job.TenantID)
	if err != nil {
		x.logger.Warn("avoidance rules unavailable", "job_id", job.ID, "err", err)
	}

	out := make([]models.TargetContact, 0, len(found))
	for _, t := range found {
		if skip[t.ID] {
			continue
		}
		if re := matchesAny(avoid, t); re != nil {
			x.logger.Info("job target avoided", "job_id", job.ID, "target", fullName(t), "pattern", re.String())
			continue
		}
		out = append(out, t)
		if len(out) == size {
			break
		}
	}
	return out, nil
}

func (x *Expander) avoidancePatterns(ctx context.Context, tenantID string) ([]*regexp.Regexp, error) {
	mems, err := x.store.ListMemories(ctx, store.MemoryQuery{
		TenantID:      tenantID,
		Scope:         models.ScopeCardFeedback,
		MinImportance: AvoidanceMinImportance,
	})
	if err != nil {
		return nil, err
	}
	var out []*regexp.Regexp
	for _, m := range mems {
		pattern := m.ContentString("pattern")
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			x.logger.Warn("invalid avoidance pattern", "memory_id", m.ID, "pattern", pattern)
			continue
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, t models.TargetContact) *regexp.Regexp {
	for _, re := range patterns {
		if (t.FirstName != "" && re.MatchString(t.FirstName)) ||
			(t.LastName != "" && re.MatchString(t.LastName)) ||
			re.MatchString(t.FirstName+" "+t.LastName) {
			return re
		}
	}
	return nil
}

func fullName(t models.TargetContact) string {
	return strings.TrimSpace(t.FirstName + " " + t.LastName)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
