// Package planner turns a context snapshot into proposed actions and checks them against
// business rules before they become cards.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"cardflow/internal/llm"
	"cardflow/internal/models"
)

// Fallback texts of the plan returned when generation fails.
const (
	FallbackSummary       = "No actions generated due to AI error"
	FallbackGoalAlignment = "Unable to generate plan - check logs for details"
)

// Planner proposes actions for a tenant snapshot.
type Planner interface {
	// Generate always returns a usable plan. When generation fails the plan is the empty
	// fallback plan and err reports the cause.
	Generate(ctx context.Context, snap models.Snapshot) (models.Plan, error)
}

// FallbackPlan is the empty plan used when the model cannot produce one.
func FallbackPlan() models.Plan {
	return models.Plan{
		Actions:       []models.ProposedAction{},
		Summary:       FallbackSummary,
		GoalAlignment: FallbackGoalAlignment,
	}
}

// LLMPlanner asks a language model for a plan.
type LLMPlanner struct {
	client llm.Client
	logger *slog.Logger
	tmpl   *template.Template
}

// NewLLMPlanner builds a planner on top of client.
func NewLLMPlanner(client llm.Client, logger *slog.Logger) *LLMPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMPlanner{
		client: client,
		logger: logger,
		tmpl:   template.Must(template.New("plan").Funcs(promptFuncs).Parse(planPromptTemplate)),
	}
}

func (p *LLMPlanner) Generate(ctx context.Context, snap models.Snapshot) (models.Plan, error) {
	plan, err := p.generate(ctx, snap)
	if err != nil {
		p.logger.Error("plan generation failed",
			"tenant", snap.TenantID,
			"clients", len(snap.Clients),
			"goals", len(snap.Goals),
			"err", err)
		return FallbackPlan(), err
	}
	p.logger.Info("plan generated", "tenant", snap.TenantID, "actions", len(plan.Actions), "summary", plan.Summary)
	return plan, nil
}

func (p *LLMPlanner) generate(ctx context.Context, snap models.Snapshot) (models.Plan, error) {
	if p.client == nil {
		return models.Plan{}, llm.ErrAPIKeyRequired
	}
	prompt, err := p.renderPrompt(snap)
	if err != nil {
		return models.Plan{}, fmt.Errorf("render prompt: %w", err)
	}
	raw, err := p.client.GenerateJSON(ctx, systemPrompt, prompt)
	if err != nil {
		return models.Plan{}, err
	}
	raw = llm.CleanJSONBlock(raw)
	if err := checkPlanJSON(raw); err != nil {
		return models.Plan{}, err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return models.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if plan.Actions == nil {
		plan.Actions = []models.ProposedAction{}
	}
	return plan, nil
}

func (p *LLMPlanner) renderPrompt(snap models.Snapshot) (string, error) {
	now := snap.GeneratedAt
	if now.IsZero() {
		now = time.Now()
	}
	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, struct {
		Now time.Time
		models.Snapshot
	}{Now: now, Snapshot: snap})
	return buf.String(), err
}

var promptFuncs = template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
	"f1":  func(f float64) string { return fmt.Sprintf("%.1f", f) },
	"primary": func(cs []models.Contact) string {
		if len(cs) == 0 {
			return "None"
		}
		c := cs[0]
		for _, ct := range cs {
			if ct.IsPrimary {
				c = ct
				break
			}
		}
		return fmt.Sprintf("%s <%s> (contactId %s)", c.FullName(), c.Email, c.ID)
	},
	"status": func(g models.GoalProgress) string {
		switch {
		case g.Progress >= 100:
			return "on track"
		case g.PressureScore > 0.5:
			return "behind schedule"
		default:
			return "in progress"
		}
	},
	"memory": func(m models.Memory) string {
		b, _ := json.Marshal(m.Content)
		s := string(b)
		if len(s) > 100 {
			s = s[:100] + "..."
		}
		return m.Key + ": " + s
	},
}

const systemPrompt = `You are an account manager assistant. You answer with a single JSON object and nothing else.`

const planPromptTemplate = `Current time: {{.Now.UTC.Format "2006-01-02T15:04:05Z"}}

## Goals
{{range .Goals}}- {{.Goal.MetricType}}: {{f1 .Progress}}% complete (target {{.Goal.TargetValue}}, gap {{f1 .GapToTarget}}, {{.DaysRemaining}} days left) {{status .}}
{{else}}No active goals.
{{end}}
## Clients (ranked by priority)
{{range .Clients}}
**{{.Client.CompanyName}}** (clientId {{.Client.ID}})
- Primary contact: {{primary .Contacts}}
- Last contact: {{.LastContactDays}} days ago
- Engagement: {{pct .EngagementScore}}
- Priority score: {{f1 .PriorityScore}}
{{end}}
## Signals (last 7 days)
- Emails sent: {{.Signals.EmailsSent}}
- Replies: {{.Signals.EmailReplies}}
- Meetings booked: {{.Signals.MeetingsBooked}}
- Deals created: {{.Signals.DealsCreated}}
- Tasks created: {{.Signals.TasksCreated}}

## Memories
{{range .Memories}}- {{memory .}}
{{else}}No relevant memories.
{{end}}
## Task
Propose between 0 and 10 actions that move the goals forward. Skip clients contacted in the
last 3 days. Allowed types: send_email, research, create_task, follow_up, create_deal.
Calls and meetings are create_task actions. send_email needs emailDraft {to, subject, body}
with an HTML body; create_task needs taskDetails {description, dueDate?}; create_deal needs
dealDetails {title, value?, stage: lead|qualified|proposal|negotiation}.

Answer with JSON: {"actions": [{"type", "clientId", "contactId?", "priority": low|medium|high,
"title", "rationale", ...details}], "summary": "...", "goalAlignment": "..."}`
