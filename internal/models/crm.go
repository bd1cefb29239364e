package models

import "time"

// Client is a customer organisation.
type Client struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	CompanyName    string `json:"company_name"`
	Email          string `json:"email,omitempty"`
	ClientType     string `json:"client_type,omitempty"`
	PrimaryContact string `json:"primary_contact,omitempty"`
	Website        string `json:"website,omitempty"`
	IsActive       bool   `json:"is_active"`
}

// Contact is a person at a client.
type Contact struct {
	ID              string   `json:"id"`
	ClientID        string   `json:"client_id"`
	FirstName       string   `json:"first_name"`
	LastName        string   `json:"last_name"`
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Title           string   `json:"title,omitempty"`
	PrimaryRoleCode string   `json:"primary_role_code,omitempty"`
	IsPrimary       bool     `json:"is_primary"`
	Tags            []string `json:"tags,omitempty"`
	Source          string   `json:"source,omitempty"`
}

// FullName joins first and last name.
func (c Contact) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// HasTag reports whether the contact carries tag.
func (c Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Bounce tags applied by the mail webhook.
const (
	TagBouncedHard = "email_bounced_hard"
	TagBouncedSoft = "email_bounced_soft"
)

// Activity types and statuses used on the client timeline.
const (
	ActivityEmail   = "email"
	ActivityTask    = "task"
	ActivityNote    = "note"
	ActivityCall    = "call"
	ActivityMeeting = "meeting"

	ActivityCompleted = "completed"
	ActivityScheduled = "scheduled"
	ActivityPending   = "pending"
)

// Activity is a timeline entry on a client.
type Activity struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ClientID    string         `json:"client_id,omitempty"`
	ContactID   string         `json:"contact_id,omitempty"`
	Type        string         `json:"activity_type"`
	Subject     string         `json:"subject"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Outcome     string         `json:"outcome,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Task is a CRM to-do for a person, distinct from a job task.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ClientID    string     `json:"client_id,omitempty"`
	ContactID   string     `json:"contact_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Deal is a pipeline opportunity.
type Deal struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ClientID    string    `json:"client_id"`
	ContactID   string    `json:"contact_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Probability int       `json:"probability"`
	Stage       string    `json:"stage"`
	CreatedAt   time.Time `json:"created_at"`
}

// Goal is a tenant target for a metric over a period.
type Goal struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	MetricType   string    `json:"metric_type"`
	TargetValue  float64   `json:"target_value"`
	CurrentValue float64   `json:"current_value"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	IsActive     bool      `json:"is_active"`
}

// Memory scopes.
const (
	ScopeCardFeedback  = "card_feedback"
	ScopeCardFilterLog = "card_filter_log"
	ScopeClientContext = "client_context"
)

// Memory is a durable, importance-weighted note used as planner context and as rule storage.
type Memory struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Scope      string         `json:"scope"`
	Key        string         `json:"key"`
	Content    map[string]any `json:"content"`
	Importance float64        `json:"importance"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ContentString returns a string field of the content map or "".
func (m Memory) ContentString(key string) string {
	if v, ok := m.Content[key].(string); ok {
		return v
	}
	return ""
}

// Suppression blocks mail to a contact.
type Suppression struct {
	TenantID   string    `json:"tenant_id"`
	ContactID  string    `json:"contact_id"`
	Reason     string    `json:"reason"`
	BounceType string    `json:"bounce_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InboundEmail is a stored inbound message that a reply card answers.
type InboundEmail struct {
	MessageID  string    `json:"message_id"`
	TenantID   string    `json:"tenant_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	FromEmail  string    `json:"from_email"`
	FromName   string    `json:"from_name,omitempty"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"body_text,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Campaign is the outbound campaign an inbound reply may belong to.
type Campaign struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`
}

// Document is a searchable piece of content indexed for retrieval.
type Document struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TargetContact is one addressee of a job batch.
type TargetContact struct {
	ID          string `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	ClientID    string `json:"client_id"`
	CompanyName string `json:"company_name"`
}

// ClientStats are internal relationship metrics gathered for research.
type ClientStats struct {
	Contacts       int        `json:"contacts"`
	Activities     int        `json:"activities"`
	OpenTasks      int        `json:"open_tasks"`
	Deals          int        `json:"deals"`
	PipelineValue  float64    `json:"pipeline_value"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}
