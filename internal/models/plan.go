package models

import "time"

// EmailDraft is the email part of a proposed send_email action.
type EmailDraft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// TaskDetails is the task part of a proposed create_task action.
type TaskDetails struct {
	Description string `json:"description"`
	DueDate     string `json:"dueDate,omitempty"`
}

// DealDetails is the deal part of a proposed create_deal action.
type DealDetails struct {
	Title       string   `json:"title"`
	Value       *float64 `json:"value,omitempty"`
	Stage       string   `json:"stage"`
	Description string   `json:"description,omitempty"`
}

// ProposedAction is one planner suggestion before it becomes a card.
type ProposedAction struct {
	Type        CardType     `json:"type"`
	ClientID    string       `json:"clientId"`
	ContactID   string       `json:"contactId,omitempty"`
	Priority    Priority     `json:"priority"`
	Title       string       `json:"title"`
	Rationale   string       `json:"rationale"`
	EmailDraft  *EmailDraft  `json:"emailDraft,omitempty"`
	TaskDetails *TaskDetails `json:"taskDetails,omitempty"`
	DealDetails *DealDetails `json:"dealDetails,omitempty"`
}

// Plan is the planner output.
type Plan struct {
	Actions       []ProposedAction `json:"actions"`
	Summary       string           `json:"summary"`
	GoalAlignment string           `json:"goalAlignment"`
}

// GoalProgress is a goal with derived urgency.
type GoalProgress struct {
	Goal          Goal    `json:"goal"`
	Progress      float64 `json:"progress"`
	GapToTarget   float64 `json:"gap_to_target"`
	DaysRemaining int     `json:"days_remaining"`
	PressureScore float64 `json:"pressure_score"`
}

// ClientContext is one ranked client in the snapshot.
type ClientContext struct {
	Client           Client     `json:"client"`
	Contacts         []Contact  `json:"contacts"`
	RecentActivities []Activity `json:"recent_activities,omitempty"`
	LastContactDays  int        `json:"last_contact_days"`
	EngagementScore  float64    `json:"engagement_score"`
	PriorityScore    float64    `json:"priority_score"`
}

// Signals are tenant-wide engagement counters for a trailing window.
type Signals struct {
	EmailsSent     int `json:"emails_sent"`
	EmailReplies   int `json:"email_replies"`
	MeetingsBooked int `json:"meetings_booked"`
	DealsCreated   int `json:"deals_created"`
	TasksCreated   int `json:"tasks_created"`
}

// Snapshot is the bounded, ranked context handed to the planner.
type Snapshot struct {
	TenantID    string          `json:"tenant_id"`
	Goals       []GoalProgress  `json:"goals"`
	Clients     []ClientContext `json:"clients"`
	Signals     Signals         `json:"signals"`
	Memories    []Memory        `json:"memories"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// FindClient returns the client context with the given id.
func (s Snapshot) FindClient(id string) (ClientContext, bool) {
	for _, c := range s.Clients {
		if c.Client.ID == id {
			return c, true
		}
	}
	return ClientContext{}, false
}
