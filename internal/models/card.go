package models

import (
	"time"
)

// CardType enumerates the closed set of card archetypes.
type CardType string

const (
	CardSendEmail          CardType = "send_email"
	CardCreateTask         CardType = "create_task"
	CardFollowUp           CardType = "follow_up"
	CardCreateDeal         CardType = "create_deal"
	CardScheduleCall       CardType = "schedule_call"
	CardResearch           CardType = "research"
	CardReplyToEmail       CardType = "reply_to_email"
	CardNeedsHumanResponse CardType = "needs_human_response"
)

// CardTypes lists every known card type.
var CardTypes = []CardType{
	CardSendEmail,
	CardCreateTask,
	CardFollowUp,
	CardCreateDeal,
	CardScheduleCall,
	CardResearch,
	CardReplyToEmail,
	CardNeedsHumanResponse,
}

// Valid reports whether t is one of the known card types.
func (t CardType) Valid() bool {
	for _, known := range CardTypes {
		if t == known {
			return true
		}
	}
	return false
}

// CardState enumerates lifecycle states persisted in Postgres.
type CardState string

const (
	StateScheduled CardState = "scheduled"
	StateSuggested CardState = "suggested"
	StateInReview  CardState = "in_review"
	StateApproved  CardState = "approved"
	StateExecuting CardState = "executing"
	StateDone      CardState = "done"
	StateBlocked   CardState = "blocked"
	StateRejected  CardState = "rejected"
)

// PendingStates are the non-terminal states checked for duplicate suppression.
var PendingStates = []CardState{StateSuggested, StateInReview, StateApproved}

// Priority is the card urgency label.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities so that high sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Card is a persisted unit of proposed or executed work.
type Card struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	RunID       string        `json:"run_id,omitempty"`
	JobID       string        `json:"job_id,omitempty"`
	TaskID      *int64        `json:"task_id,omitempty"`
	ClientID    string        `json:"client_id,omitempty"`
	ContactID   string        `json:"contact_id,omitempty"`
	Type        CardType      `json:"type"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Rationale   string        `json:"rationale"`
	Priority    Priority      `json:"priority"`
	State       CardState     `json:"state"`
	Payload     ActionPayload `json:"action_payload"`
	DueAt       *time.Time    `json:"due_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ExecutedAt  *time.Time    `json:"executed_at,omitempty"`
}
