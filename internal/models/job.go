package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TaskStatus enumerates job task states.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskError   TaskStatus = "error"
	TaskSkipped TaskStatus = "skipped"
)

// Terminal reports whether no further processing is expected for the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError || s == TaskSkipped
}

// TaskKind is the archetype of a job task; it decides how the task expands into cards.
type TaskKind string

const (
	TaskDraftEmail  TaskKind = "draft_email"
	TaskSendEmail   TaskKind = "send_email"
	TaskCheckPortal TaskKind = "check_portal"
	TaskCreateTask  TaskKind = "create_task"
)

// Target types for job audiences.
const (
	TargetContacts = "contacts"
	TargetClients  = "clients"
)

// Job is a tenant-scoped long-running work definition.
type Job struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      JobStatus  `json:"status"`
	Params      JobParams  `json:"params"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// EmailTemplate is a named subject/body pair with {{variable}} placeholders.
type EmailTemplate struct {
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}

// Cadence selects which follow-up days a campaign job runs.
type Cadence struct {
	Day0       bool  `json:"day0" yaml:"day0"`
	Day4       bool  `json:"day4" yaml:"day4"`
	Day10      bool  `json:"day10" yaml:"day10"`
	Day21      bool  `json:"day21" yaml:"day21"`
	CustomDays []int `json:"custom_days,omitempty" yaml:"custom_days,omitempty"`
}

// TargetFilter narrows the audience of a job.
type TargetFilter struct {
	ClientType      string `json:"client_type,omitempty" yaml:"client_type,omitempty"`
	PrimaryRoleCode string `json:"primary_role_code,omitempty" yaml:"primary_role_code,omitempty"`
	Active          *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// JobParams is the policy object consumed by the batch planner.
type JobParams struct {
	TargetType       string                   `json:"target_type,omitempty" yaml:"target_type,omitempty"`
	TargetFilter     *TargetFilter            `json:"target_filter,omitempty" yaml:"target_filter,omitempty"`
	TargetContactIDs []string                 `json:"target_contact_ids,omitempty" yaml:"target_contact_ids,omitempty"`
	Templates        map[string]EmailTemplate `json:"templates,omitempty" yaml:"templates,omitempty"`
	Cadence          *Cadence                 `json:"cadence,omitempty" yaml:"cadence,omitempty"`
	ReviewMode       bool                     `json:"review_mode" yaml:"review_mode"`
	EditMode         bool                     `json:"edit_mode" yaml:"edit_mode"`
	BulkMode         bool                     `json:"bulk_mode" yaml:"bulk_mode"`
	BatchSize        int                      `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	PortalChecks     bool                     `json:"portal_checks" yaml:"portal_checks"`
	PortalURLs       map[string]string        `json:"portal_urls,omitempty" yaml:"portal_urls,omitempty"`
	CreateTasks      bool                     `json:"create_tasks" yaml:"create_tasks"`
	TaskTitle        string                   `json:"task_title,omitempty" yaml:"task_title,omitempty"`
	TaskDescription  string                   `json:"task_description,omitempty" yaml:"task_description,omitempty"`
}

// InitialCardState is the state job-generated cards start in.
func (p JobParams) InitialCardState() CardState {
	switch {
	case p.EditMode:
		return StateInReview
	case p.ReviewMode:
		return StateSuggested
	default:
		return StateApproved
	}
}

// TaskInput is the persisted input of a job task.
type TaskInput struct {
	Template      string            `json:"template,omitempty"`
	ContactIDs    []string          `json:"contact_ids,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	DependsOnStep *int              `json:"depends_on_step,omitempty"`
	PortalURLs    map[string]string `json:"portal_urls,omitempty"`
	TaskTitle     string            `json:"task_title,omitempty"`
	TaskDesc      string            `json:"task_description,omitempty"`
}

// TaskOutput records what expanding a task produced.
type TaskOutput struct {
	CardsCreated int      `json:"cards_created"`
	CardIDs      []string `json:"card_ids,omitempty"`
	Note         string   `json:"note,omitempty"`
}

// JobTask is one unit of a job's batch.
type JobTask struct {
	ID           int64       `json:"id"`
	JobID        string      `json:"job_id"`
	Step         int         `json:"step"`
	Batch        int         `json:"batch"`
	Kind         TaskKind    `json:"kind"`
	Input        TaskInput   `json:"input"`
	Output       *TaskOutput `json:"output,omitempty"`
	Status       TaskStatus  `json:"status"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}
