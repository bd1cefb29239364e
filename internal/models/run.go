package models

import "time"

// RunStatus enumerates AgentRun states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunMode selects whether created cards wait for review.
type RunMode string

const (
	ModeReview RunMode = "review"
	ModeAuto   RunMode = "auto"
)

// RunError is one collected failure of a work block step.
type RunError struct {
	Step    string   `json:"step"`
	Message string   `json:"error,omitempty"`
	Details []string `json:"errors,omitempty"`
}

// AgentRun is one orchestrator invocation for a tenant.
type AgentRun struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Status         RunStatus  `json:"status"`
	Mode           RunMode    `json:"mode"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	GoalPressure   float64    `json:"goal_pressure"`
	PlannedActions int        `json:"planned_actions"`
	Approved       int        `json:"approved"`
	Sent           int        `json:"sent"`
	Errors         []RunError `json:"errors"`
}

// Reflection is the post-run self-assessment written in the background.
type Reflection struct {
	RunID      string         `json:"run_id"`
	Summary    string         `json:"summary"`
	Metrics    map[string]any `json:"metrics"`
	Hypotheses string         `json:"hypotheses"`
	CreatedAt  time.Time      `json:"created_at"`
}
