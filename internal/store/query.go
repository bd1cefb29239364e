package store

import (
	"cardflow/internal/models"
)

// CardQuery selects cards for listing. Empty fields do not constrain.
type CardQuery struct {
	TenantID string
	States   []models.CardState
	JobID    string
	RunID    string
	Limit    int
}

// MemoryQuery selects unexpired memories ordered by importance, highest first.
type MemoryQuery struct {
	TenantID      string
	Scope         string
	MinImportance float64
	Limit         int
}

// TargetQuery selects the addressees of a job batch.
type TargetQuery struct {
	TenantID     string
	TargetType   string
	Filter       *models.TargetFilter
	ContactIDs   []string
	ExcludeJobID string
	Limit        int
}

func statesToStrings(states []models.CardState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
