package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"cardflow/internal/models"
	"cardflow/internal/planner"
)

const reflectionTopClients = 10

// Reflect summarizes a finished work block for later review.
func Reflect(runID string, snap models.Snapshot, plan models.Plan, v planner.Validation, at time.Time) models.Reflection {
	outcome := "Failed"
	if v.Valid {
		outcome = "Passed"
	}
	summary := fmt.Sprintf("Generated %d action proposals.\nGoal alignment: %s\nValidation: %s (%d errors, %d warnings)",
		len(plan.Actions), plan.GoalAlignment, outcome, len(v.Errors), len(v.Warnings))

	n := len(snap.Clients)
	if n > reflectionTopClients {
		n = reflectionTopClients
	}
	top := make([]map[string]any, 0, n)
	for _, cc := range snap.Clients[:n] {
		top = append(top, map[string]any{
			"id":             cc.Client.ID,
			"name":           cc.Client.CompanyName,
			"priority_score": cc.PriorityScore,
		})
	}

	hypotheses := "Plan executed cleanly without warnings"
	if len(v.Warnings) > 0 {
		hypotheses = "Noted warnings: " + strings.Join(v.Warnings, "; ")
	}

	return models.Reflection{
		RunID:   runID,
		Summary: summary,
		Metrics: map[string]any{
			"actions_proposed":     len(plan.Actions),
			"validation_errors":    len(v.Errors),
			"validation_warnings":  len(v.Warnings),
			"top_clients_analyzed": top,
			"signals":              snap.Signals,
		},
		Hypotheses: hypotheses,
		CreatedAt:  at,
	}
}
