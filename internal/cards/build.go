package cards

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"cardflow/internal/models"
)

var fieldValidator = validator.New()

func isEmail(s string) bool {
	return s != "" && fieldValidator.Var(s, "email") == nil
}

// SanitizeContactID drops contact references that are not UUIDs; planners sometimes put an
// email address or a name there.
func SanitizeContactID(id string) string {
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

// FromAction converts a planner proposal into a suggested card. The payload is validated
// against the card type before the card is returned.
func FromAction(tenantID, runID string, a models.ProposedAction) (models.Card, error) {
	payload, err := payloadFor(a)
	if err != nil {
		return models.Card{}, err
	}
	if err := models.ValidatePayload(a.Type, payload); err != nil {
		return models.Card{}, err
	}
	priority := a.Priority
	if priority.Rank() == 0 {
		priority = models.PriorityMedium
	}
	return models.Card{
		TenantID:  tenantID,
		RunID:     runID,
		ClientID:  a.ClientID,
		ContactID: SanitizeContactID(a.ContactID),
		Type:      a.Type,
		Title:     a.Title,
		Rationale: a.Rationale,
		Priority:  priority,
		State:     models.StateSuggested,
		Payload:   payload,
	}, nil
}

func payloadFor(a models.ProposedAction) (models.ActionPayload, error) {
	switch a.Type {
	case models.CardSendEmail:
		if a.EmailDraft == nil {
			return models.EmailPayload{}, nil
		}
		p := models.EmailPayload{
			Subject: a.EmailDraft.Subject,
			Body:    a.EmailDraft.Body,
		}
		// Unresolvable recipients are left empty so execution falls back to the contact.
		if isEmail(a.EmailDraft.To) {
			p.To = a.EmailDraft.To
		}
		if isEmail(a.EmailDraft.ReplyTo) {
			p.ReplyTo = a.EmailDraft.ReplyTo
		}
		return p, nil
	case models.CardCreateTask:
		p := models.TaskPayload{Title: a.Title}
		if a.TaskDetails != nil {
			p.Description = a.TaskDetails.Description
			p.DueDate = a.TaskDetails.DueDate
		}
		return p, nil
	case models.CardCreateDeal:
		p := models.DealPayload{ClientID: a.ClientID}
		if a.DealDetails != nil {
			p.Title = a.DealDetails.Title
			p.Value = a.DealDetails.Value
			p.Stage = a.DealDetails.Stage
			p.Description = a.DealDetails.Description
		}
		return p, nil
	case models.CardFollowUp:
		return models.FollowUpPayload{Note: a.Rationale}, nil
	case models.CardResearch:
		return models.ResearchPayload{CompanyID: a.ClientID, Focus: a.Title}, nil
	case models.CardScheduleCall:
		return models.CallPayload{Purpose: a.Rationale}, nil
	}
	p, err := models.EmptyPayload(a.Type)
	if err != nil {
		return nil, fmt.Errorf("build card: %w", err)
	}
	return p, nil
}
