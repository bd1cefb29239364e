package planner

import (
	"fmt"

	"cardflow/internal/models"
)

// DefaultMaxActions bounds the number of actions one plan may carry.
const DefaultMaxActions = 10

const (
	recentContactDays   = 3
	minRationaleLength  = 20
	minEmailSubjectSize = 5
	minEmailBodySize    = 20
)

// Validation is the outcome of checking a plan against the snapshot it was built from.
type Validation struct {
	Valid    bool
	Errors   []string
	Warnings []string
	// Rejected holds the indexes of actions with at least one hard error.
	Rejected map[int]bool
	// Overflow is set when the plan exceeds the action bound.
	Overflow bool
}

// Validate applies the business rules to plan. It never mutates the plan.
func Validate(plan models.Plan, snap models.Snapshot, maxActions int) Validation {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	v := Validation{Rejected: map[int]bool{}}

	if len(plan.Actions) == 0 {
		v.Warnings = append(v.Warnings, "Plan contains no actions - may be appropriate if no opportunities exist")
	}
	if len(plan.Actions) > maxActions {
		v.Overflow = true
		v.Errors = append(v.Errors, fmt.Sprintf("Plan cannot contain more than %d actions", maxActions))
	}

	for i, a := range plan.Actions {
		n := i + 1
		reject := func(format string, args ...any) {
			v.Errors = append(v.Errors, fmt.Sprintf("Action %d: ", n)+fmt.Sprintf(format, args...))
			v.Rejected[i] = true
		}

		cc, ok := snap.FindClient(a.ClientID)
		if !ok {
			reject("Client %s not found", a.ClientID)
			continue
		}
		if cc.LastContactDays < recentContactDays {
			v.Warnings = append(v.Warnings, fmt.Sprintf("Action %d: Client %s was contacted recently (%d days ago)",
				n, cc.Client.CompanyName, cc.LastContactDays))
		}

		switch a.Type {
		case models.CardSendEmail:
			if a.EmailDraft == nil {
				reject("Email action must include emailDraft")
				break
			}
			if len(a.EmailDraft.Subject) < minEmailSubjectSize {
				reject("Email subject is required and must be at least %d characters", minEmailSubjectSize)
			}
			if len(a.EmailDraft.Body) < minEmailBodySize {
				reject("Email body is required and must be at least %d characters", minEmailBodySize)
			}
			if a.ContactID != "" {
				if !contactHasEmail(cc, a.ContactID) {
					reject("Contact has no email address")
				}
			} else if cc.Client.Email == "" {
				reject("Client has no email address")
			}
		case models.CardCreateTask:
			if a.TaskDetails == nil {
				reject("Task action must include taskDetails")
			}
		case models.CardCreateDeal:
			if a.DealDetails == nil {
				reject("Deal action must include dealDetails")
			}
		}

		if len(a.Rationale) < minRationaleLength {
			v.Warnings = append(v.Warnings, fmt.Sprintf("Action %d: Rationale seems too brief (%d chars)", n, len(a.Rationale)))
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

// Accepted returns the actions that carry no hard error, truncated to the action bound.
func (v Validation) Accepted(actions []models.ProposedAction, maxActions int) []models.ProposedAction {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	out := make([]models.ProposedAction, 0, len(actions))
	for i, a := range actions {
		if len(out) == maxActions {
			break
		}
		if v.Rejected[i] {
			continue
		}
		out = append(out, a)
	}
	return out
}

func contactHasEmail(cc models.ClientContext, contactID string) bool {
	for _, c := range cc.Contacts {
		if c.ID == contactID {
			return c.Email != ""
		}
	}
	return false
}
