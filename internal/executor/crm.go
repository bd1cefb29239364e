package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardflow/internal/models"
)

var taskPriorities = map[models.Priority]string{
	models.PriorityLow:    "low",
	models.PriorityMedium: "normal",
	models.PriorityHigh:   "high",
}

func taskPriority(p models.Priority) string {
	if v, ok := taskPriorities[p]; ok {
		return v
	}
	return "normal"
}

// parseDue accepts RFC 3339 timestamps and bare dates.
func parseDue(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised due date %q", s)
}

func (h *handlers) createTask(ctx context.Context, card models.Card) Result {
	p, ok := payloadAs[models.TaskPayload](card)
	if !ok {
		return failure("Invalid task payload", fmt.Errorf("payload has shape %T", card.Payload))
	}
	due, err := parseDue(p.DueDate)
	if err != nil {
		h.Logger.Warn("ignoring task due date", "card_id", card.ID, "err", err)
	}
	task, err := h.Store.InsertTask(ctx, models.Task{
		TenantID:    card.TenantID,
		ClientID:    card.ClientID,
		ContactID:   card.ContactID,
		Title:       firstNonEmpty(p.Title, card.Title),
		Description: firstNonEmpty(p.Description, card.Description),
		Priority:    taskPriority(card.Priority),
		Status:      "pending",
		DueDate:     due,
	})
	if err != nil {
		return failure("Task creation failed", err)
	}
	_ = h.logActivity(ctx, card, models.Activity{
		Type:        models.ActivityTask,
		Subject:     task.Title,
		Description: fmt.Sprintf("Task created via agent: %s\n\nTask Details: %s", card.Rationale, task.Description),
		Status:      models.ActivityScheduled,
		Metadata:    map[string]any{"task_id": task.ID},
	}, false)
	return Result{Success: true, Message: "Task created successfully", Metadata: map[string]any{"taskId": task.ID}}
}

func (h *handlers) followUp(ctx context.Context, card models.Card) Result {
	p, _ := payloadAs[models.FollowUpPayload](card)
	err := h.logActivity(ctx, card, models.Activity{
		Type:        models.ActivityNote,
		Subject:     card.Title,
		Description: firstNonEmpty(p.Note, card.Description, card.Rationale),
		Status:      models.ActivityCompleted,
	}, true)
	if err != nil {
		return failure("Follow-up logging failed", err)
	}
	return Result{Success: true, Message: "Follow-up logged"}
}

func (h *handlers) createDeal(ctx context.Context, card models.Card) Result {
	p, ok := payloadAs[models.DealPayload](card)
	if !ok {
		return failure("Invalid deal payload", fmt.Errorf("payload has shape %T", card.Payload))
	}
	clientID := firstNonEmpty(card.ClientID, p.ClientID)
	if clientID == "" {
		return failure("Deal creation failed", errors.New("a deal needs a client"))
	}
	deal, err := h.Store.InsertDeal(ctx, models.Deal{
		TenantID:    card.TenantID,
		ClientID:    clientID,
		ContactID:   card.ContactID,
		Title:       firstNonEmpty(p.Title, card.Title),
		Description: firstNonEmpty(p.Description, card.Rationale),
		Value:       p.Value,
		Probability: h.DealProbability,
		Stage:       firstNonEmpty(p.Stage, "lead"),
	})
	if err != nil {
		return failure("Deal creation failed", err)
	}
	_ = h.logActivity(ctx, card, models.Activity{
		ClientID:    clientID,
		Type:        models.ActivityNote,
		Subject:     "Deal Created: " + deal.Title,
		Description: deal.Description,
		Status:      models.ActivityCompleted,
		Metadata:    map[string]any{"deal_id": deal.ID, "stage": deal.Stage},
	}, false)
	return Result{Success: true, Message: "Deal created successfully", Metadata: map[string]any{"dealId": deal.ID}}
}

func (h *handlers) scheduleCall(ctx context.Context, card models.Card) Result {
	p, ok := payloadAs[models.CallPayload](card)
	if !ok {
		return failure("Invalid call payload", fmt.Errorf("payload has shape %T", card.Payload))
	}
	due := h.Now().Add(h.CallWindow)
	if p.ScheduledAt != nil {
		due = *p.ScheduledAt
	}
	minutes := p.DurationMinutes
	if minutes == 0 {
		minutes = DefaultCallMinutes
	}
	desc := fmt.Sprintf("%s\n\nCall Purpose: %s\nDuration: %d minutes", card.Rationale, firstNonEmpty(p.Purpose, card.Title), minutes)
	task, err := h.Store.InsertTask(ctx, models.Task{
		TenantID:    card.TenantID,
		ClientID:    card.ClientID,
		ContactID:   card.ContactID,
		Title:       card.Title,
		Description: desc,
		Priority:    taskPriority(card.Priority),
		Status:      "pending",
		DueDate:     &due,
	})
	if err != nil {
		return failure("Call scheduling failed", err)
	}
	_ = h.logActivity(ctx, card, models.Activity{
		Type:        models.ActivityTask,
		Subject:     "Task Created: " + task.Title,
		Description: desc,
		Status:      models.ActivityScheduled,
		Metadata:    map[string]any{"task_id": task.ID, "due_date": due.Format(time.RFC3339)},
	}, false)
	return Result{
		Success:  true,
		Message:  "Call task created successfully",
		Metadata: map[string]any{"taskId": task.ID, "dueDate": due.Format(time.RFC3339)},
	}
}

// needsHuman records the request on the timeline and always fails, so the card lands in
// blocked for a person to pick up.
func (h *handlers) needsHuman(ctx context.Context, card models.Card) Result {
	p, _ := payloadAs[models.HumanResponsePayload](card)
	meta := map[string]any{}
	if p.EmailID != "" {
		meta["email_id"] = p.EmailID
	}
	_ = h.logActivity(ctx, card, models.Activity{
		Type:        models.ActivityNote,
		Subject:     "Email requires human response: " + card.Title,
		Description: firstNonEmpty(p.Summary, card.Rationale),
		Status:      models.ActivityPending,
		Metadata:    meta,
	}, false)
	return Result{
		Message: "This card requires human response and cannot auto-execute",
		Error:   "Human intervention required",
	}
}
