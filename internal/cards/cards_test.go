package cards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/models"
)

const contactUUID = "6f1c2a7e-3b8d-4c1e-9a55-0d2f4e6b7c81"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.CardState
		ok       bool
	}{
		{models.StateScheduled, models.StateSuggested, true},
		{models.StateSuggested, models.StateApproved, true},
		{models.StateInReview, models.StateRejected, true},
		{models.StateApproved, models.StateExecuting, true},
		{models.StateExecuting, models.StateDone, true},
		{models.StateExecuting, models.StateBlocked, true},
		{models.StateBlocked, models.StateApproved, true},
		{models.StateSuggested, models.StateExecuting, false},
		{models.StateBlocked, models.StateExecuting, false},
		{models.StateApproved, models.StateRejected, false},
		{models.StateDone, models.StateApproved, false},
		{models.StateRejected, models.StateSuggested, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, Terminal(models.StateDone))
	assert.True(t, Terminal(models.StateRejected))
	assert.False(t, Terminal(models.StateBlocked))
}

func TestCheckHumanRejectsExecutorTransitions(t *testing.T) {
	assert.ErrorIs(t, checkHuman(models.StateApproved, models.StateExecuting), ErrInvalidTransition)
	assert.ErrorIs(t, checkHuman(models.StateExecuting, models.StateDone), ErrInvalidTransition)
	assert.NoError(t, checkHuman(models.StateBlocked, models.StateApproved))
}

func TestFromAction_SendEmail(t *testing.T) {
	card, err := FromAction("t1", "run-1", models.ProposedAction{
		Type:      models.CardSendEmail,
		ClientID:  "client-1",
		ContactID: "jane@example.com",
		Priority:  models.PriorityHigh,
		Title:     "Check in",
		Rationale: "No contact in 30 days",
		EmailDraft: &models.EmailDraft{
			To:      "Jane Doe",
			Subject: "Quick check-in",
			Body:    "<p>Hi Jane, checking in on next quarter.</p>",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateSuggested, card.State)
	assert.Empty(t, card.ContactID, "non-uuid contact ids are dropped")
	email := card.Payload.(models.EmailPayload)
	assert.Empty(t, email.To, "names are not addresses")
	assert.Equal(t, "Quick check-in", email.Subject)
}

func TestFromAction_MissingDraftFails(t *testing.T) {
	_, err := FromAction("t1", "", models.ProposedAction{Type: models.CardSendEmail, ClientID: "c"})
	var perr *models.PayloadError
	require.ErrorAs(t, err, &perr)
}

func TestFromAction_DefaultsPriority(t *testing.T) {
	card, err := FromAction("t1", "", models.ProposedAction{
		Type:        models.CardCreateTask,
		ClientID:    "c",
		ContactID:   contactUUID,
		Title:       "Prepare deck",
		TaskDetails: &models.TaskDetails{Description: "Prepare the quarterly deck"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, card.Priority)
	assert.Equal(t, contactUUID, card.ContactID)
}

func TestDedupe_WithinBatch(t *testing.T) {
	a := models.Card{Type: models.CardSendEmail, ClientID: "c1", ContactID: contactUUID, Title: "first"}
	b := models.Card{Type: models.CardSendEmail, ClientID: "c1", ContactID: contactUUID, Title: "second"}
	c := models.Card{Type: models.CardCreateTask, ClientID: "c1", ContactID: contactUUID, Title: "other type"}

	kept, dropped := Dedupe([]models.Card{a, b, c}, nil)
	require.Len(t, kept, 2)
	assert.Equal(t, "first", kept[0].Title)
	assert.Equal(t, "other type", kept[1].Title)
	require.Len(t, dropped, 1)
	assert.Equal(t, "second", dropped[0].Title)
}

func TestDedupe_AgainstPendingOnly(t *testing.T) {
	existing := []models.Card{
		{ClientID: "c1", Type: models.CardFollowUp, State: models.StateInReview},
		{ClientID: "c2", Type: models.CardFollowUp, State: models.StateDone},
	}
	candidates := []models.Card{
		{Type: models.CardFollowUp, ClientID: "c1"},
		{Type: models.CardFollowUp, ClientID: "c2"},
	}
	kept, dropped := Dedupe(candidates, existing)
	require.Len(t, kept, 1)
	assert.Equal(t, "c2", kept[0].ClientID)
	require.Len(t, dropped, 1)
	assert.Equal(t, "c1", dropped[0].ClientID)
}

func TestDedupe_SanitizedContactCollides(t *testing.T) {
	existing := []models.Card{{ClientID: "c1", ContactID: "", Type: models.CardFollowUp, State: models.StateSuggested}}
	card, err := FromAction("t1", "run-1", models.ProposedAction{
		Type: models.CardFollowUp, ClientID: "c1", ContactID: "not-a-uuid", Title: "Check in",
	})
	require.NoError(t, err)
	kept, _ := Dedupe([]models.Card{card}, existing)
	assert.Empty(t, kept)
}
