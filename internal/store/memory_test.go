package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/models"
)

func followUp(tenant string, state models.CardState) models.Card {
	return models.Card{
		TenantID: tenant,
		ClientID: "client-1",
		Type:     models.CardFollowUp,
		Title:    "Follow up",
		State:    state,
		Payload:  models.FollowUpPayload{Note: "check in"},
	}
}

func TestMemoryClaimIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	inserted, err := m.InsertCards(ctx, []models.Card{followUp("t1", models.StateApproved)})
	require.NoError(t, err)
	id := inserted[0].ID

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimCard(ctx, id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	card, err := m.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateExecuting, card.State)
}

func TestMemoryCompleteRequiresExecuting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	inserted, err := m.InsertCards(ctx, []models.Card{followUp("t1", models.StateApproved)})
	require.NoError(t, err)
	id := inserted[0].ID

	assert.ErrorIs(t, m.CompleteCard(ctx, id, time.Now()), ErrConflict)

	ok, err := m.ClaimCard(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.BlockCard(ctx, id, "\n\nfailed"))

	card, err := m.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateBlocked, card.State)
	assert.Contains(t, card.Description, "failed")
	assert.Nil(t, card.ExecutedAt)
}

func TestMemoryInsertRejectsInvalidPayload(t *testing.T) {
	m := NewMemory()
	_, err := m.InsertCards(context.Background(), []models.Card{{
		TenantID: "t1",
		Type:     models.CardSendEmail,
		Title:    "bad",
		Payload:  models.EmailPayload{Subject: "hi"},
	}})
	var perr *models.PayloadError
	require.ErrorAs(t, err, &perr)
}

func TestMemoryPromoteDue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	due := followUp("t1", models.StateScheduled)
	due.DueAt = &past
	later := followUp("t1", models.StateScheduled)
	later.DueAt = &future
	other := followUp("t2", models.StateScheduled)
	other.DueAt = &past
	suggested := followUp("t1", models.StateSuggested)
	suggested.DueAt = &past

	_, err := m.InsertCards(ctx, []models.Card{due, later, other, suggested})
	require.NoError(t, err)

	n, err := m.PromoteDue(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.PromoteDue(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = m.PromoteDue(ctx, "", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "empty tenant promotes across tenants")
}

func TestMemoryListCardsOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	low := followUp("t1", models.StateApproved)
	low.Priority = models.PriorityLow
	low.Title = "low"
	high := followUp("t1", models.StateApproved)
	high.Priority = models.PriorityHigh
	high.Title = "high"
	mid := followUp("t1", models.StateApproved)
	mid.Title = "medium"
	_, err := m.InsertCards(ctx, []models.Card{low, high, mid})
	require.NoError(t, err)

	cards, err := m.ListCards(ctx, CardQuery{TenantID: "t1", States: []models.CardState{models.StateApproved}})
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, []string{"high", "medium", "low"}, []string{cards[0].Title, cards[1].Title, cards[2].Title})
}

func TestMemoryStartRunIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first, created, err := m.StartRun(ctx, "t1", models.ModeReview, time.Now())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := m.StartRun(ctx, "t1", models.ModeReview, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, created, err = m.StartRun(ctx, "t2", models.ModeReview, time.Now())
	require.NoError(t, err)
	assert.True(t, created, "other tenants are independent")

	ok, err := m.CancelRun(ctx, first.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	first.Status = models.RunCompleted
	ok, err = m.FinishRun(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok, "a cancelled run keeps its label")

	got, err := m.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, got.Status)
}

func TestMemoryTargetContacts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	active := true
	m.PutClient(models.Client{ID: "c1", TenantID: "t1", CompanyName: "Acme", ClientType: "lender", IsActive: true, Email: "ops@acme.test"})
	m.PutClient(models.Client{ID: "c2", TenantID: "t1", CompanyName: "Dormant", ClientType: "lender", IsActive: false})
	a, _ := m.InsertContact(ctx, models.Contact{ID: "a", ClientID: "c1", FirstName: "Ann", Email: "ann@acme.test", PrimaryRoleCode: "ops"})
	_, _ = m.InsertContact(ctx, models.Contact{ID: "b", ClientID: "c1", FirstName: "Bob", Email: "bob@acme.test", PrimaryRoleCode: "sales"})
	_, _ = m.InsertContact(ctx, models.Contact{ID: "c", ClientID: "c2", FirstName: "Cy", Email: "cy@dormant.test", PrimaryRoleCode: "ops"})
	_, _ = m.InsertContact(ctx, models.Contact{ID: "d", ClientID: "c1", FirstName: "Di", PrimaryRoleCode: "ops"})

	filter := &models.TargetFilter{ClientType: "lender", PrimaryRoleCode: "ops", Active: &active}
	got, err := m.TargetContacts(ctx, TargetQuery{TenantID: "t1", Filter: filter})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme", got[0].CompanyName)

	card := followUp("t1", models.StateApproved)
	card.JobID = "job-1"
	card.ContactID = a.ID
	_, err = m.InsertCards(ctx, []models.Card{card})
	require.NoError(t, err)

	got, err = m.TargetContacts(ctx, TargetQuery{TenantID: "t1", Filter: filter, ExcludeJobID: "job-1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.TargetContacts(ctx, TargetQuery{TenantID: "t1", ContactIDs: []string{"b", "d"}})
	require.NoError(t, err)
	require.Len(t, got, 1, "explicit ids still require an email")
	assert.Equal(t, "b", got[0].ID)

	got, err = m.TargetContacts(ctx, TargetQuery{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, got, "no filter and no ids selects nobody")

	got, err = m.TargetContacts(ctx, TargetQuery{TenantID: "t1", TargetType: models.TargetClients, Filter: &models.TargetFilter{}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme", got[0].FirstName)
}

func TestMemoryListMemoriesSkipsExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	past := time.Now().Add(-time.Minute)
	_, _ = m.InsertMemory(ctx, models.Memory{TenantID: "t1", Scope: models.ScopeCardFeedback, Importance: 0.9, ExpiresAt: &past})
	_, _ = m.InsertMemory(ctx, models.Memory{TenantID: "t1", Scope: models.ScopeCardFeedback, Importance: 0.6, Key: "mid"})
	_, _ = m.InsertMemory(ctx, models.Memory{TenantID: "t1", Scope: models.ScopeCardFeedback, Importance: 0.8, Key: "top"})
	_, _ = m.InsertMemory(ctx, models.Memory{TenantID: "t1", Scope: models.ScopeCardFeedback, Importance: 0.2, Key: "weak"})

	got, err := m.ListMemories(ctx, MemoryQuery{TenantID: "t1", Scope: models.ScopeCardFeedback, MinImportance: 0.5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "top", got[0].Key)
	assert.Equal(t, "mid", got[1].Key)
}
