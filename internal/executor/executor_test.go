package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/mail"
	"cardflow/internal/models"
	"cardflow/internal/research"
	"cardflow/internal/store"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg_123", nil
}

type fakeLLM struct {
	text string
	json string
}

func (f fakeLLM) GenerateText(context.Context, string, string) (string, error) { return f.text, nil }
func (f fakeLLM) GenerateJSON(context.Context, string, string) (string, error) { return f.json, nil }

type fakeSearch struct{ results []research.SearchResult }

func (f fakeSearch) Search(context.Context, string, int) ([]research.SearchResult, error) {
	return f.results, nil
}

func newTestExecutor(t *testing.T, d Deps) (*Executor, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	if d.Store == nil {
		d.Store = mem
	}
	d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	d.Now = func() time.Time { return testNow }
	e := New(mem, d.Logger)
	RegisterDefaults(e, d)
	return e, mem
}

func approvedCard(t *testing.T, mem *store.Memory, c models.Card) models.Card {
	t.Helper()
	if c.TenantID == "" {
		c.TenantID = "t1"
	}
	if c.Title == "" {
		c.Title = "Card " + string(c.Type)
	}
	c.State = models.StateApproved
	out, err := mem.InsertCards(context.Background(), []models.Card{c})
	require.NoError(t, err)
	return out[0]
}

func cardState(t *testing.T, mem *store.Memory, id string) models.Card {
	t.Helper()
	c, err := mem.GetCard(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestExecuteCardSingleClaim(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	card := approvedCard(t, mem, models.Card{Type: models.CardFollowUp, ClientID: "c1", Payload: models.FollowUpPayload{Note: "checked in"}})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ExecuteCard(context.Background(), card.ID)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				successes++
			} else if res.Message == "Card is not approved" {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, conflicts)
	assert.Equal(t, models.StateDone, cardState(t, mem, card.ID).State)
	assert.Len(t, mem.Activities(), 1)
}

// ctxStore refuses writes on a cancelled context, the way a pgx pool does.
type ctxStore struct {
	*store.Memory
}

func (s ctxStore) GetCard(ctx context.Context, id string) (models.Card, error) {
	if err := ctx.Err(); err != nil {
		return models.Card{}, err
	}
	return s.Memory.GetCard(ctx, id)
}

func (s ctxStore) CompleteCard(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.CompleteCard(ctx, id, at)
}

func (s ctxStore) BlockCard(ctx context.Context, id string, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.BlockCard(ctx, id, note)
}

func TestExecuteCardFinishesAfterCallerCancels(t *testing.T) {
	mem := store.NewMemory()
	e := New(ctxStore{mem}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.RegisterHandler(models.CardFollowUp, func(context.Context, models.Card) Result {
		cancel()
		return Result{Success: true, Message: "Follow-up logged"}
	})
	e.RegisterHandler(models.CardCreateTask, func(context.Context, models.Card) Result {
		cancel()
		return failure("Task creation failed", errors.New("crm unavailable"))
	})

	done := approvedCard(t, mem, models.Card{Type: models.CardFollowUp, Payload: models.FollowUpPayload{}})
	res, err := e.ExecuteCard(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.StateDone, cardState(t, mem, done.ID).State)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	blocked := approvedCard(t, mem, models.Card{Type: models.CardCreateTask, Payload: models.TaskPayload{Title: "Call", Description: "Call Ana"}})
	res, err = e.ExecuteCard(ctx, blocked.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.StateBlocked, cardState(t, mem, blocked.ID).State)
}

func TestExecuteCardNotFoundAndNotApproved(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	res, err := e.ExecuteCard(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Card not found", res.Message)

	out, err := mem.InsertCards(context.Background(), []models.Card{{
		TenantID: "t1", Type: models.CardFollowUp, Title: "x", State: models.StateSuggested, Payload: models.FollowUpPayload{},
	}})
	require.NoError(t, err)
	res, err = e.ExecuteCard(context.Background(), out[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Card is not approved", res.Message)
	assert.Contains(t, res.Error, "suggested")
	assert.Equal(t, models.StateSuggested, cardState(t, mem, out[0].ID).State)
}

func TestSendEmailFallsBackToContactAndSimulates(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	contact, err := mem.InsertContact(context.Background(), models.Contact{ClientID: "c1", FirstName: "Ana", LastName: "Ruiz", Email: "ana@acme.test"})
	require.NoError(t, err)
	card := approvedCard(t, mem, models.Card{
		Type: models.CardSendEmail, ClientID: "c1", ContactID: contact.ID,
		Payload: models.EmailPayload{Subject: "Renewal", Body: "Your renewal window opens next month."},
	})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Simulated())
	assert.Equal(t, "ana@acme.test", res.Metadata["to"])
	assert.Equal(t, "Email sent successfully (simulated)", res.Message)
	assert.Equal(t, models.StateDone, cardState(t, mem, card.ID).State)

	acts := mem.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActivityEmail, acts[0].Type)
	assert.Contains(t, acts[0].Description, "(simulated) to ana@acme.test")
}

func TestSendEmailPrefersAddressInCardText(t *testing.T) {
	sender := &fakeSender{}
	e, mem := newTestExecutor(t, Deps{Mail: sender, From: "team@cardflow.test"})
	mem.PutClient(models.Client{ID: "c1", TenantID: "t1", CompanyName: "Acme", Email: "info@acme.test"})
	card := approvedCard(t, mem, models.Card{
		Type: models.CardSendEmail, ClientID: "c1", Rationale: "Ops lead bo@acme.test asked for pricing",
		Payload: models.EmailPayload{Subject: "Pricing", Text: "Attached is our pricing."},
	})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Simulated())
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "bo@acme.test", sender.sent[0].To)
	assert.Equal(t, "team@cardflow.test", sender.sent[0].From)
	assert.Equal(t, "msg_123", res.Metadata["messageId"])
}

func TestSendEmailWithoutRecipientBlocks(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	mem.PutClient(models.Client{ID: "c1", TenantID: "t1", CompanyName: "Acme"})
	card := approvedCard(t, mem, models.Card{
		Type: models.CardSendEmail, ClientID: "c1", Description: "Draft",
		Payload: models.EmailPayload{Subject: "Hello", Body: "A body that is long enough."},
	})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "No recipient email address", res.Message)
	assert.Contains(t, res.Error, "no recipient")

	got := cardState(t, mem, card.ID)
	assert.Equal(t, models.StateBlocked, got.State)
	assert.True(t, strings.HasPrefix(got.Description, "Draft\n\n❌ Execution failed: cannot send email"))
}

func TestSendEmailRefusesUndeliverableContacts(t *testing.T) {
	tests := []struct {
		name     string
		tags     []string
		suppress *models.Suppression
		want     string
	}{
		{"hard bounce", []string{models.TagBouncedHard}, nil, "permanently bounced"},
		{"soft bounce", []string{models.TagBouncedSoft}, nil, "bounced multiple times"},
		{"suppressed", nil, &models.Suppression{Reason: "unsubscribed", BounceType: "hard"}, "suppressed due to: unsubscribed (hard bounce)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			e, mem := newTestExecutor(t, Deps{Mail: sender})
			contact, err := mem.InsertContact(context.Background(), models.Contact{
				ClientID: "c1", FirstName: "Ana", LastName: "Ruiz", Email: "ana@acme.test", Tags: tt.tags,
			})
			require.NoError(t, err)
			if tt.suppress != nil {
				s := *tt.suppress
				s.TenantID, s.ContactID = "t1", contact.ID
				mem.PutSuppression(s)
			}
			card := approvedCard(t, mem, models.Card{
				Type: models.CardSendEmail, ClientID: "c1", ContactID: contact.ID,
				Payload: models.EmailPayload{Subject: "Hi", Body: "Long enough body text."},
			})

			res, err := e.ExecuteCard(context.Background(), card.ID)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.want)
			assert.Empty(t, sender.sent)
			assert.Equal(t, models.StateBlocked, cardState(t, mem, card.ID).State)
		})
	}
}

func TestSendEmailProviderFailureBlocks(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{Mail: &fakeSender{err: errors.New("provider down")}})
	card := approvedCard(t, mem, models.Card{
		Type:    models.CardSendEmail,
		Payload: models.EmailPayload{To: "ana@acme.test", Subject: "Hi", Body: "Long enough body text."},
	})
	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Email send failed", res.Message)
	assert.Contains(t, cardState(t, mem, card.ID).Description, "❌ Execution failed: provider down")
}

func TestNeedsHumanResponseIsNeverDone(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	card := approvedCard(t, mem, models.Card{
		Type: models.CardNeedsHumanResponse, ClientID: "c1", Title: "Legal question",
		Payload: models.HumanResponsePayload{EmailID: "m1"},
	})
	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Human intervention required", res.Error)
	assert.Equal(t, models.StateBlocked, cardState(t, mem, card.ID).State)

	acts := mem.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, "Email requires human response: Legal question", acts[0].Subject)
	assert.Equal(t, models.ActivityPending, acts[0].Status)
}

func TestUnsupportedTypeAndPanicBlock(t *testing.T) {
	mem := store.NewMemory()
	e := New(mem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.RegisterHandler(models.CardCreateTask, func(context.Context, models.Card) Result { panic("boom") })

	unsupported := approvedCard(t, mem, models.Card{Type: models.CardFollowUp, Payload: models.FollowUpPayload{}})
	res, err := e.ExecuteCard(context.Background(), unsupported.ID)
	require.NoError(t, err)
	assert.Equal(t, "card type 'follow_up' is not supported", res.Error)

	panicky := approvedCard(t, mem, models.Card{Type: models.CardCreateTask, Payload: models.TaskPayload{Description: "d"}})
	res, err = e.ExecuteCard(context.Background(), panicky.ID)
	require.NoError(t, err)
	assert.Equal(t, "Execution failed with exception", res.Message)
	assert.Equal(t, models.StateBlocked, cardState(t, mem, panicky.ID).State)
}

func TestExecuteApprovedRunsByPriority(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	low := approvedCard(t, mem, models.Card{Type: models.CardFollowUp, ClientID: "a", Priority: models.PriorityLow, Payload: models.FollowUpPayload{}})
	high := approvedCard(t, mem, models.Card{Type: models.CardFollowUp, ClientID: "b", Priority: models.PriorityHigh, Payload: models.FollowUpPayload{}})
	mid := approvedCard(t, mem, models.Card{Type: models.CardFollowUp, ClientID: "c", Priority: models.PriorityMedium, Payload: models.FollowUpPayload{}})

	results, err := e.ExecuteApproved(context.Background(), "t1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, []string{results[0].CardID, results[1].CardID, results[2].CardID})
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestCRMHandlers(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	ctx := context.Background()
	value := 12000.0

	task := approvedCard(t, mem, models.Card{Type: models.CardCreateTask, ClientID: "c1", Priority: models.PriorityMedium,
		Payload: models.TaskPayload{Description: "Prepare renewal deck", DueDate: "2026-03-09"}})
	deal := approvedCard(t, mem, models.Card{Type: models.CardCreateDeal, ClientID: "c1",
		Payload: models.DealPayload{Title: "Expansion", Value: &value}})
	call := approvedCard(t, mem, models.Card{Type: models.CardScheduleCall, ClientID: "c1", Priority: models.PriorityHigh,
		Rationale: "Quarterly review", Payload: models.CallPayload{Purpose: "Review usage"}})

	for _, id := range []string{task.ID, deal.ID, call.ID} {
		res, err := e.ExecuteCard(ctx, id)
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
	}

	tasks := mem.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "normal", tasks[0].Priority)
	require.NotNil(t, tasks[0].DueDate)
	assert.Equal(t, "2026-03-09", tasks[0].DueDate.Format("2006-01-02"))
	assert.Equal(t, "high", tasks[1].Priority)
	assert.Equal(t, testNow.Add(DefaultCallWindow), *tasks[1].DueDate)
	assert.Contains(t, tasks[1].Description, "Call Purpose: Review usage\nDuration: 30 minutes")

	deals := mem.Deals()
	require.Len(t, deals, 1)
	assert.Equal(t, 50, deals[0].Probability)
	assert.Equal(t, "lead", deals[0].Stage)

	var dealNote models.Activity
	for _, a := range mem.Activities() {
		if a.Subject == "Deal Created: Expansion" {
			dealNote = a
		}
	}
	assert.Equal(t, deals[0].ID, dealNote.Metadata["deal_id"])
}

func TestResearchWithoutProvidersUsesTemplate(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{})
	mem.PutClient(models.Client{ID: "c1", TenantID: "t1", CompanyName: "Acme", IsActive: true})
	card := approvedCard(t, mem, models.Card{Type: models.CardResearch, ClientID: "c1", Payload: models.ResearchPayload{}})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Research completed and indexed", res.Message)

	acts := mem.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, "Research Complete: Acme", acts[0].Subject)
	assert.Len(t, mem.Documents(), 1)

	mems, err := mem.ListMemories(context.Background(), store.MemoryQuery{TenantID: "t1", Scope: models.ScopeClientContext})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, 0.8, mems[0].Importance)
	assert.Nil(t, mems[0].ExpiresAt)

	followUps, err := mem.ListCards(context.Background(), store.CardQuery{TenantID: "t1", States: []models.CardState{models.StateSuggested}})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, models.CardCreateTask, followUps[0].Type)
	assert.Equal(t, 1, res.Metadata["followUpCards"])
}

func TestResearchPersistsReachableContacts(t *testing.T) {
	llmClient := fakeLLM{
		json: `[{"first_name":"Ana","last_name":"Ruiz","title":"CFO","email":"ana@acme.test"},
			{"first_name":"Bo","last_name":"Lee","title":"CTO"}]`,
		text: "## Overview\nAcme makes widgets.\n\n## Key Insights\n- Growing fast\n\n## Recommended Follow-ups\n- Schedule a call with Ana\n- Send a proposal for the expansion deal\n",
	}
	e, mem := newTestExecutor(t, Deps{
		LLM:    llmClient,
		Search: fakeSearch{results: []research.SearchResult{{Title: "Acme team", URL: "https://acme.test/team", Content: "Ana Ruiz, CFO"}}},
	})
	mem.PutClient(models.Client{ID: "c1", TenantID: "t1", CompanyName: "Acme", Website: "https://acme.test"})
	card := approvedCard(t, mem, models.Card{Type: models.CardResearch, ClientID: "c1", Payload: models.ResearchPayload{}})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Metadata["contactsAdded"])

	contacts, err := mem.ListContacts(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "ana@acme.test", contacts[0].Email)
	assert.Equal(t, "research", contacts[0].Source)

	followUps, err := mem.ListCards(context.Background(), store.CardQuery{TenantID: "t1", States: []models.CardState{models.StateSuggested}})
	require.NoError(t, err)
	types := map[models.CardType]bool{}
	for _, c := range followUps {
		types[c.Type] = true
	}
	assert.True(t, types[models.CardScheduleCall])
	assert.True(t, types[models.CardCreateDeal])
}

func TestReplyToEmailThreadsReply(t *testing.T) {
	sender := &fakeSender{}
	e, mem := newTestExecutor(t, Deps{Mail: sender, LLM: fakeLLM{text: "Thanks Ana, Tuesday works."}})
	mem.PutInboundEmail(models.InboundEmail{
		MessageID: "<m1@acme.test>", TenantID: "t1", FromEmail: "ana@acme.test", FromName: "Ana",
		Subject: "Meeting next week?", BodyText: "Can we meet Tuesday?",
	})
	card := approvedCard(t, mem, models.Card{Type: models.CardReplyToEmail, Payload: models.ReplyPayload{EmailID: "<m1@acme.test>"}})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Email reply sent to ana@acme.test", res.Message)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Re: Meeting next week?", sender.sent[0].Subject)
	assert.Equal(t, "<m1@acme.test>", sender.sent[0].InReplyTo)
	assert.Equal(t, "Thanks Ana, Tuesday works.", sender.sent[0].Text)
}

func TestReplyToEmailRefusesUndeliverableSender(t *testing.T) {
	sender := &fakeSender{}
	e, mem := newTestExecutor(t, Deps{Mail: sender, LLM: fakeLLM{text: "Thanks Ana."}})
	_, err := mem.InsertContact(context.Background(), models.Contact{
		ClientID: "c1", FirstName: "Ana", LastName: "Ruiz", Email: "Ana@Acme.test", Tags: []string{models.TagBouncedHard},
	})
	require.NoError(t, err)
	mem.PutInboundEmail(models.InboundEmail{
		MessageID: "<m2@acme.test>", TenantID: "t1", FromEmail: "ana@acme.test", Subject: "Question",
	})
	card := approvedCard(t, mem, models.Card{Type: models.CardReplyToEmail, ClientID: "c1",
		Payload: models.ReplyPayload{EmailID: "<m2@acme.test>"}})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "permanently bounced")
	assert.Empty(t, sender.sent)
	assert.Equal(t, models.StateBlocked, cardState(t, mem, card.ID).State)
}

func TestReplyToMissingEmailBlocks(t *testing.T) {
	e, mem := newTestExecutor(t, Deps{LLM: fakeLLM{text: "hi"}})
	card := approvedCard(t, mem, models.Card{Type: models.CardReplyToEmail, Payload: models.ReplyPayload{EmailID: "nope"}})
	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Inbound message not found", res.Message)
	assert.Equal(t, models.StateBlocked, cardState(t, mem, card.ID).State)
}

func TestPortalCheckLogsActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, mem := newTestExecutor(t, Deps{HTTP: srv.Client()})
	card := approvedCard(t, mem, models.Card{Type: models.CardResearch, ClientID: "c1",
		Payload: models.ResearchPayload{Kind: models.ResearchKindPortalCheck, PortalURL: srv.URL}})

	res, err := e.ExecuteCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Metadata["reachable"])

	acts := mem.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, "reachable", acts[0].Outcome)
}
