package executor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"cardflow/internal/archive"
	"cardflow/internal/llm"
	"cardflow/internal/mail"
	"cardflow/internal/models"
	"cardflow/internal/research"
	"cardflow/internal/store"
)

// CRM is the CRM persistence the card handlers write to.
type CRM interface {
	GetClient(ctx context.Context, id string) (models.Client, error)
	GetContact(ctx context.Context, id string) (models.Contact, error)
	ListContacts(ctx context.Context, clientID string) ([]models.Contact, error)
	InsertContact(ctx context.Context, c models.Contact) (models.Contact, error)
	ListClientActivities(ctx context.Context, clientID string, limit int) ([]models.Activity, error)
	InsertActivity(ctx context.Context, a models.Activity) (models.Activity, error)
	InsertTask(ctx context.Context, t models.Task) (models.Task, error)
	InsertDeal(ctx context.Context, d models.Deal) (models.Deal, error)
	GetSuppression(ctx context.Context, tenantID, contactID string) (models.Suppression, bool, error)
	GetInboundEmail(ctx context.Context, tenantID, messageID string) (models.InboundEmail, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	IndexDocument(ctx context.Context, d models.Document) (models.Document, error)
	ClientStats(ctx context.Context, clientID string) (models.ClientStats, error)
	InsertMemory(ctx context.Context, m models.Memory) (models.Memory, error)
	ListCards(ctx context.Context, q store.CardQuery) ([]models.Card, error)
	InsertCards(ctx context.Context, cards []models.Card) ([]models.Card, error)
}

// Deps are the collaborators of the built-in handlers. Nil providers degrade: a nil Mail
// simulates sends, a nil LLM falls back to templates, nil research providers are skipped.
type Deps struct {
	Store    CRM
	Mail     mail.Sender
	From     string
	LLM      llm.Client
	Search   research.Searcher
	Pages    *research.PageReader
	Enricher research.Enricher
	Archive  archive.Uploader
	HTTP     *http.Client
	Logger   *slog.Logger

	// CallWindow is how far ahead a call is scheduled when the card names no time.
	CallWindow time.Duration
	// DealProbability is the win probability given to new deals.
	DealProbability int
	// MaxFollowUps caps the cards a research brief fans out into.
	MaxFollowUps int

	Now func() time.Time
}

// Defaults for Deps fields left zero.
const (
	DefaultCallWindow      = 48 * time.Hour
	DefaultDealProbability = 50
	DefaultMaxFollowUps    = 3
	DefaultCallMinutes     = 30
)

type handlers struct {
	Deps
}

// RegisterDefaults installs a handler for every card type.
func RegisterDefaults(e *Executor, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.CallWindow <= 0 {
		d.CallWindow = DefaultCallWindow
	}
	if d.DealProbability <= 0 {
		d.DealProbability = DefaultDealProbability
	}
	if d.MaxFollowUps <= 0 {
		d.MaxFollowUps = DefaultMaxFollowUps
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &handlers{Deps: d}
	e.RegisterHandler(models.CardSendEmail, h.sendEmail)
	e.RegisterHandler(models.CardCreateTask, h.createTask)
	e.RegisterHandler(models.CardFollowUp, h.followUp)
	e.RegisterHandler(models.CardCreateDeal, h.createDeal)
	e.RegisterHandler(models.CardScheduleCall, h.scheduleCall)
	e.RegisterHandler(models.CardResearch, h.research)
	e.RegisterHandler(models.CardReplyToEmail, h.replyToEmail)
	e.RegisterHandler(models.CardNeedsHumanResponse, h.needsHuman)
}

// logActivity writes a timeline entry for the card. Timeline failures are logged and do
// not fail the card unless required is set.
func (h *handlers) logActivity(ctx context.Context, card models.Card, a models.Activity, required bool) error {
	a.TenantID = card.TenantID
	if a.ClientID == "" {
		a.ClientID = card.ClientID
	}
	if a.ContactID == "" {
		a.ContactID = card.ContactID
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.Metadata["card_id"] = card.ID
	if a.Status == models.ActivityCompleted && a.CompletedAt == nil {
		now := h.Now()
		a.CompletedAt = &now
	}
	if _, err := h.Store.InsertActivity(ctx, a); err != nil {
		if required {
			return err
		}
		h.Logger.Warn("activity write failed", "card_id", card.ID, "type", a.Type, "err", err)
	}
	return nil
}

func payloadAs[T models.ActionPayload](card models.Card) (T, bool) {
	p, ok := card.Payload.(T)
	return p, ok
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
