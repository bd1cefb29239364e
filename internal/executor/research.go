package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cardflow/internal/archive"
	"cardflow/internal/cards"
	"cardflow/internal/models"
	"cardflow/internal/research"
	"cardflow/internal/store"
)

const (
	researchResults  = 5
	researchPages    = 2
	researchActivity = 10
	researchMemory   = 0.8
)

func (h *handlers) research(ctx context.Context, card models.Card) Result {
	p, ok := payloadAs[models.ResearchPayload](card)
	if !ok {
		return failure("Invalid research payload", fmt.Errorf("payload has shape %T", card.Payload))
	}
	if p.Kind == models.ResearchKindPortalCheck {
		return h.portalCheck(ctx, card, p)
	}

	clientID := firstNonEmpty(card.ClientID, p.CompanyID)
	client, err := h.Store.GetClient(ctx, clientID)
	if err != nil {
		return failure("Research target not found", err)
	}
	log := h.Logger.With("card_id", card.ID, "client_id", client.ID)

	intel := h.gatherIntel(ctx, client)

	var results []research.SearchResult
	if h.Search != nil {
		query := fmt.Sprintf("%s company information business", client.CompanyName)
		if p.Focus != "" {
			query += " " + p.Focus
		}
		if results, err = h.Search.Search(ctx, query, researchResults); err != nil {
			log.Warn("web search failed", "err", err)
		}
	}

	added := h.discoverContacts(ctx, client, intel.Contacts, results)

	summary, err := research.Summarize(ctx, h.LLM, intel, results)
	if err != nil {
		log.Info("using template research summary", "err", err)
		summary = research.TemplateSummary(intel, results)
	}
	insights := research.ExtractInsights(summary)

	err = h.logActivity(ctx, card, models.Activity{
		ClientID:    client.ID,
		Type:        models.ActivityNote,
		Subject:     "Research Complete: " + client.CompanyName,
		Description: summary,
		Status:      models.ActivityCompleted,
		Metadata:    map[string]any{"sources": len(results), "contacts_added": len(added)},
	}, true)
	if err != nil {
		return failure("Research could not be recorded", err)
	}

	now := h.Now()
	if _, err := h.Store.IndexDocument(ctx, models.Document{
		TenantID:   card.TenantID,
		SourceType: "note",
		SourceID:   card.ID,
		Title:      "Research: " + client.CompanyName,
		Content:    summary,
		Metadata:   map[string]any{"client_id": client.ID, "company_name": client.CompanyName},
	}); err != nil {
		log.Warn("research indexing failed", "err", err)
	}

	meta := map[string]any{"contactsAdded": len(added), "sources": len(results)}
	if h.Archive != nil {
		loc, err := archive.SaveReport(ctx, h.Archive, card.TenantID, client.ID, now, summary)
		if err != nil {
			log.Warn("research archive failed", "err", err)
		} else {
			meta["report"] = loc
		}
	}

	if _, err := h.Store.InsertMemory(ctx, models.Memory{
		TenantID:   card.TenantID,
		Scope:      models.ScopeClientContext,
		Key:        fmt.Sprintf("research_%s_%d", client.ID, now.UnixMilli()),
		Importance: researchMemory,
		Content: map[string]any{
			"client_id":     client.ID,
			"client_name":   client.CompanyName,
			"key_points":    insights.KeyPoints,
			"opportunities": insights.Opportunities,
			"risks":         insights.Risks,
			"pipeline":      intel.Stats.PipelineValue,
			"researched_at": now.Format("2006-01-02"),
		},
	}); err != nil {
		log.Warn("research memory write failed", "err", err)
	}

	meta["followUpCards"] = h.fanOut(ctx, card, client, insights.FollowUps)
	return Result{Success: true, Message: "Research completed and indexed", Metadata: meta}
}

// gatherIntel reads what the CRM already knows. Each source is optional.
func (h *handlers) gatherIntel(ctx context.Context, client models.Client) research.Intel {
	intel := research.Intel{Client: client}
	var err error
	if intel.Stats, err = h.Store.ClientStats(ctx, client.ID); err != nil {
		h.Logger.Warn("client stats failed", "client_id", client.ID, "err", err)
	}
	if intel.Contacts, err = h.Store.ListContacts(ctx, client.ID); err != nil {
		h.Logger.Warn("contact list failed", "client_id", client.ID, "err", err)
	}
	if intel.Activities, err = h.Store.ListClientActivities(ctx, client.ID, researchActivity); err != nil {
		h.Logger.Warn("activity list failed", "client_id", client.ID, "err", err)
	}
	return intel
}

// discoverContacts extracts people from the research, fills gaps from the enrichment
// provider, and saves every new person with an email or phone.
func (h *handlers) discoverContacts(ctx context.Context, client models.Client, existing []models.Contact, results []research.SearchResult) []models.Contact {
	if h.LLM == nil || len(results) == 0 {
		return nil
	}
	var pages []research.Page
	if h.Pages != nil {
		for i := 0; i < len(results) && len(pages) < researchPages; i++ {
			page, err := h.Pages.Read(ctx, results[i].URL)
			if err != nil {
				h.Logger.Debug("page read failed", "url", results[i].URL, "err", err)
				continue
			}
			pages = append(pages, page)
		}
	}
	found, err := research.ExtractContacts(ctx, h.LLM, client.CompanyName, results, pages)
	if err != nil {
		h.Logger.Warn("contact extraction failed", "client_id", client.ID, "err", err)
		return nil
	}
	found = research.DedupeCandidates(research.ValidateCandidates(found), existing)

	domain := research.DomainOf(client.Website)
	var added []models.Contact
	for _, c := range found {
		if h.Enricher != nil && domain != "" && c.Email == "" {
			if e, err := h.Enricher.FindEmail(ctx, domain, c.FirstName, c.LastName); err == nil {
				c.Email = e.Email
				c.Phone = firstNonEmpty(c.Phone, e.Phone)
				c.Title = firstNonEmpty(c.Title, e.Position)
			} else {
				h.Logger.Debug("enrichment failed", "name", c.FirstName+" "+c.LastName, "err", err)
			}
		}
		if !c.Reachable() {
			continue
		}
		saved, err := h.Store.InsertContact(ctx, models.Contact{
			ClientID:  client.ID,
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Email:     c.Email,
			Phone:     c.Phone,
			Title:     c.Title,
			Source:    "research",
		})
		if err != nil {
			h.Logger.Warn("contact save failed", "client_id", client.ID, "err", err)
			continue
		}
		added = append(added, saved)
	}
	return added
}

// followUpType maps a recommended follow-up to the card type that carries it out.
func followUpType(text string) models.CardType {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "call") || strings.Contains(t, "meeting"):
		return models.CardScheduleCall
	case strings.Contains(t, "deal") || strings.Contains(t, "proposal"):
		return models.CardCreateDeal
	case strings.Contains(t, "email") || strings.Contains(t, "reach out"):
		return models.CardFollowUp
	default:
		return models.CardCreateTask
	}
}

// fanOut turns recommended follow-ups into suggested cards, skipping any that would
// duplicate a pending card for the client.
func (h *handlers) fanOut(ctx context.Context, card models.Card, client models.Client, followUps []string) int {
	if len(followUps) == 0 {
		return 0
	}
	if len(followUps) > h.MaxFollowUps {
		followUps = followUps[:h.MaxFollowUps]
	}
	rationale := "Recommended by research on " + client.CompanyName
	candidates := make([]models.Card, 0, len(followUps))
	for _, f := range followUps {
		t := followUpType(f)
		var payload models.ActionPayload
		switch t {
		case models.CardScheduleCall:
			payload = models.CallPayload{Purpose: f}
		case models.CardCreateDeal:
			payload = models.DealPayload{Title: f, ClientID: client.ID, Stage: "lead"}
		case models.CardFollowUp:
			payload = models.FollowUpPayload{Note: f}
		default:
			payload = models.TaskPayload{Title: f, Description: f}
		}
		candidates = append(candidates, models.Card{
			TenantID:  card.TenantID,
			RunID:     card.RunID,
			ClientID:  client.ID,
			Type:      t,
			Title:     f,
			Rationale: rationale,
			Priority:  models.PriorityMedium,
			State:     models.StateSuggested,
			Payload:   payload,
		})
	}
	pending, err := h.Store.ListCards(ctx, store.CardQuery{TenantID: card.TenantID, States: models.PendingStates})
	if err != nil {
		h.Logger.Warn("follow-up dedup lookup failed", "card_id", card.ID, "err", err)
		return 0
	}
	kept, _ := cards.Dedupe(candidates, pending)
	if len(kept) == 0 {
		return 0
	}
	created, err := h.Store.InsertCards(ctx, kept)
	if err != nil {
		h.Logger.Warn("follow-up cards failed", "card_id", card.ID, "err", err)
		return 0
	}
	return len(created)
}

func (h *handlers) portalCheck(ctx context.Context, card models.Card, p models.ResearchPayload) Result {
	status, err := research.CheckPortal(ctx, h.HTTP, p.PortalURL)
	outcome := "reachable"
	desc := fmt.Sprintf("Portal %s answered %d in %s", p.PortalURL, status.StatusCode, status.Latency.Round(time.Millisecond))
	switch {
	case err != nil:
		outcome = "unreachable"
		desc = err.Error()
	case !status.Reachable:
		outcome = "unreachable"
	}
	if logErr := h.logActivity(ctx, card, models.Activity{
		Type:        models.ActivityNote,
		Subject:     "Portal Check: " + p.PortalURL,
		Description: desc,
		Status:      models.ActivityCompleted,
		Outcome:     outcome,
		Metadata:    map[string]any{"url": p.PortalURL, "status_code": status.StatusCode},
	}, true); logErr != nil {
		return failure("Portal check could not be recorded", logErr)
	}
	return Result{
		Success:  true,
		Message:  "Portal check logged",
		Metadata: map[string]any{"url": p.PortalURL, "reachable": status.Reachable, "statusCode": status.StatusCode},
	}
}
