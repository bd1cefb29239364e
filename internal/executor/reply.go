package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cardflow/internal/llm"
	"cardflow/internal/mail"
	"cardflow/internal/models"
)

const replySystem = `You write short, friendly replies to inbound sales emails on behalf of an account manager. ` +
	`Answer with the reply body only, no subject line and no signature placeholder.`

func (h *handlers) replyToEmail(ctx context.Context, card models.Card) Result {
	p, ok := payloadAs[models.ReplyPayload](card)
	if !ok {
		return failure("Invalid reply payload", fmt.Errorf("payload has shape %T", card.Payload))
	}
	inbound, err := h.Store.GetInboundEmail(ctx, card.TenantID, p.EmailID)
	if err != nil {
		return failure("Inbound message not found", err)
	}

	if err := h.checkDeliverable(ctx, card, h.senderContact(ctx, card, inbound)); err != nil {
		return failure("Recipient is not deliverable", err)
	}

	var campaign *models.Campaign
	if id := firstNonEmpty(p.CampaignID, inbound.CampaignID); id != "" {
		if c, err := h.Store.GetCampaign(ctx, id); err == nil {
			campaign = &c
		} else {
			h.Logger.Debug("campaign lookup failed", "card_id", card.ID, "campaign_id", id, "err", err)
		}
	}

	if h.LLM == nil {
		return failure("Reply generation unavailable", fmt.Errorf("generate reply: %w", llm.ErrAPIKeyRequired))
	}
	body, err := h.LLM.GenerateText(ctx, replySystem, replyPrompt(card, p, inbound, campaign))
	if err != nil {
		return failure("Reply generation failed", err)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return failure("Reply generation failed", errors.New("model returned an empty reply"))
	}

	msg := mail.Message{
		From:      h.From,
		To:        inbound.FromEmail,
		Subject:   replySubject(inbound.Subject),
		Text:      body,
		InReplyTo: inbound.MessageID,
	}
	if inbound.ThreadID != "" && inbound.ThreadID != inbound.MessageID {
		msg.References = []string{inbound.ThreadID, inbound.MessageID}
	}
	res := h.deliver(ctx, card, msg, "Email reply sent")
	if res.Success {
		res.Message = "Email reply sent to " + inbound.FromEmail
		res.Metadata["inReplyTo"] = inbound.MessageID
	}
	return res
}

// senderContact finds the contact who wrote the inbound message: the card's contact, or
// the client's contact with the sender's address.
func (h *handlers) senderContact(ctx context.Context, card models.Card, in models.InboundEmail) *models.Contact {
	if card.ContactID != "" {
		if c, err := h.Store.GetContact(ctx, card.ContactID); err == nil {
			return &c
		}
	}
	if card.ClientID == "" || in.FromEmail == "" {
		return nil
	}
	contacts, err := h.Store.ListContacts(ctx, card.ClientID)
	if err != nil {
		h.Logger.Debug("sender contact lookup failed", "card_id", card.ID, "client_id", card.ClientID, "err", err)
		return nil
	}
	for i := range contacts {
		if strings.EqualFold(contacts[i].Email, in.FromEmail) {
			return &contacts[i]
		}
	}
	return nil
}

func replyPrompt(card models.Card, p models.ReplyPayload, in models.InboundEmail, campaign *models.Campaign) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\nSubject: %s\n\n%s\n\n", in.FromName, in.FromEmail, in.Subject, in.BodyText)
	if p.Classification != "" || p.Category != "" {
		fmt.Fprintf(&b, "Classification: %s %s\n", p.Classification, p.Category)
	}
	if campaign != nil {
		fmt.Fprintf(&b, "This is a reply to our campaign %q.\nOriginal subject: %s\nOriginal body:\n%s\n\n", campaign.Name, campaign.Subject, campaign.Body)
	}
	if card.Rationale != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", card.Rationale)
	}
	b.WriteString("Write the reply.")
	return b.String()
}
