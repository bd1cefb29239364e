package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cardflow/internal/mail"
	"cardflow/internal/models"
)

var inlineEmail = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// resolveRecipient picks the address to mail: the payload, then an address written in the
// card text, then the contact, then the client.
func (h *handlers) resolveRecipient(ctx context.Context, card models.Card, p models.EmailPayload) (string, *models.Contact) {
	var contact *models.Contact
	if card.ContactID != "" {
		if c, err := h.Store.GetContact(ctx, card.ContactID); err == nil {
			contact = &c
		} else {
			h.Logger.Debug("contact lookup failed", "card_id", card.ID, "contact_id", card.ContactID, "err", err)
		}
	}
	if p.To != "" {
		return p.To, contact
	}
	if m := inlineEmail.FindString(card.Rationale + " " + card.Description); m != "" {
		return m, contact
	}
	if contact != nil && contact.Email != "" {
		return contact.Email, contact
	}
	if card.ClientID != "" {
		if c, err := h.Store.GetClient(ctx, card.ClientID); err == nil && c.Email != "" {
			return c.Email, contact
		}
	}
	return "", contact
}

// checkDeliverable refuses contacts that bounced or were suppressed.
func (h *handlers) checkDeliverable(ctx context.Context, card models.Card, contact *models.Contact) error {
	if contact == nil {
		return nil
	}
	name := contact.FullName()
	switch {
	case contact.HasTag(models.TagBouncedHard):
		return fmt.Errorf("cannot send email to %s: email address has permanently bounced", name)
	case contact.HasTag(models.TagBouncedSoft):
		return fmt.Errorf("cannot send email to %s: email address has bounced multiple times", name)
	}
	sup, found, err := h.Store.GetSuppression(ctx, card.TenantID, contact.ID)
	if err != nil {
		return fmt.Errorf("check suppression: %w", err)
	}
	if found {
		reason := sup.Reason
		if sup.BounceType != "" {
			reason += fmt.Sprintf(" (%s bounce)", sup.BounceType)
		}
		return fmt.Errorf("contact is suppressed due to: %s", reason)
	}
	return nil
}

func (h *handlers) sendEmail(ctx context.Context, card models.Card) Result {
	p, ok := payloadAs[models.EmailPayload](card)
	if !ok {
		return failure("Invalid email payload", fmt.Errorf("payload has shape %T", card.Payload))
	}
	to, contact := h.resolveRecipient(ctx, card, p)
	if to == "" {
		return failure("No recipient email address", fmt.Errorf(
			"cannot send email: %w address found in payload, card text, contact %q or client %q",
			mail.ErrNoRecipient, card.ContactID, card.ClientID))
	}
	html := firstNonEmpty(p.Body, p.HTML)
	if html == "" && p.Text == "" {
		return failure("Email has no content", errors.New("cannot send email: missing both html and text content"))
	}
	if err := h.checkDeliverable(ctx, card, contact); err != nil {
		return failure("Recipient is not deliverable", err)
	}
	msg := mail.Message{
		From:    h.From,
		To:      to,
		Subject: firstNonEmpty(p.Subject, card.Title, "No Subject"),
		HTML:    html,
		Text:    p.Text,
		ReplyTo: p.ReplyTo,
	}
	return h.deliver(ctx, card, msg, "Email sent")
}

// deliver sends msg, or simulates it without a mail provider, and records the send on
// the client timeline.
func (h *handlers) deliver(ctx context.Context, card models.Card, msg mail.Message, verb string) Result {
	if h.Mail == nil {
		id := fmt.Sprintf("sim_%d", h.Now().UnixMilli())
		_ = h.logActivity(ctx, card, models.Activity{
			Type:        models.ActivityEmail,
			Subject:     msg.Subject,
			Description: fmt.Sprintf("%s (simulated) to %s via agent: %s", verb, msg.To, card.Title),
			Status:      models.ActivityCompleted,
			Outcome:     "sent",
			Metadata:    map[string]any{"message_id": id, "simulated": true},
		}, false)
		return Result{
			Success:  true,
			Message:  verb + " successfully (simulated)",
			Metadata: map[string]any{"messageId": id, "to": msg.To, "simulated": true},
		}
	}

	id, err := h.Mail.Send(ctx, msg)
	if err != nil {
		return failure("Email send failed", err)
	}
	_ = h.logActivity(ctx, card, models.Activity{
		Type:        models.ActivityEmail,
		Subject:     msg.Subject,
		Description: fmt.Sprintf("%s to %s via agent: %s (ID: %s)", verb, msg.To, card.Title, id),
		Status:      models.ActivityCompleted,
		Outcome:     "sent",
		Metadata:    map[string]any{"message_id": id, "simulated": false},
	}, false)
	return Result{
		Success:  true,
		Message:  verb + " successfully",
		Metadata: map[string]any{"messageId": id, "to": msg.To, "simulated": false},
	}
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
