package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrUnknownCardType is returned when a payload is decoded for a type outside the closed set.
var ErrUnknownCardType = errors.New("unknown card type")

// ActionPayload is the type-specific body of a card. Each card type has exactly one
// concrete payload struct; Kind reports which.
type ActionPayload interface {
	Kind() CardType
}

// EmailPayload drives send_email cards.
type EmailPayload struct {
	To      string `json:"to,omitempty" validate:"omitempty,email"`
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body,omitempty" validate:"required_without_all=HTML Text"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	ReplyTo string `json:"replyTo,omitempty" validate:"omitempty,email"`
}

// TaskPayload drives create_task cards.
type TaskPayload struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description" validate:"required"`
	DueDate     string `json:"dueDate,omitempty"`
}

// FollowUpPayload drives follow_up cards.
type FollowUpPayload struct {
	Note string `json:"note,omitempty"`
}

// DealPayload drives create_deal cards.
type DealPayload struct {
	Title       string   `json:"title" validate:"required"`
	Value       *float64 `json:"value,omitempty" validate:"omitempty,gte=0"`
	Stage       string   `json:"stage,omitempty" validate:"omitempty,oneof=lead qualified proposal negotiation"`
	Description string   `json:"description,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
}

// CallPayload drives schedule_call cards.
type CallPayload struct {
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty" validate:"omitempty,min=5,max=480"`
	Purpose         string     `json:"purpose,omitempty"`
}

// ResearchKindPortalCheck marks research cards that only verify a portal is reachable.
const ResearchKindPortalCheck = "portal_check"

// ResearchPayload drives research cards.
type ResearchPayload struct {
	Kind      string `json:"kind,omitempty" validate:"omitempty,oneof=portal_check"`
	PortalURL string `json:"portalUrl,omitempty" validate:"omitempty,url"`
	CompanyID string `json:"companyId,omitempty"`
	Focus     string `json:"focus,omitempty"`
}

// ReplyPayload drives reply_to_email cards.
type ReplyPayload struct {
	EmailID        string `json:"emailId" validate:"required"`
	Classification string `json:"classification,omitempty"`
	Category       string `json:"category,omitempty"`
	CampaignID     string `json:"campaignId,omitempty"`
}

// HumanResponsePayload marks inbound messages that need a person.
type HumanResponsePayload struct {
	EmailID  string `json:"emailId,omitempty"`
	Category string `json:"category,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

func (EmailPayload) Kind() CardType         { return CardSendEmail }
func (TaskPayload) Kind() CardType          { return CardCreateTask }
func (FollowUpPayload) Kind() CardType      { return CardFollowUp }
func (DealPayload) Kind() CardType          { return CardCreateDeal }
func (CallPayload) Kind() CardType          { return CardScheduleCall }
func (ResearchPayload) Kind() CardType      { return CardResearch }
func (ReplyPayload) Kind() CardType         { return CardReplyToEmail }
func (HumanResponsePayload) Kind() CardType { return CardNeedsHumanResponse }

// EmptyPayload returns the zero payload for t.
func EmptyPayload(t CardType) (ActionPayload, error) {
	switch t {
	case CardSendEmail:
		return EmailPayload{}, nil
	case CardCreateTask:
		return TaskPayload{}, nil
	case CardFollowUp:
		return FollowUpPayload{}, nil
	case CardCreateDeal:
		return DealPayload{}, nil
	case CardScheduleCall:
		return CallPayload{}, nil
	case CardResearch:
		return ResearchPayload{}, nil
	case CardReplyToEmail:
		return ReplyPayload{}, nil
	case CardNeedsHumanResponse:
		return HumanResponsePayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCardType, t)
}

// DecodePayload parses raw JSON into the payload struct for t. It does not validate.
func DecodePayload(t CardType, raw []byte) (ActionPayload, error) {
	if _, err := EmptyPayload(t); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	switch t {
	case CardSendEmail:
		return decodeInto[EmailPayload](raw)
	case CardCreateTask:
		return decodeInto[TaskPayload](raw)
	case CardFollowUp:
		return decodeInto[FollowUpPayload](raw)
	case CardCreateDeal:
		return decodeInto[DealPayload](raw)
	case CardScheduleCall:
		return decodeInto[CallPayload](raw)
	case CardResearch:
		return decodeInto[ResearchPayload](raw)
	case CardReplyToEmail:
		return decodeInto[ReplyPayload](raw)
	default:
		return decodeInto[HumanResponsePayload](raw)
	}
}

func decodeInto[T ActionPayload](raw []byte) (ActionPayload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.Kind(), err)
	}
	return p, nil
}

// FieldError is a single payload validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PayloadError reports every field of a payload that failed validation.
type PayloadError struct {
	Type   CardType
	Errors []FieldError
}

func (e *PayloadError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Type, strings.Join(parts, "; "))
}

var payloadValidator = validator.New()

// ValidatePayload checks that p is the payload shape for t and satisfies its field rules.
func ValidatePayload(t CardType, p ActionPayload) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCardType, t)
	}
	if p == nil {
		return &PayloadError{Type: t, Errors: []FieldError{{Field: "action_payload", Message: "is required"}}}
	}
	if p.Kind() != t {
		return &PayloadError{Type: t, Errors: []FieldError{{Field: "action_payload", Message: fmt.Sprintf("has shape %s", p.Kind())}}}
	}

	var out []FieldError
	if err := payloadValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate %s payload: %w", t, err)
		}
		for _, fe := range verrs {
			out = append(out, FieldError{Field: fe.Field(), Message: describeTag(fe)})
		}
	}
	if rp, ok := p.(ResearchPayload); ok && rp.Kind == ResearchKindPortalCheck && rp.PortalURL == "" {
		out = append(out, FieldError{Field: "PortalURL", Message: "is required for portal checks"})
	}
	if len(out) > 0 {
		return &PayloadError{Type: t, Errors: out}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without_all":
		return "one of body, html or text is required"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
}

// UnmarshalJSON decodes the action payload according to the card type.
func (c *Card) UnmarshalJSON(data []byte) error {
	type cardAlias Card
	aux := struct {
		*cardAlias
		Payload json.RawMessage `json:"action_payload"`
	}{cardAlias: (*cardAlias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(c.Type, aux.Payload)
	if err != nil {
		return err
	}
	c.Payload = p
	return nil
}
