// Package executor runs approved cards against the CRM and outbound providers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"cardflow/internal/models"
	"cardflow/internal/store"
	"cardflow/internal/telemetry"
)

// BlockedNotePrefix precedes the failure reason appended to a blocked card's description.
const BlockedNotePrefix = "\n\n❌ Execution failed: "

// DefaultExecuteDelay spaces consecutive executions in ExecuteApproved.
const DefaultExecuteDelay = time.Second

// Result is the outcome of executing one card.
type Result struct {
	Success  bool            `json:"success"`
	CardID   string          `json:"cardId"`
	Type     models.CardType `json:"type,omitempty"`
	Message  string          `json:"message"`
	Error    string          `json:"error,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Sent reports whether the result is an email that actually left through the provider.
func (r Result) Sent() bool {
	return r.Success && r.Type == models.CardSendEmail && !r.Simulated()
}

// Simulated reports whether a successful email card only pretended to send.
func (r Result) Simulated() bool {
	v, _ := r.Metadata["simulated"].(bool)
	return v
}

func failure(message string, err error) Result {
	r := Result{Message: message}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Handler performs the side effects of one card type. The card has already been claimed.
type Handler func(ctx context.Context, card models.Card) Result

// CardStore is the card persistence the executor needs.
type CardStore interface {
	GetCard(ctx context.Context, id string) (models.Card, error)
	ListCards(ctx context.Context, q store.CardQuery) ([]models.Card, error)
	ClaimCard(ctx context.Context, id string) (bool, error)
	CompleteCard(ctx context.Context, id string, at time.Time) error
	BlockCard(ctx context.Context, id string, note string) error
}

// Executor claims approved cards and dispatches them to per-type handlers.
type Executor struct {
	store    CardStore
	handlers map[models.CardType]Handler
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds an executor with no handlers registered.
func New(s CardStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    s,
		handlers: make(map[models.CardType]Handler),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// RegisterHandler binds a handler to a card type.
func (e *Executor) RegisterHandler(t models.CardType, h Handler) {
	if t == "" || h == nil {
		return
	}
	e.handlers[t] = h
}

// ExecuteCard runs one approved card. Only the caller whose claim moves the card from
// approved to executing runs the handler; everyone else gets a failed result and the card
// is left untouched. The returned error is reserved for persistence failures.
func (e *Executor) ExecuteCard(ctx context.Context, id string) (Result, error) {
	claimed, err := e.store.ClaimCard(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		telemetry.ClaimConflicts.Inc()
		card, err := e.store.GetCard(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return Result{CardID: id, Message: "Card not found", Error: "card does not exist"}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{
			CardID:  id,
			Message: "Card is not approved",
			Error:   fmt.Sprintf("card is in state %s", card.State),
		}, nil
	}

	// Once claimed the card must reach done or blocked even if the caller goes away.
	finalCtx := context.WithoutCancel(ctx)
	card, err := e.store.GetCard(finalCtx, id)
	if err != nil {
		if berr := e.store.BlockCard(finalCtx, id, BlockedNotePrefix+"card could not be loaded after claim"); berr != nil {
			e.logger.Error("block unreadable card", "card_id", id, "err", berr)
		}
		return Result{}, err
	}
	res := e.dispatch(ctx, card)
	res.CardID = card.ID
	res.Type = card.Type

	outcome := "done"
	if res.Success {
		if err := e.store.CompleteCard(finalCtx, card.ID, e.now()); err != nil {
			return res, err
		}
	} else {
		outcome = "blocked"
		reason := res.Error
		if reason == "" {
			reason = res.Message
		}
		if err := e.store.BlockCard(finalCtx, card.ID, BlockedNotePrefix+reason); err != nil {
			return res, err
		}
	}
	telemetry.CardsExecuted.WithLabelValues(string(card.Type), outcome).Inc()
	e.logger.Info("card executed", "card_id", card.ID, "type", card.Type, "outcome", outcome, "message", res.Message)
	return res, nil
}

func (e *Executor) dispatch(ctx context.Context, card models.Card) (res Result) {
	h, ok := e.handlers[card.Type]
	if !ok {
		return failure("Card type not supported", fmt.Errorf("card type '%s' is not supported", card.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("card handler panicked", "card_id", card.ID, "type", card.Type, "panic", r, "stack", string(debug.Stack()))
			res = failure("Execution failed with exception", fmt.Errorf("%v", r))
		}
	}()
	return h(ctx, card)
}

// ExecuteApproved runs up to limit approved cards of a tenant one at a time, highest
// priority first, pausing delay between cards. Per-card failures are reported in the
// results and do not stop the loop.
func (e *Executor) ExecuteApproved(ctx context.Context, tenantID string, limit int, delay time.Duration) ([]Result, error) {
	pending, err := e.store.ListCards(ctx, store.CardQuery{
		TenantID: tenantID,
		States:   []models.CardState{models.StateApproved},
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list approved cards: %w", err)
	}
	results := make([]Result, 0, len(pending))
	for i, card := range pending {
		if i > 0 && delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return results, err
			}
		}
		res, err := e.ExecuteCard(ctx, card.ID)
		if err != nil {
			e.logger.Error("card execution failed", "card_id", card.ID, "err", err)
			res = Result{CardID: card.ID, Message: "Execution failed with exception", Error: err.Error()}
		}
		results = append(results, res)
	}
	return results, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
