package cards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cardflow/internal/models"
)

// ErrStateChanged is returned when the card moved between read and conditional update.
var ErrStateChanged = errors.New("card state changed concurrently")

// Repository is the persistence a Manager needs.
type Repository interface {
	GetCard(ctx context.Context, id string) (models.Card, error)
	TransitionCard(ctx context.Context, id string, from, to models.CardState) (bool, error)
}

// Manager applies human-initiated transitions (review, approve, reject, re-queue).
type Manager struct {
	repo   Repository
	logger *slog.Logger
}

// NewManager builds a Manager; a nil logger falls back to slog.Default.
func NewManager(repo Repository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, logger: logger}
}

// Transition moves card id to state to if the table allows it from its current state.
func (m *Manager) Transition(ctx context.Context, id string, to models.CardState) (models.Card, error) {
	card, err := m.repo.GetCard(ctx, id)
	if err != nil {
		return models.Card{}, err
	}
	if err := checkHuman(card.State, to); err != nil {
		return models.Card{}, err
	}
	ok, err := m.repo.TransitionCard(ctx, id, card.State, to)
	if err != nil {
		return models.Card{}, fmt.Errorf("transition card: %w", err)
	}
	if !ok {
		return models.Card{}, fmt.Errorf("%w: expected %s", ErrStateChanged, card.State)
	}
	m.logger.Info("card transitioned", "card_id", id, "from", card.State, "to", to)
	card.State = to
	return card, nil
}

// Approve is shorthand for Transition(id, approved).
func (m *Manager) Approve(ctx context.Context, id string) (models.Card, error) {
	return m.Transition(ctx, id, models.StateApproved)
}

// Reject is shorthand for Transition(id, rejected).
func (m *Manager) Reject(ctx context.Context, id string) (models.Card, error) {
	return m.Transition(ctx, id, models.StateRejected)
}
