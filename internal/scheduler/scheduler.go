// Package scheduler promotes deferred cards once they fall due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cardflow/internal/telemetry"
)

// Store is the persistence the scheduler needs.
type Store interface {
	PromoteDue(ctx context.Context, tenantID string, now time.Time) (int, error)
}

type Scheduler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(s Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: s, logger: logger, now: time.Now}
}

// Promote moves every scheduled card whose due time has passed to suggested. An empty
// tenantID promotes across all tenants. Calling it with nothing due returns 0.
func (s *Scheduler) Promote(ctx context.Context, tenantID string) (int, error) {
	n, err := s.store.PromoteDue(ctx, tenantID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("promote due cards: %w", err)
	}
	if n > 0 {
		telemetry.CardsPromoted.Add(float64(n))
		s.logger.Info("promoted scheduled cards", "tenant", tenantID, "count", n)
	}
	return n, nil
}
