package filter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cardflow/internal/models"
	"cardflow/internal/store"
)

// DefaultMinImportance is the lowest importance a feedback memory needs to act as a rule.
const DefaultMinImportance = 0.5

// filterLogTTL is how long filtered-card log entries are kept.
const filterLogTTL = 30 * 24 * time.Hour

// MemoryStore is the persistence the filter needs.
type MemoryStore interface {
	ListMemories(ctx context.Context, q store.MemoryQuery) ([]models.Memory, error)
	InsertMemory(ctx context.Context, m models.Memory) (models.Memory, error)
}

// LoadRules reads the tenant's card feedback rules, most important first. Memories without
// a rule text are ignored.
func LoadRules(ctx context.Context, ms MemoryStore, tenantID string, minImportance float64) ([]Rule, error) {
	mems, err := ms.ListMemories(ctx, store.MemoryQuery{
		TenantID:      tenantID,
		Scope:         models.ScopeCardFeedback,
		MinImportance: minImportance,
		Limit:         500,
	})
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules := make([]Rule, 0, len(mems))
	for _, m := range mems {
		text := m.ContentString("rule")
		if text == "" {
			continue
		}
		cardType := m.ContentString("card_type")
		if cardType == "" {
			cardType = AllTypes
		}
		rules = append(rules, Rule{
			ID:          m.ID,
			Text:        text,
			Reason:      m.ContentString("reason"),
			CardType:    cardType,
			Importance:  m.Importance,
			PatternType: m.ContentString("pattern_type"),
			Regex:       m.ContentString("regex"),
		})
	}
	return rules, nil
}

// LogFiltered records each filtered action as a short-lived, low-importance memory so
// reviewers can see what was suppressed. Write failures are logged and skipped.
func LogFiltered(ctx context.Context, ms MemoryStore, logger *slog.Logger, tenantID string, filtered []Filtered, now time.Time) int {
	written := 0
	expires := now.Add(filterLogTTL)
	for _, f := range filtered {
		_, err := ms.InsertMemory(ctx, models.Memory{
			TenantID: tenantID,
			Scope:    models.ScopeCardFilterLog,
			Key:      fmt.Sprintf("auto_filtered_%d_%s", now.UnixMilli(), uuid.NewString()[:8]),
			Content: map[string]any{
				"action_title":     f.Action.Title,
				"action_type":      string(f.Action.Type),
				"filtered_by_rule": f.Rule.Text,
				"filter_reason":    f.Reason,
				"rule_id":          f.Rule.ID,
				"timestamp":        now.UTC().Format(time.RFC3339),
			},
			Importance: 0.3,
			ExpiresAt:  &expires,
		})
		if err != nil {
			logger.Warn("filter log write failed", "tenant", tenantID, "rule_id", f.Rule.ID, "err", err)
			continue
		}
		written++
	}
	return written
}
