package cards

import (
	"cardflow/internal/models"
)

// Key identifies the subject and kind of work a card represents. At most one pending
// card may exist per key.
type Key struct {
	ClientID  string
	ContactID string
	Type      models.CardType
}

// KeyOf returns the dedup key of a persisted card.
func KeyOf(c models.Card) Key {
	return Key{ClientID: c.ClientID, ContactID: c.ContactID, Type: c.Type}
}

func isPending(s models.CardState) bool {
	for _, p := range models.PendingStates {
		if s == p {
			return true
		}
	}
	return false
}

// Dedupe drops every card whose key matches a pending existing card or a candidate
// kept earlier in the same batch. Candidates must already be built, so an action that
// fails construction never claims a key. Input order is preserved.
func Dedupe(candidates, existing []models.Card) (kept, dropped []models.Card) {
	seen := make(map[Key]struct{}, len(existing)+len(candidates))
	for _, c := range existing {
		if isPending(c.State) {
			seen[KeyOf(c)] = struct{}{}
		}
	}
	for _, c := range candidates {
		k := KeyOf(c)
		if _, dup := seen[k]; dup {
			dropped = append(dropped, c)
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, c)
	}
	return kept, dropped
}
