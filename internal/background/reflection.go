package background

import (
	"context"
	"fmt"

	"cardflow/internal/models"
)

// KindReflection persists a post-run reflection.
const KindReflection = "run_reflection"

// ReflectionStore is where reflections are written.
type ReflectionStore interface {
	InsertReflection(ctx context.Context, r models.Reflection) error
}

// ReflectionHandler decodes a models.Reflection payload and stores it.
func ReflectionHandler(s ReflectionStore) Handler {
	return func(ctx context.Context, task Task) error {
		var r models.Reflection
		if err := task.Decode(&r); err != nil {
			return fmt.Errorf("decode reflection: %w", err)
		}
		if r.RunID == "" {
			return fmt.Errorf("reflection without run id")
		}
		return s.InsertReflection(ctx, r)
	}
}
