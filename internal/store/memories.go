package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"cardflow/internal/models"
)

// ListMemories returns unexpired memories matching q, most important first.
func (s *Store) ListMemories(ctx context.Context, q MemoryQuery) ([]models.Memory, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, scope, key, content, importance, expires_at, created_at
		FROM memories
		WHERE tenant_id = $1
		  AND ($2::text = '' OR scope = $2)
		  AND importance >= $3
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY importance DESC, created_at DESC
		LIMIT $4
	`, q.TenantID, q.Scope, q.MinImportance, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	var out []models.Memory
	for rows.Next() {
		var (
			m           models.Memory
			contentJSON []byte
			expiresAt   pgtype.Timestamptz
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Scope, &m.Key, &contentJSON, &m.Importance, &expiresAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal(contentJSON, &m.Content); err != nil {
			return nil, fmt.Errorf("unmarshal memory content: %w", err)
		}
		m.ExpiresAt = timePtr(expiresAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMemory stores a memory.
func (s *Store) InsertMemory(ctx context.Context, m models.Memory) (models.Memory, error) {
	m = prepareMemory(m, time.Now().UTC())
	contentJSON, err := json.Marshal(m.Content)
	if err != nil {
		return models.Memory{}, fmt.Errorf("marshal memory content: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memories (id, tenant_id, scope, key, content, importance, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.TenantID, m.Scope, m.Key, contentJSON, m.Importance, m.ExpiresAt, m.CreatedAt)
	if err != nil {
		return models.Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

func prepareMemory(m models.Memory, now time.Time) models.Memory {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Content == nil {
		m.Content = map[string]any{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m
}
