package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"cardflow/internal/models"
)

const cardColumns = `id, tenant_id, run_id, job_id, task_id, client_id, contact_id, type, title, description,
	rationale, priority, state, action_payload, due_at, created_at, updated_at, executed_at`

const priorityOrder = `CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

// InsertCards validates and persists cards in one transaction, assigning ids and timestamps.
func (s *Store) InsertCards(ctx context.Context, cards []models.Card) ([]models.Card, error) {
	if len(cards) == 0 {
		return nil, nil
	}
	prepared, err := prepareCards(cards, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, c := range prepared {
		payloadJSON, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cards (id, tenant_id, run_id, job_id, task_id, client_id, contact_id, type, title, description,
				rationale, priority, state, action_payload, due_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		`, c.ID, c.TenantID, emptyToNil(c.RunID), emptyToNil(c.JobID), c.TaskID, emptyToNil(c.ClientID),
			emptyToNil(c.ContactID), string(c.Type), c.Title, c.Description, c.Rationale, string(c.Priority),
			string(c.State), payloadJSON, c.DueAt, c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert card: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return prepared, nil
}

// prepareCards is shared with the in-memory store so both reject the same input.
func prepareCards(cards []models.Card, now time.Time) ([]models.Card, error) {
	out := make([]models.Card, len(cards))
	for i, c := range cards {
		if c.TenantID == "" {
			return nil, errors.New("card tenant is required")
		}
		if err := models.ValidatePayload(c.Type, c.Payload); err != nil {
			return nil, err
		}
		if c.State == "" {
			c.State = models.StateSuggested
		}
		if c.State == models.StateScheduled && c.DueAt == nil {
			return nil, errors.New("scheduled card requires due_at")
		}
		if c.Priority == "" {
			c.Priority = models.PriorityMedium
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.CreatedAt = now
		c.UpdatedAt = now
		out[i] = c
	}
	return out, nil
}

// GetCard fetches a card by id.
func (s *Store) GetCard(ctx context.Context, id string) (models.Card, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id)
	card, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Card{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return card, err
}

// ListCards returns cards matching q, highest priority first then oldest first.
func (s *Store) ListCards(ctx context.Context, q CardQuery) ([]models.Card, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if len(q.States) > 0 {
		add("state = ANY($%d)", statesToStrings(q.States))
	}
	if q.JobID != "" {
		add("job_id = $%d", q.JobID)
	}
	if q.RunID != "" {
		add("run_id = $%d", q.RunID)
	}
	sql := `SELECT ` + cardColumns + ` FROM cards`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY " + priorityOrder + " DESC, created_at ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()
	var out []models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

// ClaimCard atomically moves a card from approved to executing. It reports false when
// the card was not in approved at the moment of the update.
func (s *Store) ClaimCard(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cards SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, string(models.StateExecuting), string(models.StateApproved))
	if err != nil {
		return false, fmt.Errorf("claim card: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteCard marks a claimed card done.
func (s *Store) CompleteCard(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cards SET state = $2, executed_at = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, string(models.StateDone), at, string(models.StateExecuting))
	if err != nil {
		return fmt.Errorf("complete card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete card %s: %w", id, ErrConflict)
	}
	return nil
}

// BlockCard marks a claimed card blocked and appends note to its description.
func (s *Store) BlockCard(ctx context.Context, id string, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cards SET state = $2, description = description || $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, string(models.StateBlocked), note, string(models.StateExecuting))
	if err != nil {
		return fmt.Errorf("block card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("block card %s: %w", id, ErrConflict)
	}
	return nil
}

// TransitionCard moves a card from one state to another only if it is still in from.
func (s *Store) TransitionCard(ctx context.Context, id string, from, to models.CardState) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cards SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition card: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PromoteDue moves scheduled cards whose due_at has passed to suggested. An empty
// tenantID promotes across all tenants.
func (s *Store) PromoteDue(ctx context.Context, tenantID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cards SET state = $1, updated_at = NOW()
		WHERE state = $2 AND due_at <= $3 AND ($4::text = '' OR tenant_id = $4)
	`, string(models.StateSuggested), string(models.StateScheduled), now, tenantID)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled cards: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// JobCardTargets returns the contact and client ids that already have a card from jobID.
func (s *Store) JobCardTargets(ctx context.Context, jobID string) (contacts, clients []string, err error) {
	rows, err := s.pool.Query(ctx, `SELECT contact_id, client_id FROM cards WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("query job cards: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var contact, client pgtype.Text
		if err := rows.Scan(&contact, &client); err != nil {
			return nil, nil, fmt.Errorf("scan job card: %w", err)
		}
		if contact.Valid {
			contacts = append(contacts, contact.String)
		}
		if client.Valid {
			clients = append(clients, client.String)
		}
	}
	return contacts, clients, rows.Err()
}

func scanCard(row pgx.Row) (models.Card, error) {
	var (
		c                                 models.Card
		runID, jobID, clientID, contactID pgtype.Text
		taskID                            pgtype.Int8
		cardType, priority, state         string
		payloadJSON                       []byte
		dueAt, executedAt                 pgtype.Timestamptz
	)
	if err := row.Scan(&c.ID, &c.TenantID, &runID, &jobID, &taskID, &clientID, &contactID, &cardType, &c.Title,
		&c.Description, &c.Rationale, &priority, &state, &payloadJSON, &dueAt, &c.CreatedAt, &c.UpdatedAt, &executedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Card{}, err
		}
		return models.Card{}, fmt.Errorf("scan card: %w", err)
	}
	c.RunID = textValue(runID)
	c.JobID = textValue(jobID)
	c.ClientID = textValue(clientID)
	c.ContactID = textValue(contactID)
	if taskID.Valid {
		id := taskID.Int64
		c.TaskID = &id
	}
	c.Type = models.CardType(cardType)
	c.Priority = models.Priority(priority)
	c.State = models.CardState(state)
	c.DueAt = timePtr(dueAt)
	c.ExecutedAt = timePtr(executedAt)

	payload, err := models.DecodePayload(c.Type, payloadJSON)
	if err != nil {
		return models.Card{}, err
	}
	c.Payload = payload
	return c, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
