package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"cardflow/internal/models"
)

const clientColumns = `id, tenant_id, company_name, email, client_type, primary_contact, website, is_active`

const contactColumns = `id, client_id, first_name, last_name, email, phone, title, primary_role_code, is_primary, tags, source`

const activityColumns = `id, tenant_id, client_id, contact_id, type, subject, description, status, outcome, metadata, completed_at, created_at`

// GetClient fetches a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListClients returns a tenant's clients ordered by name.
func (s *Store) ListClients(ctx context.Context, tenantID string, activeOnly bool) ([]models.Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE tenant_id = $1 AND (NOT $2 OR is_active)
		ORDER BY company_name ASC
	`, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()
	var out []models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetContact fetches a contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (models.Contact, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	c, err := scanContact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListContacts returns the contacts of one client, primary contact first.
func (s *Store) ListContacts(ctx context.Context, clientID string) ([]models.Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE client_id = $1 ORDER BY is_primary DESC, created_at ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()
	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertContact stores a new contact.
func (s *Store) InsertContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (id, client_id, first_name, last_name, email, phone, title, primary_role_code, is_primary, tags, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.ClientID, c.FirstName, c.LastName, emptyToNil(c.Email), emptyToNil(c.Phone), emptyToNil(c.Title),
		emptyToNil(c.PrimaryRoleCode), c.IsPrimary, c.Tags, emptyToNil(c.Source))
	if err != nil {
		return models.Contact{}, fmt.Errorf("insert contact: %w", err)
	}
	return c, nil
}

// ListActivities returns a tenant's activities created at or after since, newest first.
func (s *Store) ListActivities(ctx context.Context, tenantID string, since time.Time) ([]models.Activity, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+` FROM activities WHERE tenant_id = $1 AND created_at >= $2 ORDER BY created_at DESC
	`, tenantID, since)
}

// ListClientActivities returns the latest activities of one client.
func (s *Store) ListClientActivities(ctx context.Context, clientID string, limit int) ([]models.Activity, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+` FROM activities WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2
	`, clientID, limit)
}

func (s *Store) queryActivities(ctx context.Context, sql string, args ...any) ([]models.Activity, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()
	var out []models.Activity
	for rows.Next() {
		var (
			a                            models.Activity
			clientID, contactID, outcome pgtype.Text
			metadataJSON                 []byte
			completedAt                  pgtype.Timestamptz
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &clientID, &contactID, &a.Type, &a.Subject, &a.Description, &a.Status,
			&outcome, &metadataJSON, &completedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal activity metadata: %w", err)
			}
		}
		a.ClientID = textValue(clientID)
		a.ContactID = textValue(contactID)
		a.Outcome = textValue(outcome)
		a.CompletedAt = timePtr(completedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertActivity writes a timeline entry.
func (s *Store) InsertActivity(ctx context.Context, a models.Activity) (models.Activity, error) {
	a = prepareActivity(a, time.Now().UTC())
	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return models.Activity{}, fmt.Errorf("marshal activity metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activities (id, tenant_id, client_id, contact_id, type, subject, description, status, outcome, metadata, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.TenantID, emptyToNil(a.ClientID), emptyToNil(a.ContactID), a.Type, a.Subject, a.Description, a.Status,
		emptyToNil(a.Outcome), metadataJSON, a.CompletedAt, a.CreatedAt)
	if err != nil {
		return models.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	return a, nil
}

func prepareActivity(a models.Activity, now time.Time) models.Activity {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return a
}

// InsertTask writes a CRM task.
func (s *Store) InsertTask(ctx context.Context, t models.Task) (models.Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, tenant_id, client_id, contact_id, title, description, priority, status, due_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.TenantID, emptyToNil(t.ClientID), emptyToNil(t.ContactID), t.Title, t.Description, t.Priority, t.Status,
		t.DueDate, t.CreatedAt)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// InsertDeal writes a pipeline deal.
func (s *Store) InsertDeal(ctx context.Context, d models.Deal) (models.Deal, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deals (id, tenant_id, client_id, contact_id, title, description, value, probability, stage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.TenantID, d.ClientID, emptyToNil(d.ContactID), d.Title, d.Description, d.Value, d.Probability, d.Stage,
		d.CreatedAt)
	if err != nil {
		return models.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	return d, nil
}

// ListGoals returns a tenant's active goals.
func (s *Store) ListGoals(ctx context.Context, tenantID string) ([]models.Goal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, metric_type, target_value, current_value, period_start, period_end, is_active
		FROM goals WHERE tenant_id = $1 AND is_active ORDER BY period_end ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()
	var out []models.Goal
	for rows.Next() {
		var g models.Goal
		if err := rows.Scan(&g.ID, &g.TenantID, &g.MetricType, &g.TargetValue, &g.CurrentValue, &g.PeriodStart,
			&g.PeriodEnd, &g.IsActive); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetSuppression reports whether mail to a contact is suppressed.
func (s *Store) GetSuppression(ctx context.Context, tenantID, contactID string) (models.Suppression, bool, error) {
	var (
		sup        models.Suppression
		bounceType pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, contact_id, reason, bounce_type, created_at
		FROM email_suppressions WHERE tenant_id = $1 AND contact_id = $2
	`, tenantID, contactID).Scan(&sup.TenantID, &sup.ContactID, &sup.Reason, &bounceType, &sup.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Suppression{}, false, nil
	}
	if err != nil {
		return models.Suppression{}, false, fmt.Errorf("query suppression: %w", err)
	}
	sup.BounceType = textValue(bounceType)
	return sup, true, nil
}

// GetInboundEmail loads a stored inbound message.
func (s *Store) GetInboundEmail(ctx context.Context, tenantID, messageID string) (models.InboundEmail, error) {
	var (
		m                            models.InboundEmail
		threadID, fromName, campaign pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, tenant_id, thread_id, from_email, from_name, subject, body_text, campaign_id, received_at
		FROM inbound_emails WHERE tenant_id = $1 AND message_id = $2
	`, tenantID, messageID).Scan(&m.MessageID, &m.TenantID, &threadID, &m.FromEmail, &fromName, &m.Subject,
		&m.BodyText, &campaign, &m.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InboundEmail{}, fmt.Errorf("inbound email %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return models.InboundEmail{}, fmt.Errorf("query inbound email: %w", err)
	}
	m.ThreadID = textValue(threadID)
	m.FromName = textValue(fromName)
	m.CampaignID = textValue(campaign)
	return m, nil
}

// GetCampaign loads an outbound campaign.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	var c models.Campaign
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, subject, body FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// IndexDocument stores content for full-text retrieval.
func (s *Store) IndexDocument(ctx context.Context, d models.Document) (models.Document, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	d.CreatedAt = time.Now().UTC()
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return models.Document{}, fmt.Errorf("marshal document metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, tenant_id, source_type, source_id, title, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.TenantID, d.SourceType, d.SourceID, d.Title, d.Content, metadataJSON, d.CreatedAt)
	if err != nil {
		return models.Document{}, fmt.Errorf("index document: %w", err)
	}
	return d, nil
}

// TargetContacts resolves the addressees of a job batch. Explicit contact ids take
// precedence over the filter; without either the result is empty. Filtered queries
// exclude targets that already have a card from q.ExcludeJobID.
func (s *Store) TargetContacts(ctx context.Context, q TargetQuery) ([]models.TargetContact, error) {
	if len(q.ContactIDs) > 0 {
		return s.queryTargets(ctx, `
			SELECT ct.id, ct.first_name, ct.last_name, ct.email, ct.client_id, cl.company_name
			FROM contacts ct JOIN clients cl ON cl.id = ct.client_id
			WHERE cl.tenant_id = $1 AND ct.id = ANY($2) AND ct.email IS NOT NULL
			ORDER BY ct.created_at ASC
		`, q.TenantID, q.ContactIDs)
	}
	if q.Filter == nil {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	args := []any{q.TenantID}
	var where []string
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Filter.ClientType != "" {
		add("cl.client_type = $%d", q.Filter.ClientType)
	}
	if q.Filter.Active != nil {
		add("cl.is_active = $%d", *q.Filter.Active)
	}

	var sql string
	if q.TargetType == models.TargetClients {
		if q.ExcludeJobID != "" {
			add("cl.id NOT IN (SELECT client_id FROM cards WHERE job_id = $%d AND client_id IS NOT NULL)", q.ExcludeJobID)
		}
		sql = `
			SELECT cl.id, COALESCE(NULLIF(cl.primary_contact, ''), cl.company_name), '', cl.email, cl.id, cl.company_name
			FROM clients cl
			WHERE cl.tenant_id = $1 AND cl.email IS NOT NULL`
	} else {
		if q.Filter.PrimaryRoleCode != "" {
			add("ct.primary_role_code = $%d", q.Filter.PrimaryRoleCode)
		}
		if q.ExcludeJobID != "" {
			add("ct.id NOT IN (SELECT contact_id FROM cards WHERE job_id = $%d AND contact_id IS NOT NULL)", q.ExcludeJobID)
		}
		sql = `
			SELECT ct.id, ct.first_name, ct.last_name, ct.email, ct.client_id, cl.company_name
			FROM contacts ct JOIN clients cl ON cl.id = ct.client_id
			WHERE cl.tenant_id = $1 AND ct.email IS NOT NULL`
	}
	for _, w := range where {
		sql += " AND " + w
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY 1 ASC LIMIT $%d", len(args))
	return s.queryTargets(ctx, sql, args...)
}

func (s *Store) queryTargets(ctx context.Context, sql string, args ...any) ([]models.TargetContact, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()
	var out []models.TargetContact
	for rows.Next() {
		var t models.TargetContact
		if err := rows.Scan(&t.ID, &t.FirstName, &t.LastName, &t.Email, &t.ClientID, &t.CompanyName); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClientStats aggregates the internal relationship metrics of a client.
func (s *Store) ClientStats(ctx context.Context, clientID string) (models.ClientStats, error) {
	var (
		st   models.ClientStats
		last pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM contacts WHERE client_id = $1),
			(SELECT COUNT(*) FROM activities WHERE client_id = $1),
			(SELECT COUNT(*) FROM tasks WHERE client_id = $1 AND status <> 'completed'),
			(SELECT COUNT(*) FROM deals WHERE client_id = $1),
			(SELECT COALESCE(SUM(value), 0) FROM deals WHERE client_id = $1),
			(SELECT MAX(created_at) FROM activities WHERE client_id = $1)
	`, clientID).Scan(&st.Contacts, &st.Activities, &st.OpenTasks, &st.Deals, &st.PipelineValue, &last)
	if err != nil {
		return models.ClientStats{}, fmt.Errorf("query client stats: %w", err)
	}
	st.LastActivityAt = timePtr(last)
	return st, nil
}

func scanClient(row pgx.Row) (models.Client, error) {
	var (
		c                                          models.Client
		email, clientType, primaryContact, website pgtype.Text
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.CompanyName, &email, &clientType, &primaryContact, &website, &c.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Client{}, err
		}
		return models.Client{}, fmt.Errorf("scan client: %w", err)
	}
	c.Email = textValue(email)
	c.ClientType = textValue(clientType)
	c.PrimaryContact = textValue(primaryContact)
	c.Website = textValue(website)
	return c, nil
}

func scanContact(row pgx.Row) (models.Contact, error) {
	var (
		c                                     models.Contact
		email, phone, title, roleCode, source pgtype.Text
	)
	if err := row.Scan(&c.ID, &c.ClientID, &c.FirstName, &c.LastName, &email, &phone, &title, &roleCode, &c.IsPrimary,
		&c.Tags, &source); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Contact{}, err
		}
		return models.Contact{}, fmt.Errorf("scan contact: %w", err)
	}
	c.Email = textValue(email)
	c.Phone = textValue(phone)
	c.Title = textValue(title)
	c.PrimaryRoleCode = textValue(roleCode)
	c.Source = textValue(source)
	return c, nil
}
