package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/guardline/dlp/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// SaveEvent upserts an event. Duplicate-id writes are no-ops on insert
// fields and refresh the mutable action state, so replaying a processed
// event never creates a second row.
func (s *Store) SaveEvent(ctx context.Context, ev *models.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.UpdatedAt = time.Now().UTC()
	if ev.Status == "" {
		ev.Status = models.EventStatusNew
	}

	fileMeta, err := jsonbOf(ev.File)
	if err != nil {
		return fmt.Errorf("encoding file metadata: %w", err)
	}
	dest, err := jsonbOf(ev.Destination)
	if err != nil {
		return fmt.Errorf("encoding destination: %w", err)
	}

	query := `
		INSERT INTO events (
			id, source_type, subtype, agent_id, connection_id, user_email, timestamp,
			content, content_size, truncated, file_meta, destination, raw_payload,
			blocked, block_reason, quarantined, quarantine_path, quarantine_time,
			redacted, redaction_method, encrypted, encryption_algorithm, encryption_key_ref, ciphertext,
			tags, escalated, escalation_priority, marked_for_deletion,
			preserved, preserve_location, flagged_for_review, review_reason,
			incident_id, tracking_id, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24,
			$25, $26, $27, $28,
			$29, $30, $31, $32,
			$33, $34, $35, $36, $37
		)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			blocked = EXCLUDED.blocked,
			block_reason = EXCLUDED.block_reason,
			quarantined = EXCLUDED.quarantined,
			quarantine_path = EXCLUDED.quarantine_path,
			quarantine_time = EXCLUDED.quarantine_time,
			redacted = EXCLUDED.redacted,
			redaction_method = EXCLUDED.redaction_method,
			encrypted = EXCLUDED.encrypted,
			encryption_algorithm = EXCLUDED.encryption_algorithm,
			encryption_key_ref = EXCLUDED.encryption_key_ref,
			ciphertext = EXCLUDED.ciphertext,
			tags = EXCLUDED.tags,
			escalated = EXCLUDED.escalated,
			escalation_priority = EXCLUDED.escalation_priority,
			marked_for_deletion = EXCLUDED.marked_for_deletion,
			preserved = EXCLUDED.preserved,
			preserve_location = EXCLUDED.preserve_location,
			flagged_for_review = EXCLUDED.flagged_for_review,
			review_reason = EXCLUDED.review_reason,
			incident_id = EXCLUDED.incident_id,
			tracking_id = EXCLUDED.tracking_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`

	var quarantineTime *time.Time
	if !ev.QuarantineTime.IsZero() {
		quarantineTime = &ev.QuarantineTime
	}

	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.SourceType, ev.Subtype, ev.AgentID, ev.ConnectionID, ev.UserEmail, ev.Timestamp,
		ev.Content, ev.ContentSize, ev.Truncated, fileMeta, dest, ev.RawPayload,
		ev.Blocked, ev.BlockReason, ev.Quarantined, ev.QuarantinePath, quarantineTime,
		ev.Redacted, ev.RedactionMethod, ev.Encrypted, ev.EncryptionAlg, ev.EncryptionKeyRef, ev.Ciphertext,
		pq.StringArray(ev.Tags), ev.Escalated, ev.EscalationPriority, ev.MarkedForDeletion,
		ev.Preserved, ev.PreserveLocation, ev.FlaggedForReview, ev.ReviewReason,
		ev.IncidentID, ev.TrackingID, ev.Status, ev.CreatedAt, ev.UpdatedAt,
	)
	return err
}

type eventRow struct {
	models.Event
	FileMeta       models.JSONB   `db:"file_meta"`
	DestinationRaw models.JSONB   `db:"destination"`
	TagsRaw        pq.StringArray `db:"tags"`
	QuarantineTime sql.NullTime   `db:"quarantine_time"`
}

func (r *eventRow) toEvent() (*models.Event, error) {
	ev := r.Event
	if len(r.FileMeta) > 0 {
		ev.File = &models.FileMetadata{}
		if err := remarshal(r.FileMeta, ev.File); err != nil {
			return nil, err
		}
	}
	if len(r.DestinationRaw) > 0 {
		ev.Destination = &models.Destination{}
		if err := remarshal(r.DestinationRaw, ev.Destination); err != nil {
			return nil, err
		}
	}
	ev.Tags = []string(r.TagsRaw)
	if r.QuarantineTime.Valid {
		ev.QuarantineTime = r.QuarantineTime.Time
	}
	return &ev, nil
}

const eventColumns = `
	id, source_type, subtype, agent_id, connection_id, user_email, timestamp,
	content, content_size, truncated, file_meta, destination, raw_payload,
	blocked, block_reason, quarantined, quarantine_path, quarantine_time,
	redacted, redaction_method, encrypted, encryption_algorithm, encryption_key_ref, ciphertext,
	tags, escalated, escalation_priority, marked_for_deletion,
	preserved, preserve_location, flagged_for_review, review_reason,
	incident_id, tracking_id, status, created_at, updated_at
`

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var row eventRow
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	err := s.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toEvent()
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	SourceType models.SourceType
	AgentID    string
	Blocked    *bool
	Flagged    *bool
	Limit      int
	Offset     int
}

func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}
	i := 1

	if filter.SourceType != "" {
		query += fmt.Sprintf(" AND source_type = $%d", i)
		args = append(args, filter.SourceType)
		i++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", i)
		args = append(args, filter.AgentID)
		i++
	}
	if filter.Blocked != nil {
		query += fmt.Sprintf(" AND blocked = $%d", i)
		args = append(args, *filter.Blocked)
		i++
	}
	if filter.Flagged != nil {
		query += fmt.Sprintf(" AND flagged_for_review = $%d", i)
		args = append(args, *filter.Flagged)
		i++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", i, i+1)
	args = append(args, limit, filter.Offset)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) SaveSummary(ctx context.Context, summary *models.ExecutionSummary) error {
	results, err := json.Marshal(summary.Results)
	if err != nil {
		return fmt.Errorf("encoding action results: %w", err)
	}

	query := `
		INSERT INTO execution_summaries (
			event_id, policy_ids, rule_ids, results,
			total_actions, successful_actions, failed_actions,
			blocked, quarantined, redacted, encrypted,
			notifications_sent, webhooks_called, alerts_created,
			errors, executed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16
		)
		ON CONFLICT (event_id) DO UPDATE SET
			policy_ids = EXCLUDED.policy_ids,
			rule_ids = EXCLUDED.rule_ids,
			results = EXCLUDED.results,
			total_actions = EXCLUDED.total_actions,
			successful_actions = EXCLUDED.successful_actions,
			failed_actions = EXCLUDED.failed_actions,
			blocked = EXCLUDED.blocked,
			quarantined = EXCLUDED.quarantined,
			redacted = EXCLUDED.redacted,
			encrypted = EXCLUDED.encrypted,
			notifications_sent = EXCLUDED.notifications_sent,
			webhooks_called = EXCLUDED.webhooks_called,
			alerts_created = EXCLUDED.alerts_created,
			errors = EXCLUDED.errors,
			executed_at = EXCLUDED.executed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		summary.EventID,
		pq.StringArray(summary.PolicyIDs),
		pq.StringArray(summary.RuleIDs),
		results,
		summary.TotalActions, summary.SuccessfulActions, summary.FailedActions,
		summary.Blocked, summary.Quarantined, summary.Redacted, summary.Encrypted,
		summary.NotificationsSent, summary.WebhooksCalled, summary.AlertsCreated,
		pq.StringArray(summary.Errors), summary.ExecutedAt,
	)
	return err
}

func (s *Store) GetSummary(ctx context.Context, eventID string) (*models.ExecutionSummary, error) {
	var row struct {
		models.ExecutionSummary
		PolicyIDsRaw pq.StringArray `db:"policy_ids"`
		RuleIDsRaw   pq.StringArray `db:"rule_ids"`
		ResultsRaw   []byte         `db:"results"`
		ErrorsRaw    pq.StringArray `db:"errors"`
	}
	query := `
		SELECT event_id, policy_ids, rule_ids, results,
			total_actions, successful_actions, failed_actions,
			blocked, quarantined, redacted, encrypted,
			notifications_sent, webhooks_called, alerts_created,
			errors, executed_at
		FROM execution_summaries WHERE event_id = $1
	`
	err := s.db.GetContext(ctx, &row, query, eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	summary := row.ExecutionSummary
	summary.PolicyIDs = []string(row.PolicyIDsRaw)
	summary.RuleIDs = []string(row.RuleIDsRaw)
	summary.Errors = []string(row.ErrorsRaw)
	if len(row.ResultsRaw) > 0 {
		if err := json.Unmarshal(row.ResultsRaw, &summary.Results); err != nil {
			return nil, fmt.Errorf("decoding action results: %w", err)
		}
	}
	return &summary, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.Status == "" {
		alert.Status = "open"
	}
	query := `
		INSERT INTO alerts (id, event_id, policy_id, severity, title, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.EventID, alert.PolicyID, alert.Severity,
		alert.Title, alert.Description, alert.Status, alert.CreatedAt,
	)
	return err
}

func (s *Store) ListAlerts(ctx context.Context, status string, limit, offset int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	var alerts []*models.Alert
	var err error
	if status != "" {
		query := `SELECT * FROM alerts WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		err = s.db.SelectContext(ctx, &alerts, query, status, limit, offset)
	} else {
		query := `SELECT * FROM alerts ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		err = s.db.SelectContext(ctx, &alerts, query, limit, offset)
	}
	return alerts, err
}

type policyRow struct {
	models.Policy
	RulesRaw   []byte `db:"rules"`
	ActionsRaw []byte `db:"actions"`
}

// ListEnabledPolicies loads the enabled policy set in priority order. The
// caller compiles it into a snapshot.
func (s *Store) ListEnabledPolicies(ctx context.Context) ([]*models.Policy, error) {
	query := `
		SELECT id, name, description, type, enabled, priority, severity,
			rules, actions, agent_ids, compliance_tags, created_at, updated_at
		FROM policies
		WHERE enabled = true
		ORDER BY priority DESC, id ASC
	`
	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	policies := make([]*models.Policy, 0, len(rows))
	for i := range rows {
		p := rows[i].Policy
		if len(rows[i].RulesRaw) > 0 {
			if err := json.Unmarshal(rows[i].RulesRaw, &p.Rules); err != nil {
				return nil, fmt.Errorf("decoding rules for policy %s: %w", p.ID, err)
			}
		}
		if len(rows[i].ActionsRaw) > 0 {
			if err := json.Unmarshal(rows[i].ActionsRaw, &p.Actions); err != nil {
				return nil, fmt.Errorf("decoding actions for policy %s: %w", p.ID, err)
			}
		}
		policies = append(policies, &p)
	}
	return policies, nil
}

func jsonbOf(v any) (models.JSONB, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out models.JSONB
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func remarshal(src models.JSONB, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
