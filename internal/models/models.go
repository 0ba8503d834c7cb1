package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type SourceType string

const (
	SourceFile          SourceType = "file"
	SourceClipboard     SourceType = "clipboard"
	SourceUSB           SourceType = "usb"
	SourceCloudActivity SourceType = "cloud_activity"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityRank orders severities for comparisons; unknown values rank lowest.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type EventStatus string

const (
	EventStatusNew       EventStatus = "new"
	EventStatusProcessed EventStatus = "processed"
	EventStatusReview    EventStatus = "needs_review"
	EventStatusArchived  EventStatus = "archived"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// FileMetadata describes the artifact an event refers to, when there is one.
type FileMetadata struct {
	Path      string `json:"path,omitempty"`
	Name      string `json:"name,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Extension string `json:"extension,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Destination describes where data was headed for transfer-style events.
type Destination struct {
	Type    string `json:"type,omitempty"` // usb, cloud, email, network
	Target  string `json:"target,omitempty"`
	Details JSONB  `json:"details,omitempty"`
}

// Event is the canonical unit of work flowing through the pipeline.
// ID is stable: identical logical activity always maps to the same ID.
type Event struct {
	ID           string     `json:"id" db:"id"`
	SourceType   SourceType `json:"source_type" db:"source_type"`
	Subtype      string     `json:"subtype,omitempty" db:"subtype"`
	AgentID      string     `json:"agent_id,omitempty" db:"agent_id"`
	ConnectionID string     `json:"connection_id,omitempty" db:"connection_id"`
	UserEmail    string     `json:"user_email,omitempty" db:"user_email"`
	Timestamp    time.Time  `json:"timestamp" db:"timestamp"`

	Content     string `json:"content,omitempty" db:"content"`
	ContentSize int64  `json:"content_size" db:"content_size"`
	Truncated   bool   `json:"truncated,omitempty" db:"truncated"`

	File        *FileMetadata `json:"file,omitempty"`
	Destination *Destination  `json:"destination,omitempty"`

	// RawPayload retains the source-specific payload for audit.
	RawPayload JSONB `json:"raw_payload,omitempty" db:"raw_payload"`

	// Mutation state set by the action executor.
	Blocked            bool      `json:"blocked" db:"blocked"`
	BlockReason        string    `json:"block_reason,omitempty" db:"block_reason"`
	Quarantined        bool      `json:"quarantined" db:"quarantined"`
	QuarantinePath     string    `json:"quarantine_path,omitempty" db:"quarantine_path"`
	QuarantineTime     time.Time `json:"quarantine_time,omitempty"`
	Redacted           bool      `json:"redacted" db:"redacted"`
	RedactionMethod    string    `json:"redaction_method,omitempty" db:"redaction_method"`
	Encrypted          bool      `json:"encrypted" db:"encrypted"`
	EncryptionAlg      string    `json:"encryption_algorithm,omitempty" db:"encryption_algorithm"`
	EncryptionKeyRef   string    `json:"encryption_key_ref,omitempty" db:"encryption_key_ref"`
	Ciphertext         string    `json:"-" db:"ciphertext"`
	Tags               []string  `json:"tags,omitempty"`
	Escalated          bool      `json:"escalated" db:"escalated"`
	EscalationPriority string    `json:"escalation_priority,omitempty" db:"escalation_priority"`
	MarkedForDeletion  bool      `json:"marked_for_deletion" db:"marked_for_deletion"`
	Preserved          bool      `json:"preserved" db:"preserved"`
	PreserveLocation   string    `json:"preserve_location,omitempty" db:"preserve_location"`
	FlaggedForReview   bool      `json:"flagged_for_review" db:"flagged_for_review"`
	ReviewReason       string    `json:"review_reason,omitempty" db:"review_reason"`
	IncidentID         string    `json:"incident_id,omitempty" db:"incident_id"`
	TrackingID         string    `json:"tracking_id,omitempty" db:"tracking_id"`

	Status    EventStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Span locates a classifier match inside the scanned content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Label is one sensitive-data detection within an event's content.
type Label struct {
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Validated  bool     `json:"validated"`
	Span       Span     `json:"span"`
	Sample     string   `json:"sample,omitempty"` // always redacted
	Severity   Severity `json:"severity"`
}

// ClassificationResult is the full detector output for one event.
type ClassificationResult struct {
	Labels      []Label  `json:"labels"`
	Truncated   bool     `json:"truncated"`
	MaxSeverity Severity `json:"max_severity,omitempty"`
}

// Types returns the distinct label types in detection order.
func (r *ClassificationResult) Types() []string {
	seen := make(map[string]bool)
	var types []string
	for _, l := range r.Labels {
		if !seen[l.Type] {
			seen[l.Type] = true
			types = append(types, l.Type)
		}
	}
	return types
}

// MaxConfidence returns the highest label confidence, 0 when empty.
func (r *ClassificationResult) MaxConfidence() float64 {
	max := 0.0
	for _, l := range r.Labels {
		if l.Confidence > max {
			max = l.Confidence
		}
	}
	return max
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Condition is one field test inside a rule.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Rule is an AND-group of conditions. A rule with zero conditions is an
// explicit catch-all and must be authored deliberately.
type Rule struct {
	ID         string      `json:"id"`
	Conditions []Condition `json:"conditions"`
}

type ActionType string

const (
	ActionAlert          ActionType = "alert"
	ActionBlock          ActionType = "block"
	ActionQuarantine     ActionType = "quarantine"
	ActionRedact         ActionType = "redact"
	ActionEncrypt        ActionType = "encrypt"
	ActionNotify         ActionType = "notify"
	ActionWebhook        ActionType = "webhook"
	ActionAudit          ActionType = "audit"
	ActionTag            ActionType = "tag"
	ActionEscalate       ActionType = "escalate"
	ActionDelete         ActionType = "delete"
	ActionPreserve       ActionType = "preserve"
	ActionFlagForReview  ActionType = "flag_for_review"
	ActionCreateIncident ActionType = "create_incident"
	ActionTrack          ActionType = "track"
)

// KnownActionTypes is the closed set the executor dispatches on. An action
// type outside this set is a policy-validation error, not a runtime no-op.
var KnownActionTypes = map[ActionType]bool{
	ActionAlert: true, ActionBlock: true, ActionQuarantine: true,
	ActionRedact: true, ActionEncrypt: true, ActionNotify: true,
	ActionWebhook: true, ActionAudit: true, ActionTag: true,
	ActionEscalate: true, ActionDelete: true, ActionPreserve: true,
	ActionFlagForReview: true, ActionCreateIncident: true, ActionTrack: true,
}

// ActionSpec is one configured remediation step in a policy's chain.
type ActionSpec struct {
	Type       ActionType `json:"type"`
	Parameters JSONB      `json:"parameters,omitempty"`
}

// Policy is a named, prioritized set of rules plus an ordered action chain.
// A policy matches when any rule matches; conditions within a rule are ANDed.
type Policy struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	Name           string       `json:"name" db:"name"`
	Description    string       `json:"description,omitempty" db:"description"`
	Type           string       `json:"type,omitempty" db:"type"`
	Enabled        bool         `json:"enabled" db:"enabled"`
	Priority       int          `json:"priority" db:"priority"`
	Severity       Severity     `json:"severity,omitempty" db:"severity"`
	Rules          []Rule       `json:"rules"`
	Actions        []ActionSpec `json:"actions"`
	AgentIDs       StringArray  `json:"agent_ids,omitempty" db:"agent_ids"`
	ComplianceTags StringArray  `json:"compliance_tags,omitempty" db:"compliance_tags"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// ActionResult records the outcome of one action in a chain.
type ActionResult struct {
	Type     ActionType `json:"type"`
	Success  bool       `json:"success"`
	Error    string     `json:"error,omitempty"`
	Metadata JSONB      `json:"metadata,omitempty"`
}

// ExecutionSummary aggregates action results across every matched policy
// for a single event.
type ExecutionSummary struct {
	EventID           string         `json:"event_id" db:"event_id"`
	PolicyIDs         []string       `json:"policy_ids"`
	RuleIDs           []string       `json:"rule_ids"`
	Results           []ActionResult `json:"results"`
	TotalActions      int            `json:"total_actions" db:"total_actions"`
	SuccessfulActions int            `json:"successful_actions" db:"successful_actions"`
	FailedActions     int            `json:"failed_actions" db:"failed_actions"`
	Blocked           bool           `json:"blocked" db:"blocked"`
	Quarantined       bool           `json:"quarantined" db:"quarantined"`
	Redacted          bool           `json:"redacted" db:"redacted"`
	Encrypted         bool           `json:"encrypted" db:"encrypted"`
	NotificationsSent int            `json:"notifications_sent" db:"notifications_sent"`
	WebhooksCalled    int            `json:"webhooks_called" db:"webhooks_called"`
	AlertsCreated     int            `json:"alerts_created" db:"alerts_created"`
	Errors            []string       `json:"errors,omitempty"`
	ExecutedAt        time.Time      `json:"executed_at" db:"executed_at"`
}

// Alert is the record the alert action creates for the alerting UI.
type Alert struct {
	ID          string    `json:"id" db:"id"`
	EventID     string    `json:"event_id" db:"event_id"`
	PolicyID    string    `json:"policy_id" db:"policy_id"`
	Severity    Severity  `json:"severity" db:"severity"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description,omitempty" db:"description"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AuditRecord is a retention-tagged entry in the durable audit trail.
type AuditRecord struct {
	ID            string    `json:"id" db:"id"`
	EventID       string    `json:"event_id" db:"event_id"`
	PolicyID      string    `json:"policy_id,omitempty" db:"policy_id"`
	LogLevel      string    `json:"log_level" db:"log_level"`
	RetentionDays int       `json:"retention_days" db:"retention_days"`
	Masked        bool      `json:"masked" db:"masked"`
	Entry         JSONB     `json:"entry" db:"entry"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type CursorState string

const (
	CursorUninitialized CursorState = "uninitialized"
	CursorActive        CursorState = "active"
)

// SourceCursor is the per-source incremental marker plus its lifecycle state.
type SourceCursor struct {
	SourceID string      `json:"source_id"`
	State    CursorState `json:"state"`
	LastSeen time.Time   `json:"last_seen"`
}

// NotifyRequest is the uniform outbound notification shape; transport per
// channel lives outside the core.
type NotifyRequest struct {
	Channel    string   `json:"channel"` // email, slack, teams, webhook, sms, siem
	Recipients []string `json:"recipients,omitempty"`
	Payload    JSONB    `json:"payload"`
}
