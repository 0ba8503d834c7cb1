// Package actions executes the remediation actions declared by matched
// policies. Handlers are isolated: one failing action is recorded and the
// chain continues, so a dead webhook can never mask a block.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guardline/dlp/internal/classifier"
	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/policy"
)

// AlertStore persists alert records created by the alert action.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
}

// Auditor persists audit-trail records created by the audit action.
type Auditor interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
}

// Notifier delivers notify and webhook actions.
type Notifier interface {
	Dispatch(ctx context.Context, req *models.NotifyRequest) error
}

type Executor struct {
	alerts        AlertStore
	auditor       Auditor
	notifier      Notifier
	cipher        *Cipher
	logger        *slog.Logger
	actionTimeout time.Duration
}

func NewExecutor(alerts AlertStore, auditor Auditor, notifier Notifier, cipher *Cipher, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		alerts:        alerts,
		auditor:       auditor,
		notifier:      notifier,
		cipher:        cipher,
		logger:        logger,
		actionTimeout: timeout,
	}
}

// Execute runs every action of every matched policy in declared order and
// aggregates the outcome into one summary per event. Handler errors never
// stop the chain; they are recorded and execution moves on.
func (e *Executor) Execute(ctx context.Context, ev *models.Event, cls *models.ClassificationResult, matches []policy.Match) *models.ExecutionSummary {
	summary := &models.ExecutionSummary{
		EventID:    ev.ID,
		ExecutedAt: time.Now().UTC(),
	}

	for _, m := range matches {
		summary.PolicyIDs = append(summary.PolicyIDs, m.Policy.ID.String())
		summary.RuleIDs = append(summary.RuleIDs, m.MatchedRules...)

		for _, spec := range m.Policy.Actions {
			result := e.runOne(ctx, ev, cls, m.Policy, spec)
			summary.Results = append(summary.Results, result)
			summary.TotalActions++

			if result.Success {
				summary.SuccessfulActions++
			} else {
				summary.FailedActions++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", spec.Type, result.Error))
				e.logger.Warn("action failed",
					"event_id", ev.ID,
					"policy_id", m.Policy.ID,
					"action", spec.Type,
					"error", result.Error)
				continue
			}

			switch spec.Type {
			case models.ActionBlock:
				summary.Blocked = true
			case models.ActionQuarantine:
				summary.Quarantined = true
			case models.ActionRedact:
				summary.Redacted = true
			case models.ActionEncrypt:
				summary.Encrypted = true
			case models.ActionNotify:
				summary.NotificationsSent++
			case models.ActionWebhook:
				summary.WebhooksCalled++
			case models.ActionAlert:
				summary.AlertsCreated++
			}
		}
	}

	return summary
}

func (e *Executor) runOne(ctx context.Context, ev *models.Event, cls *models.ClassificationResult, pol *models.Policy, spec models.ActionSpec) (result models.ActionResult) {
	result.Type = spec.Type

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	if !models.KnownActionTypes[spec.Type] {
		result.Error = fmt.Sprintf("unknown action type %q", spec.Type)
		return result
	}

	var err error
	switch spec.Type {
	case models.ActionAlert:
		err = e.doAlert(ctx, ev, pol, spec, &result)
	case models.ActionBlock:
		e.doBlock(ev, spec, &result)
	case models.ActionQuarantine:
		e.doQuarantine(ev, spec, &result)
	case models.ActionRedact:
		e.doRedact(ev, cls, spec, &result)
	case models.ActionEncrypt:
		err = e.doEncrypt(ev, &result)
	case models.ActionNotify:
		err = e.doNotify(ctx, ev, pol, spec)
	case models.ActionWebhook:
		err = e.doWebhook(ctx, ev, pol, spec)
	case models.ActionAudit:
		err = e.doAudit(ctx, ev, pol, spec)
	case models.ActionTag:
		e.doTag(ev, spec, &result)
	case models.ActionEscalate:
		e.doEscalate(ev, spec)
	case models.ActionDelete:
		ev.MarkedForDeletion = true
	case models.ActionPreserve:
		e.doPreserve(ev, spec)
	case models.ActionFlagForReview:
		e.doFlagForReview(ev, spec)
	case models.ActionCreateIncident:
		e.doCreateIncident(ev, &result)
	case models.ActionTrack:
		e.doTrack(ev, &result)
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (e *Executor) doAlert(ctx context.Context, ev *models.Event, pol *models.Policy, spec models.ActionSpec, result *models.ActionResult) error {
	if e.alerts == nil {
		return fmt.Errorf("alert store not configured")
	}

	severity := models.Severity(param(spec, "severity"))
	if models.SeverityRank(severity) == 0 {
		severity = pol.Severity
	}
	if models.SeverityRank(severity) == 0 {
		severity = models.SeverityMedium
	}

	title := param(spec, "title")
	if title == "" {
		title = fmt.Sprintf("Policy %q matched event %s", pol.Name, ev.ID)
	}

	alert := &models.Alert{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		PolicyID:  pol.ID.String(),
		Severity:  severity,
		Title:     title,
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		return err
	}
	result.Metadata = models.JSONB{"alert_id": alert.ID}
	return nil
}

func (e *Executor) doBlock(ev *models.Event, spec models.ActionSpec, result *models.ActionResult) {
	ev.Blocked = true
	ev.BlockReason = param(spec, "reason")
	if ev.BlockReason == "" {
		ev.BlockReason = "policy violation"
	}
	result.Metadata = models.JSONB{"reason": ev.BlockReason}
}

// doQuarantine records the intended quarantine location as metadata only.
// The collector owns moving bytes; the core never touches the artifact.
func (e *Executor) doQuarantine(ev *models.Event, spec models.ActionSpec, result *models.ActionResult) {
	location := param(spec, "location")
	if location == "" {
		location = "/var/dlp/quarantine/" + ev.ID
	}
	ev.Quarantined = true
	ev.QuarantinePath = location
	ev.QuarantineTime = time.Now().UTC()
	result.Metadata = models.JSONB{"quarantine_path": location}
}

func (e *Executor) doRedact(ev *models.Event, cls *models.ClassificationResult, spec models.ActionSpec, result *models.ActionResult) {
	method := strings.ToUpper(param(spec, "method"))
	if method == "" {
		method = classifier.RedactFull
	}

	if method == classifier.RedactFull {
		// Full redaction replaces the whole content, not just the spans.
		if ev.Content != "" {
			ev.Content = classifier.Redact(ev.Content, method)
		}
	} else if cls != nil && len(cls.Labels) > 0 {
		spans := make([]models.Span, 0, len(cls.Labels))
		for _, l := range cls.Labels {
			spans = append(spans, l.Span)
		}
		ev.Content = classifier.RedactSpans(ev.Content, spans, method)
	} else if ev.Content != "" {
		ev.Content = classifier.Redact(ev.Content, method)
	}

	ev.Redacted = true
	ev.RedactionMethod = method
	result.Metadata = models.JSONB{"method": method}
}

// doEncrypt seals the content and replaces it with a fixed placeholder so
// plaintext never persists past this point.
func (e *Executor) doEncrypt(ev *models.Event, result *models.ActionResult) error {
	if e.cipher == nil {
		return fmt.Errorf("cipher not configured")
	}

	sealed, err := e.cipher.Seal(ev.Content)
	if err != nil {
		return err
	}

	ev.Ciphertext = sealed
	ev.Content = "[ENCRYPTED]"
	ev.Encrypted = true
	ev.EncryptionAlg = e.cipher.Algorithm()
	ev.EncryptionKeyRef = e.cipher.KeyRef()
	result.Metadata = models.JSONB{"algorithm": e.cipher.Algorithm()}
	return nil
}

func (e *Executor) doNotify(ctx context.Context, ev *models.Event, pol *models.Policy, spec models.ActionSpec) error {
	if e.notifier == nil {
		return fmt.Errorf("notifier not configured")
	}

	channel := param(spec, "channel")
	if channel == "" {
		channel = "slack"
	}

	message := param(spec, "message")
	if message == "" {
		message = fmt.Sprintf("Policy %q matched event %s", pol.Name, ev.ID)
	}

	return e.notifier.Dispatch(ctx, &models.NotifyRequest{
		Channel:    channel,
		Recipients: paramList(spec, "recipients"),
		Payload: models.JSONB{
			"title":    param(spec, "title"),
			"message":  message,
			"severity": string(pol.Severity),
			"event_id": ev.ID,
		},
	})
}

func (e *Executor) doWebhook(ctx context.Context, ev *models.Event, pol *models.Policy, spec models.ActionSpec) error {
	if e.notifier == nil {
		return fmt.Errorf("notifier not configured")
	}

	url := param(spec, "url")
	if url == "" {
		return fmt.Errorf("webhook url missing")
	}

	payload := models.JSONB{
		"url": url,
		"body": map[string]any{
			"event_id":    ev.ID,
			"policy_id":   pol.ID.String(),
			"policy_name": pol.Name,
			"source_type": string(ev.SourceType),
			"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if h, ok := spec.Parameters["headers"]; ok {
		payload["headers"] = h
	}

	return e.notifier.Dispatch(ctx, &models.NotifyRequest{Channel: "webhook", Payload: payload})
}

func (e *Executor) doAudit(ctx context.Context, ev *models.Event, pol *models.Policy, spec models.ActionSpec) error {
	if e.auditor == nil {
		return fmt.Errorf("auditor not configured")
	}

	retention := paramInt(spec, "retention_days", 365)
	level := param(spec, "log_level")
	if level == "" {
		level = "info"
	}

	entry := models.JSONB{
		"event_id":    ev.ID,
		"source_type": string(ev.SourceType),
		"policy_id":   pol.ID.String(),
		"policy_name": pol.Name,
		"user_email":  ev.UserEmail,
	}
	masked := paramBool(spec, "mask_content")
	if !masked && ev.Content != "" {
		entry["content_sample"] = sampleContent(ev.Content)
	}

	return e.auditor.Record(ctx, &models.AuditRecord{
		ID:            uuid.NewString(),
		EventID:       ev.ID,
		PolicyID:      pol.ID.String(),
		LogLevel:      level,
		RetentionDays: retention,
		Masked:        masked,
		Entry:         entry,
		CreatedAt:     time.Now().UTC(),
	})
}

func (e *Executor) doTag(ev *models.Event, spec models.ActionSpec, result *models.ActionResult) {
	tags := paramList(spec, "tags")
	if t := param(spec, "tag"); t != "" {
		tags = append(tags, t)
	}

	existing := make(map[string]bool, len(ev.Tags))
	for _, t := range ev.Tags {
		existing[t] = true
	}
	for _, t := range tags {
		if !existing[t] {
			ev.Tags = append(ev.Tags, t)
			existing[t] = true
		}
	}
	result.Metadata = models.JSONB{"tags": ev.Tags}
}

func (e *Executor) doEscalate(ev *models.Event, spec models.ActionSpec) {
	ev.Escalated = true
	ev.EscalationPriority = param(spec, "priority")
	if ev.EscalationPriority == "" {
		ev.EscalationPriority = "high"
	}
}

func (e *Executor) doPreserve(ev *models.Event, spec models.ActionSpec) {
	ev.Preserved = true
	ev.PreserveLocation = param(spec, "location")
	if ev.PreserveLocation == "" {
		ev.PreserveLocation = "legal-hold/" + ev.ID
	}
}

func (e *Executor) doFlagForReview(ev *models.Event, spec models.ActionSpec) {
	ev.FlaggedForReview = true
	ev.ReviewReason = param(spec, "reason")
	if ev.ReviewReason == "" {
		ev.ReviewReason = "policy review"
	}
	ev.Status = models.EventStatusReview
}

func (e *Executor) doCreateIncident(ev *models.Event, result *models.ActionResult) {
	if ev.IncidentID == "" {
		ev.IncidentID = "INC-" + strings.ToUpper(uuid.NewString()[:8])
	}
	result.Metadata = models.JSONB{"incident_id": ev.IncidentID}
}

func (e *Executor) doTrack(ev *models.Event, result *models.ActionResult) {
	if ev.TrackingID == "" {
		ev.TrackingID = uuid.NewString()
	}
	result.Metadata = models.JSONB{"tracking_id": ev.TrackingID}
}

func sampleContent(content string) string {
	const max = 128
	if len(content) <= max {
		return content
	}
	return content[:max]
}

func param(spec models.ActionSpec, key string) string {
	if spec.Parameters == nil {
		return ""
	}
	if s, ok := spec.Parameters[key].(string); ok {
		return s
	}
	return ""
}

func paramInt(spec models.ActionSpec, key string, def int) int {
	if spec.Parameters == nil {
		return def
	}
	switch v := spec.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func paramBool(spec models.ActionSpec, key string) bool {
	if spec.Parameters == nil {
		return false
	}
	b, _ := spec.Parameters[key].(bool)
	return b
}

func paramList(spec models.ActionSpec, key string) []string {
	if spec.Parameters == nil {
		return nil
	}
	switch v := spec.Parameters[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
