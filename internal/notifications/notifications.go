// Package notifications delivers alert and policy notifications over the
// configured channels. Every send uses a bounded timeout and no synchronous
// retry; a failed delivery surfaces as an error on that one action.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/guardline/dlp/internal/config"
	"github.com/guardline/dlp/internal/models"
)

const (
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
	ChannelTeams   = "teams"
	ChannelWebhook = "webhook"
	ChannelSMS     = "sms"
	ChannelSIEM    = "siem"
)

// Service routes NotifyRequests to channel senders.
type Service struct {
	cfg    config.NotificationsConfig
	logger *slog.Logger
	client *http.Client

	// sendMail is swappable for tests.
	sendMail func(addr string, from string, to []string, msg []byte) error
}

func NewService(cfg config.NotificationsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Service{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: timeout},
		sendMail: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Dispatch sends one notification over its named channel. Unknown channels
// are an error so a typo in policy shows up in the action result.
func (s *Service) Dispatch(ctx context.Context, req *models.NotifyRequest) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var err error
	switch req.Channel {
	case ChannelSlack:
		err = s.sendSlack(ctx, req)
	case ChannelEmail:
		err = s.sendEmail(req)
	case ChannelTeams:
		err = s.sendTeams(ctx, req)
	case ChannelWebhook:
		err = s.sendWebhook(ctx, req)
	case ChannelSMS:
		// No SMS gateway is wired; record the intent and surface it in logs.
		s.logger.Info("sms notification recorded", "recipients", req.Recipients)
	case ChannelSIEM:
		err = s.sendSIEM(ctx, req)
	default:
		return fmt.Errorf("unknown notification channel %q", req.Channel)
	}

	if err != nil {
		return fmt.Errorf("%s: %w", req.Channel, err)
	}

	s.logger.Info("notification sent", "channel", req.Channel)
	return nil
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Service) sendSlack(ctx context.Context, req *models.NotifyRequest) error {
	if !s.cfg.Slack.Enabled || s.cfg.Slack.WebhookURL == "" {
		return fmt.Errorf("slack channel not configured")
	}

	msg := map[string]any{
		"channel": s.cfg.Slack.Channel,
		"text":    payloadText(req.Payload),
		"attachments": []map[string]any{{
			"color":  severityColor(payloadSeverity(req.Payload)),
			"title":  payloadString(req.Payload, "title"),
			"text":   payloadString(req.Payload, "message"),
			"footer": "DLP",
			"ts":     time.Now().Unix(),
		}},
	}

	return s.postJSON(ctx, s.cfg.Slack.WebhookURL, msg, nil)
}

func (s *Service) sendTeams(ctx context.Context, req *models.NotifyRequest) error {
	if !s.cfg.Teams.Enabled || s.cfg.Teams.WebhookURL == "" {
		return fmt.Errorf("teams channel not configured")
	}

	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": strings.TrimPrefix(severityColor(payloadSeverity(req.Payload)), "#"),
		"summary":    payloadString(req.Payload, "title"),
		"title":      payloadString(req.Payload, "title"),
		"text":       payloadString(req.Payload, "message"),
	}

	return s.postJSON(ctx, s.cfg.Teams.WebhookURL, card, nil)
}

// sendWebhook posts the raw payload to the URL named in the request itself,
// so policies can target arbitrary endpoints.
func (s *Service) sendWebhook(ctx context.Context, req *models.NotifyRequest) error {
	url := payloadString(req.Payload, "url")
	if url == "" && len(req.Recipients) > 0 {
		url = req.Recipients[0]
	}
	if url == "" {
		return fmt.Errorf("webhook url missing")
	}

	headers := map[string]string{}
	if h, ok := req.Payload["headers"].(map[string]any); ok {
		for k, v := range h {
			if sv, ok := v.(string); ok {
				headers[k] = sv
			}
		}
	}

	body := req.Payload["body"]
	if body == nil {
		body = map[string]any(req.Payload)
	}

	return s.postJSON(ctx, url, body, headers)
}

func (s *Service) sendSIEM(ctx context.Context, req *models.NotifyRequest) error {
	if !s.cfg.SIEM.Enabled || s.cfg.SIEM.Endpoint == "" {
		return fmt.Errorf("siem channel not configured")
	}

	headers := map[string]string{}
	if s.cfg.SIEM.APIKey != "" {
		headers["Authorization"] = "Bearer " + s.cfg.SIEM.APIKey
	}

	event := map[string]any{
		"source":    "dlp",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   map[string]any(req.Payload),
	}

	return s.postJSON(ctx, s.cfg.SIEM.Endpoint, event, headers)
}

func (s *Service) sendEmail(req *models.NotifyRequest) error {
	if !s.cfg.Email.Enabled || s.cfg.Email.SMTPHost == "" {
		return fmt.Errorf("email channel not configured")
	}

	to := req.Recipients
	if len(to) == 0 {
		to = s.cfg.Email.To
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	subject := payloadString(req.Payload, "title")
	if subject == "" {
		subject = "DLP notification"
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.Email.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: [DLP] %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(payloadString(req.Payload, "message"))
	msg.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", s.cfg.Email.SMTPHost, s.cfg.Email.SMTPPort)
	return s.sendMail(addr, s.cfg.Email.From, to, msg.Bytes())
}

func (s *Service) postJSON(ctx context.Context, url string, body any, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func payloadString(p models.JSONB, key string) string {
	if p == nil {
		return ""
	}
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

func payloadText(p models.JSONB) string {
	title := payloadString(p, "title")
	message := payloadString(p, "message")
	if title == "" {
		return message
	}
	if message == "" {
		return title
	}
	return title + ": " + message
}

func payloadSeverity(p models.JSONB) models.Severity {
	return models.Severity(payloadString(p, "severity"))
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}
