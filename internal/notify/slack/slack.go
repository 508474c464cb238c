// Package slack sends new guardian alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

const (
	maxDetailsLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ monitor.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts an alert to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, a *monitor.Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(a))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "alert_id", a.ID, "level", a.Level())
	return nil
}

func buildMessage(a *monitor.Alert) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			fieldsBlock(a),
			{"type": "divider"},
			detailsBlock(a),
			{"type": "divider"},
			contextBlock(a),
		},
	}
}

func headerBlock(a *monitor.Alert) map[string]any {
	text := fmt.Sprintf("%s %s", levelEmoji(a.Level()), title(a.Type))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func title(t monitor.AlertType) string {
	switch t {
	case monitor.AlertHighRiskMessage:
		return "High-risk message"
	case monitor.AlertHighRiskContact:
		return "High-risk contact"
	default:
		return "Alert: " + string(t)
	}
}

func fieldsBlock(a *monitor.Alert) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Level:* %s", a.Level()),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Score:* %.2f", a.Score),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Child:* %s", orNone(a.ChildID)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Contact:* %s", orNone(a.ContactID)),
		},
	}
	if a.MessageID != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Message:* %s", a.MessageID),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func detailsBlock(a *monitor.Alert) map[string]any {
	text := truncate(a.Details, maxDetailsLen)
	if text == "" {
		text = "_No details provided._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Details*\n\n%s", text),
		},
	}
}

func contextBlock(a *monitor.Alert) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("guardian • alert %s • %s", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func levelEmoji(level string) string {
	switch level {
	case "critical":
		return "\U0001f534" // red circle
	case "high":
		return "\U0001f7e0" // orange circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
