package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/target/postcron/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client delivers alerts to a Slack incoming webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	retryLimit int
	client     *http.Client
}

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "postcron"
	}

	return &Client{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   username,
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// Send posts a formatted message to Slack.
func (c *Client) Send(ctx context.Context, alert notify.Alert) error {
	body, err := json.Marshal(c.formatMessage(alert))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.Retry(ctx, c.retryLimit, func(ctx context.Context) error {
		return c.post(ctx, body)
	})
}

func (c *Client) formatMessage(alert notify.Alert) map[string]any {
	var text strings.Builder

	text.WriteString(severityEmoji(alert.Severity))
	text.WriteString(" *")
	text.WriteString(escapeSlackText(fallback(alert.Summary, "postcron alert")))
	text.WriteString("*\n")

	appendField(&text, "Severity", fallback(alert.Severity, notify.SeverityWarning))
	appendField(&text, "Source", alert.Source)
	appendField(&text, "Key", alert.Key)

	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		appendField(&text, k, escapeSlackText(alert.Details[k]))
	}

	occurred := alert.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	text.WriteString("• Timestamp: ")
	text.WriteString(occurred.UTC().Format(time.RFC3339))
	if alert.LocalTime != "" {
		text.WriteString(" (")
		text.WriteString(alert.LocalTime)
		text.WriteByte(')')
	}

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	return notify.CheckResponse("slack webhook", resp)
}

func severityEmoji(severity string) string {
	switch severity {
	case notify.SeverityCritical:
		return ":rotating_light:"
	case notify.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func escapeSlackText(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
