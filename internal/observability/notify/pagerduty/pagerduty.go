package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/postcron/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

// NewClient constructs a PagerDuty events client from config. Callers must provide a routing key.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		routingKey: key,
		source:     fallbackString(cfg.Source, "postcron"),
		component:  fallbackString(cfg.Component, "dispatcher"),
		endpoint:   fallbackString(cfg.Endpoint, APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// Send submits a trigger event to PagerDuty.
func (c *Client) Send(ctx context.Context, alert notify.Alert) error {
	body, err := json.Marshal(c.buildEvent(alert))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}
	return notify.Retry(ctx, c.retryLimit, func(ctx context.Context) error {
		return c.submit(ctx, body)
	})
}

func (c *Client) buildEvent(alert notify.Alert) map[string]any {
	severity := strings.ToLower(fallbackString(alert.Severity, notify.SeverityWarning))

	occurredAt := alert.OccurredAt.UTC()
	if alert.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{"alert_key": alert.Key}
	if alert.LocalTime != "" {
		custom["local_time"] = alert.LocalTime
	}
	for k, v := range alert.Details {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	source := c.source
	if alert.Source != "" {
		source = c.source + "/" + alert.Source
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		// Repeats of the same condition fold into one PagerDuty incident.
		"dedup_key": "postcron:" + fallbackString(alert.Key, "alert"),
		"payload": map[string]any{
			"summary":        fallbackString(alert.Summary, "postcron alert"),
			"severity":       severity,
			"source":         source,
			"component":      c.component,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}

func (c *Client) submit(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty request failed: %w", err)
	}
	return notify.CheckResponse("pagerduty api", resp)
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
