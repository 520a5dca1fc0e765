package config

import (
	"strings"
	"time"
)

const defaultObservabilityName = "postcron"

// ObservabilityConfig groups configuration that controls metrics, logging, and alert fan-out.
type ObservabilityConfig struct {
	Logging       LoggingConfig `envPrefix:"LOG_"`
	Metrics       ObservabilityMetricsConfig
	Notifications ObservabilityNotificationsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Logging.Sanitize()
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
}

// LoggingConfig controls the slog handler. When File is set, logs are also
// written to a size-rotated file.
type LoggingConfig struct {
	Level      string `env:"LEVEL"        envDefault:"info"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB"  envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS"  envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"14"`
	Compress   bool   `env:"COMPRESS"     envDefault:"true"`
}

// Sanitize normalises logging settings.
func (c *LoggingConfig) Sanitize() {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Level = "info"
	}
	c.File = strings.TrimSpace(c.File)
	if c.MaxSizeMB < 1 {
		c.MaxSizeMB = 1
	}
	if c.MaxBackups < 0 {
		c.MaxBackups = 0
	}
	if c.MaxAgeDays < 0 {
		c.MaxAgeDays = 0
	}
}

// ObservabilityMetricsConfig controls the Prometheus registry and scrape endpoint.
type ObservabilityMetricsConfig struct {
	Enabled   bool   `env:"OBSERVABILITY_METRICS_ENABLED"   envDefault:"true"`
	Path      string `env:"OBSERVABILITY_METRICS_PATH"      envDefault:"/metrics"`
	Namespace string `env:"OBSERVABILITY_METRICS_NAMESPACE" envDefault:"postcron"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.Namespace == "" {
		c.Namespace = defaultObservabilityName
	}
}

// IsEnabled returns true when metrics collection is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled
}

// ObservabilityNotificationsConfig controls outbound alert notifications.
type ObservabilityNotificationsConfig struct {
	Enabled    bool                        `env:"OBSERVABILITY_NOTIFICATIONS_ENABLED"     envDefault:"false"`
	Timeout    time.Duration               `env:"OBSERVABILITY_NOTIFICATIONS_TIMEOUT"     envDefault:"5s"`
	RetryLimit int                         `env:"OBSERVABILITY_NOTIFICATIONS_RETRY_LIMIT" envDefault:"3"`
	Slack      SlackNotificationConfig     `                                                                 envPrefix:"OBSERVABILITY_NOTIFICATIONS_SLACK_"`
	PagerDuty  PagerDutyNotificationConfig `                                                                 envPrefix:"OBSERVABILITY_NOTIFICATIONS_PAGERDUTY_"`

	// NotifyPostFailures sends a warning for every post that reaches terminal failure.
	NotifyPostFailures bool `env:"OBSERVABILITY_NOTIFICATIONS_POST_FAILURES" envDefault:"true"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.PagerDuty.Enabled = false
		return
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}

	if c.PagerDuty.Enabled && c.PagerDuty.RoutingKey == "" {
		c.PagerDuty.Enabled = false
	}
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME"    envDefault:"postcron"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	if c.Username == "" {
		c.Username = defaultObservabilityName
	}
}

// PagerDutyNotificationConfig controls PagerDuty Events API v2 fan-out.
// Only critical alerts are paged.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"postcron"`
	Component  string `env:"COMPONENT"   envDefault:"dispatcher"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	if c.Source = strings.TrimSpace(c.Source); c.Source == "" {
		c.Source = defaultObservabilityName
	}
	if c.Component = strings.TrimSpace(c.Component); c.Component == "" {
		c.Component = "dispatcher"
	}
}
