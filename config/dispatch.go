package config

import (
	"strings"
	"time"
)

// DispatchConfig contains dispatcher configuration.
type DispatchConfig struct {
	// Window is the catch-up horizon for the primary and backup triggers.
	// Only pending posts scheduled within [now-Window, now] are claimed.
	Window time.Duration `env:"DISPATCH_WINDOW" envDefault:"5m"`

	// Lease is how long a claimed post stays in_flight before another sweep may requeue it.
	Lease time.Duration `env:"DISPATCH_LEASE" envDefault:"2m"`

	// BatchSize caps the number of posts claimed per run.
	BatchSize int `env:"DISPATCH_BATCH_SIZE" envDefault:"50"`

	// PublishTimeout bounds each external publish call.
	PublishTimeout time.Duration `env:"DISPATCH_PUBLISH_TIMEOUT" envDefault:"20s"`

	// RunTimeout bounds a whole dispatch run.
	RunTimeout time.Duration `env:"DISPATCH_RUN_TIMEOUT" envDefault:"2m"`

	// RetryBaseDelay is the first retry backoff; later retries double it.
	RetryBaseDelay time.Duration `env:"DISPATCH_RETRY_BASE_DELAY" envDefault:"30s"`

	// DefaultMaxRetries applies to posts created without an explicit cap.
	DefaultMaxRetries int `env:"DISPATCH_DEFAULT_MAX_RETRIES" envDefault:"3"`

	// ChargeAmount is the credit cost debited per successfully posted item.
	ChargeAmount int64 `env:"DISPATCH_CHARGE_AMOUNT" envDefault:"1"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatchConfig) Sanitize() {
	if d.Window < time.Minute {
		d.Window = time.Minute
	}
	if d.Lease < 30*time.Second {
		d.Lease = 30 * time.Second
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.BatchSize > 500 {
		d.BatchSize = 500
	}
	if d.PublishTimeout <= 0 {
		d.PublishTimeout = 20 * time.Second
	}
	// A lease shorter than one publish call lets a second sweep reclaim a post mid-flight.
	if d.Lease <= d.PublishTimeout {
		d.Lease = d.PublishTimeout + 30*time.Second
	}
	if d.RunTimeout < d.PublishTimeout {
		d.RunTimeout = d.PublishTimeout
	}
	if d.RetryBaseDelay < 0 {
		d.RetryBaseDelay = 0
	}
	if d.DefaultMaxRetries < 1 {
		d.DefaultMaxRetries = 1
	}
	if d.ChargeAmount < 0 {
		d.ChargeAmount = 0
	}
}

// MonitorConfig contains health monitor thresholds.
type MonitorConfig struct {
	// OverdueAfter marks a pending post overdue (primary-trigger SLA breach).
	OverdueAfter time.Duration `env:"HEALTH_OVERDUE_AFTER" envDefault:"10m"`

	// StuckAfter marks a pending post stuck (needs escalation).
	StuckAfter time.Duration `env:"HEALTH_STUCK_AFTER" envDefault:"1h"`

	// LookbackWindow is the window for failed/posted counts.
	LookbackWindow time.Duration `env:"HEALTH_LOOKBACK_WINDOW" envDefault:"24h"`

	// DegradedOverdue is the overdue count above which the system is degraded.
	DegradedOverdue int `env:"HEALTH_DEGRADED_OVERDUE" envDefault:"5"`

	// UnhealthyOverdue is the overdue count above which the system is unhealthy.
	UnhealthyOverdue int `env:"HEALTH_UNHEALTHY_OVERDUE" envDefault:"10"`

	// UnhealthyFailed is the failed-in-lookback count above which the system is unhealthy.
	UnhealthyFailed int `env:"HEALTH_UNHEALTHY_FAILED" envDefault:"20"`
}

// Sanitize applies guardrails to monitor thresholds.
func (m *MonitorConfig) Sanitize() {
	if m.OverdueAfter <= 0 {
		m.OverdueAfter = 10 * time.Minute
	}
	if m.StuckAfter < m.OverdueAfter {
		m.StuckAfter = m.OverdueAfter
	}
	if m.LookbackWindow <= 0 {
		m.LookbackWindow = 24 * time.Hour
	}
	if m.DegradedOverdue < 0 {
		m.DegradedOverdue = 0
	}
	if m.UnhealthyOverdue < m.DegradedOverdue {
		m.UnhealthyOverdue = m.DegradedOverdue
	}
	if m.UnhealthyFailed < 0 {
		m.UnhealthyFailed = 0
	}
}

// RecoveryConfig contains recovery orchestrator configuration.
type RecoveryConfig struct {
	// BackupWindow is the catch-up horizon of the backup sweep. It defaults to
	// the stuck threshold so overdue but not yet stuck posts are still delivered.
	BackupWindow time.Duration `env:"RECOVERY_BACKUP_WINDOW" envDefault:"1h"`

	// AlertDedupWindow suppresses repeat notifications for the same alert.
	AlertDedupWindow time.Duration `env:"RECOVERY_ALERT_DEDUP_WINDOW" envDefault:"30m"`

	// ReconcileAfter is how long a posted row may stay uncharged before the
	// recovery pass charges it.
	ReconcileAfter time.Duration `env:"RECOVERY_RECONCILE_AFTER" envDefault:"2m"`

	// ReconcileBatchSize caps charges reconciled per run.
	ReconcileBatchSize int `env:"RECOVERY_RECONCILE_BATCH_SIZE" envDefault:"100"`

	// LockTTL bounds how long one recovery run holds the cross-instance lock.
	LockTTL time.Duration `env:"RECOVERY_LOCK_TTL" envDefault:"4m"`
}

// Sanitize applies guardrails to recovery configuration values.
func (r *RecoveryConfig) Sanitize() {
	if r.BackupWindow < time.Minute {
		r.BackupWindow = time.Minute
	}
	if r.AlertDedupWindow < 0 {
		r.AlertDedupWindow = 0
	}
	if r.ReconcileAfter < 0 {
		r.ReconcileAfter = 0
	}
	if r.ReconcileBatchSize < 1 {
		r.ReconcileBatchSize = 1
	}
	if r.LockTTL < 30*time.Second {
		r.LockTTL = 30 * time.Second
	}
}

// LinkedInConfig configures the LinkedIn publisher.
type LinkedInConfig struct {
	APIBaseURL string        `env:"API_BASE_URL" envDefault:"https://api.linkedin.com"`
	Timeout    time.Duration `env:"TIMEOUT"      envDefault:"15s"`
	// Visibility is the member network visibility for shares (PUBLIC or CONNECTIONS).
	Visibility string `env:"VISIBILITY" envDefault:"PUBLIC"`
}

// Sanitize normalises publisher settings.
func (l *LinkedInConfig) Sanitize() {
	l.APIBaseURL = strings.TrimRight(strings.TrimSpace(l.APIBaseURL), "/")
	if l.APIBaseURL == "" {
		l.APIBaseURL = "https://api.linkedin.com"
	}
	if l.Timeout <= 0 {
		l.Timeout = 15 * time.Second
	}
	l.Visibility = strings.ToUpper(strings.TrimSpace(l.Visibility))
	if l.Visibility != "PUBLIC" && l.Visibility != "CONNECTIONS" {
		l.Visibility = "PUBLIC"
	}
}
