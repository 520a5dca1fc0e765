package config

import "strings"

// AuthConfig groups the shared secrets guarding the trigger and admin surfaces.
type AuthConfig struct {
	// CronSecret is the bearer credential external schedulers present on
	// the dispatch and recovery trigger endpoints.
	CronSecret string `env:"CRON_SECRET"`

	// AdminToken guards the admin post endpoints. When empty the admin
	// routes are not registered.
	AdminToken string `env:"ADMIN_TOKEN"`
}

// Sanitize trims surrounding whitespace from configured secrets.
func (a *AuthConfig) Sanitize() {
	a.CronSecret = strings.TrimSpace(a.CronSecret)
	a.AdminToken = strings.TrimSpace(a.AdminToken)
}

// TriggersEnabled reports whether a cron secret is configured.
func (a *AuthConfig) TriggersEnabled() bool {
	return a.CronSecret != ""
}

// AdminEnabled reports whether the admin surface should be exposed.
func (a *AuthConfig) AdminEnabled() bool {
	return a.AdminToken != ""
}
