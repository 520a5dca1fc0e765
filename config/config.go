package config

import (
	"os"
	"strings"
	"time"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: Trigger and admin credentials
//   - database.go: Database and Redis configuration
//   - http.go: HTTP server configuration
//   - dispatch.go: Dispatcher, health monitor and recovery configuration
//   - services.go: Service mode and in-process scheduler configuration
//   - observability.go: Logging, metrics and alert fan-out
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or GO_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// DisplayTimezone is the IANA zone used when rendering instants for humans
	// (alert messages, admin CLI output). Stored instants are always UTC.
	DisplayTimezone string `env:"DISPLAY_TIMEZONE" envDefault:"Asia/Kolkata"`

	// Trigger and admin credentials
	Auth AuthConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	// In-process cron scheduler configuration
	Scheduler SchedulerConfig

	// Delivery pipeline configuration
	Dispatch DispatchConfig
	Monitor  MonitorConfig
	Recovery RecoveryConfig

	// Publisher configuration
	LinkedIn LinkedInConfig `envPrefix:"LINKEDIN_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Auth.Sanitize()
	c.Postgres.Sanitize()

	c.Scheduler.Sanitize()
	c.Dispatch.Sanitize()
	c.Monitor.Sanitize()
	c.Recovery.Sanitize()
	c.LinkedIn.Sanitize()
	c.Observability.Sanitize()

	// Trigger handlers run dispatch synchronously.
	if c.HTTP.WriteTimeout <= c.Dispatch.RunTimeout {
		c.HTTP.WriteTimeout = c.Dispatch.RunTimeout + 30*time.Second
	}

	if c.DisplayTimezone = strings.TrimSpace(c.DisplayTimezone); c.DisplayTimezone == "" {
		c.DisplayTimezone = "UTC"
	}

	c.detectDevMode()
}

// detectDevMode checks both DEV and GO_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		goEnv := strings.ToLower(os.Getenv("GO_ENV"))
		c.IsDev = goEnv == "development" || goEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.isEnabled(ServiceModeHTTP)
}

// IsSchedulerEnabled returns true if the in-process cron scheduler is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.isEnabled(ServiceModeScheduler)
}

func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
