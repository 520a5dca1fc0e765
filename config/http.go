package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the base URL of the service (e.g., "https://postcron.example.com").
	// Used for links in alert notifications.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// WriteTimeout bounds trigger handlers. Dispatch runs are synchronous, so
	// this must exceed DISPATCH_RUN_TIMEOUT.
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"5m"`

	// MaxBodyBytes caps admin request bodies.
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.WriteTimeout < 30*time.Second {
		h.WriteTimeout = 30 * time.Second
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 1 << 20
	}
}
