package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/target/postcron/config"
)

// InitLogger initializes the structured logger. When cfg.File is set, logs
// are written to stdout and to a size-rotated file.
func InitLogger(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig validates that at least one service is enabled and
// that the enabled services have what they need.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	if len(services) == 0 {
		return errors.New("no services enabled")
	}
	if services[config.ServiceModeHTTP] && !cfg.Auth.TriggersEnabled() {
		return errors.New("CRON_SECRET is required when the http service is enabled")
	}
	if services[config.ServiceModeScheduler] {
		if err := cfg.Scheduler.Validate(); err != nil {
			return fmt.Errorf("scheduler configuration: %w", err)
		}
	}

	return nil
}

// GetEnabledServices returns a sorted list of enabled service names.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		// Return empty list on error - validation will catch this
		return []string{}
	}

	enabledServices := make([]string, 0, len(services))
	for svc := range services {
		enabledServices = append(enabledServices, string(svc))
	}
	sort.Strings(enabledServices)
	return enabledServices
}
