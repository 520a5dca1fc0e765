package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server (trigger, admin and health endpoints).
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the in-process cron trigger for dispatch and recovery.
	ServiceModeScheduler ServiceMode = "scheduler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeScheduler,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeScheduler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig configures the in-process cron trigger. Specs use the
// robfig/cron syntax, including descriptors such as "@every 1m".
type SchedulerConfig struct {
	// DispatchSpec fires the primary dispatch sweep.
	DispatchSpec string `env:"SCHEDULER_DISPATCH_SPEC" envDefault:"@every 1m"`

	// BackupDispatchSpec fires the backup dispatch trigger. Empty disables it.
	BackupDispatchSpec string `env:"SCHEDULER_BACKUP_DISPATCH_SPEC" envDefault:"@every 2m"`

	// RecoverySpec fires the recovery orchestrator.
	RecoverySpec string `env:"SCHEDULER_RECOVERY_SPEC" envDefault:"*/5 * * * *"`

	// WithSeconds enables the optional leading seconds field in specs.
	WithSeconds bool `env:"SCHEDULER_WITH_SECONDS" envDefault:"true"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	s.DispatchSpec = strings.TrimSpace(s.DispatchSpec)
	s.BackupDispatchSpec = strings.TrimSpace(s.BackupDispatchSpec)
	s.RecoverySpec = strings.TrimSpace(s.RecoverySpec)
	if s.DispatchSpec == "" {
		s.DispatchSpec = "@every 1m"
	}
	if s.RecoverySpec == "" {
		s.RecoverySpec = "@every 5m"
	}
}

// Parser returns the cron parser matching WithSeconds.
func (s SchedulerConfig) Parser() cron.Parser {
	fields := cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
	if s.WithSeconds {
		fields |= cron.SecondOptional
	}
	return cron.NewParser(fields)
}

// Validate parses every configured spec with Parser.
func (s SchedulerConfig) Validate() error {
	parser := s.Parser()
	specs := []struct{ env, spec string }{
		{"SCHEDULER_DISPATCH_SPEC", s.DispatchSpec},
		{"SCHEDULER_BACKUP_DISPATCH_SPEC", s.BackupDispatchSpec},
		{"SCHEDULER_RECOVERY_SPEC", s.RecoverySpec},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}
		if _, err := parser.Parse(sp.spec); err != nil {
			if !s.WithSeconds && strings.Count(sp.spec, " ") == 5 {
				return fmt.Errorf("%s %q has a seconds field but SCHEDULER_WITH_SECONDS is false: %w", sp.env, sp.spec, err)
			}
			return fmt.Errorf("%s %q: %w", sp.env, sp.spec, err)
		}
	}
	return nil
}
