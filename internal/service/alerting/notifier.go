// Package alerting fans health and delivery alerts out to operator sinks.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/observability/notify"
	"github.com/target/postcron/internal/timeutil"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
	// CriticalOnly restricts the sink to critical alerts (paging sinks).
	CriticalOnly bool
}

// Options configures the alerting service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration

	// Cache suppresses repeats of the same alert key within DedupWindow.
	// Nil or a zero window disables suppression.
	Cache       core.CacheRepository
	DedupWindow time.Duration

	// Location renders alert timestamps for operators.
	Location *time.Location
	Clock    core.Clock
	Source   string
}

// Service dispatches alerts to all registered sinks. It implements core.Alerter.
type Service struct {
	logger   *slog.Logger
	sinks    []SinkRegistration
	cache    core.CacheRepository
	window   time.Duration
	location *time.Location
	clock    core.Clock
	source   string
}

var _ core.Alerter = (*Service)(nil)

// NewService constructs an alerting service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "alerting")

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	source := opts.Source
	if source == "" {
		source = "monitor"
	}

	return &Service{
		logger:   logger,
		sinks:    sinks,
		cache:    opts.Cache,
		window:   opts.DedupWindow,
		location: loc,
		clock:    clock,
		source:   source,
	}
}

// Enabled reports whether the service has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}

// Notify delivers a health alert. Repeats of the same key inside the dedup
// window return core.ErrAlertSuppressed. Sink failures are joined into the
// returned error.
func (s *Service) Notify(ctx context.Context, alert model.HealthAlert) error {
	now := s.clock.Now()
	return s.deliver(ctx, notify.Alert{
		Key:        alert.Key,
		Summary:    alert.Message,
		Severity:   sinkSeverity(alert.Type),
		Source:     s.source,
		OccurredAt: now,
		LocalTime:  timeutil.Format(now, s.location),
		Details: map[string]string{
			"severity": string(alert.Severity),
		},
	})
}

// NotifyPostFailure reports a post that reached terminal failure.
func (s *Service) NotifyPostFailure(ctx context.Context, post *model.ScheduledPost, reason string) error {
	if post == nil {
		return nil
	}
	now := s.clock.Now()
	return s.deliver(ctx, notify.Alert{
		Key:        "post_failed:" + post.ID,
		Summary:    fmt.Sprintf("%s post %s failed after %d attempt(s)", post.Platform, post.ID, post.RetryCount),
		Severity:   notify.SeverityWarning,
		Source:     "dispatcher",
		OccurredAt: now,
		LocalTime:  timeutil.Format(now, s.location),
		Details: map[string]string{
			"post_id":       post.ID,
			"owner_id":      post.OwnerID.String(),
			"platform":      string(post.Platform),
			"scheduled_for": timeutil.Format(post.ScheduledFor, s.location),
			"retry_count":   strconv.Itoa(post.RetryCount),
			"error":         reason,
		},
	})
}

func (s *Service) deliver(ctx context.Context, alert notify.Alert) error {
	if len(s.sinks) == 0 {
		return nil
	}
	if !s.claim(ctx, alert.Key) {
		s.logger.DebugContext(ctx, "alert suppressed", "key", alert.Key)
		return core.ErrAlertSuppressed
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		targeted int
	)
	for _, entry := range s.sinks {
		if entry.CriticalOnly && alert.Severity != notify.SeverityCritical {
			continue
		}
		targeted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.Send(ctx, alert); err != nil {
				s.logger.ErrorContext(ctx, "alert delivery error",
					"sink", entry.Name,
					"key", alert.Key,
					"error", err,
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if targeted > 0 && len(errs) == targeted {
		// Nobody was told, so the next attempt must not be suppressed.
		s.release(ctx, alert.Key)
	}
	return errors.Join(errs...)
}

// claim reports whether the alert should be sent. Cache errors fail open.
func (s *Service) claim(ctx context.Context, key string) bool {
	if s.cache == nil || s.window <= 0 || key == "" {
		return true
	}
	ok, err := s.cache.SetIfNotExists(ctx, "alert:"+key, []byte("1"), s.window)
	if err != nil {
		s.logger.WarnContext(ctx, "alert dedup unavailable", "key", key, "error", err)
		return true
	}
	return ok
}

// release drops the dedup key set by claim.
func (s *Service) release(ctx context.Context, key string) {
	if s.cache == nil || s.window <= 0 || key == "" {
		return
	}
	if _, err := s.cache.Delete(ctx, "alert:"+key); err != nil {
		s.logger.WarnContext(ctx, "alert dedup release failed", "key", key, "error", err)
	}
}

func sinkSeverity(t model.AlertType) string {
	switch t {
	case model.AlertTypeCritical:
		return notify.SeverityCritical
	case model.AlertTypeWarning:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
