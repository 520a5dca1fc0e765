package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/observability/metrics"
)

// Alert keys used for de-duplication.
const (
	AlertKeyOverdue = "overdue_posts"
	AlertKeyStuck   = "stuck_posts"
	AlertKeyFailed  = "failed_posts"
)

// HealthMonitorServiceOptions groups dependencies for HealthMonitorService.
type HealthMonitorServiceOptions struct {
	Repo    core.PostRepository  // Required: post store
	Config  config.MonitorConfig // Required: thresholds
	Metrics *metrics.Metrics     // Optional: health gauges
	Logger  *slog.Logger         // Optional: structured logger
}

// HealthMonitorService derives a read-only health snapshot of the delivery pipeline.
type HealthMonitorService struct {
	repo    core.PostRepository
	config  config.MonitorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHealthMonitorService constructs a new HealthMonitorService.
func NewHealthMonitorService(opts HealthMonitorServiceOptions) (*HealthMonitorService, error) {
	if opts.Repo == nil {
		return nil, errors.New("PostRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitorService{
		repo:    opts.Repo,
		config:  opts.Config,
		metrics: opts.Metrics,
		logger:  logger.With("component", "health_monitor"),
	}, nil
}

// Check counts posts as of now and classifies the pipeline.
func (s *HealthMonitorService) Check(ctx context.Context, now time.Time) (*model.HealthReport, error) {
	counts, err := s.counts(ctx, now)
	if err != nil {
		return nil, err
	}

	status, alerts := ClassifyHealth(counts, s.config)
	report := &model.HealthReport{
		Status:    status,
		CheckedAt: now.UTC(),
		Counts:    counts,
		Alerts:    alerts,
	}

	s.metrics.SetHealth(metrics.HealthSnapshot{
		Status: string(status),
		Counts: map[string]int{
			"pending":    counts.Pending,
			"overdue":    counts.Overdue,
			"stuck":      counts.Stuck,
			"in_flight":  counts.InFlight,
			"failed_24h": counts.FailedLast24h,
			"posted_24h": counts.PostedLast24h,
		},
	})

	if status != model.HealthStatusHealthy {
		s.logger.WarnContext(ctx, "delivery pipeline not healthy",
			"status", status,
			"overdue", counts.Overdue,
			"stuck", counts.Stuck,
			"failed_24h", counts.FailedLast24h,
			"alerts", len(alerts),
		)
	}
	return report, nil
}

func (s *HealthMonitorService) counts(ctx context.Context, now time.Time) (model.HealthCounts, error) {
	now = now.UTC()
	overdueBefore := now.Add(-s.config.OverdueAfter)
	stuckBefore := now.Add(-s.config.StuckAfter)
	since := now.Add(-s.config.LookbackWindow)

	var counts model.HealthCounts
	queries := []struct {
		name   string
		filter model.PostCountFilter
		dst    *int
	}{
		{"pending", model.PostCountFilter{Status: model.PostStatusPending, ScheduledBefore: &now}, &counts.Pending},
		{"overdue", model.PostCountFilter{Status: model.PostStatusPending, ScheduledBefore: &overdueBefore}, &counts.Overdue},
		{"stuck", model.PostCountFilter{Status: model.PostStatusPending, ScheduledBefore: &stuckBefore}, &counts.Stuck},
		{"in_flight", model.PostCountFilter{Status: model.PostStatusInFlight}, &counts.InFlight},
		{"failed", model.PostCountFilter{Status: model.PostStatusFailed, FailedSince: &since}, &counts.FailedLast24h},
		{"posted", model.PostCountFilter{Status: model.PostStatusPosted, PostedSince: &since}, &counts.PostedLast24h},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		g.Go(func() error {
			n, err := s.repo.Count(gctx, q.filter)
			if err != nil {
				return fmt.Errorf("count %s posts: %w", q.name, err)
			}
			*q.dst = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.HealthCounts{}, err
	}
	return counts, nil
}

// ClassifyHealth applies the thresholds in cfg to counts. The first matching
// status wins: unhealthy, degraded, warning (any alert), healthy.
func ClassifyHealth(counts model.HealthCounts, cfg config.MonitorConfig) (model.HealthStatus, []model.HealthAlert) {
	alerts := []model.HealthAlert{}
	if counts.Overdue > cfg.DegradedOverdue {
		alerts = append(alerts, model.HealthAlert{
			Type:     model.AlertTypeWarning,
			Severity: model.AlertSeverityMedium,
			Key:      AlertKeyOverdue,
			Message:  fmt.Sprintf("%d posts are more than %s overdue", counts.Overdue, cfg.OverdueAfter),
		})
	}
	if counts.Stuck > 0 {
		alerts = append(alerts, model.HealthAlert{
			Type:     model.AlertTypeCritical,
			Severity: model.AlertSeverityHigh,
			Key:      AlertKeyStuck,
			Message:  fmt.Sprintf("%d posts have been pending for more than %s", counts.Stuck, cfg.StuckAfter),
		})
	}
	if counts.FailedLast24h > cfg.UnhealthyFailed {
		alerts = append(alerts, model.HealthAlert{
			Type:     model.AlertTypeWarning,
			Severity: model.AlertSeverityMedium,
			Key:      AlertKeyFailed,
			Message:  fmt.Sprintf("%d posts failed in the last %s", counts.FailedLast24h, cfg.LookbackWindow),
		})
	}

	switch {
	case counts.Overdue > cfg.UnhealthyOverdue || counts.FailedLast24h > cfg.UnhealthyFailed:
		return model.HealthStatusUnhealthy, alerts
	case counts.Overdue > cfg.DegradedOverdue:
		return model.HealthStatusDegraded, alerts
	case len(alerts) > 0:
		return model.HealthStatusWarning, alerts
	default:
		return model.HealthStatusHealthy, alerts
	}
}
