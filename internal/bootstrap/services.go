package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/adapters/crontrigger"
	"github.com/target/postcron/internal/adapters/publish"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/data"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/observability/metrics"
	"github.com/target/postcron/internal/observability/notify/pagerduty"
	"github.com/target/postcron/internal/observability/notify/slack"
	"github.com/target/postcron/internal/service"
	"github.com/target/postcron/internal/service/alerting"
	"github.com/target/postcron/internal/timeutil"
)

// shutdownWaitTimeout bounds each stage of graceful shutdown.
const shutdownWaitTimeout = 15 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Posts      *service.PostService
	Dispatcher *service.DispatcherService
	Monitor    *service.HealthMonitorService
	Recovery   *service.RecoveryService
	Alerting   *alerting.Service

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// ServiceContainerConfig contains dependencies for building services.
type ServiceContainerConfig struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient // Optional: shared dedup cache and run lock
	Clock       core.Clock
	Logger      *slog.Logger
}

// NewServiceContainer wires repositories, adapters and services.
func NewServiceContainer(cfg ServiceContainerConfig) (*ServiceContainer, error) {
	if cfg.Config == nil {
		return nil, errors.New("app config is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("database is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	app := cfg.Config

	registry, m := buildMetrics(app.Observability.Metrics)

	posts := data.NewPostRepo(cfg.DB, data.PostRepoConfig{
		DefaultMaxRetries: app.Dispatch.DefaultMaxRetries,
		Logger:            logger,
		Clock:             clock,
	})
	ledger := data.NewCreditLedgerRepo(cfg.DB, clock)

	cache, locker, err := buildCoordination(cfg.RedisClient, app.Redis.KeyPrefix)
	if err != nil {
		return nil, err
	}

	publisher, err := buildPublisher(app.LinkedIn, data.NewCredentialRepo(cfg.DB), clock)
	if err != nil {
		return nil, err
	}

	alerts, err := buildAlerting(app, cache, clock, logger)
	if err != nil {
		return nil, err
	}

	var failures service.PostFailureNotifier
	if app.Observability.Notifications.NotifyPostFailures && alerts.Enabled() {
		failures = alerts
	}

	dispatcher, err := service.NewDispatcherService(service.DispatcherServiceOptions{
		Repo:      posts,
		Publisher: publisher,
		Ledger:    ledger,
		Config:    app.Dispatch,
		Failures:  failures,
		Clock:     clock,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	monitor, err := service.NewHealthMonitorService(service.HealthMonitorServiceOptions{
		Repo:    posts,
		Config:  app.Monitor,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create health monitor: %w", err)
	}

	recovery, err := service.NewRecoveryService(service.RecoveryServiceOptions{
		Monitor:      monitor,
		Dispatcher:   dispatcher,
		Alerter:      alerts,
		Repo:         posts,
		Ledger:       ledger,
		Locker:       locker,
		Config:       app.Recovery,
		ChargeAmount: app.Dispatch.ChargeAmount,
		Clock:        clock,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create recovery: %w", err)
	}

	postSvc, err := service.NewPostService(service.PostServiceOptions{
		Repo:          posts,
		PastTolerance: app.Dispatch.Window,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create post service: %w", err)
	}

	return &ServiceContainer{
		Posts:      postSvc,
		Dispatcher: dispatcher,
		Monitor:    monitor,
		Recovery:   recovery,
		Alerting:   alerts,
		Metrics:    m,
		Registry:   registry,
	}, nil
}

// buildMetrics returns a nil registry and nil metrics when metrics are disabled.
func buildMetrics(cfg config.ObservabilityMetricsConfig) (*prometheus.Registry, *metrics.Metrics) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, metrics.New(registry, cfg.Namespace)
}

// buildCoordination selects the alert dedup cache and the recovery run lock.
// Without Redis both are process-local.
func buildCoordination(client redis.UniversalClient, prefix string) (core.CacheRepository, core.RunLocker, error) {
	if client == nil {
		mem := data.NewMemoryCache()
		return mem, mem, nil
	}
	locker, err := data.NewRedisLocker(client, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis locker: %w", err)
	}
	return data.NewRedisCacheRepo(client, prefix), locker, nil
}

func buildPublisher(cfg config.LinkedInConfig, creds core.CredentialStore, clock core.Clock) (*publish.Router, error) {
	linkedIn, err := publish.NewLinkedIn(publish.LinkedInOptions{
		BaseURL:     cfg.APIBaseURL,
		Visibility:  cfg.Visibility,
		Timeout:     cfg.Timeout,
		Credentials: creds,
		Clock:       clock,
	})
	if err != nil {
		return nil, fmt.Errorf("create linkedin publisher: %w", err)
	}
	router := publish.NewRouter()
	router.Register(model.PlatformLinkedIn, linkedIn)
	return router, nil
}

func buildAlerting(
	app *config.AppConfig,
	cache core.CacheRepository,
	clock core.Clock,
	logger *slog.Logger,
) (*alerting.Service, error) {
	loc, err := timeutil.LoadZone(app.DisplayTimezone)
	if err != nil {
		return nil, err
	}

	var sinks []alerting.SinkRegistration
	notifications := app.Observability.Notifications
	if notifications.Enabled {
		if notifications.Slack.Enabled {
			client, err := slack.NewClient(slack.Config{
				WebhookURL: notifications.Slack.WebhookURL,
				Channel:    notifications.Slack.Channel,
				Username:   notifications.Slack.Username,
				Timeout:    notifications.Timeout,
				RetryLimit: notifications.RetryLimit,
			})
			if err != nil {
				return nil, fmt.Errorf("create slack sink: %w", err)
			}
			sinks = append(sinks, alerting.SinkRegistration{Name: "slack", Sink: client})
		}
		if notifications.PagerDuty.Enabled {
			client, err := pagerduty.NewClient(pagerduty.Config{
				RoutingKey: notifications.PagerDuty.RoutingKey,
				Source:     notifications.PagerDuty.Source,
				Component:  notifications.PagerDuty.Component,
				Timeout:    notifications.Timeout,
				RetryLimit: notifications.RetryLimit,
			})
			if err != nil {
				return nil, fmt.Errorf("create pagerduty sink: %w", err)
			}
			sinks = append(sinks, alerting.SinkRegistration{Name: "pagerduty", Sink: client, CriticalOnly: true})
		}
	}
	if len(sinks) == 0 {
		logger.Info("no alert sinks configured")
	}

	return alerting.NewService(alerting.Options{
		Logger:      logger,
		Sinks:       sinks,
		Cache:       cache,
		DedupWindow: app.Recovery.AlertDedupWindow,
		Location:    loc,
		Clock:       clock,
		Source:      "postcron",
	}), nil
}

// ServiceOrchestrationConfig contains everything needed to run the enabled services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func newSchedulerBackgroundService(cfg *ServiceOrchestrationConfig, logger *slog.Logger) (backgroundService, error) {
	runner, err := crontrigger.NewRunner(crontrigger.RunnerOptions{
		Config:     cfg.Config.Scheduler,
		Dispatcher: cfg.Services.Dispatcher,
		Recovery:   cfg.Services.Recovery,
		Logger:     logger,
	})
	if err != nil {
		return backgroundService{}, fmt.Errorf("create cron trigger: %w", err)
	}
	return backgroundService{
		mode:  config.ServiceModeScheduler,
		name:  "scheduler",
		start: runner.Run,
	}, nil
}

func launchBackground(ctx context.Context, svc backgroundService, errCh chan<- error, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", svc.name, err)
			select {
			case errCh <- errMsg:
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", svc.name, "error", errMsg)
			}
		}
	}()
	logger.InfoContext(ctx, "background service started", "service", svc.name, "mode", svc.mode)
	return done
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is incomplete")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	var backgrounds []backgroundService
	if enabled[config.ServiceModeScheduler] {
		svc, err := newSchedulerBackgroundService(cfg, logger)
		if err != nil {
			return err
		}
		backgrounds = append(backgrounds, svc)
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, len(enabled)+1)

	var server *http.Server
	if enabled[config.ServiceModeHTTP] {
		server = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
			ErrCh:    errCh,
		})
	}

	handles := make([]backgroundServiceHandle, 0, len(backgrounds))
	for _, svc := range backgrounds {
		handles = append(handles, backgroundServiceHandle{
			name: svc.name,
			done: launchBackground(serviceCtx, svc, errCh, logger),
		})
	}

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  server,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop drains HTTP first so in-flight trigger requests finish, then
// stops the background services.
func gracefulStop(cfg shutdownConfig) error {
	var stopErr error
	if cfg.httpServer != nil {
		stopErr = ShutdownHTTPServer(ShutdownConfig{
			Context: context.Background(),
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		})
	}

	cfg.cancel()
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return stopErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
