package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/target/postcron/config"
	httpx "github.com/target/postcron/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
	// ErrCh receives a listen failure. Optional.
	ErrCh chan<- error
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := BuildHTTPHandler(cfg.Config, cfg.Services, logger)
	return startServer(logger, handler, cfg.Config.HTTP, cfg.ErrCh)
}

// BuildHTTPHandler assembles the router and the outer middleware chain.
func BuildHTTPHandler(app *config.AppConfig, services *ServiceContainer, logger *slog.Logger) http.Handler {
	routes := httpx.RouterServices{
		Dispatcher:   services.Dispatcher,
		Recovery:     services.Recovery,
		Monitor:      services.Monitor,
		Posts:        services.Posts,
		CronSecret:   app.Auth.CronSecret,
		AdminToken:   app.Auth.AdminToken,
		MaxBodyBytes: app.HTTP.MaxBodyBytes,
		Metrics:      services.Metrics,
		Logger:       logger,
	}
	if services.Registry != nil {
		routes.MetricsHandler = promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{})
		routes.MetricsPath = app.Observability.Metrics.Path
	}
	if !app.Auth.AdminEnabled() {
		logger.Info("admin post endpoints disabled, ADMIN_TOKEN not set")
	}

	// Order: Recover -> Logging -> Router
	return httpx.Chain(httpx.NewRouter(routes), httpx.Recover(logger), httpx.Logging(logger))
}

func startServer(logger *slog.Logger, handler http.Handler, cfg config.HTTPConfig, errCh chan<- error) *http.Server {
	addr := cfg.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	// Trigger requests run a whole sweep before responding, so WriteTimeout
	// must exceed the dispatch run timeout.
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			if errCh != nil {
				select {
				case errCh <- fmt.Errorf("http server: %w", err):
				default:
				}
			}
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownWaitTimeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
