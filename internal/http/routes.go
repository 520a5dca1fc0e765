package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/observability/metrics"
	"github.com/target/postcron/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Dispatcher DispatchRunner
	Recovery   RecoveryRunner
	Monitor    service.HealthChecker
	// Optional: admin post endpoints are registered only when both Posts and AdminToken are set.
	Posts PostAdmin

	// CronSecret guards the trigger and post-health endpoints.
	CronSecret string
	AdminToken string

	// Optional: Prometheus scrape handler mounted at MetricsPath.
	MetricsHandler http.Handler
	MetricsPath    string

	MaxBodyBytes int64
	Clock        core.Clock
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	triggers := &TriggerHandlers{
		Dispatcher: services.Dispatcher,
		Recovery:   services.Recovery,
		Monitor:    services.Monitor,
		Clock:      services.Clock,
		Metrics:    services.Metrics,
		Logger:     logger,
	}
	registerTriggerRoutes(mux, triggers, services.CronSecret)

	if services.Posts != nil && services.AdminToken != "" {
		posts := &PostHandlers{Svc: services.Posts, Logger: logger}
		registerPostRoutes(mux, posts, services.AdminToken, services.MaxBodyBytes)
	}

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	if services.MetricsHandler != nil {
		path := services.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, services.MetricsHandler)
	}

	return mux
}

func registerTriggerRoutes(mux *http.ServeMux, h *TriggerHandlers, secret string) {
	guard := RequireBearer(secret)
	// External schedulers differ in the verb they send; accept both.
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		mux.Handle(method+" /api/cron/dispatch", guard(http.HandlerFunc(h.Dispatch)))
		mux.Handle(method+" /api/cron/dispatch-backup", guard(http.HandlerFunc(h.DispatchBackup)))
		mux.Handle(method+" /api/cron/recover", guard(http.HandlerFunc(h.Recover)))
	}
	mux.Handle("GET /api/health/posts", guard(http.HandlerFunc(h.PostHealth)))
}

func registerPostRoutes(mux *http.ServeMux, h *PostHandlers, token string, maxBody int64) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		return Chain(fn, RequireBearer(token), LimitBody(maxBody))
	}
	mux.Handle("POST /api/posts", wrap(h.Create))
	mux.Handle("GET /api/posts", wrap(h.List))
	mux.Handle("GET /api/posts/{id}", wrap(h.Get))
	mux.Handle("POST /api/posts/{id}/retry", wrap(h.Retry))
}
