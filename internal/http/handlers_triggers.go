package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	apperrors "github.com/target/postcron/internal/errors"
	"github.com/target/postcron/internal/observability/metrics"
	"github.com/target/postcron/internal/service"
)

// DispatchRunner runs a dispatch sweep.
type DispatchRunner interface {
	Sweep(ctx context.Context, params service.SweepParams) (*model.DispatchReport, error)
}

// RecoveryRunner runs the recovery orchestrator.
type RecoveryRunner interface {
	Run(ctx context.Context, now time.Time) (*model.RecoveryReport, error)
}

// TriggerHandlers serves the cron trigger endpoints. Authorization is applied
// by the router; handlers assume the caller is trusted.
type TriggerHandlers struct {
	Dispatcher DispatchRunner
	Recovery   RecoveryRunner
	Monitor    service.HealthChecker
	Clock      core.Clock
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// group coalesces identical concurrent triggers into one run.
	group singleflight.Group
}

// Dispatch runs the primary dispatch sweep.
func (h *TriggerHandlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, model.DispatchTriggerPrimary)
}

// DispatchBackup runs the same sweep from the redundant backup trigger.
func (h *TriggerHandlers) DispatchBackup(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, model.DispatchTriggerBackup)
}

func (h *TriggerHandlers) dispatch(w http.ResponseWriter, r *http.Request, trigger model.DispatchTrigger) {
	v, err, shared := h.run(r, string(trigger), func(ctx context.Context) (any, error) {
		return h.Dispatcher.Sweep(ctx, service.SweepParams{Now: h.now(), Trigger: trigger})
	})
	if err != nil {
		h.fail(w, r, string(trigger), err)
		return
	}
	h.Metrics.IncTriggerRequest(string(trigger), http.StatusOK)
	writeRunResult(w, v, shared)
}

// Recover runs the recovery orchestrator.
func (h *TriggerHandlers) Recover(w http.ResponseWriter, r *http.Request) {
	const trigger = "recovery"
	v, err, shared := h.run(r, trigger, func(ctx context.Context) (any, error) {
		return h.Recovery.Run(ctx, h.now())
	})
	if err != nil {
		h.fail(w, r, trigger, err)
		return
	}
	h.Metrics.IncTriggerRequest(trigger, http.StatusOK)
	writeRunResult(w, v, shared)
}

// PostHealth returns the current health snapshot. Unhealthy pipelines answer
// 503 so uptime probes can alert on the status code alone.
func (h *TriggerHandlers) PostHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.Monitor.Check(r.Context(), h.now())
	if err != nil {
		writeServiceError(w, r, h.logger(), err)
		return
	}
	status := http.StatusOK
	if report.Status == model.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}

// run executes fn once per key across concurrent requests. The run is
// detached from the request so a disconnecting caller does not abandon a
// claimed batch; the services bound their own run time.
func (h *TriggerHandlers) run(r *http.Request, key string, fn func(ctx context.Context) (any, error)) (any, error, bool) {
	ctx := context.WithoutCancel(r.Context())
	ch := h.group.DoChan(key, func() (any, error) {
		return fn(ctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-r.Context().Done():
		return nil, r.Context().Err(), false
	}
}

func (h *TriggerHandlers) fail(w http.ResponseWriter, r *http.Request, trigger string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.Wrapf(err, apperrors.ErrCodeTimeout, "%s run exceeded its deadline", trigger)
	}
	status := DetermineErrorStatus(err)
	h.Metrics.IncTriggerRequest(trigger, status)
	switch {
	case status == http.StatusConflict:
		h.logger().InfoContext(r.Context(), "trigger skipped, run in progress elsewhere", "trigger", trigger)
	case apperrors.IsTimeout(err):
		// Claimed posts keep their lease and are picked up after it lapses.
		h.logger().WarnContext(r.Context(), "trigger run timed out", "trigger", trigger, "error", err)
	}
	writeServiceError(w, r, h.logger(), err)
}

func (h *TriggerHandlers) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now()
}

func (h *TriggerHandlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeRunResult(w http.ResponseWriter, v any, shared bool) {
	if shared {
		w.Header().Set("X-Postcron-Shared-Run", "true")
	}
	WriteJSON(w, http.StatusOK, v)
}
