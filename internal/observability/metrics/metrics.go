// Package metrics exposes Prometheus instruments for the delivery pipeline.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	obserrors "github.com/target/postcron/internal/observability/errors"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the postcron collectors.
type Metrics struct {
	dispatchRuns     *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	postOutcomes     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	publishErrors    *prometheus.CounterVec
	healthPosts      *prometheus.GaugeVec
	healthStatus     *prometheus.GaugeVec
	recoverySteps    *prometheus.CounterVec
	triggerRequests  *prometheus.CounterVec
}

// New registers the collectors on reg under namespace. A nil reg yields a
// Metrics that records nothing.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		return &Metrics{}
	}

	m := &Metrics{
		dispatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_runs_total",
			Help:      "Dispatcher runs by trigger and result.",
		}, []string{"trigger", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_run_duration_seconds",
			Help:      "Duration of dispatcher runs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		postOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_post_outcomes_total",
			Help:      "Per-post dispatch outcomes.",
		}, []string{"trigger", "outcome"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "External publish call latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"platform", "result"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "External publish failures by error class.",
		}, []string{"platform", "error_class"}),
		healthPosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_posts",
			Help:      "Post counts from the latest health check.",
		}, []string{"state"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the current health classification, 0 otherwise.",
		}, []string{"status"}),
		recoverySteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_steps_total",
			Help:      "Recovery orchestrator steps by name and status.",
		}, []string{"step", "status"}),
		triggerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_requests_total",
			Help:      "Trigger endpoint requests by trigger and HTTP status.",
		}, []string{"trigger", "code"}),
	}

	reg.MustRegister(
		m.dispatchRuns, m.dispatchDuration, m.postOutcomes,
		m.publishDuration, m.publishErrors,
		m.healthPosts, m.healthStatus,
		m.recoverySteps, m.triggerRequests,
	)
	return m
}

// ObserveDispatchRun records one dispatcher run.
func (m *Metrics) ObserveDispatchRun(trigger string, d time.Duration, err error) {
	if m == nil || m.dispatchRuns == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.dispatchRuns.WithLabelValues(normalizeLabel(trigger), result).Inc()
	m.dispatchDuration.WithLabelValues(normalizeLabel(trigger)).Observe(d.Seconds())
}

// IncPostOutcome counts one per-post dispatch outcome.
func (m *Metrics) IncPostOutcome(trigger, outcome string) {
	if m == nil || m.postOutcomes == nil {
		return
	}
	m.postOutcomes.WithLabelValues(normalizeLabel(trigger), normalizeLabel(outcome)).Inc()
}

// ObservePublish records one external publish call.
func (m *Metrics) ObservePublish(platform string, d time.Duration, err error) {
	if m == nil || m.publishDuration == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
		m.publishErrors.WithLabelValues(normalizeLabel(platform), normalizeLabel(obserrors.Classify(err))).Inc()
	}
	m.publishDuration.WithLabelValues(normalizeLabel(platform), result).Observe(d.Seconds())
}

// HealthSnapshot is the subset of a health report exported as gauges.
type HealthSnapshot struct {
	Status string
	Counts map[string]int
}

// knownStatuses keeps the status gauge at a fixed label set.
var knownStatuses = []string{"healthy", "warning", "degraded", "unhealthy"}

// SetHealth publishes the latest health counts and classification.
func (m *Metrics) SetHealth(s HealthSnapshot) {
	if m == nil || m.healthPosts == nil {
		return
	}
	for state, n := range s.Counts {
		m.healthPosts.WithLabelValues(state).Set(float64(n))
	}
	for _, status := range knownStatuses {
		v := 0.0
		if status == s.Status {
			v = 1
		}
		m.healthStatus.WithLabelValues(status).Set(v)
	}
}

// IncRecoveryStep counts one recovery step result.
func (m *Metrics) IncRecoveryStep(step, status string) {
	if m == nil || m.recoverySteps == nil {
		return
	}
	m.recoverySteps.WithLabelValues(normalizeLabel(step), normalizeLabel(status)).Inc()
}

// IncTriggerRequest counts one trigger endpoint request.
func (m *Metrics) IncTriggerRequest(trigger string, code int) {
	if m == nil || m.triggerRequests == nil {
		return
	}
	m.triggerRequests.WithLabelValues(normalizeLabel(trigger), statusCode(code)).Inc()
}

func statusCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
