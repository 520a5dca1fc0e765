package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_DispatchAndPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "postcron")

	m.ObserveDispatchRun("primary", 250*time.Millisecond, nil)
	m.ObserveDispatchRun("primary", time.Second, errors.New("store down"))
	m.IncPostOutcome("primary", "posted")
	m.ObservePublish("linkedin", time.Second, errors.New("boom"))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := counterValue(mfs, "postcron_dispatch_runs_total", map[string]string{"trigger": "primary", "result": "error"})
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 0)

	got, err = counterValue(mfs, "postcron_dispatch_post_outcomes_total", map[string]string{"outcome": "posted"})
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 0)

	got, err = counterValue(mfs, "postcron_publish_errors_total", map[string]string{"platform": "linkedin"})
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 0)
}

func TestMetrics_SetHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "postcron")

	m.SetHealth(HealthSnapshot{Status: "degraded", Counts: map[string]int{"overdue": 6}})

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := gaugeValue(mfs, "postcron_health_posts", map[string]string{"state": "overdue"})
	require.NoError(t, err)
	assert.InDelta(t, 6, got, 0)

	got, err = gaugeValue(mfs, "postcron_health_status", map[string]string{"status": "degraded"})
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 0)

	got, err = gaugeValue(mfs, "postcron_health_status", map[string]string{"status": "healthy"})
	require.NoError(t, err)
	assert.InDelta(t, 0, got, 0)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatchRun("primary", time.Second, nil)
	m.IncPostOutcome("primary", "posted")
	m.SetHealth(HealthSnapshot{Status: "healthy"})
	m.IncRecoveryStep("health_check", "success")
	m.IncTriggerRequest("primary", 401)

	New(nil, "x").ObservePublish("linkedin", time.Second, nil)
}

func counterValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	metric, err := findMetric(mfs, name, labels)
	if err != nil {
		return 0, err
	}
	return metric.GetCounter().GetValue(), nil
}

func gaugeValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	metric, err := findMetric(mfs, name, labels)
	if err != nil {
		return 0, err
	}
	return metric.GetGauge().GetValue(), nil
}

func findMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) (*dto.Metric, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchesLabels(metric.GetLabel(), labels) {
				return metric, nil
			}
		}
		return nil, fmt.Errorf("metric %q missing labels %v", name, labels)
	}
	return nil, fmt.Errorf("metric %q not found", name)
}

func matchesLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok && v == p.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
