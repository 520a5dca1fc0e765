package crontrigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/service"
	"github.com/target/postcron/internal/testutil"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	triggers []model.DispatchTrigger
}

func (d *recordingDispatcher) Sweep(_ context.Context, params service.SweepParams) (*model.DispatchReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggers = append(d.triggers, params.Trigger)
	return &model.DispatchReport{Trigger: params.Trigger}, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.triggers)
}

type recordingRecovery struct {
	mu   sync.Mutex
	runs []time.Time
	err  error
}

func (r *recordingRecovery) Run(_ context.Context, now time.Time) (*model.RecoveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, now)
	if r.err != nil {
		return nil, r.err
	}
	return &model.RecoveryReport{OverallSuccess: true}, nil
}

func testSchedule() config.SchedulerConfig {
	return config.SchedulerConfig{
		DispatchSpec:       "@every 1m",
		BackupDispatchSpec: "30 */2 * * * *",
		RecoverySpec:       "*/5 * * * *",
		WithSeconds:        true,
	}
}

func TestNewRunner_RegistersConfiguredJobs(t *testing.T) {
	r, err := NewRunner(RunnerOptions{
		Config:     testSchedule(),
		Dispatcher: &recordingDispatcher{},
		Recovery:   &recordingRecovery{},
	})
	require.NoError(t, err)
	assert.Len(t, r.cron.Entries(), 3)

	cfg := testSchedule()
	cfg.BackupDispatchSpec = ""
	r, err = NewRunner(RunnerOptions{Config: cfg, Dispatcher: &recordingDispatcher{}, Recovery: &recordingRecovery{}})
	require.NoError(t, err)
	assert.Len(t, r.cron.Entries(), 2)
}

func TestNewRunner_RejectsBadSpecs(t *testing.T) {
	cfg := testSchedule()
	cfg.RecoverySpec = "every five minutes"
	_, err := NewRunner(RunnerOptions{Config: cfg, Dispatcher: &recordingDispatcher{}, Recovery: &recordingRecovery{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery")

	// A seconds field needs WithSeconds.
	cfg = testSchedule()
	cfg.WithSeconds = false
	_, err = NewRunner(RunnerOptions{Config: cfg, Dispatcher: &recordingDispatcher{}, Recovery: &recordingRecovery{}})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Config: testSchedule(), Recovery: &recordingRecovery{}})
	require.Error(t, err)
}

func TestRunner_JobsUseClockAndTrigger(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	recovery := &recordingRecovery{}
	r, err := NewRunner(RunnerOptions{
		Config:     testSchedule(),
		Dispatcher: dispatcher,
		Recovery:   recovery,
		Clock:      core.NewFixedClock(testutil.TestTime()),
	})
	require.NoError(t, err)

	r.dispatch(model.DispatchTriggerPrimary)
	r.dispatch(model.DispatchTriggerBackup)
	r.recover()
	recovery.err = core.ErrLockHeld
	r.recover()

	assert.Equal(t, []model.DispatchTrigger{model.DispatchTriggerPrimary, model.DispatchTriggerBackup}, dispatcher.triggers)
	assert.Equal(t, []time.Time{testutil.TestTime(), testutil.TestTime()}, recovery.runs)
}

func TestRunner_FiresAndStops(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	cfg := config.SchedulerConfig{DispatchSpec: "@every 1s", RecoverySpec: "@every 1h"}
	r, err := NewRunner(RunnerOptions{Config: cfg, Dispatcher: dispatcher, Recovery: &recordingRecovery{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return dispatcher.count() > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
