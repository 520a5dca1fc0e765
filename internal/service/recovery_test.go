package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/mocks"
	"github.com/target/postcron/internal/testutil"
)

type checkFunc func(ctx context.Context, now time.Time) (*model.HealthReport, error)

func (f checkFunc) Check(ctx context.Context, now time.Time) (*model.HealthReport, error) {
	return f(ctx, now)
}

type sweepFunc func(ctx context.Context, params SweepParams) (*model.DispatchReport, error)

func (f sweepFunc) Sweep(ctx context.Context, params SweepParams) (*model.DispatchReport, error) {
	return f(ctx, params)
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		BackupWindow:       time.Hour,
		AlertDedupWindow:   30 * time.Minute,
		ReconcileAfter:     2 * time.Minute,
		ReconcileBatchSize: 100,
		LockTTL:            time.Minute,
	}
}

type recoveryFixture struct {
	*dispatchFixture
	monitor *HealthMonitorService
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	f := newDispatchFixture(t)
	monitor, err := NewHealthMonitorService(HealthMonitorServiceOptions{Repo: f.repo, Config: testMonitorConfig()})
	require.NoError(t, err)
	return &recoveryFixture{dispatchFixture: f, monitor: monitor}
}

func (f *recoveryFixture) service(t *testing.T, opts RecoveryServiceOptions) *RecoveryService {
	t.Helper()
	if opts.Monitor == nil {
		opts.Monitor = f.monitor
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = f.svc
	}
	opts.Config = testRecoveryConfig()
	opts.Clock = f.clock
	svc, err := NewRecoveryService(opts)
	require.NoError(t, err)
	return svc
}

func stepStatuses(report *model.RecoveryReport) map[string]model.RecoveryStepStatus {
	out := make(map[string]model.RecoveryStepStatus, len(report.Steps))
	for _, s := range report.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestNewRecoveryService_Validation(t *testing.T) {
	_, err := NewRecoveryService(RecoveryServiceOptions{Dispatcher: sweepFunc(nil)})
	require.Error(t, err)
	_, err = NewRecoveryService(RecoveryServiceOptions{Monitor: checkFunc(nil)})
	require.Error(t, err)
}

func TestRecovery_HealthySkipsBackup(t *testing.T) {
	f := newRecoveryFixture(t)
	f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(time.Hour)})

	report, err := f.service(t, RecoveryServiceOptions{}).Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Equal(t, map[string]model.RecoveryStepStatus{
		StepHealthCheck:     model.RecoveryStepSuccess,
		StepBackupDispatch:  model.RecoveryStepSkipped,
		StepMonitoring:      model.RecoveryStepSuccess,
		StepChargeReconcile: model.RecoveryStepSkipped,
	}, stepStatuses(report))
	assert.True(t, report.OverallSuccess)
	assert.Nil(t, report.Dispatch)
	assert.Zero(t, f.publisher.total())
}

func TestRecovery_BackupSweepDeliversOverduePosts(t *testing.T) {
	f := newRecoveryFixture(t)
	overdue := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-30 * time.Minute)})

	report, err := f.service(t, RecoveryServiceOptions{}).Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepBackupDispatch).Status)
	require.NotNil(t, report.Dispatch)
	assert.Equal(t, model.DispatchTriggerRecovery, report.Dispatch.Trigger)
	assert.Equal(t, 1, report.Dispatch.Posted)
	assert.Equal(t, model.PostStatusPosted, f.repo.Get(overdue).Status)

	// Monitoring sees the post-sweep state.
	assert.Equal(t, model.HealthStatusHealthy, report.Health.Status)
	assert.True(t, report.OverallSuccess)
}

func TestRecovery_NotifiesCriticalAlerts(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	f := newRecoveryFixture(t)
	// Older than the backup window, so it stays stuck after the sweep.
	f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-2 * time.Hour)})

	alerter := mocks.NewMockAlerter(ctrl)
	var notified []model.HealthAlert
	alerter.EXPECT().
		Notify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, a model.HealthAlert) error {
			notified = append(notified, a)
			return nil
		}).
		Times(1)

	report, err := f.service(t, RecoveryServiceOptions{Alerter: alerter}).Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepBackupDispatch).Status)
	assert.Zero(t, report.Dispatch.Claimed)
	assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepMonitoring).Status)
	assert.Contains(t, report.Step(StepMonitoring).Detail, "notified 1")
	require.Len(t, notified, 1)
	assert.Equal(t, AlertKeyStuck, notified[0].Key)
	assert.True(t, report.OverallSuccess)
}

func TestRecovery_AlertFailureDoesNotAbort(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	f := newRecoveryFixture(t)
	f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-2 * time.Hour)})
	posted := f.repo.Seed(model.ScheduledPost{
		ScheduledFor: f.now.Add(-20 * time.Minute),
		Status:       model.PostStatusPosted,
		PostedAt:     testutil.TimePtr(f.now.Add(-10 * time.Minute)),
	})

	alerter := mocks.NewMockAlerter(ctrl)
	alerter.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))

	svc := f.service(t, RecoveryServiceOptions{
		Alerter:      alerter,
		Repo:         f.repo,
		Ledger:       f.ledger,
		ChargeAmount: 1,
	})
	report, err := svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	monitoring := report.Step(StepMonitoring)
	assert.Equal(t, model.RecoveryStepFailed, monitoring.Status)
	assert.Contains(t, monitoring.Error, "smtp down")

	// Later steps still ran.
	assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepChargeReconcile).Status)
	assert.True(t, f.ledger.Charged(posted))
	assert.False(t, report.OverallSuccess)
}

func TestRecovery_HealthErrorStillSweeps(t *testing.T) {
	f := newRecoveryFixture(t)
	overdue := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-15 * time.Minute)})

	calls := 0
	monitor := checkFunc(func(ctx context.Context, now time.Time) (*model.HealthReport, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("count timed out")
		}
		return f.monitor.Check(ctx, now)
	})

	report, err := f.service(t, RecoveryServiceOptions{Monitor: monitor}).Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Equal(t, model.RecoveryStepError, report.Step(StepHealthCheck).Status)
	assert.Equal(t, "count timed out", report.Step(StepHealthCheck).Error)
	assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepBackupDispatch).Status)
	assert.Equal(t, model.PostStatusPosted, f.repo.Get(overdue).Status)
	assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepMonitoring).Status)
	assert.False(t, report.OverallSuccess)
}

func TestRecovery_SweepErrorsAreIsolated(t *testing.T) {
	f := newRecoveryFixture(t)
	f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-15 * time.Minute)})

	t.Run("error", func(t *testing.T) {
		sweeper := sweepFunc(func(context.Context, SweepParams) (*model.DispatchReport, error) {
			return nil, errors.New("claim due posts: connection refused")
		})
		report, err := f.service(t, RecoveryServiceOptions{Dispatcher: sweeper}).Run(context.Background(), f.now)
		require.NoError(t, err)
		assert.Equal(t, model.RecoveryStepError, report.Step(StepBackupDispatch).Status)
		assert.Equal(t, model.RecoveryStepSuccess, report.Step(StepMonitoring).Status)
		assert.False(t, report.OverallSuccess)
	})

	t.Run("panic", func(t *testing.T) {
		sweeper := sweepFunc(func(context.Context, SweepParams) (*model.DispatchReport, error) {
			panic("nil publisher")
		})
		report, err := f.service(t, RecoveryServiceOptions{Dispatcher: sweeper}).Run(context.Background(), f.now)
		require.NoError(t, err)
		assert.Equal(t, model.RecoveryStepError, report.Step(StepBackupDispatch).Status)
		assert.Contains(t, report.Step(StepBackupDispatch).Error, "nil publisher")
		assert.Len(t, report.Steps, 4)
	})

	t.Run("sweep uses backup window", func(t *testing.T) {
		var got SweepParams
		sweeper := sweepFunc(func(_ context.Context, params SweepParams) (*model.DispatchReport, error) {
			got = params
			return &model.DispatchReport{}, nil
		})
		_, err := f.service(t, RecoveryServiceOptions{Dispatcher: sweeper}).Run(context.Background(), f.now)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, got.Window)
		assert.Equal(t, model.DispatchTriggerRecovery, got.Trigger)
		assert.Equal(t, f.now, got.Now)
	})
}

func TestRecovery_Lock(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	f := newRecoveryFixture(t)

	t.Run("held elsewhere", func(t *testing.T) {
		locker := mocks.NewMockRunLocker(ctrl)
		locker.EXPECT().TryLock(gomock.Any(), "recovery", time.Minute).Return(nil, core.ErrLockHeld)

		report, err := f.service(t, RecoveryServiceOptions{Locker: locker}).Run(context.Background(), f.now)
		require.ErrorIs(t, err, core.ErrLockHeld)
		assert.Nil(t, report)
	})

	t.Run("released after run", func(t *testing.T) {
		released := false
		locker := mocks.NewMockRunLocker(ctrl)
		locker.EXPECT().TryLock(gomock.Any(), "recovery", time.Minute).Return(func(context.Context) error {
			released = true
			return nil
		}, nil)

		report, err := f.service(t, RecoveryServiceOptions{Locker: locker}).Run(context.Background(), f.now)
		require.NoError(t, err)
		assert.NotNil(t, report)
		assert.True(t, released)
	})

	t.Run("backend failure continues", func(t *testing.T) {
		locker := mocks.NewMockRunLocker(ctrl)
		locker.EXPECT().TryLock(gomock.Any(), "recovery", time.Minute).Return(nil, errors.New("redis down"))

		report, err := f.service(t, RecoveryServiceOptions{Locker: locker}).Run(context.Background(), f.now)
		require.NoError(t, err)
		assert.True(t, report.OverallSuccess)
	})
}

func TestRecovery_ReconcileChargeFailures(t *testing.T) {
	f := newRecoveryFixture(t)
	f.repo.Seed(model.ScheduledPost{
		ScheduledFor: f.now.Add(-20 * time.Minute),
		Status:       model.PostStatusPosted,
		PostedAt:     testutil.TimePtr(f.now.Add(-10 * time.Minute)),
	})
	// Too recent to reconcile.
	fresh := f.repo.Seed(model.ScheduledPost{
		ScheduledFor: f.now.Add(-time.Minute),
		Status:       model.PostStatusPosted,
		PostedAt:     testutil.TimePtr(f.now.Add(-time.Minute)),
	})
	f.ledger.Err = errors.New("ledger locked")

	svc := f.service(t, RecoveryServiceOptions{Repo: f.repo, Ledger: f.ledger, ChargeAmount: 1})
	report, err := svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	step := report.Step(StepChargeReconcile)
	assert.Equal(t, model.RecoveryStepFailed, step.Status)
	assert.Contains(t, step.Error, "reconciled 0 of 1")

	f.ledger.Err = nil
	report, err = svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, "reconciled 1", report.Step(StepChargeReconcile).Detail)
	assert.False(t, f.ledger.Charged(fresh))
}

func TestRecovery_SuppressedAlertReportedAsRepeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	f := newRecoveryFixture(t)
	f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-2 * time.Hour)})

	alerter := mocks.NewMockAlerter(ctrl)
	alerter.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(core.ErrAlertSuppressed)

	report, err := f.service(t, RecoveryServiceOptions{Alerter: alerter}).Run(context.Background(), f.now)
	require.NoError(t, err)

	monitoring := report.Step(StepMonitoring)
	assert.Equal(t, model.RecoveryStepSuccess, monitoring.Status)
	assert.Contains(t, monitoring.Detail, "notified 0")
	assert.Contains(t, monitoring.Detail, "1 suppressed")
}
