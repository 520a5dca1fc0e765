package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/observability/metrics"
)

// Recovery step names.
const (
	StepHealthCheck     = "health_check"
	StepBackupDispatch  = "backup_dispatch"
	StepMonitoring      = "monitoring"
	StepChargeReconcile = "charge_reconcile"

	recoveryLockKey = "recovery"
)

// HealthChecker produces a health snapshot.
type HealthChecker interface {
	Check(ctx context.Context, now time.Time) (*model.HealthReport, error)
}

// Sweeper runs a dispatch sweep.
type Sweeper interface {
	Sweep(ctx context.Context, params SweepParams) (*model.DispatchReport, error)
}

// RecoveryServiceOptions groups dependencies for RecoveryService.
type RecoveryServiceOptions struct {
	Monitor    HealthChecker         // Required: health monitor
	Dispatcher Sweeper               // Required: dispatcher used for the backup sweep
	Alerter    core.Alerter          // Optional: critical alert delivery
	Repo       core.PostRepository   // Optional: enables charge reconciliation with Ledger
	Ledger     core.CreditLedger     // Optional: enables charge reconciliation with Repo
	Locker     core.RunLocker        // Optional: cross-instance run lock
	Config     config.RecoveryConfig // Required: recovery configuration
	// ChargeAmount is the per-post credit cost used when reconciling.
	ChargeAmount int64
	Clock        core.Clock       // Optional: defaults to SystemClock
	Metrics      *metrics.Metrics // Optional: Prometheus instruments
	Logger       *slog.Logger     // Optional: structured logger
}

// RecoveryService composes the health monitor, a backup dispatch sweep and
// alerting into one run. Each step is isolated: a failing step is recorded
// and the remaining steps still run.
type RecoveryService struct {
	monitor      HealthChecker
	dispatcher   Sweeper
	alerter      core.Alerter
	repo         core.PostRepository
	ledger       core.CreditLedger
	locker       core.RunLocker
	config       config.RecoveryConfig
	chargeAmount int64
	clock        core.Clock
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewRecoveryService constructs a new RecoveryService.
func NewRecoveryService(opts RecoveryServiceOptions) (*RecoveryService, error) {
	if opts.Monitor == nil {
		return nil, errors.New("HealthChecker is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("Sweeper is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		monitor:      opts.Monitor,
		dispatcher:   opts.Dispatcher,
		alerter:      opts.Alerter,
		repo:         opts.Repo,
		ledger:       opts.Ledger,
		locker:       opts.Locker,
		config:       opts.Config,
		chargeAmount: opts.ChargeAmount,
		clock:        clock,
		metrics:      opts.Metrics,
		logger:       logger.With("component", "recovery"),
	}, nil
}

// stepFunc runs one recovery step. A non-nil error records the step as
// error; failed=true records it as failed.
type stepFunc func(ctx context.Context) (detail string, failed bool, err error)

// Run executes the recovery steps as of now. It returns core.ErrLockHeld when
// another instance is already recovering; every other failure is recorded
// in the report.
func (s *RecoveryService) Run(ctx context.Context, now time.Time) (*model.RecoveryReport, error) {
	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, recoveryLockKey, s.config.LockTTL)
		switch {
		case errors.Is(err, core.ErrLockHeld):
			s.logger.InfoContext(ctx, "recovery already running elsewhere")
			return nil, err
		case err != nil:
			// Claims keep overlapping sweeps safe, so the lock is best-effort.
			s.logger.WarnContext(ctx, "recovery lock unavailable, continuing", "error", err)
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.logger.WarnContext(ctx, "release recovery lock", "error", err)
				}
			}()
		}
	}

	report := &model.RecoveryReport{StartedAt: now.UTC()}

	s.runStep(ctx, report, StepHealthCheck, func(ctx context.Context) (string, bool, error) {
		health, err := s.monitor.Check(ctx, now)
		if err != nil {
			return "", false, err
		}
		report.Health = health
		return fmt.Sprintf("status=%s overdue=%d stuck=%d", health.Status, health.Counts.Overdue, health.Counts.Stuck), false, nil
	})

	// Without a snapshot the sweep runs anyway; it only touches still-pending posts.
	if report.Health != nil && report.Health.Counts.Overdue == 0 {
		s.skipStep(ctx, report, StepBackupDispatch, "no overdue posts")
	} else {
		s.runStep(ctx, report, StepBackupDispatch, func(ctx context.Context) (string, bool, error) {
			dispatch, err := s.dispatcher.Sweep(ctx, SweepParams{
				Now:     now,
				Window:  s.config.BackupWindow,
				Trigger: model.DispatchTriggerRecovery,
			})
			if err != nil {
				return "", false, err
			}
			report.Dispatch = dispatch
			return fmt.Sprintf("claimed=%d posted=%d retrying=%d failed=%d",
				dispatch.Claimed, dispatch.Posted, dispatch.Retrying, dispatch.Failed), false, nil
		})
	}

	s.runStep(ctx, report, StepMonitoring, s.monitoring(report))

	if s.repo == nil || s.ledger == nil || s.chargeAmount <= 0 {
		s.skipStep(ctx, report, StepChargeReconcile, "charging disabled")
	} else {
		s.runStep(ctx, report, StepChargeReconcile, func(ctx context.Context) (string, bool, error) {
			return s.reconcileCharges(ctx, now)
		})
	}

	report.Finalize(s.clock.Now().UTC())
	s.logger.InfoContext(ctx, "recovery run complete",
		"overall_success", report.OverallSuccess,
		"steps", len(report.Steps),
	)
	return report, nil
}

// monitoring re-derives alert state after the sweep and notifies on critical alerts.
func (s *RecoveryService) monitoring(report *model.RecoveryReport) stepFunc {
	return func(ctx context.Context) (string, bool, error) {
		health, err := s.monitor.Check(ctx, s.clock.Now())
		if err != nil {
			return "", false, err
		}
		report.Health = health

		critical := health.CriticalAlerts()
		if len(critical) == 0 {
			return "no critical alerts", false, nil
		}
		if s.alerter == nil {
			s.logger.WarnContext(ctx, "critical alerts raised with no alerter configured", "alerts", len(critical))
			return fmt.Sprintf("%d critical alert(s), no alerter configured", len(critical)), false, nil
		}

		var (
			errs       []error
			notified   int
			suppressed int
		)
		for _, alert := range critical {
			err := s.alerter.Notify(ctx, alert)
			switch {
			case err == nil:
				notified++
			case errors.Is(err, core.ErrAlertSuppressed):
				suppressed++
			default:
				errs = append(errs, fmt.Errorf("%s: %w", alert.Key, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Sprintf("notify failed: %v", err), true, nil
		}
		if suppressed > 0 {
			return fmt.Sprintf("notified %d critical alert(s), %d suppressed as repeats", notified, suppressed), false, nil
		}
		return fmt.Sprintf("notified %d critical alert(s)", notified), false, nil
	}
}

// reconcileCharges charges posted rows whose charge was missed.
func (s *RecoveryService) reconcileCharges(ctx context.Context, now time.Time) (string, bool, error) {
	posts, err := s.repo.ListUncharged(ctx, core.ListUnchargedParams{
		PostedBefore: now.Add(-s.config.ReconcileAfter),
		Limit:        s.config.ReconcileBatchSize,
	})
	if err != nil {
		return "", false, err
	}

	charged := 0
	var errs []error
	for _, p := range posts {
		if _, err := s.ledger.Charge(ctx, core.ChargeParams{
			OwnerID: p.OwnerID,
			PostID:  p.ID,
			Amount:  s.chargeAmount,
		}); err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", p.ID, err))
			continue
		}
		charged++
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Sprintf("reconciled %d of %d: %v", charged, len(posts), err), true, nil
	}
	return fmt.Sprintf("reconciled %d", charged), false, nil
}

func (s *RecoveryService) runStep(ctx context.Context, report *model.RecoveryReport, name string, fn stepFunc) {
	started := time.Now()
	step := model.RecoveryStep{Name: name, Status: model.RecoveryStepSuccess}

	detail, failed, err := safeStep(ctx, fn)
	step.Detail = detail
	switch {
	case err != nil:
		step.Status = model.RecoveryStepError
		step.Error = err.Error()
		s.logger.ErrorContext(ctx, "recovery step error", "step", name, "error", err)
	case failed:
		step.Status = model.RecoveryStepFailed
		step.Error = detail
		s.logger.WarnContext(ctx, "recovery step failed", "step", name, "detail", detail)
	}
	step.Duration = time.Since(started).Round(time.Millisecond).String()

	report.Steps = append(report.Steps, step)
	s.metrics.IncRecoveryStep(name, string(step.Status))
}

func (s *RecoveryService) skipStep(ctx context.Context, report *model.RecoveryReport, name, reason string) {
	s.logger.DebugContext(ctx, "recovery step skipped", "step", name, "reason", reason)
	report.Steps = append(report.Steps, model.RecoveryStep{
		Name:     name,
		Status:   model.RecoveryStepSkipped,
		Detail:   reason,
		Duration: "0s",
	})
	s.metrics.IncRecoveryStep(name, string(model.RecoveryStepSkipped))
}

// safeStep converts a panic inside a step into an error.
func safeStep(ctx context.Context, fn stepFunc) (detail string, failed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
