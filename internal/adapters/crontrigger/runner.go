// Package crontrigger runs the dispatch and recovery triggers from an
// in-process cron schedule, for deployments without an external scheduler.
package crontrigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	obserrors "github.com/target/postcron/internal/observability/errors"
	"github.com/target/postcron/internal/service"
)

// stopTimeout bounds how long Run waits for in-progress jobs after ctx ends.
const stopTimeout = 30 * time.Second

// Dispatcher runs a dispatch sweep.
type Dispatcher interface {
	Sweep(ctx context.Context, params service.SweepParams) (*model.DispatchReport, error)
}

// Recoverer runs the recovery orchestrator.
type Recoverer interface {
	Run(ctx context.Context, now time.Time) (*model.RecoveryReport, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Config     config.SchedulerConfig
	Dispatcher Dispatcher
	Recovery   Recoverer
	Clock      core.Clock
	Logger     *slog.Logger
}

// Runner fires the configured triggers on their cron schedules. Overlapping
// firings of the same trigger are skipped.
type Runner struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	recovery   Recoverer
	clock      core.Clock
	logger     *slog.Logger

	// ctx is the Run context jobs execute under.
	ctx context.Context
}

// NewRunner validates the schedules and registers the trigger jobs.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Recovery == nil {
		return nil, errors.New("recovery is required")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "crontrigger")

	parser := opts.Config.Parser()
	cl := cronLogger{logger: logger}
	r := &Runner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher: opts.Dispatcher,
		recovery:   opts.Recovery,
		clock:      opts.Clock,
		logger:     logger,
		ctx:        context.Background(),
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"dispatch", opts.Config.DispatchSpec, func() { r.dispatch(model.DispatchTriggerPrimary) }},
		{"dispatch_backup", opts.Config.BackupDispatchSpec, func() { r.dispatch(model.DispatchTriggerBackup) }},
		{"recovery", opts.Config.RecoverySpec, r.recover},
	}
	for _, job := range jobs {
		if job.spec == "" {
			logger.Info("trigger disabled", "trigger", job.name)
			continue
		}
		if _, err := r.cron.AddFunc(job.spec, job.fn); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
	}
	return r, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.ctx = ctx
	r.logger.InfoContext(ctx, "starting cron trigger", "jobs", len(r.cron.Entries()))
	r.cron.Start()

	<-ctx.Done()
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(stopTimeout):
		r.logger.Warn("cron trigger stop timed out with jobs still running")
	}
	r.logger.Info("cron trigger stopped", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (r *Runner) dispatch(trigger model.DispatchTrigger) {
	report, err := r.dispatcher.Sweep(r.ctx, service.SweepParams{Now: r.clock.Now(), Trigger: trigger})
	if err != nil {
		r.logger.ErrorContext(r.ctx, "scheduled dispatch failed",
			"trigger", trigger,
			"error", err,
			"error_class", obserrors.Classify(err),
		)
		return
	}
	if report.Claimed > 0 || report.Exhausted > 0 {
		r.logger.InfoContext(r.ctx, "scheduled dispatch complete",
			"trigger", trigger,
			"claimed", report.Claimed,
			"posted", report.Posted,
		)
	}
}

func (r *Runner) recover() {
	report, err := r.recovery.Run(r.ctx, r.clock.Now())
	switch {
	case errors.Is(err, core.ErrLockHeld):
		r.logger.DebugContext(r.ctx, "scheduled recovery skipped, running elsewhere")
	case err != nil:
		r.logger.ErrorContext(r.ctx, "scheduled recovery failed", "error", err)
	case !report.OverallSuccess:
		r.logger.WarnContext(r.ctx, "scheduled recovery finished with failed steps")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
