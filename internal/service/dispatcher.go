package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/domain/post"
	"github.com/target/postcron/internal/observability/metrics"
)

const (
	// storeWriteTimeout bounds result bookkeeping after a publish call. It is
	// detached from the run deadline so a delivered post is still recorded.
	storeWriteTimeout = 10 * time.Second
	maxErrorMessage   = 1000
)

// PostFailureNotifier is told about posts that reached terminal failure.
type PostFailureNotifier interface {
	NotifyPostFailure(ctx context.Context, post *model.ScheduledPost, reason string) error
}

// DispatcherServiceOptions groups dependencies for DispatcherService.
type DispatcherServiceOptions struct {
	Repo      core.PostRepository   // Required: post store
	Publisher core.Publisher        // Required: external publish API
	Ledger    core.CreditLedger     // Optional: credit ledger; nil skips charging
	Config    config.DispatchConfig // Required: dispatcher configuration
	Retry     *post.RetryPolicy     // Optional: defaults from Config.RetryBaseDelay
	Failures  PostFailureNotifier   // Optional: terminal failure notifications
	Clock     core.Clock            // Optional: defaults to SystemClock
	Metrics   *metrics.Metrics      // Optional: Prometheus instruments
	Logger    *slog.Logger          // Optional: structured logger
}

// DispatcherService claims due posts and publishes them one at a time.
//
// Every run is independent and safe to invoke redundantly: posts are claimed
// atomically before publishing, so overlapping primary, backup and recovery
// runs never publish the same post twice.
type DispatcherService struct {
	repo      core.PostRepository
	publisher core.Publisher
	ledger    core.CreditLedger
	config    config.DispatchConfig
	lease     *post.LeasePolicy
	retry     post.RetryPolicy
	failures  PostFailureNotifier
	clock     core.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// SweepParams configures one dispatch run.
type SweepParams struct {
	Now     time.Time
	Window  time.Duration // Zero uses the configured dispatch window.
	Trigger model.DispatchTrigger
}

// NewDispatcherService constructs a new DispatcherService.
func NewDispatcherService(opts DispatcherServiceOptions) (*DispatcherService, error) {
	if opts.Repo == nil {
		return nil, errors.New("PostRepository is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("Publisher is required")
	}

	lease, err := post.NewLeasePolicy(opts.Config.Lease)
	if err != nil {
		return nil, fmt.Errorf("lease policy: %w", err)
	}

	retry := post.RetryPolicy{Base: opts.Config.RetryBaseDelay, Max: 10 * opts.Config.RetryBaseDelay}
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DispatcherService{
		repo:      opts.Repo,
		publisher: opts.Publisher,
		ledger:    opts.Ledger,
		config:    opts.Config,
		lease:     lease,
		retry:     retry,
		failures:  opts.Failures,
		clock:     clock,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "dispatcher"),
	}, nil
}

// Run performs the primary dispatch over the configured window ending at now.
func (s *DispatcherService) Run(ctx context.Context, now time.Time) (*model.DispatchReport, error) {
	return s.Sweep(ctx, SweepParams{Now: now, Trigger: model.DispatchTriggerPrimary})
}

// Sweep finalizes exhausted posts, claims due posts and publishes them
// sequentially. Per-post failures are recorded in the report; only store
// failures while finalizing or claiming abort the run.
func (s *DispatcherService) Sweep(ctx context.Context, params SweepParams) (*model.DispatchReport, error) {
	if params.Now.IsZero() {
		params.Now = s.clock.Now()
	}
	if params.Window <= 0 {
		params.Window = s.config.Window
	}
	if params.Trigger == "" {
		params.Trigger = model.DispatchTriggerPrimary
	}

	started := time.Now()
	report := &model.DispatchReport{
		Trigger:   params.Trigger,
		StartedAt: params.Now.UTC(),
		Window:    params.Window.String(),
		Items:     []model.DispatchItem{},
	}

	runCtx := ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	err := s.sweep(runCtx, params, report)
	report.FinishedAt = s.clock.Now().UTC()
	s.metrics.ObserveDispatchRun(string(params.Trigger), time.Since(started), err)
	if err != nil {
		s.logger.ErrorContext(ctx, "dispatch run failed",
			"trigger", params.Trigger,
			"error", err,
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, "dispatch run complete",
		"trigger", params.Trigger,
		"window", report.Window,
		"claimed", report.Claimed,
		"posted", report.Posted,
		"retrying", report.Retrying,
		"failed", report.Failed,
		"exhausted", report.Exhausted,
		"abandoned", report.Abandoned,
		"unrecorded", report.Unrecorded,
		"charge_errors", report.ChargeErrors,
	)
	return report, nil
}

func (s *DispatcherService) sweep(ctx context.Context, params SweepParams, report *model.DispatchReport) error {
	exhausted, err := s.repo.FailExhausted(ctx, params.Now)
	if err != nil {
		return fmt.Errorf("fail exhausted posts: %w", err)
	}
	for _, id := range exhausted {
		s.record(report, model.DispatchItem{
			PostID:  id,
			Outcome: model.DispatchOutcomeExhausted,
			Error:   "retry limit reached",
		})
	}

	decision := s.lease.Resolve(post.LeaseRequest{
		BatchSize:      s.config.BatchSize,
		PublishTimeout: s.config.PublishTimeout,
		RunTimeout:     s.config.RunTimeout,
	})
	if decision.Stretched() {
		s.logger.DebugContext(ctx, "lease stretched to cover run",
			"lease", decision.Duration,
			"default", s.lease.Default(),
		)
	}

	claimed, err := s.repo.ClaimDue(ctx, core.ClaimDueParams{
		Now:    params.Now,
		Window: params.Window,
		Lease:  decision.Duration,
		Limit:  max(s.config.BatchSize, 1),
	})
	if err != nil {
		return fmt.Errorf("claim due posts: %w", err)
	}
	report.Claimed = len(claimed)

	for i, p := range claimed {
		if ctx.Err() != nil {
			// Unattempted posts stay in_flight until their lease lapses.
			for _, rest := range claimed[i:] {
				s.record(report, model.DispatchItem{
					PostID:  rest.ID,
					Outcome: model.DispatchOutcomeAbandoned,
					Error:   ctx.Err().Error(),
				})
			}
			s.logger.WarnContext(ctx, "dispatch run stopped before finishing batch",
				"abandoned", len(claimed)-i,
				"reason", ctx.Err(),
			)
			break
		}

		item, chargeFailed := s.dispatchOne(ctx, p)
		if chargeFailed {
			report.ChargeErrors++
		}
		s.record(report, item)
	}
	return nil
}

func (s *DispatcherService) record(report *model.DispatchReport, item model.DispatchItem) {
	report.Record(item)
	s.metrics.IncPostOutcome(string(report.Trigger), string(item.Outcome))
}

// dispatchOne publishes a claimed post and records the result. It reports
// whether the credit charge failed.
func (s *DispatcherService) dispatchOne(ctx context.Context, p *model.ScheduledPost) (model.DispatchItem, bool) {
	pubCtx := ctx
	if s.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, s.config.PublishTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := s.publisher.Publish(pubCtx, p)
	s.metrics.ObservePublish(string(p.Platform), time.Since(started), err)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if err != nil {
		return s.recordFailure(writeCtx, p, err), false
	}

	item := model.DispatchItem{PostID: p.ID, Outcome: model.DispatchOutcomePosted}
	if res != nil {
		item.ExternalPostID = res.ExternalPostID
	}
	if item.ExternalPostID == "" {
		// Accepted without an id. It must still leave in_flight or the lease
		// sweep would publish it again.
		item.ExternalPostID = model.UnconfirmedExternalPostID
		s.logger.WarnContext(ctx, "platform returned no external post id", "post_id", p.ID, "platform", p.Platform)
	}

	ok, err := s.repo.MarkPosted(writeCtx, core.MarkPostedParams{
		ID:             p.ID,
		ClaimToken:     p.ClaimToken,
		ExternalPostID: item.ExternalPostID,
		At:             s.clock.Now(),
	})
	switch {
	case err != nil:
		item.Outcome = model.DispatchOutcomeUnrecorded
		item.Error = fmt.Sprintf("record posted: %v", err)
		s.logger.ErrorContext(ctx, "published post could not be marked posted",
			"post_id", p.ID,
			"external_post_id", item.ExternalPostID,
			"error", err,
		)
	case !ok:
		item.Outcome = model.DispatchOutcomeUnrecorded
		item.Error = "claim lost before posted state was recorded"
		s.logger.WarnContext(ctx, "claim lost after publish",
			"post_id", p.ID,
			"external_post_id", item.ExternalPostID,
		)
	}

	// The post went out, so it is charged even if bookkeeping above failed.
	charged, chargeErr := s.charge(writeCtx, p)
	item.Charged = charged
	if chargeErr != nil {
		s.logger.ErrorContext(ctx, "credit charge failed",
			"post_id", p.ID,
			"owner_id", p.OwnerID,
			"error", chargeErr,
		)
		return item, true
	}
	return item, false
}

func (s *DispatcherService) charge(ctx context.Context, p *model.ScheduledPost) (bool, error) {
	if s.ledger == nil || s.config.ChargeAmount <= 0 {
		return false, nil
	}
	return s.ledger.Charge(ctx, core.ChargeParams{
		OwnerID: p.OwnerID,
		PostID:  p.ID,
		Amount:  s.config.ChargeAmount,
	})
}

func (s *DispatcherService) recordFailure(ctx context.Context, p *model.ScheduledPost, publishErr error) model.DispatchItem {
	now := s.clock.Now()
	message := truncate(publishErr.Error(), maxErrorMessage)
	decision := s.retry.Decide(now, p.RetryCount, p.MaxRetries, post.IsPermanent(publishErr))

	item := model.DispatchItem{PostID: p.ID, Outcome: model.DispatchOutcomeRetrying, Error: message}

	updated, err := s.repo.MarkFailed(ctx, core.MarkFailedParams{
		ID:         p.ID,
		ClaimToken: p.ClaimToken,
		Error:      message,
		At:         now,
		Finalize:   decision.Finalize,
		RetryAt:    decision.RetryAt,
	})
	if err != nil {
		item.Error = fmt.Sprintf("%s; record failure: %v", message, err)
		s.logger.ErrorContext(ctx, "failed post could not be recorded",
			"post_id", p.ID,
			"error", err,
		)
		return item
	}

	if updated.Status == model.PostStatusFailed {
		item.Outcome = model.DispatchOutcomeFailed
		s.logger.WarnContext(ctx, "post failed permanently",
			"post_id", p.ID,
			"platform", p.Platform,
			"retry_count", updated.RetryCount,
			"error", message,
		)
		if s.failures != nil {
			if err := s.failures.NotifyPostFailure(ctx, updated, message); err != nil && !errors.Is(err, core.ErrAlertSuppressed) {
				s.logger.WarnContext(ctx, "post failure notification failed", "post_id", p.ID, "error", err)
			}
		}
		return item
	}

	s.logger.InfoContext(ctx, "post publish failed, will retry",
		"post_id", p.ID,
		"retry_count", updated.RetryCount,
		"retry_at", decision.RetryAt,
		"error", message,
	)
	return item
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
