// Package core defines the ports between the postcron services and their adapters.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/target/postcron/internal/domain/model"
)

// This file contains repository and collaborator interface definitions (ports in
// hexagonal architecture). Services depend on these interfaces, not on
// concrete implementations in internal/data or internal/adapters.

var (
	// ErrLockHeld is returned by RunLocker when another holder owns the lock.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrPostNotFound is returned by PostRepository for unknown ids.
	ErrPostNotFound = errors.New("post not found")
	// ErrPostNotRetryable is returned by PostRepository.Retry for posts that are not failed.
	ErrPostNotRetryable = errors.New("post is not in a retryable state")
	// ErrAlertSuppressed is returned by Alerter when the same alert was sent
	// inside the de-duplication window.
	ErrAlertSuppressed = errors.New("alert suppressed")
)

// PostRepository defines the durable store of scheduled posts.
type PostRepository interface {
	Create(ctx context.Context, req *model.CreatePostRequest) (*model.ScheduledPost, error)
	GetByID(ctx context.Context, id string) (*model.ScheduledPost, error)
	ListByOwner(ctx context.Context, owner model.OwnerID, limit int) ([]*model.ScheduledPost, error)

	// FindDue returns pending posts due within [now-window, now] without claiming them.
	// A post is due at next_attempt_at when set, otherwise at scheduled_for.
	FindDue(ctx context.Context, now time.Time, window time.Duration) ([]*model.ScheduledPost, error)
	// ClaimDue atomically moves due pending posts to in_flight and returns them.
	// Concurrent callers never receive the same post.
	ClaimDue(ctx context.Context, params ClaimDueParams) ([]*model.ScheduledPost, error)
	// MarkPosted moves an in_flight post to posted. It returns false when the
	// post is no longer held under the given claim token.
	MarkPosted(ctx context.Context, params MarkPostedParams) (bool, error)
	// MarkFailed records a failed attempt and increments retry_count. The
	// returned post carries the resulting status (pending or failed).
	MarkFailed(ctx context.Context, params MarkFailedParams) (*model.ScheduledPost, error)
	// FailExhausted finalizes pending posts whose retry budget is spent and
	// returns their ids.
	FailExhausted(ctx context.Context, now time.Time) ([]string, error)

	Count(ctx context.Context, filter model.PostCountFilter) (int, error)
	ListUncharged(ctx context.Context, params ListUnchargedParams) ([]*model.ScheduledPost, error)
	// Retry moves a failed post back to pending with a fresh retry budget.
	Retry(ctx context.Context, id string, now time.Time) (*model.ScheduledPost, error)
}

// ClaimDueParams groups parameters for PostRepository.ClaimDue.
type ClaimDueParams struct {
	Now    time.Time
	Window time.Duration
	Lease  time.Duration
	Limit  int
}

// MarkPostedParams groups parameters for PostRepository.MarkPosted.
type MarkPostedParams struct {
	ID             string
	ClaimToken     string
	ExternalPostID string
	At             time.Time
}

// MarkFailedParams groups parameters for PostRepository.MarkFailed.
type MarkFailedParams struct {
	ID         string
	ClaimToken string
	Error      string
	At         time.Time
	// Finalize forces the post to failed regardless of remaining retries.
	Finalize bool
	// RetryAt gates the next claim when the post returns to pending.
	RetryAt time.Time
}

// ListUnchargedParams groups parameters for PostRepository.ListUncharged.
type ListUnchargedParams struct {
	PostedBefore time.Time
	Limit        int
}

// ChargeParams groups parameters for CreditLedger.Charge.
type ChargeParams struct {
	OwnerID model.OwnerID
	PostID  string
	Amount  int64
}

// CreditLedger debits the owner's credits for a delivered post.
// Charge is idempotent per PostID and reports whether this call debited.
type CreditLedger interface {
	Charge(ctx context.Context, params ChargeParams) (bool, error)
}

// Publisher performs the external post.
type Publisher interface {
	Publish(ctx context.Context, post *model.ScheduledPost) (*model.PublishResult, error)
}

// CredentialStore resolves the owner's platform credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, owner model.OwnerID, platform model.Platform) (*model.SocialCredential, error)
}

// Alerter delivers a health alert to operators. Delivery is best-effort.
// Repeats dropped by de-duplication return ErrAlertSuppressed.
type Alerter interface {
	Notify(ctx context.Context, alert model.HealthAlert) error
}

// RunLocker provides a short-lived cross-instance mutual exclusion lock.
// TryLock returns ErrLockHeld when the lock is owned elsewhere.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
