package testutil

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
)

// ErrMemoryPostNotFound is returned by MemoryPostRepo for unknown ids.
var ErrMemoryPostNotFound = core.ErrPostNotFound

// MemoryPostRepo is an in-process core.PostRepository with the same claim and
// retry semantics as the Postgres repository.
type MemoryPostRepo struct {
	mu    sync.Mutex
	posts map[string]*model.ScheduledPost
	now   func() time.Time

	// Err, when set, is returned by FailExhausted and ClaimDue to simulate an unreachable store.
	Err error
	// MarkPostedErr, when set, is returned by MarkPosted.
	MarkPostedErr error
}

// NewMemoryPostRepo creates an empty MemoryPostRepo. now stamps created_at on Create.
func NewMemoryPostRepo(now func() time.Time) *MemoryPostRepo {
	if now == nil {
		now = TestTime
	}
	return &MemoryPostRepo{posts: make(map[string]*model.ScheduledPost), now: now}
}

var _ core.PostRepository = (*MemoryPostRepo)(nil)

// Seed stores p as-is, filling the id and defaults when missing, and returns its id.
func (r *MemoryPostRepo) Seed(p model.ScheduledPost) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = model.PostStatusPending
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = model.DefaultMaxRetries
	}
	if p.OwnerID == "" {
		p.OwnerID = TestOwnerID
	}
	if p.Platform == "" {
		p.Platform = model.PlatformLinkedIn
	}
	if p.Type == "" {
		p.Type = model.PostTypeText
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.ScheduledFor
	}
	r.posts[p.ID] = &p
	return p.ID
}

// Get returns a copy of the stored post or nil.
func (r *MemoryPostRepo) Get(id string) *model.ScheduledPost {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[id]; ok {
		return clonePost(p)
	}
	return nil
}

// Create implements core.PostRepository.
func (r *MemoryPostRepo) Create(_ context.Context, req *model.CreatePostRequest) (*model.ScheduledPost, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	owner, err := model.ParseOwnerID(req.OwnerID)
	if err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	now := r.now().UTC()
	id := r.Seed(model.ScheduledPost{
		OwnerID:      owner,
		Content:      req.Content,
		Images:       append([]string{}, req.Images...),
		Platform:     req.Platform,
		Type:         req.Type,
		Status:       model.PostStatusPending,
		ScheduledFor: req.ScheduledFor.UTC(),
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return r.Get(id), nil
}

// GetByID implements core.PostRepository.
func (r *MemoryPostRepo) GetByID(_ context.Context, id string) (*model.ScheduledPost, error) {
	if p := r.Get(id); p != nil {
		return p, nil
	}
	return nil, ErrMemoryPostNotFound
}

// ListByOwner implements core.PostRepository.
func (r *MemoryPostRepo) ListByOwner(_ context.Context, owner model.OwnerID, limit int) ([]*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ScheduledPost
	for _, p := range r.posts {
		if p.OwnerID == owner {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.After(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindDue implements core.PostRepository.
func (r *MemoryPostRepo) FindDue(_ context.Context, now time.Time, window time.Duration) ([]*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ScheduledPost
	for _, p := range r.posts {
		if p.Status == model.PostStatusPending && dueWithin(p, now, window) {
			out = append(out, clonePost(p))
		}
	}
	sortScheduled(out)
	return out, nil
}

// ClaimDue implements core.PostRepository.
func (r *MemoryPostRepo) ClaimDue(_ context.Context, params core.ClaimDueParams) ([]*model.ScheduledPost, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := params.Now.UTC()
	for _, p := range r.posts {
		lapsed := p.Status == model.PostStatusInFlight && p.LeaseExpiresAt != nil && p.LeaseExpiresAt.Before(now)
		if p.ChargedAt != nil && (lapsed || p.Status == model.PostStatusPending) {
			finalizeCharged(p, now)
			continue
		}
		if !lapsed {
			continue
		}
		p.RetryCount++
		p.ErrorMessage = StringPtr("lease expired before the dispatch attempt completed")
		p.ClaimToken, p.LeaseExpiresAt = "", nil
		if p.RetryCount >= p.MaxRetries {
			p.Status, p.FailedAt = model.PostStatusFailed, TimePtr(now)
		} else {
			p.Status = model.PostStatusPending
		}
	}

	var due []*model.ScheduledPost
	for _, p := range r.posts {
		if p.Status == model.PostStatusPending && p.RetryCount < p.MaxRetries && dueWithin(p, now, params.Window) {
			due = append(due, p)
		}
	}
	sortScheduled(due)
	if params.Limit > 0 && len(due) > params.Limit {
		due = due[:params.Limit]
	}

	token := uuid.NewString()
	out := make([]*model.ScheduledPost, 0, len(due))
	for _, p := range due {
		p.Status = model.PostStatusInFlight
		p.ClaimToken = token
		p.LeaseExpiresAt = TimePtr(now.Add(params.Lease))
		p.LastAttemptAt = TimePtr(now)
		p.UpdatedAt = now
		out = append(out, clonePost(p))
	}
	return out, nil
}

// MarkPosted implements core.PostRepository.
func (r *MemoryPostRepo) MarkPosted(_ context.Context, params core.MarkPostedParams) (bool, error) {
	if r.MarkPostedErr != nil {
		return false, r.MarkPostedErr
	}
	if strings.TrimSpace(params.ExternalPostID) == "" {
		return false, errors.New("external post id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[params.ID]
	if !ok || p.Status != model.PostStatusInFlight || p.ClaimToken != params.ClaimToken {
		return false, nil
	}
	p.Status = model.PostStatusPosted
	p.PostedAt = TimePtr(params.At.UTC())
	p.ExternalPostID = StringPtr(params.ExternalPostID)
	p.ClaimToken, p.LeaseExpiresAt, p.NextAttemptAt = "", nil, nil
	p.UpdatedAt = params.At.UTC()
	return true, nil
}

// MarkFailed implements core.PostRepository.
func (r *MemoryPostRepo) MarkFailed(_ context.Context, params core.MarkFailedParams) (*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[params.ID]
	if !ok || p.Status != model.PostStatusInFlight || p.ClaimToken != params.ClaimToken {
		return nil, errors.New("post is not held under the claim token")
	}
	at := params.At.UTC()
	finalize := params.Finalize || p.RetryCount+1 >= p.MaxRetries
	p.RetryCount = min(p.RetryCount+1, p.MaxRetries)
	p.ErrorMessage = StringPtr(params.Error)
	p.ClaimToken, p.LeaseExpiresAt = "", nil
	p.UpdatedAt = at
	if finalize {
		p.Status, p.FailedAt, p.NextAttemptAt = model.PostStatusFailed, TimePtr(at), nil
	} else {
		p.Status = model.PostStatusPending
		p.NextAttemptAt = nil
		if !params.RetryAt.IsZero() {
			p.NextAttemptAt = TimePtr(params.RetryAt.UTC())
		}
	}
	return clonePost(p), nil
}

// FailExhausted implements core.PostRepository.
func (r *MemoryPostRepo) FailExhausted(_ context.Context, now time.Time) ([]string, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, p := range r.posts {
		if p.Status != model.PostStatusPending || p.RetryCount < p.MaxRetries {
			continue
		}
		p.Status = model.PostStatusFailed
		p.FailedAt = TimePtr(now.UTC())
		if p.ErrorMessage == nil {
			p.ErrorMessage = StringPtr("retry limit reached")
		}
		p.NextAttemptAt = nil
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count implements core.PostRepository.
func (r *MemoryPostRepo) Count(_ context.Context, f model.PostCountFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.posts {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.ScheduledBefore != nil && p.ScheduledFor.After(*f.ScheduledBefore) {
			continue
		}
		if f.FailedSince != nil && (p.FailedAt == nil || p.FailedAt.Before(*f.FailedSince)) {
			continue
		}
		if f.PostedSince != nil && (p.PostedAt == nil || p.PostedAt.Before(*f.PostedSince)) {
			continue
		}
		n++
	}
	return n, nil
}

// ListUncharged implements core.PostRepository.
func (r *MemoryPostRepo) ListUncharged(_ context.Context, params core.ListUnchargedParams) ([]*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ScheduledPost
	for _, p := range r.posts {
		if p.Status == model.PostStatusPosted && p.ChargedAt == nil && p.PostedAt != nil && !p.PostedAt.After(params.PostedBefore) {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(*out[j].PostedAt) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// Retry implements core.PostRepository.
func (r *MemoryPostRepo) Retry(_ context.Context, id string, now time.Time) (*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, ErrMemoryPostNotFound
	}
	if p.Status != model.PostStatusFailed {
		return nil, core.ErrPostNotRetryable
	}
	p.Status = model.PostStatusPending
	p.RetryCount = 0
	p.FailedAt = nil
	p.NextAttemptAt = TimePtr(now.UTC())
	p.UpdatedAt = now.UTC()
	return clonePost(p), nil
}

// MarkCharged stamps charged_at the way the ledger does.
func (r *MemoryPostRepo) MarkCharged(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[id]; ok && p.ChargedAt == nil {
		p.ChargedAt = TimePtr(at.UTC())
	}
}

// MemoryLedger is an in-process core.CreditLedger, idempotent per post.
type MemoryLedger struct {
	mu      sync.Mutex
	charges map[string]core.ChargeParams
	posts   *MemoryPostRepo

	// Err, when set, fails every Charge.
	Err error
}

// NewMemoryLedger creates a ledger that stamps charged_at on posts when posts is non-nil.
func NewMemoryLedger(posts *MemoryPostRepo) *MemoryLedger {
	return &MemoryLedger{charges: make(map[string]core.ChargeParams), posts: posts}
}

// Charge implements core.CreditLedger.
func (l *MemoryLedger) Charge(_ context.Context, params core.ChargeParams) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.posts != nil {
		l.posts.MarkCharged(params.PostID, TestTime())
	}
	if _, ok := l.charges[params.PostID]; ok {
		return false, nil
	}
	l.charges[params.PostID] = params
	return true, nil
}

// Charges returns how many posts were charged.
func (l *MemoryLedger) Charges() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.charges)
}

// Charged reports whether postID was charged.
func (l *MemoryLedger) Charged(postID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.charges[postID]
	return ok
}

func finalizeCharged(p *model.ScheduledPost, now time.Time) {
	p.Status = model.PostStatusPosted
	if p.PostedAt == nil {
		at := now
		if p.LastAttemptAt != nil {
			at = *p.LastAttemptAt
		}
		p.PostedAt = TimePtr(at)
	}
	if p.ExternalPostID == nil {
		p.ExternalPostID = StringPtr(model.UnconfirmedExternalPostID)
	}
	p.ClaimToken, p.LeaseExpiresAt, p.NextAttemptAt = "", nil, nil
	p.UpdatedAt = now
}

func dueWithin(p *model.ScheduledPost, now time.Time, window time.Duration) bool {
	due := p.ScheduledFor
	if p.NextAttemptAt != nil {
		due = *p.NextAttemptAt
	}
	return !due.After(now) && !due.Before(now.Add(-window))
}

func sortScheduled(posts []*model.ScheduledPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].ScheduledFor.Equal(posts[j].ScheduledFor) {
			return posts[i].ScheduledFor.Before(posts[j].ScheduledFor)
		}
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})
}

func clonePost(p *model.ScheduledPost) *model.ScheduledPost {
	c := *p
	c.Images = append([]string{}, p.Images...)
	return &c
}
