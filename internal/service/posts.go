package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	apperrors "github.com/target/postcron/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PostServiceOptions groups dependencies for PostService.
type PostServiceOptions struct {
	Repo core.PostRepository // Required: post store
	// PastTolerance is how far in the past a new post may be scheduled. Older
	// posts would fall outside every dispatch window.
	PastTolerance time.Duration
	Clock         core.Clock   // Optional: defaults to SystemClock
	Logger        *slog.Logger // Optional: structured logger
}

// PostService implements the operator surface over scheduled posts.
type PostService struct {
	repo          core.PostRepository
	pastTolerance time.Duration
	clock         core.Clock
	logger        *slog.Logger
}

// NewPostService constructs a new PostService.
func NewPostService(opts PostServiceOptions) (*PostService, error) {
	if opts.Repo == nil {
		return nil, errors.New("PostRepository is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostService{
		repo:          opts.Repo,
		pastTolerance: opts.PastTolerance,
		clock:         clock,
		logger:        logger.With("component", "posts"),
	}, nil
}

// Create validates req and stores a new pending post.
func (s *PostService) Create(ctx context.Context, req *model.CreatePostRequest) (*model.ScheduledPost, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid post")
	}
	earliest := s.clock.Now().Add(-s.pastTolerance)
	if req.ScheduledFor.Before(earliest) {
		return nil, apperrors.ValidationField("scheduled_for",
			fmt.Sprintf("must not be earlier than %s", earliest.UTC().Format(time.RFC3339)))
	}

	p, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", apperrors.MapDBError(err))
	}
	s.logger.InfoContext(ctx, "post scheduled",
		"post_id", p.ID,
		"owner_id", p.OwnerID,
		"platform", p.Platform,
		"scheduled_for", p.ScheduledFor,
	)
	return p, nil
}

// Get returns the post with id.
func (s *PostService) Get(ctx context.Context, id string) (*model.ScheduledPost, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapPostError(err)
	}
	return p, nil
}

// ListByOwner returns the owner's most recently scheduled posts.
func (s *PostService) ListByOwner(ctx context.Context, owner string, limit int) ([]*model.ScheduledPost, error) {
	id, err := model.ParseOwnerID(owner)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid owner id")
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.repo.ListByOwner(ctx, id, limit)
}

// Retry returns a failed post to pending with a fresh retry budget. The post
// becomes due immediately. A post that was delivered but recorded as failed
// will be published again.
func (s *PostService) Retry(ctx context.Context, id string) (*model.ScheduledPost, error) {
	p, err := s.repo.Retry(ctx, id, s.clock.Now())
	if err != nil {
		return nil, mapPostError(err)
	}
	s.logger.InfoContext(ctx, "post requeued by operator", "post_id", p.ID)
	return p, nil
}

func mapPostError(err error) error {
	switch {
	case errors.Is(err, core.ErrPostNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "post not found")
	case errors.Is(err, core.ErrPostNotRetryable):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "only failed posts can be retried")
	default:
		return apperrors.MapDBError(err)
	}
}
