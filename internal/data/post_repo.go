package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
)

// PostRepoConfig holds configuration options for the post repository.
type PostRepoConfig struct {
	DefaultMaxRetries int
	Logger            *slog.Logger
	Clock             core.Clock
}

// PostRepo provides database operations for scheduled posts.
type PostRepo struct {
	DB     *sql.DB
	cfg    PostRepoConfig
	clock  core.Clock
	logger *slog.Logger
}

// NewPostRepo creates a new PostRepo with the given database connection and configuration.
func NewPostRepo(db *sql.DB, cfg PostRepoConfig) *PostRepo {
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	if cfg.DefaultMaxRetries < 1 {
		cfg.DefaultMaxRetries = model.DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PostRepo{
		DB:     db,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("component", "post_repo"),
	}
}

const postColumns = `
  id,
  owner_id,
  content,
  images,
  platform,
  post_type,
  status,
  scheduled_for,
  retry_count,
  max_retries,
  claim_token,
  lease_expires_at,
  next_attempt_at,
  last_attempt_at,
  posted_at,
  failed_at,
  error_message,
  external_post_id,
  charged_at,
  created_at,
  updated_at
`

// Create inserts a new pending post.
func (r *PostRepo) Create(ctx context.Context, req *model.CreatePostRequest) (*model.ScheduledPost, error) {
	if req == nil {
		return nil, errors.New("create post request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	owner, err := model.ParseOwnerID(req.OwnerID)
	if err != nil {
		return nil, err
	}

	images := req.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("marshal images: %w", err)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}

	now := r.clock.Now().UTC()
	query := `
		INSERT INTO scheduled_posts (
			owner_id, content, images, platform, post_type, status,
			scheduled_for, retry_count, max_retries, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, 0, $7, $8, $8)
		RETURNING ` + postColumns

	row := r.DB.QueryRowContext(ctx, query,
		owner.String(),
		req.Content,
		imagesJSON,
		string(req.Platform),
		string(req.Type),
		req.ScheduledFor.UTC(),
		maxRetries,
		now,
	)
	post, err := scanPostFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return post, nil
}

// GetByID returns the post with the given id.
func (r *PostRepo) GetByID(ctx context.Context, id string) (*model.ScheduledPost, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrPostNotFound
	}

	query := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE id = $1`
	post, err := scanPostFromRow(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// ListByOwner returns the owner's posts, most recently scheduled first.
func (r *PostRepo) ListByOwner(ctx context.Context, owner model.OwnerID, limit int) ([]*model.ScheduledPost, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + postColumns + `
		FROM scheduled_posts
		WHERE owner_id = $1
		ORDER BY scheduled_for DESC
		LIMIT $2`

	rows, err := r.DB.QueryContext(ctx, query, owner.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list posts by owner: %w", err)
	}
	return collectPosts(rows)
}

type postRowScanner interface {
	Scan(dest ...any) error
}

type postRowData struct {
	ownerID, platform, postType, status          string
	images                                       []byte
	leaseExpiresAt, nextAttemptAt, lastAttemptAt sql.NullTime
	postedAt, failedAt, chargedAt                sql.NullTime
	errorMessage, externalPostID, claimToken     sql.NullString
}

func (d *postRowData) scanInto(scanner postRowScanner, p *model.ScheduledPost) error {
	return scanner.Scan(
		&p.ID,
		&d.ownerID,
		&p.Content,
		&d.images,
		&d.platform,
		&d.postType,
		&d.status,
		&p.ScheduledFor,
		&p.RetryCount,
		&p.MaxRetries,
		&d.claimToken,
		&d.leaseExpiresAt,
		&d.nextAttemptAt,
		&d.lastAttemptAt,
		&d.postedAt,
		&d.failedAt,
		&d.errorMessage,
		&d.externalPostID,
		&d.chargedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}

func (d *postRowData) apply(p *model.ScheduledPost) error {
	p.OwnerID = model.OwnerID(d.ownerID)
	p.Platform = model.Platform(d.platform)
	p.Type = model.PostType(d.postType)
	p.Status = model.PostStatus(d.status)
	p.ScheduledFor = p.ScheduledFor.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	p.Images = []string{}
	if len(d.images) > 0 {
		if err := json.Unmarshal(d.images, &p.Images); err != nil {
			return fmt.Errorf("decode images: %w", err)
		}
	}

	p.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	p.NextAttemptAt = cloneNullableTime(d.nextAttemptAt)
	p.LastAttemptAt = cloneNullableTime(d.lastAttemptAt)
	p.PostedAt = cloneNullableTime(d.postedAt)
	p.FailedAt = cloneNullableTime(d.failedAt)
	p.ChargedAt = cloneNullableTime(d.chargedAt)
	p.ErrorMessage = cloneNullableString(d.errorMessage)
	p.ExternalPostID = cloneNullableString(d.externalPostID)
	p.ClaimToken = d.claimToken.String
	return nil
}

func scanPostFromRow(scanner postRowScanner) (*model.ScheduledPost, error) {
	p := &model.ScheduledPost{}
	var data postRowData
	if err := data.scanInto(scanner, p); err != nil {
		return nil, err
	}
	if err := data.apply(p); err != nil {
		return nil, err
	}
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]*model.ScheduledPost, error) {
	defer rows.Close()

	var posts []*model.ScheduledPost
	for rows.Next() {
		p, err := scanPostFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
