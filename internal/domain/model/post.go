// Package model defines the core data types shared by the postcron delivery pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the social network a post is published to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Platform string

// PostType describes the shape of a post's payload.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type PostType string

// PostStatus represents the lifecycle state of a scheduled post.
type PostStatus string

const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformTwitter  Platform = "twitter"
	PlatformFacebook Platform = "facebook"

	PostTypeText     PostType = "text"
	PostTypeCarousel PostType = "carousel"
	PostTypeImage    PostType = "image"
	PostTypeArticle  PostType = "article"

	// PostStatusPending indicates a post is waiting for its scheduled time.
	PostStatusPending PostStatus = "pending"
	// PostStatusInFlight indicates a dispatcher has claimed the post and holds its lease.
	PostStatusInFlight PostStatus = "in_flight"
	// PostStatusPosted indicates the post was published.
	PostStatusPosted PostStatus = "posted"
	// PostStatusFailed indicates the post will not be retried automatically.
	PostStatusFailed PostStatus = "failed"
)

// DefaultMaxRetries is applied to posts created without an explicit retry cap.
const DefaultMaxRetries = 3

// UnconfirmedExternalPostID is stored for posts the platform accepted without
// returning an id, and for published posts finalized by the lease sweep.
const UnconfirmedExternalPostID = "unconfirmed"

// ErrInvalidOwnerID is returned when an owner identifier is not a UUID.
var ErrInvalidOwnerID = errors.New("owner id must be a valid UUID")

// Valid returns true if the platform is supported.
func (p Platform) Valid() bool {
	return p == PlatformLinkedIn || p == PlatformTwitter || p == PlatformFacebook
}

// UnmarshalText implements encoding.TextUnmarshaler for Platform.
func (p *Platform) UnmarshalText(text []byte) error {
	v := Platform(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid platform: %q", string(text))
	}
	*p = v
	return nil
}

// Valid returns true if the post type is known.
func (t PostType) Valid() bool {
	switch t {
	case PostTypeText, PostTypeCarousel, PostTypeImage, PostTypeArticle:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for PostType.
func (t *PostType) UnmarshalText(text []byte) error {
	v := PostType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid post type: %q", string(text))
	}
	*t = v
	return nil
}

// Valid returns true if the status is a known lifecycle state.
func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusPending, PostStatusInFlight, PostStatusPosted, PostStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final for the automatic dispatcher.
func (s PostStatus) Terminal() bool {
	return s == PostStatusPosted || s == PostStatusFailed
}

// OwnerID is the canonical identifier of the user who owns a post.
// It is always a lower-case UUID; there is no secondary e-mail identity.
type OwnerID string

// ParseOwnerID normalises raw into an OwnerID.
func ParseOwnerID(raw string) (OwnerID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidOwnerID
	}
	return OwnerID(id.String()), nil
}

// String returns the owner id as a string.
func (o OwnerID) String() string {
	return string(o)
}

// ScheduledPost is a post waiting for, undergoing, or finished with delivery.
type ScheduledPost struct {
	ID             string     `json:"id"                         db:"id"`
	OwnerID        OwnerID    `json:"owner_id"                   db:"owner_id"`
	Content        string     `json:"content"                    db:"content"`
	Images         []string   `json:"images"                     db:"images"`
	Platform       Platform   `json:"platform"                   db:"platform"`
	Type           PostType   `json:"type"                       db:"post_type"`
	Status         PostStatus `json:"status"                     db:"status"`
	ScheduledFor   time.Time  `json:"scheduled_for"              db:"scheduled_for"`
	RetryCount     int        `json:"retry_count"                db:"retry_count"`
	MaxRetries     int        `json:"max_retries"                db:"max_retries"`
	ClaimToken     string     `json:"-"                          db:"claim_token"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"  db:"next_attempt_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"  db:"last_attempt_at"`
	PostedAt       *time.Time `json:"posted_at,omitempty"        db:"posted_at"`
	FailedAt       *time.Time `json:"failed_at,omitempty"        db:"failed_at"`
	ErrorMessage   *string    `json:"error_message,omitempty"    db:"error_message"`
	ExternalPostID *string    `json:"external_post_id,omitempty" db:"external_post_id"`
	ChargedAt      *time.Time `json:"charged_at,omitempty"       db:"charged_at"`
	CreatedAt      time.Time  `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"                 db:"updated_at"`
}

// RetriesExhausted reports whether the post has used its retry budget.
func (p *ScheduledPost) RetriesExhausted() bool {
	return p.RetryCount >= p.MaxRetries
}

// CreatePostRequest represents a request to schedule a new post.
type CreatePostRequest struct {
	OwnerID      string    `json:"owner_id"              validate:"required,uuid"`
	Content      string    `json:"content"               validate:"required,max=3000"`
	Images       []string  `json:"images,omitempty"      validate:"max=20,dive,required"`
	Platform     Platform  `json:"platform"              validate:"required,oneof=linkedin twitter facebook"`
	Type         PostType  `json:"type"                  validate:"required,oneof=text carousel image article"`
	ScheduledFor time.Time `json:"scheduled_for"         validate:"required"`
	MaxRetries   int       `json:"max_retries,omitempty" validate:"omitempty,min=1,max=10"`
}

// PostCountFilter selects posts for Count. Nil bounds are ignored; all set
// bounds are combined with AND.
type PostCountFilter struct {
	Status          PostStatus
	ScheduledBefore *time.Time
	FailedSince     *time.Time
	PostedSince     *time.Time
}

// PublishResult is returned by a publisher after a successful post.
type PublishResult struct {
	ExternalPostID string `json:"external_post_id"`
}
