package model

import (
	"errors"
	"time"
)

// ErrCredentialNotFound is returned when an owner has no linked account for a platform.
var ErrCredentialNotFound = errors.New("social credential not found")

// SocialCredential is an owner's linked account on a platform.
type SocialCredential struct {
	OwnerID     OwnerID    `json:"owner_id"             db:"owner_id"`
	Platform    Platform   `json:"platform"             db:"platform"`
	MemberURN   string     `json:"member_urn"           db:"member_urn"`
	AccessToken string     `json:"-"                    db:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt   time.Time  `json:"updated_at"           db:"updated_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (c *SocialCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}
