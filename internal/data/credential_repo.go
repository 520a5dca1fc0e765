package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/postcron/internal/domain/model"
)

// CredentialRepo stores per-owner platform credentials.
type CredentialRepo struct {
	DB *sql.DB
}

// NewCredentialRepo creates a new CredentialRepo.
func NewCredentialRepo(db *sql.DB) *CredentialRepo {
	return &CredentialRepo{DB: db}
}

// GetCredential returns the owner's credential for platform.
func (r *CredentialRepo) GetCredential(
	ctx context.Context,
	owner model.OwnerID,
	platform model.Platform,
) (*model.SocialCredential, error) {
	if owner == "" {
		return nil, ErrOwnerIDRequired
	}

	var (
		cred      model.SocialCredential
		ownerID   string
		platf     string
		expiresAt sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT owner_id, platform, member_urn, access_token, expires_at, updated_at
		FROM social_credentials
		WHERE owner_id = $1 AND platform = $2
	`, owner.String(), string(platform)).Scan(
		&ownerID, &platf, &cred.MemberURN, &cred.AccessToken, &expiresAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}

	cred.OwnerID = model.OwnerID(ownerID)
	cred.Platform = model.Platform(platf)
	cred.ExpiresAt = cloneNullableTime(expiresAt)
	cred.UpdatedAt = cred.UpdatedAt.UTC()
	return &cred, nil
}

// UpsertCredential stores or replaces the owner's credential for a platform.
func (r *CredentialRepo) UpsertCredential(ctx context.Context, cred *model.SocialCredential) error {
	if cred == nil || cred.OwnerID == "" {
		return ErrOwnerIDRequired
	}
	if strings.TrimSpace(cred.AccessToken) == "" || strings.TrimSpace(cred.MemberURN) == "" {
		return errors.New("access token and member urn are required")
	}

	var expiresAt sql.NullTime
	if cred.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: cred.ExpiresAt.UTC(), Valid: true}
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO social_credentials (owner_id, platform, member_urn, access_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, platform) DO UPDATE
		SET member_urn = EXCLUDED.member_urn,
		    access_token = EXCLUDED.access_token,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
	`, cred.OwnerID.String(), string(cred.Platform), cred.MemberURN, cred.AccessToken, expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}
