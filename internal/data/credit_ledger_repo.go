package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/data/pgxutil"
)

const chargeReasonPostPublished = "post_published"

// CreditLedgerRepo debits owner credits for published posts.
type CreditLedgerRepo struct {
	DB    *sql.DB
	clock core.Clock
}

// NewCreditLedgerRepo creates a new CreditLedgerRepo.
func NewCreditLedgerRepo(db *sql.DB, clock core.Clock) *CreditLedgerRepo {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &CreditLedgerRepo{DB: db, clock: clock}
}

// Charge debits params.Amount from the owner's balance for a published post.
// A post is charged at most once; later calls return false without debiting.
func (r *CreditLedgerRepo) Charge(ctx context.Context, params core.ChargeParams) (bool, error) {
	if strings.TrimSpace(params.PostID) == "" {
		return false, errors.New("post id is required")
	}
	if params.OwnerID == "" {
		return false, ErrOwnerIDRequired
	}
	if params.Amount < 0 {
		return false, errors.New("charge amount must not be negative")
	}

	now := r.clock.Now().UTC()
	var charged bool
	err := pgxutil.InSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var entryID int64
		err := tx.QueryRowContext(ctx, `
				INSERT INTO credit_ledger (owner_id, post_id, amount, reason, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (post_id, reason) DO NOTHING
				RETURNING id
			`, params.OwnerID.String(), params.PostID, params.Amount, chargeReasonPostPublished, now).Scan(&entryID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Already charged; make sure the post reflects it.
		case err != nil:
			return fmt.Errorf("insert ledger entry: %w", err)
		default:
			charged = true
			if _, err := tx.ExecContext(ctx, `
					INSERT INTO credit_balances (owner_id, balance, updated_at)
					VALUES ($1, -$2::bigint, $3)
					ON CONFLICT (owner_id) DO UPDATE
					SET balance = credit_balances.balance - $2::bigint,
					    updated_at = EXCLUDED.updated_at
				`, params.OwnerID.String(), params.Amount, now); err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_posts
				SET charged_at = $2
				WHERE id = $1 AND charged_at IS NULL
			`, params.PostID, now); err != nil {
			return fmt.Errorf("stamp charged_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return charged, nil
}

// Balance returns the owner's current credit balance. Owners without a
// balance row have a balance of zero.
func (r *CreditLedgerRepo) Balance(ctx context.Context, owner string) (int64, error) {
	var balance int64
	err := r.DB.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE owner_id = $1`, owner).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}
