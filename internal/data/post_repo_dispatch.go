package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/data/pgxutil"
	"github.com/target/postcron/internal/domain/model"
)

// Advisory lock key for requeueExpired so concurrent sweeps do not contend on the same rows.
const advisoryLockRequeueKey int64 = 7_406_101

const leaseExpiredError = "lease expired before the dispatch attempt completed"

// dueAtExpr is the instant a pending post becomes due.
const dueAtExpr = `COALESCE(next_attempt_at, scheduled_for)`

// returningPostColumns qualifies postColumns with the UPDATE alias p.
var returningPostColumns = func() string {
	cols := strings.Split(strings.TrimSpace(postColumns), ",")
	for i, c := range cols {
		cols[i] = "p." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}()

// SQL used by ClaimDue to atomically claim due posts.
var claimDueSQL = `
  WITH due AS (
    SELECT id FROM scheduled_posts
    WHERE status = 'pending'
      AND retry_count < max_retries
      AND ` + dueAtExpr + ` <= $1
      AND ` + dueAtExpr + ` >= $2
    ORDER BY scheduled_for ASC, created_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
  )
  UPDATE scheduled_posts p
  SET
    status = 'in_flight',
    claim_token = $4,
    lease_expires_at = $5,
    last_attempt_at = $1,
    updated_at = $1
  FROM due
  WHERE p.id = due.id
  RETURNING ` + returningPostColumns

// FindDue returns pending posts due within [now-window, now] without claiming them.
func (r *PostRepo) FindDue(ctx context.Context, now time.Time, window time.Duration) ([]*model.ScheduledPost, error) {
	query := `SELECT ` + postColumns + `
		FROM scheduled_posts
		WHERE status = 'pending'
		  AND ` + dueAtExpr + ` <= $1
		  AND ` + dueAtExpr + ` >= $2
		ORDER BY scheduled_for ASC, created_at ASC`

	rows, err := r.DB.QueryContext(ctx, query, now.UTC(), now.Add(-window).UTC())
	if err != nil {
		return nil, fmt.Errorf("find due posts: %w", err)
	}
	return collectPosts(rows)
}

// ClaimDue requeues expired leases, then claims due pending posts for one dispatch run.
// Posts are returned in scheduled order and share one claim token.
func (r *PostRepo) ClaimDue(ctx context.Context, params core.ClaimDueParams) ([]*model.ScheduledPost, error) {
	if params.Lease <= 0 {
		return nil, errors.New("lease must be positive")
	}
	if params.Limit <= 0 {
		return nil, errors.New("limit must be positive")
	}

	if n, err := r.requeueExpired(ctx, params.Now); err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	} else if n > 0 {
		r.logger.WarnContext(ctx, "requeued posts with expired leases", "count", n)
	}

	now := params.Now.UTC()
	token := uuid.NewString()
	var claimed []*model.ScheduledPost
	err := pgxutil.InPgxTx(ctx, r.DB, &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, claimDueSQL,
				now,
				now.Add(-params.Window),
				params.Limit,
				token,
				now.Add(params.Lease),
			)
			if qerr != nil {
				return fmt.Errorf("claim due posts: %w", qerr)
			}
			defer rows.Close()

			for rows.Next() {
				p, serr := scanPostFromRow(rows)
				if serr != nil {
					return fmt.Errorf("scan claimed post: %w", serr)
				}
				claimed = append(claimed, p)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order.
	sort.SliceStable(claimed, func(i, j int) bool {
		if !claimed[i].ScheduledFor.Equal(claimed[j].ScheduledFor) {
			return claimed[i].ScheduledFor.Before(claimed[j].ScheduledFor)
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

// finalizeChargedSQL moves posts that were published and charged, but never
// marked posted, to posted so no later claim can publish them again.
const finalizeChargedSQL = `
	UPDATE scheduled_posts
	SET status = 'posted',
	    posted_at = COALESCE(last_attempt_at, $1::timestamptz),
	    external_post_id = COALESCE(external_post_id, $2),
	    claim_token = NULL,
	    lease_expires_at = NULL,
	    next_attempt_at = NULL,
	    updated_at = $1
	WHERE charged_at IS NOT NULL
	  AND (status = 'pending' OR (status = 'in_flight' AND lease_expires_at < $1))
`

// requeueExpired returns in_flight posts whose lease lapsed to pending and
// counts the lapsed attempt against the retry budget. Lapsed posts that were
// already charged were published, so they are finalized as posted instead.
func (r *PostRepo) requeueExpired(ctx context.Context, now time.Time) (int64, error) {
	var rowsAffected int64
	err := pgxutil.InSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", advisoryLockRequeueKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}

		fin, err := tx.ExecContext(ctx, finalizeChargedSQL, now.UTC(), model.UnconfirmedExternalPostID)
		if err != nil {
			return fmt.Errorf("finalize charged posts: %w", err)
		}
		if n, _ := fin.RowsAffected(); n > 0 {
			r.logger.WarnContext(ctx, "finalized published posts left unrecorded", "count", n)
		}

		res, err := tx.ExecContext(ctx, `
				UPDATE scheduled_posts
				SET
				  retry_count = retry_count + 1,
				  status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
				  failed_at = CASE WHEN retry_count + 1 >= max_retries THEN $1::timestamptz ELSE NULL END,
				  error_message = $2,
				  claim_token = NULL,
				  lease_expires_at = NULL,
				  updated_at = $1
				WHERE status = 'in_flight'
				  AND lease_expires_at < $1
			`, now.UTC(), leaseExpiredError)
		if err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// MarkPosted marks a claimed post as posted.
func (r *PostRepo) MarkPosted(ctx context.Context, params core.MarkPostedParams) (bool, error) {
	if strings.TrimSpace(params.ExternalPostID) == "" {
		return false, errors.New("external post id is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'posted',
		    posted_at = $3,
		    external_post_id = $4,
		    claim_token = NULL,
		    lease_expires_at = NULL,
		    next_attempt_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'in_flight' AND claim_token = $2
	`, params.ID, params.ClaimToken, params.At.UTC(), params.ExternalPostID)
	if err != nil {
		return false, fmt.Errorf("mark posted: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark posted rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkFailed records a failed attempt on a claimed post.
func (r *PostRepo) MarkFailed(ctx context.Context, params core.MarkFailedParams) (*model.ScheduledPost, error) {
	errMsg := strings.TrimSpace(params.Error)
	if errMsg == "" {
		errMsg = "publish failed"
	}

	var retryAt sql.NullTime
	if !params.RetryAt.IsZero() {
		retryAt = sql.NullTime{Time: params.RetryAt.UTC(), Valid: true}
	}

	query := `
      UPDATE scheduled_posts p
      SET
        retry_count = LEAST(retry_count + 1, max_retries),
        error_message = $3,
        status = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
        failed_at = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries THEN $5::timestamptz ELSE NULL END,
        next_attempt_at = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries THEN NULL ELSE $6::timestamptz END,
        claim_token = NULL,
        lease_expires_at = NULL,
        updated_at = $5
      WHERE p.id = $1 AND p.status = 'in_flight' AND p.claim_token = $2
      RETURNING ` + returningPostColumns

	row := r.DB.QueryRowContext(ctx, query,
		params.ID,
		params.ClaimToken,
		errMsg,
		params.Finalize,
		params.At.UTC(),
		retryAt,
	)
	post, err := scanPostFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPostNotClaimed
		}
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return post, nil
}

// FailExhausted finalizes pending posts whose retry budget is spent.
func (r *PostRepo) FailExhausted(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'failed',
		    failed_at = $1,
		    error_message = COALESCE(error_message, 'retry limit reached'),
		    next_attempt_at = NULL,
		    updated_at = $1
		WHERE status = 'pending' AND retry_count >= max_retries
		RETURNING id
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("fail exhausted posts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan exhausted post id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exhausted posts: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Retry moves a failed post back to pending and makes it due at now.
func (r *PostRepo) Retry(ctx context.Context, id string, now time.Time) (*model.ScheduledPost, error) {
	query := `
		UPDATE scheduled_posts p
		SET status = 'pending',
		    retry_count = 0,
		    failed_at = NULL,
		    next_attempt_at = $2,
		    updated_at = $2
		WHERE p.id = $1 AND p.status = 'failed'
		RETURNING ` + returningPostColumns

	post, err := scanPostFromRow(r.DB.QueryRowContext(ctx, query, id, now.UTC()))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry post: %w", err)
	}

	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrPostNotRetryable
}
