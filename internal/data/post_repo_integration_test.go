package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/testutil"
)

func newTestPostRepo(db *sql.DB, now time.Time) *PostRepo {
	return NewPostRepo(db, PostRepoConfig{Clock: core.NewFixedClock(now)})
}

func claimParams(now time.Time) core.ClaimDueParams {
	return core.ClaimDueParams{Now: now, Window: 5 * time.Minute, Lease: 2 * time.Minute, Limit: 50}
}

func TestPostRepo_Integration_CreateAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		created, err := repo.Create(ctx, testutil.NewPostRequest().
			WithImages("img/a.png", "img/b.png").
			WithScheduledFor(now.Add(time.Hour)).
			WithMaxRetries(0).
			Build())
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPending, created.Status)
		assert.Equal(t, model.PostTypeCarousel, created.Type)
		assert.Equal(t, model.DefaultMaxRetries, created.MaxRetries)
		assert.Equal(t, []string{"img/a.png", "img/b.png"}, created.Images)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.True(t, got.ScheduledFor.Equal(now.Add(time.Hour)))

		_, err = repo.GetByID(ctx, "7d1c0f5e-1111-4222-8333-944455556666")
		require.ErrorIs(t, err, ErrPostNotFound)

		list, err := repo.ListByOwner(ctx, model.OwnerID(testutil.TestOwnerID), 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestPostRepo_Integration_FindDueWindow(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		for _, offset := range []time.Duration{-2 * time.Minute, -20 * time.Minute, time.Minute} {
			_, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(offset)).Build())
			require.NoError(t, err)
		}

		due, err := repo.FindDue(ctx, now, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.True(t, due[0].ScheduledFor.Equal(now.Add(-2*time.Minute)))

		// FindDue does not claim, so a second call sees the same post.
		again, err := repo.FindDue(ctx, now, 5*time.Minute)
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})
}

func TestPostRepo_Integration_ClaimIsExclusive(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		for i := range 6 {
			_, err := repo.Create(ctx, testutil.NewPostRequest().
				WithScheduledFor(now.Add(-time.Duration(i+1)*30*time.Second)).
				Build())
			require.NoError(t, err)
		}

		var (
			mu     sync.Mutex
			seen   = map[string]int{}
			wg     sync.WaitGroup
			errsCh = make(chan error, 4)
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				posts, err := repo.ClaimDue(ctx, claimParams(now))
				if err != nil {
					errsCh <- err
					return
				}
				mu.Lock()
				for _, p := range posts {
					seen[p.ID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errsCh)
		for err := range errsCh {
			require.NoError(t, err)
		}

		assert.Len(t, seen, 6)
		for id, n := range seen {
			assert.Equal(t, 1, n, "post %s claimed more than once", id)
		}

		// Everything is in flight; nothing left to claim.
		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		assert.Empty(t, posts)
	})
}

func TestPostRepo_Integration_ClaimOrderAndLease(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		later, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-time.Minute)).Build())
		require.NoError(t, err)
		earlier, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-3*time.Minute)).Build())
		require.NoError(t, err)

		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 2)
		assert.Equal(t, earlier.ID, posts[0].ID)
		assert.Equal(t, later.ID, posts[1].ID)
		assert.Equal(t, model.PostStatusInFlight, posts[0].Status)
		assert.NotEmpty(t, posts[0].ClaimToken)
		assert.Equal(t, posts[0].ClaimToken, posts[1].ClaimToken)
		require.NotNil(t, posts[0].LeaseExpiresAt)
		assert.True(t, posts[0].LeaseExpiresAt.Equal(now.Add(2*time.Minute)))
	})
}

func TestPostRepo_Integration_MarkPostedRequiresClaim(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		_, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-2*time.Minute)).Build())
		require.NoError(t, err)
		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 1)
		p := posts[0]

		ok, err := repo.MarkPosted(ctx, core.MarkPostedParams{
			ID: p.ID, ClaimToken: "0b7c5c52-0000-4000-8000-000000000000", ExternalPostID: "urn:li:share:1", At: now,
		})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.MarkPosted(ctx, core.MarkPostedParams{
			ID: p.ID, ClaimToken: p.ClaimToken, ExternalPostID: "urn:li:share:1", At: now,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPosted, got.Status)
		require.NotNil(t, got.ExternalPostID)
		assert.Equal(t, "urn:li:share:1", *got.ExternalPostID)
		assert.NotNil(t, got.PostedAt)
		assert.Nil(t, got.LeaseExpiresAt)
	})
}

func TestPostRepo_Integration_MarkFailedRetryThenFinalize(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		created, err := repo.Create(ctx, testutil.NewPostRequest().
			WithScheduledFor(now.Add(-time.Minute)).
			WithMaxRetries(2).
			Build())
		require.NoError(t, err)

		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 1)

		retryAt := now.Add(30 * time.Second)
		failed, err := repo.MarkFailed(ctx, core.MarkFailedParams{
			ID: created.ID, ClaimToken: posts[0].ClaimToken, Error: "503 from api", At: now, RetryAt: retryAt,
		})
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPending, failed.Status)
		assert.Equal(t, 1, failed.RetryCount)
		require.NotNil(t, failed.NextAttemptAt)
		assert.True(t, failed.NextAttemptAt.Equal(retryAt))

		// Not due again until the backoff passes.
		posts, err = repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		assert.Empty(t, posts)

		next := retryAt.Add(time.Second)
		posts, err = repo.ClaimDue(ctx, claimParams(next))
		require.NoError(t, err)
		require.Len(t, posts, 1)

		final, err := repo.MarkFailed(ctx, core.MarkFailedParams{
			ID: created.ID, ClaimToken: posts[0].ClaimToken, Error: "503 again", At: next,
		})
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusFailed, final.Status)
		assert.Equal(t, 2, final.RetryCount)
		assert.NotNil(t, final.FailedAt)

		_, err = repo.MarkFailed(ctx, core.MarkFailedParams{
			ID: created.ID, ClaimToken: posts[0].ClaimToken, Error: "late", At: next,
		})
		require.ErrorIs(t, err, ErrPostNotClaimed)
	})
}

func TestPostRepo_Integration_ExpiredLeaseCountsAsAttempt(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		created, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-time.Minute)).Build())
		require.NoError(t, err)

		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 1)

		// Lease lapses; the next claim requeues and reclaims the post.
		later := now.Add(3 * time.Minute)
		posts, err = repo.ClaimDue(ctx, claimParams(later))
		require.NoError(t, err)
		require.Len(t, posts, 1)
		assert.Equal(t, created.ID, posts[0].ID)
		assert.Equal(t, 1, posts[0].RetryCount)
	})
}

func TestPostRepo_Integration_ChargedLapsedPostIsFinalizedNotRequeued(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)
		ledger := NewCreditLedgerRepo(db, core.NewFixedClock(now))

		created, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-time.Minute)).Build())
		require.NoError(t, err)

		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 1)

		// Published and charged, but the posted state was never written.
		_, err = ledger.Charge(ctx, core.ChargeParams{OwnerID: created.OwnerID, PostID: created.ID, Amount: 1})
		require.NoError(t, err)

		posts, err = repo.ClaimDue(ctx, claimParams(now.Add(3*time.Minute)))
		require.NoError(t, err)
		assert.Empty(t, posts)

		stored, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPosted, stored.Status)
		assert.Equal(t, 0, stored.RetryCount)
		require.NotNil(t, stored.ExternalPostID)
		assert.Equal(t, model.UnconfirmedExternalPostID, *stored.ExternalPostID)
		require.NotNil(t, stored.PostedAt)
	})
}

func TestPostRepo_Integration_MarkPostedRejectsEmptyExternalID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		_, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-time.Minute)).Build())
		require.NoError(t, err)
		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 1)

		_, err = repo.MarkPosted(ctx, core.MarkPostedParams{ID: posts[0].ID, ClaimToken: posts[0].ClaimToken, At: now})
		require.Error(t, err)
	})
}

func TestPostRepo_Integration_FailExhaustedAndCount(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		created, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-20*time.Minute)).Build())
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `UPDATE scheduled_posts SET retry_count = max_retries WHERE id = $1`, created.ID)
		require.NoError(t, err)

		posts, err := repo.ClaimDue(ctx, core.ClaimDueParams{Now: now, Window: time.Hour, Lease: time.Minute, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, posts)

		ids, err := repo.FailExhausted(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []string{created.ID}, ids)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "retry limit reached", *got.ErrorMessage)

		since := now.Add(-24 * time.Hour)
		n, err := repo.Count(ctx, model.PostCountFilter{Status: model.PostStatusFailed, FailedSince: &since})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = repo.Count(ctx, model.PostCountFilter{Status: model.PostStatusPending})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestPostRepo_Integration_RetryAndChargeLedger(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)
		ledger := NewCreditLedgerRepo(db, core.NewFixedClock(now))

		created, err := repo.Create(ctx, testutil.NewPostRequest().WithScheduledFor(now.Add(-time.Minute)).Build())
		require.NoError(t, err)

		_, err = repo.Retry(ctx, created.ID, now)
		require.ErrorIs(t, err, ErrPostNotRetryable)

		posts, err := repo.ClaimDue(ctx, claimParams(now))
		require.NoError(t, err)
		require.Len(t, posts, 1)
		_, err = repo.MarkFailed(ctx, core.MarkFailedParams{
			ID: created.ID, ClaimToken: posts[0].ClaimToken, Error: "rejected", At: now, Finalize: true,
		})
		require.NoError(t, err)

		retried, err := repo.Retry(ctx, created.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPending, retried.Status)
		assert.Equal(t, 0, retried.RetryCount)

		// The retried post is due at the retry instant despite its old schedule.
		posts, err = repo.ClaimDue(ctx, claimParams(now.Add(time.Hour)))
		require.NoError(t, err)
		require.Len(t, posts, 1)
		ok, err := repo.MarkPosted(ctx, core.MarkPostedParams{
			ID: created.ID, ClaimToken: posts[0].ClaimToken, ExternalPostID: "urn:li:share:9", At: now.Add(time.Hour),
		})
		require.NoError(t, err)
		require.True(t, ok)

		uncharged, err := repo.ListUncharged(ctx, core.ListUnchargedParams{PostedBefore: now.Add(2 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, uncharged, 1)

		params := core.ChargeParams{OwnerID: created.OwnerID, PostID: created.ID, Amount: 1}
		charged, err := ledger.Charge(ctx, params)
		require.NoError(t, err)
		assert.True(t, charged)

		charged, err = ledger.Charge(ctx, params)
		require.NoError(t, err)
		assert.False(t, charged)

		balance, err := ledger.Balance(ctx, created.OwnerID.String())
		require.NoError(t, err)
		assert.Equal(t, int64(-1), balance)

		uncharged, err = repo.ListUncharged(ctx, core.ListUnchargedParams{PostedBefore: now.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, uncharged)
	})
}

func TestPostRepo_Integration_ScheduledForIsImmutable(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := newTestPostRepo(db, now)

		created, err := repo.Create(ctx, testutil.NewPostRequest().Build())
		require.NoError(t, err)

		_, err = db.ExecContext(ctx, `UPDATE scheduled_posts SET scheduled_for = $2 WHERE id = $1`,
			created.ID, now.Add(time.Hour))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduled_for is immutable")
	})
}

func TestCredentialRepo_Integration_Upsert(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewCredentialRepo(db)
		owner := model.OwnerID(testutil.TestOwnerID)

		_, err := repo.GetCredential(ctx, owner, model.PlatformLinkedIn)
		require.ErrorIs(t, err, model.ErrCredentialNotFound)

		require.NoError(t, repo.UpsertCredential(ctx, &model.SocialCredential{
			OwnerID: owner, Platform: model.PlatformLinkedIn, MemberURN: "urn:li:person:abc", AccessToken: "t1",
		}))
		require.NoError(t, repo.UpsertCredential(ctx, &model.SocialCredential{
			OwnerID: owner, Platform: model.PlatformLinkedIn, MemberURN: "urn:li:person:abc", AccessToken: "t2",
		}))

		cred, err := repo.GetCredential(ctx, owner, model.PlatformLinkedIn)
		require.NoError(t, err)
		assert.Equal(t, "t2", cred.AccessToken)
		assert.Nil(t, cred.ExpiresAt)
	})
}
