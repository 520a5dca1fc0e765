package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
)

// Count returns the number of posts matching filter.
func (r *PostRepo) Count(ctx context.Context, filter model.PostCountFilter) (int, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.Status != "" {
		if !filter.Status.Valid() {
			return 0, fmt.Errorf("invalid status filter: %q", filter.Status)
		}
		add("status = ?", string(filter.Status))
	}
	if filter.ScheduledBefore != nil {
		add("scheduled_for <= ?", filter.ScheduledBefore.UTC())
	}
	if filter.FailedSince != nil {
		add("failed_at >= ?", filter.FailedSince.UTC())
	}
	if filter.PostedSince != nil {
		add("posted_at >= ?", filter.PostedSince.UTC())
	}

	query := `SELECT COUNT(*) FROM scheduled_posts`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}

	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// ListUncharged returns posted posts with no recorded charge, oldest first.
func (r *PostRepo) ListUncharged(ctx context.Context, params core.ListUnchargedParams) ([]*model.ScheduledPost, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + postColumns + `
		FROM scheduled_posts
		WHERE status = 'posted'
		  AND charged_at IS NULL
		  AND posted_at <= $1
		ORDER BY posted_at ASC
		LIMIT $2`

	rows, err := r.DB.QueryContext(ctx, query, params.PostedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list uncharged posts: %w", err)
	}
	return collectPosts(rows)
}
