package data

import (
	"context"
	"database/sql"

	"github.com/target/postcron/internal/migrate"
)

// RunMigrations brings the postcron schema up to date.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
