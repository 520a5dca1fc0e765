// Package migrate applies the embedded SQL schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// advisoryLockKey serialises concurrent migrators (several replicas starting at once).
const advisoryLockKey int64 = 7_406_001

// Run applies all SQL migrations embedded in this package. It is safe to call
// multiple times and from several processes at once.
func Run(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); unlockErr != nil {
			slog.Default().WarnContext(ctx, "release migration lock failed", "error", unlockErr)
		}
	}()

	if err := ensureVersionTable(ctx, conn); err != nil {
		return err
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		if applyErr := applyMigration(ctx, conn, f); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// Pending returns the versions that have not been applied yet.
func Pending(ctx context.Context, db *sql.DB) ([]string, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if err := ensureVersionTable(ctx, conn); err != nil {
		return nil, err
	}

	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, f := range files {
		exists, err := migrationExists(ctx, conn, f)
		if err != nil {
			return nil, err
		}
		if !exists {
			pending = append(pending, f.version)
		}
	}
	return pending, nil
}

func ensureVersionTable(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

// migration identifies one embedded SQL file.
type migration struct {
	version string
	file    string
}

func migrationFiles() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, migration{version: strings.TrimSuffix(e.Name(), ".sql"), file: e.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].file < out[j].file })
	return out, nil
}

func migrationExists(ctx context.Context, conn *sql.Conn, m migration) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`
	if err := conn.QueryRowContext(ctx, query, m.version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.file, err)
	}
	return exists, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, m migration) error {
	exists, err := migrationExists(ctx, conn, m)
	if err != nil || exists {
		return err
	}

	sqlBytes, err := migrationsFS.ReadFile("migrations/" + m.file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.file, err)
	}

	logger := slog.Default().With("component", "migrations")
	logger.InfoContext(ctx, "applying migration", "version", m.version)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			logger.ErrorContext(ctx, "failed to rollback transaction",
				"err", rollbackErr,
				"migration_file", m.file,
			)
		}
	}()

	if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
		return fmt.Errorf("exec migration %s: %w", m.file, execErr)
	}
	if _, insErr := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); insErr != nil {
		return fmt.Errorf("record migration %s: %w", m.file, insErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit migration %s: %w", m.file, commitErr)
	}

	return nil
}
