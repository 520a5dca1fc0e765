package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/target/postcron/internal/migrate"
)

// TestDBConfig holds configuration for test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig returns default test database configuration.
// Defaults to port 55432 (local test DB from docker-compose test profile).
// CI sets TEST_DB_PORT=5432 explicitly.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:     getEnvOrDefault("TEST_DB_PORT", "55432"),
		User:     getEnvOrDefault("TEST_DB_USER", "postcron"),
		Password: getEnvOrDefault("TEST_DB_PASSWORD", "postcron"),
		DBName:   getEnvOrDefault("TEST_DB_NAME", "postcron"),
	}
}

// TestingTB is an interface that covers both *testing.T and *testing.B.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// SkipIfNoTestDB skips the test if test database is not available.
// TEST_REQUIRE_DB turns the skip into a failure.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()

	db, err := sql.Open("pgx", baseDSN(DefaultTestDBConfig()))
	if err != nil {
		skipOrFail(t, requireDB(), "Test database not available:", err)
		return
	}
	defer closeAndLog(t, "probe DB", db)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		skipOrFail(t, requireDB(), "Test database not available:", err)
	}
}

// SetupTestDB opens the shared test database, migrates it, and clears post data.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	db, err := sql.Open("pgx", baseDSN(DefaultTestDBConfig()))
	if err != nil {
		t.Fatal("Failed to open database:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatal("Failed to connect to test database. Make sure PostgreSQL is running (docker-compose up -d):", err)
	}
	if err := migrate.Run(ctx, db); err != nil {
		t.Fatal("Failed to run migrations:", err)
	}

	CleanupTestDB(t, db)
	return db
}

// CleanupTestDB removes all test data from the database.
func CleanupTestDB(t TestingTB, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Ledger rows reference posts; delete children first.
	for _, table := range []string{"credit_ledger", "credit_balances", "social_credentials", "scheduled_posts"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean up table %s: %v", table, err)
		}
	}
}

// WithAutoDB runs fn against an ephemeral schema when TEST_DB_EPHEMERAL is
// truthy, otherwise against the shared test database.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	if envBool("TEST_DB_EPHEMERAL") {
		fn(SetupEphemeralSchemaDB(t))
		return
	}

	db := SetupTestDB(t)
	defer func() {
		CleanupTestDB(t, db)
		closeAndLog(t, "test DB", db)
	}()
	fn(db)
}

// SetupEphemeralSchemaDB creates a unique schema per test, migrates it, and
// drops it when the test completes.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	cfg := DefaultTestDBConfig()
	adminDB, err := sql.Open("pgx", baseDSN(cfg))
	if err != nil {
		t.Fatal("Failed to open admin DB:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schema := schemaName()
	if _, err := adminDB.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		closeAndLog(t, "admin DB", adminDB)
		t.Fatalf("Failed to create schema %s: %v", schema, err)
	}

	u, err := url.Parse(baseDSN(cfg))
	if err != nil {
		closeAndLog(t, "admin DB", adminDB)
		t.Fatal("Failed to parse DSN:", err)
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	if err != nil {
		closeAndLog(t, "admin DB", adminDB)
		t.Fatal("Failed to open schema-scoped DB:", err)
	}
	db.SetMaxOpenConns(10)

	cleanup := func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		closeAndLog(t, "schema DB", db)
		if _, err := adminDB.ExecContext(cctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		closeAndLog(t, "admin DB", adminDB)
	}
	if tc, ok := any(t).(interface{ Cleanup(func()) }); ok {
		tc.Cleanup(cleanup)
	}

	if err := migrate.Run(ctx, db); err != nil {
		t.Fatal("Failed to run migrations in ephemeral schema:", err)
	}
	t.Logf("Using ephemeral schema: %s", schema)
	return db
}

// PostStateInfo is a compact view of a post row for debugging.
type PostStateInfo struct {
	ID         string
	Status     string
	RetryCount int
	MaxRetries int
	Error      *string
}

// LogPostStates logs the current state of all posts for debugging.
func LogPostStates(t TestingTB, db *sql.DB, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT id, status, retry_count, max_retries, error_message
		FROM scheduled_posts
		ORDER BY scheduled_for ASC
	`)
	if err != nil {
		t.Fatalf("Failed to query post states: %v", err)
	}
	defer closeAndLog(t, "post state rows", rows)

	t.Logf("=== %s ===", message)
	for i := 1; rows.Next(); i++ {
		var p PostStateInfo
		if err := rows.Scan(&p.ID, &p.Status, &p.RetryCount, &p.MaxRetries, &p.Error); err != nil {
			t.Fatalf("Failed to scan post state: %v", err)
		}
		t.Logf("Post %d: ID=%s, Status=%s, RetryCount=%d/%d, Error=%v",
			i, p.ID[:8], p.Status, p.RetryCount, p.MaxRetries, p.Error)
	}
	t.Logf("=== End %s ===", message)
}

func baseDSN(cfg TestDBConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.User, cfg.Password, net.JoinHostPort(cfg.Host, cfg.Port), cfg.DBName,
		getEnvOrDefault("DB_SSL_MODE", "disable"),
	)
}

func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

func skipOrFail(t TestingTB, fail bool, args ...any) {
	t.Helper()
	if fail {
		t.Fatal(args...)
	}
	t.Skip(args...)
}

func closeAndLog(t TestingTB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("warning: failed to close %s: %v", name, err)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envBool parses common truthy values from env vars.
func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
