package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/data"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// DSN builds the Postgres connection string for cfg.
func DSN(cfg config.DBConfig) string {
	// Build DSN using url.URL to safely handle special characters in credentials
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens the process-wide PostgreSQL pool. Callers share the
// returned *sql.DB; it is never opened per request.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", DSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBConfig.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DBConfig.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConfig.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
			"max_open_conns", cfg.DBConfig.MaxOpenConns,
		)
	}

	return db, nil
}

// ConnectRedis connects to Redis when it is enabled. It returns a nil client
// when Redis is disabled.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	if !cfg.RedisConfig.Enabled {
		return nil, nil //nolint:nilnil // Redis is optional
	}

	opts, addrDesc, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", addrDesc)
	}
	return client, nil
}

// redisOptions maps config onto UniversalOptions. Sentinel is selected by
// MasterName and cluster by IsClusterMode.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	switch {
	case cfg.UseCluster:
		addrs := normalizeAddrs(cfg.ClusterNodes)
		if len(addrs) == 0 {
			return nil, "", errors.New("redis cluster configuration requires at least one address")
		}
		return &redis.UniversalOptions{
			Addrs:         addrs,
			Password:      cfg.Password,
			IsClusterMode: true,
		}, "cluster:" + strings.Join(addrs, ","), nil

	case cfg.UseSentinel:
		addrs := normalizeAddrs(cfg.SentinelNodes)
		if len(addrs) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		return &redis.UniversalOptions{
			Addrs:            addrs,
			MasterName:       cfg.SentinelMasterName,
			Password:         cfg.Password,
			SentinelPassword: cfg.SentinelPassword,
			DB:               cfg.DB,
		}, "sentinel:" + cfg.SentinelMasterName, nil
	}

	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, "", errors.New("redis direct configuration requires a URI")
	}
	if strings.HasPrefix(uri, "redis://") || strings.HasPrefix(uri, "rediss://") {
		opt, err := redis.ParseURL(uri)
		if err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		return &redis.UniversalOptions{
			Addrs:     []string{opt.Addr},
			Username:  opt.Username,
			Password:  opt.Password,
			DB:        opt.DB,
			TLSConfig: opt.TLSConfig,
		}, opt.Addr, nil
	}
	return &redis.UniversalOptions{
		Addrs:    []string{uri},
		Password: cfg.Password,
		DB:       cfg.DB,
	}, uri, nil
}

func normalizeAddrs(raw []string) []string {
	result := make([]string, 0, len(raw))
	for _, addr := range raw {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// RunMigrations runs database migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := data.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}

	return nil
}
