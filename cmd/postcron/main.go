package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.Default().ErrorContext(ctx, "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
	logger := bootstrap.InitLogger(cfg.Observability.Logging)
	if err := run(ctx, logger, &cfg); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) error {
	logStartupInfo(ctx, logger, cfg)

	if err := bootstrap.ValidateServiceConfig(cfg); err != nil {
		return err
	}

	db, redisClient, err := initInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database failed", "error", cerr)
		}
	}()
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	if cfg.Postgres.RunMigrationsOnStart {
		if err = bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	services, err := bootstrap.NewServiceContainer(bootstrap.ServiceContainerConfig{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   cfg,
		Services: services,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting postcron service",
		"db_host", cfg.Postgres.Host,
		"db_port", cfg.Postgres.Port,
		"db_name", cfg.Postgres.Name,
		"redis_enabled", cfg.Redis.Enabled,
		"admin_enabled", cfg.Auth.AdminEnabled(),
		"enabled_services", bootstrap.GetEnabledServices(cfg))
}

// initInfrastructure connects shared dependencies used by the service runtime.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func initInfrastructure(
	ctx context.Context,
	cfg *config.AppConfig,
	logger *slog.Logger,
) (*sql.DB, redis.UniversalClient, error) {
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		Logger:      logger,
	}
	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	redisClient, err := bootstrap.ConnectRedis(dbCfg)
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database after redis connect failure", "error", cerr)
			return nil, nil, fmt.Errorf("connect redis: %w", errors.Join(err, fmt.Errorf("close database: %w", cerr)))
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return db, redisClient, nil
}
