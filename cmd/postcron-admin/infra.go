package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/target/postcron/internal/bootstrap"
)

// withServices connects the database (and Redis when enabled), builds the
// service container and runs fn. Connections are closed on return.
func withServices(
	ctx context.Context,
	cmdCtx *commandContext,
	fn func(ctx context.Context, services *bootstrap.ServiceContainer) error,
) (err error) {
	db, redisClient, err := connectInfra(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	services, err := bootstrap.NewServiceContainer(bootstrap.ServiceContainerConfig{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	return fn(ctx, services)
}

// connectInfra wires up infrastructure dependencies for a command.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfra(cmdCtx *commandContext) (*sql.DB, redis.UniversalClient, error) {
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	}
	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	redisClient, err := bootstrap.ConnectRedis(dbCfg)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return db, redisClient, nil
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}
