package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/statusfeed/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
