package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultMaxConns    = 4
	defaultPingTimeout = 5 * time.Second
)

// PoolOptions configures the failure ledger pool. The ledger writes one row
// per terminal failure, so a small pool is enough.
type PoolOptions struct {
	URL         string
	MaxConns    int32
	PingTimeout time.Duration
}

func poolConfig(opts PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	config.MaxConns = maxConns
	if config.MinConns > maxConns {
		config.MinConns = maxConns
	}
	return config, nil
}

// NewPostgresPool connects and pings the database within PingTimeout.
func NewPostgresPool(ctx context.Context, opts PoolOptions, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config, err := poolConfig(opts)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("failure ledger connected",
		zap.String("host", config.ConnConfig.Host),
		zap.String("database", config.ConnConfig.Database),
		zap.Int32("max_conns", config.MaxConns),
	)
	return pool, nil
}
