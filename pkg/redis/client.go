package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options holds connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps go-redis client with optional logger.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Redis client connected", zap.String("addr", opts.Addr))
	return &Client{Client: rdb, logger: logger}, nil
}
