package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps the redis connection used for live progress
type Client struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

// NewClient parses the URL, connects and pings
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	opt, err := goredis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if config.PoolSize > 0 {
		opt.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opt.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opt.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opt.WriteTimeout = config.WriteTimeout
	}

	logger.Info("Connecting to Redis", slog.String("addr", opt.Addr), slog.Int("db", opt.DB))

	rdb := goredis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Successfully connected to Redis")
	return &Client{rdb: rdb, logger: logger}, nil
}

// GetClient returns the underlying go-redis client
func (c *Client) GetClient() *goredis.Client {
	return c.rdb
}

// HealthCheck pings redis
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection", slog.Any("error", err))
		return err
	}
	return nil
}
