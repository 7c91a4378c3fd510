// Package kvstore opens the shared atomic-scripting key-value store used for
// coordination locks and usage accounting.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of the redis API the coordination primitives use.
type Client interface {
	redis.Cmdable
	Close() error
}

// Open parses url, connects and verifies the connection with a ping.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Ping verifies connectivity.
func Ping(ctx context.Context, c redis.Cmdable) error {
	return c.Ping(ctx).Err()
}

// Close closes the client, logging rather than returning the error.
func Close(c Client, logger *slog.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Error("failed to close redis client", "error", err)
	}
}
